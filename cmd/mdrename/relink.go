package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/txn"
)

// runRelink rewrites links by name without renaming any file. Documents are
// updated independently; a failed document does not undo the others.
func runRelink(args []string) error {
	fs := pflag.NewFlagSet("relink", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	fromName := fs.String("from-name", "", "note name links currently point at")
	toName := fs.String("to-name", "", "note name links should point at")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := g.outputFormat()
	if err != nil {
		return err
	}
	if err := requireFlag("from-name", *fromName); err != nil {
		return err
	}
	if err := requireFlag("to-name", *toName); err != nil {
		return err
	}
	if err := txn.ValidateName(*toName); err != nil {
		return err
	}

	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openState(); err != nil {
		return err
	}
	ctx := context.Background()
	a.recoverPending(ctx)

	opts := a.cfg.ScanOptions()
	opts.TargetName = *fromName
	res, err := a.scanner.Scan(ctx, opts)
	if err != nil {
		return err
	}
	results, commitErr := core.NewUpdater(a.store, a.log).Commit(ctx,
		core.GroupByFile(res.References), core.Retarget{Name: *toName}, core.CommitOptions{})

	out := newRelinkOutput(*fromName, *toName, len(res.References), results)
	switch format {
	case "json":
		err = writeJSON(stdout, out)
	default:
		err = printRelinkText(stdout, out)
	}
	if err != nil {
		return err
	}
	if commitErr != nil {
		return errReported
	}
	return nil
}
