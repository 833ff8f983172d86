package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/txn"
)

func runRename(args []string) error {
	fs := pflag.NewFlagSet("rename", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	from := fs.String("from", "", "source note path (vault-relative)")
	to := fs.String("to", "", "destination note path (vault-relative)")
	noLinks := fs.Bool("no-links", false, "rename without rewriting links")
	dryRun := fs.Bool("dry-run", false, "show what would change without touching the vault")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := g.outputFormat()
	if err != nil {
		return err
	}
	if err := requireFlag("from", *from); err != nil {
		return err
	}
	if err := requireFlag("to", *to); err != nil {
		return err
	}

	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openState(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if !*dryRun {
		a.recoverPending(ctx)
	}

	res, err := a.manager.Rename(ctx, txn.Request{
		OldPath:     *from,
		NewPath:     *to,
		UpdateLinks: !*noLinks,
		DryRun:      *dryRun,
	})
	resp := txn.Respond(res, err)
	switch format {
	case "json":
		err = writeJSON(stdout, resp)
	default:
		err = printRenameText(stdout, resp)
	}
	if err != nil {
		return err
	}
	if !resp.Success {
		return errReported
	}
	return nil
}
