package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/txn"
)

func runRecover(args []string) error {
	fs := pflag.NewFlagSet("recover", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	list := fs.Bool("list", false, "list pending transactions without acting on them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := g.outputFormat()
	if err != nil {
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

	var recs []txn.Recovery
	var recErr error
	if *list {
		recs, err = a.manager.Pending()
		if err != nil {
			return err
		}
	} else {
		recs, recErr = a.manager.Recover(context.Background())
	}
	out := recoverOutput{Transactions: recs, Listed: *list}
	if out.Transactions == nil {
		out.Transactions = []txn.Recovery{}
	}
	switch format {
	case "json":
		err = writeJSON(stdout, out)
	default:
		err = printRecoverText(stdout, out)
	}
	if err != nil {
		return err
	}
	if recErr != nil {
		a.log.Error("recovery incomplete", "error", recErr)
		return errReported
	}
	return nil
}
