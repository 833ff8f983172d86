package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/history"
)

func runHistory(args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	limit := fs.Int("limit", 20, "number of transactions to show (0 for all)")
	id := fs.String("id", "", "show a single transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := g.outputFormat()
	if err != nil {
		return err
	}
	if *limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()
	h, err := history.Open(filepath.Join(a.stateDir, history.FileName))
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()
	var records []history.Record
	if *id != "" {
		r, err := h.Get(ctx, *id)
		if err != nil {
			return err
		}
		records = []history.Record{r}
	} else {
		records, err = h.List(ctx, *limit)
		if err != nil {
			return err
		}
	}
	if records == nil {
		records = []history.Record{}
	}
	switch format {
	case "json":
		return writeJSON(stdout, records)
	default:
		return printHistoryText(stdout, records)
	}
}
