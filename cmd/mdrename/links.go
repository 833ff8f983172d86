package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/store"
)

func runLinks(args []string) error {
	fs := pflag.NewFlagSet("links", pflag.ContinueOnError)
	g := addGlobalFlags(fs)
	name := fs.String("name", "", "note name to find links to")
	path := fs.String("path", "", "note path; also matches folder-qualified links")
	if err := fs.Parse(args); err != nil {
		return err
	}
	format, err := g.outputFormat()
	if err != nil {
		return err
	}
	if *name == "" && *path != "" {
		*name = store.Basename(*path)
	}
	if err := requireFlag("name", *name); err != nil {
		return err
	}

	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.cfg.ScanOptions()
	opts.TargetName = *name
	if *path != "" {
		opts.TargetPath = store.NormalizePath(*path)
	}
	res, err := a.scanner.Scan(context.Background(), opts)
	if err != nil {
		return err
	}
	out := newLinksOutput(*name, opts.TargetPath, res)
	switch format {
	case "json":
		return writeJSON(stdout, out)
	default:
		return printLinksText(stdout, out)
	}
}
