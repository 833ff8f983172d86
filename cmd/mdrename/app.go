package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/ryotapoi/mdrename/internal/core"
	"github.com/ryotapoi/mdrename/internal/history"
	"github.com/ryotapoi/mdrename/internal/store"
	"github.com/ryotapoi/mdrename/internal/txn"
	"github.com/ryotapoi/mdrename/internal/wal"
)

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("command failed")

const stateDirEnv = "MDRENAME_STATE_DIR"

type globalFlags struct {
	vault    *string
	format   *string
	verbose  *bool
	stateDir *string
}

func addGlobalFlags(fs *pflag.FlagSet) *globalFlags {
	return &globalFlags{
		vault:    fs.String("vault", ".", "vault root directory"),
		format:   fs.String("format", "", "output format (json or text)"),
		verbose:  fs.BoolP("verbose", "v", false, "log debug output to stderr"),
		stateDir: fs.String("state-dir", "", "directory for the WAL and history"),
	}
}

// outputFormat returns the requested format, or text on a terminal and
// json otherwise.
func (g *globalFlags) outputFormat() (string, error) {
	if *g.format == "" {
		return defaultFormat(stdout), nil
	}
	if err := validateFormat(*g.format); err != nil {
		return "", err
	}
	return *g.format, nil
}

func defaultFormat(w io.Writer) string {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return "text"
	}
	return "json"
}

// resolveStateDir picks the state directory: flag, environment, config
// file, then the per-user configuration directory.
func resolveStateDir(flagValue string, cfg core.Config) (string, error) {
	for _, dir := range []string{flagValue, os.Getenv(stateDirEnv), cfg.StateDir} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate state directory: %w", err)
	}
	return filepath.Join(base, "mdrename"), nil
}

type app struct {
	root    string
	cfg     core.Config
	log     *slog.Logger
	store   *store.Store
	scanner *core.Scanner

	// Set by openState.
	stateDir string
	wal      *wal.Log
	history  *history.Store
	manager  *txn.Manager
}

// openApp loads the vault configuration. With excludeDocs the store skips
// the configured exclude_paths while enumerating; renames keep them visible
// so name collisions with excluded notes are still caught.
func openApp(g *globalFlags, excludeDocs bool) (*app, error) {
	root, err := filepath.Abs(*g.vault)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault: %s is not a directory", root)
	}
	cfg, err := core.LoadConfig(root)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if *g.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	opts := []store.Option{store.WithLogger(log), store.WithRetryPolicy(cfg.RetryPolicy())}
	if fn := cfg.ExcludeFunc(); excludeDocs && fn != nil {
		opts = append(opts, store.WithExclude(fn))
	}
	st := store.New(root, opts...)
	a := &app{
		root:    root,
		cfg:     cfg,
		log:     log,
		store:   st,
		scanner: core.NewScanner(st, core.WithScanLogger(log)),
	}
	a.stateDir, err = resolveStateDir(*g.stateDir, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openState opens the WAL and history and builds the transaction manager.
func (a *app) openState() error {
	dir, err := wal.VaultDir(a.stateDir, a.root)
	if err != nil {
		return err
	}
	a.wal, err = wal.Open(dir, wal.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.history, err = history.Open(filepath.Join(a.stateDir, history.FileName))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	a.manager, err = txn.New(txn.Options{
		Store:       a.store,
		Scanner:     a.scanner,
		Updater:     core.NewUpdater(a.store, a.log),
		WAL:         a.wal,
		History:     a.history,
		Logger:      a.log,
		ScanOptions: a.cfg.ScanOptions(),
	})
	return err
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("could not close history", "error", err)
		}
	}
}

// recoverPending resolves transactions a crashed run left behind. Failures
// are logged; transactions needing manual recovery stay in the WAL and do
// not block new work.
func (a *app) recoverPending(ctx context.Context) {
	recs, err := a.manager.Recover(ctx)
	for _, r := range recs {
		if r.Action == txn.ActionActive {
			a.log.Debug("transaction running in another process", "tx", r.TransactionID)
			continue
		}
		a.log.Warn("resolved interrupted transaction", "tx", r.TransactionID,
			"last_phase", r.LastPhase, "action", r.Action, "outcome", r.Outcome)
	}
	if err != nil {
		a.log.Error("recovery incomplete; run 'mdrename recover --list'", "error", err)
	}
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
