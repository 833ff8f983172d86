package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "rename":
		err = runRename(os.Args[2:])
	case "links":
		err = runLinks(os.Args[2:])
	case "relink":
		err = runRelink(os.Args[2:])
	case "recover":
		err = runRecover(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "--version":
		printVersion(os.Stdout)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	v := version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	fmt.Fprintf(w, "mdrename version %s\n", v)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: mdrename <command> [options]

Commands:
  rename    Rename a note and update every wikilink to it
  links     List the wikilinks pointing at a note
  relink    Rewrite links from one note name to another (no rename)
  recover   Resolve transactions interrupted by a crash
  history   Show finished rename transactions

Common options:
  --vault       vault root directory (default ".")
  --format      json or text (default: text on a terminal, json otherwise)
  --state-dir   where the WAL and history live (env MDRENAME_STATE_DIR)
  --verbose     log debug output to stderr

Run 'mdrename <command> --help' for command-specific help.
Use 'mdrename --version' for version information.
`)
}
