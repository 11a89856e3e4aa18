// Package cli implements the peerdrop command line: host, join and history.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/peerdrop/internal/app"
	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/history"
	"github.com/sheerbytes/peerdrop/internal/logging"
)

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		printUsage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "host":
		return runTransfer(ctx, cmd, rest, stdout, stderr)
	case "join":
		return runTransfer(ctx, cmd, rest, stdout, stderr)
	case "history":
		return runHistory(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func runTransfer(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		if cmd == "host" {
			fmt.Fprintln(stderr, "usage: peerdrop host [flags] [files...]")
		} else {
			fmt.Fprintln(stderr, "usage: peerdrop join [flags] <code> [files...]")
		}
		fs.PrintDefaults()
	}
	cfg, positional, err := config.ParseClientConfig(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	runner := &app.Runner{
		Config: cfg,
		Logger: logging.NewWithWriter(stderr, "peerdrop", cfg.LogLevel),
		Out:    stdout,
	}
	if cmd == "host" {
		err = runner.Host(ctx, positional)
	} else {
		if len(positional) == 0 && cfg.Direct == "" {
			fmt.Fprintln(stderr, "error: join needs a room code")
			fs.Usage()
			return 2
		}
		code := ""
		if cfg.Direct == "" {
			code, positional = positional[0], positional[1:]
		}
		err = runner.Join(ctx, code, positional)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "interrupted")
		return 130
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	clearAll := fs.Bool("clear", false, "delete every history entry")
	cfg, _, err := config.ParseClientConfig(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	hist := history.Open(cfg.HistoryPath, logging.NewWithWriter(stderr, "peerdrop", cfg.LogLevel))
	if *clearAll {
		if err := hist.Clear(); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		fmt.Fprintln(stdout, "Transfer history cleared")
		return 0
	}
	entries, err := hist.List()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	history.Print(stdout, entries, time.Now())
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: peerdrop <command> [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  host     create a room and exchange files with whoever joins")
	fmt.Fprintln(w, "  join     join a room by code (or a unique prefix of it)")
	fmt.Fprintln(w, "  history  list past transfers (--clear to forget them)")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  peerdrop host report.pdf photos.zip")
	fmt.Fprintln(w, "  peerdrop join K7M2QX9P --out ./downloads")
	fmt.Fprintln(w, "  peerdrop host --direct :7000 big.iso")
	fmt.Fprintln(w, "  peerdrop join --direct 192.168.1.20:7000")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  peerdrop host --help")
	fmt.Fprintln(w, "  peerdrop join --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" {
			return true
		}
	}
	return false
}
