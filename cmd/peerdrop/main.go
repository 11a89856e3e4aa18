package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/peerdrop/internal/cli"
	"github.com/sheerbytes/peerdrop/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	args := os.Args[1:]
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), "peerdrop", version)
		termio.Flush()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, args, termio.Stdout(), termio.Stderr())
	stop()
	termio.Flush()
	os.Exit(code)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
