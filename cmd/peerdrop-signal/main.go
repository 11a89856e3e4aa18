package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/logging"
	sig "github.com/sheerbytes/peerdrop/internal/signal"
	"github.com/sheerbytes/peerdrop/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(termio.Stderr(), "error:", err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.New("peerdrop-signal", cfg.LogLevel)

	srv := sig.NewServer(sig.Options{
		RoomTTL:           cfg.RoomTTL,
		MaxRooms:          cfg.MaxRooms,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		RoomCreatesPerMin: cfg.RoomCreatesPerMin,
		RoomCreatesBurst:  cfg.RoomCreatesBurst,
		WSIdleTimeout:     cfg.WSIdleTimeout,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.RunJanitor(ctx, time.Minute)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(termio.Stdout(), "starting server addr=%s\n", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	termio.Flush()
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
