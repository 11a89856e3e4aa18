// Package app runs peerdrop sessions: it connects two peers, then moves files
// between them while showing progress and recording history.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/chunk"
	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/history"
	"github.com/sheerbytes/peerdrop/internal/progress"
	"github.com/sheerbytes/peerdrop/internal/termio"
	"github.com/sheerbytes/peerdrop/internal/transfer"
)

// ErrTransfersFailed is returned when a session ends with failed transfers.
var ErrTransfersFailed = errors.New("some transfers failed")

const (
	connectTimeout = 30 * time.Second
	// idleLinger is how long a finished sender waits with no inbound
	// transfer before it hangs up. It covers the gap between two files
	// the peer sends back to back.
	idleLinger   = 2 * time.Second
	idleInterval = 250 * time.Millisecond
)

// Runner runs host and join sessions.
type Runner struct {
	Config config.ClientConfig
	Logger *slog.Logger
	// Out receives user-facing messages. Defaults to stdout.
	Out io.Writer
	// Display receives the progress display; a terminal gets the TUI.
	// Defaults to stdout.
	Display io.Writer
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return termio.Stdout()
	}
	return r.Out
}

func (r *Runner) display() io.Writer {
	if r.Display != nil {
		return r.Display
	}
	if r.Config.NoTUI {
		return termio.Stdout()
	}
	return os.Stdout
}

func openSources(paths []string) ([]transfer.Source, func(), error) {
	var files []*transfer.FileSource
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, p := range paths {
		f, err := transfer.OpenFile(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
	}
	sources := make([]transfer.Source, len(files))
	for i, f := range files {
		sources[i] = f
	}
	return sources, closeAll, nil
}

// session moves files over ch until the peer hangs up, ctx ends, or (unless
// Stay is set) everything in sources was sent and the peer is idle.
func (r *Runner) session(ctx context.Context, ch channel.Channel, sources []transfer.Source, peer string) error {
	cfg := r.Config
	logger := r.logger().With("peer", peer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ch.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, connectTimeout)
	err := channel.WaitReady(readyCtx, ch)
	readyCancel()
	if err != nil {
		return fmt.Errorf("wait for data channel: %w", err)
	}
	fmt.Fprintf(r.out(), "connected to %s\n", peer)

	mode, err := chunk.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	sink, err := transfer.NewDirSink(cfg.OutDir)
	if err != nil {
		return err
	}
	var hist *history.Log
	if cfg.HistoryPath != "" {
		hist = history.Open(cfg.HistoryPath, logger)
	}

	b := newBoard("peerdrop - "+peer, peer, hist, logger)
	m := transfer.NewManager(ch, transfer.Options{
		Mode:         mode,
		ChunkSize:    cfg.ChunkSize,
		StallTimeout: cfg.StallTimeout,
		Logger:       logger,
		Hooks:        b.hooks(),
		Sink:         sink,
	})
	pace := cfg.Pace
	if pace == 0 {
		pace = -1
	}
	orch := transfer.NewOrchestrator(m, ch, transfer.OrchestratorOptions{Pace: pace, Logger: logger})

	interrupted := make(chan struct{})
	stopRender := progress.Render(ctx, r.display(), b.view(m), func() {
		select {
		case <-interrupted:
		default:
			close(interrupted)
		}
	})

	go m.Watch(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- m.Serve(ctx, ch) }()

	var sendDone chan error
	if len(sources) > 0 {
		sendDone = make(chan error, 1)
		go func() { sendDone <- orch.SendAll(ctx, sources) }()
	}

	var idle <-chan time.Time
	var idleSince time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			r.abort(m, orch)
			result = ctx.Err()
			break loop
		case <-interrupted:
			r.abort(m, orch)
			result = context.Canceled
			break loop
		case err := <-serveDone:
			if err != nil {
				result = fmt.Errorf("data channel: %w", err)
			}
			if sendDone != nil {
				orch.Cancel()
			}
			break loop
		case err := <-sendDone:
			sendDone = nil
			if err != nil {
				logger.Warn("send stopped", "error", err)
			}
			if cfg.Stay {
				continue
			}
			ticker = time.NewTicker(idleInterval)
			idle = ticker.C
			idleSince = time.Now()
		case now := <-idle:
			if receiving(m) {
				idleSince = now
				continue
			}
			if now.Sub(idleSince) >= idleLinger {
				break loop
			}
		}
	}

	stopRender()
	_ = ch.Close()
	line, failed := b.summary()
	fmt.Fprintln(r.out(), line)
	if result == nil && failed > 0 {
		result = ErrTransfersFailed
	}
	return result
}

func receiving(m *transfer.Manager) bool {
	for _, p := range m.Active() {
		if p.Role == transfer.RoleReceiver {
			return true
		}
	}
	return false
}

// abort cancels everything in flight so the peer hears about it.
func (r *Runner) abort(m *transfer.Manager, orch *transfer.Orchestrator) {
	orch.Cancel()
	for _, p := range m.Active() {
		if err := m.Cancel(p.ID); err != nil && !errors.Is(err, transfer.ErrUnknownTransfer) {
			r.logger().Debug("cancel on exit", "id", p.ID, "error", err)
		}
	}
}
