package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/peerdrop/internal/bufpool"
	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/chunk"
)

const (
	// DefaultPace is the pause between chunks.
	DefaultPace = time.Millisecond
	// DefaultFlushEvery is how many chunks may sit in a channel's local
	// buffer before the orchestrator waits for it to drain.
	DefaultFlushEvery = 64
)

// OrchestratorOptions configure an Orchestrator.
type OrchestratorOptions struct {
	// Pace is the pause after each chunk. Negative disables it.
	Pace       time.Duration
	FlushEvery int
	Pool       *bufpool.Pool
	Logger     *slog.Logger
}

// Orchestrator sends files one after another through a Manager. Files never
// interleave.
type Orchestrator struct {
	m    *Manager
	out  Sender
	opts OrchestratorOptions
	log  *slog.Logger

	mu      sync.Mutex
	active  string
	stopped bool
}

// NewOrchestrator returns an orchestrator that writes chunks to out, which
// must be the same Sender m writes control messages to.
func NewOrchestrator(m *Manager, out Sender, opts OrchestratorOptions) *Orchestrator {
	if opts.Pace == 0 {
		opts.Pace = DefaultPace
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	if opts.Pool == nil {
		opts.Pool = bufpool.New(m.ChunkSize())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{m: m, out: out, opts: opts, log: logger.With("component", "orchestrator")}
}

// SendAll sends files in order. Cancelling the active transfer or ctx stops
// the current file, skips the rest and returns ErrTransferCancelled.
func (o *Orchestrator) SendAll(ctx context.Context, files []Source) error {
	o.mu.Lock()
	o.stopped = false
	o.mu.Unlock()

	for i, f := range files {
		if o.isStopped() || ctx.Err() != nil {
			o.log.Info("skipping remaining files", "skipped", len(files)-i)
			return ErrTransferCancelled
		}
		if err := o.send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops the active transfer and any files queued behind it.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.stopped = true
	id := o.active
	o.mu.Unlock()
	if id == "" {
		return
	}
	if err := o.m.Cancel(id); err != nil && !errors.Is(err, ErrUnknownTransfer) {
		o.log.Debug("cancel", "id", id, "err", err)
	}
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) setActive(id string) {
	o.mu.Lock()
	o.active = id
	o.mu.Unlock()
}

func (o *Orchestrator) send(ctx context.Context, f Source) error {
	id, err := o.m.BeginSend(f.Name(), f.Size())
	if err != nil {
		return err
	}
	o.setActive(id)
	defer o.setActive("")

	meta := chunk.NewMetadata(id, f.Name(), f.Size(), o.m.ChunkSize())
	slicer := chunk.NewSlicer(f, meta, o.m.ChunkSize(), o.opts.Pool)
	flusher, _ := o.out.(channel.Flusher)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if ctx.Err() != nil {
			o.abort(id)
			return &Error{ID: id, Name: meta.Name, Err: ErrTransferCancelled}
		}
		if o.m.Cancelled(id) {
			return &Error{ID: id, Name: meta.Name, Err: ErrTransferCancelled}
		}
		// Cancel may have run before id was registered as active.
		if o.isStopped() {
			o.abort(id)
			return &Error{ID: id, Name: meta.Name, Err: ErrTransferCancelled}
		}

		c, err := slicer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			o.abort(id)
			return &Error{ID: id, Name: meta.Name, Err: err}
		}
		msg, err := chunk.EncodeChunk(o.m.Mode(), id, c.Index, c.Payload)
		slicer.Release(c)
		if err != nil {
			o.abort(id)
			return &Error{ID: id, Name: meta.Name, Err: err}
		}
		if err := o.out.Send(msg); err != nil {
			o.abort(id)
			return &Error{ID: id, Name: meta.Name, Err: fmt.Errorf("send chunk %d: %w", c.Index, err)}
		}
		if err := o.m.OnLocalChunkSent(id, c.Index); err != nil {
			return &Error{ID: id, Name: meta.Name, Err: err}
		}

		last := c.Index == meta.TotalChunks-1
		if flusher != nil && (last || (c.Index+1)%o.opts.FlushEvery == 0) {
			if err := flusher.Flush(ctx); err != nil {
				if !last {
					o.abort(id)
				}
				return &Error{ID: id, Name: meta.Name, Err: fmt.Errorf("flush: %w", err)}
			}
		}
		if last || o.opts.Pace <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(o.opts.Pace)
		} else {
			timer.Reset(o.opts.Pace)
		}
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}

// abort cancels id unless it has already ended.
func (o *Orchestrator) abort(id string) {
	if err := o.m.Cancel(id); err != nil && !errors.Is(err, ErrUnknownTransfer) {
		o.log.Debug("abort", "id", id, "err", err)
	}
}
