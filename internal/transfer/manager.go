// Package transfer implements the chunked file-transfer protocol: a Manager
// owning per-transfer send and receive state, and an Orchestrator that walks
// files through it in order.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/peerdrop/internal/channel"
	"github.com/sheerbytes/peerdrop/internal/chunk"
	"github.com/sheerbytes/peerdrop/internal/progress"
)

const (
	// DefaultMaxFileSize bounds what a receiver buffers in memory.
	DefaultMaxFileSize int64 = 4 << 30
	// DefaultMaxReceives bounds receive states open at once. Peers send
	// one file at a time, so more than a few means a misbehaving sender.
	DefaultMaxReceives       = 4
	tombstoneTTL             = 2 * time.Minute
)

// Role is the local side of a transfer.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "send"
	}
	return "recv"
}

// Sender is the outbound half of a channel.
type Sender interface {
	Send(channel.Message) error
}

// Receiver is the inbound half of a channel.
type Receiver interface {
	Receive(ctx context.Context) (channel.Message, error)
}

// Progress is a snapshot of one transfer.
type Progress struct {
	ID          string
	Role        Role
	Name        string
	Size        int64
	Bytes       int64
	Chunks      int
	TotalChunks int
	Percent     float64
	Rate        float64
	Elapsed     time.Duration
	ETA         time.Duration
}

// Hooks are called outside the manager lock. Any may be nil.
type Hooks struct {
	OnStart     func(p Progress)
	OnProgress  func(p Progress)
	OnFileReady func(p Progress, data []byte, path string)
	OnFailed    func(p Progress, err error)
	OnSent      func(p Progress)
}

// Options configure a Manager.
type Options struct {
	Mode         chunk.Mode
	ChunkSize    int
	StallTimeout time.Duration
	MaxFileSize  int64
	MaxReceives  int
	Logger       *slog.Logger
	Now          func() time.Time
	Hooks        Hooks
	// Sink, when set, stores every completed file before OnFileReady runs.
	Sink Sink
}

type state struct {
	role         Role
	meta         chunk.FileMetadata
	seen         *Bitmap
	slots        [][]byte
	bytes        int64
	chunkLen     int
	startedAt    time.Time
	lastActivity time.Time
}

// Manager owns the state of every transfer on one channel, in both
// directions. It is safe for concurrent use.
type Manager struct {
	out  Sender
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu         sync.Mutex
	sending    map[string]*state
	receiving  map[string]*state
	tombstones map[string]time.Time
}

// NewManager returns a manager that writes protocol messages to out.
func NewManager(out Sender, opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxReceives <= 0 {
		opts.MaxReceives = DefaultMaxReceives
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		out:        out,
		opts:       opts,
		log:        logger.With("component", "transfer"),
		now:        opts.Now,
		sending:    make(map[string]*state),
		receiving:  make(map[string]*state),
		tombstones: make(map[string]time.Time),
	}
}

// Mode returns the chunk encoding this manager's sends use.
func (m *Manager) Mode() chunk.Mode {
	return m.opts.Mode
}

// ChunkSize returns the chunk size this manager's sends use.
func (m *Manager) ChunkSize() int {
	return m.opts.ChunkSize
}

// BeginSend announces a new outbound file and returns its transfer ID. If the
// announcement cannot be sent no state is kept.
func (m *Manager) BeginSend(name string, size int64) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if size < 0 {
		return "", fmt.Errorf("negative size %d", size)
	}

	m.mu.Lock()
	id := m.newIDLocked()
	now := m.now()
	meta := chunk.NewMetadata(id, name, size, m.opts.ChunkSize)
	st := &state{
		role:         RoleSender,
		meta:         meta,
		seen:         NewBitmap(meta.TotalChunks),
		startedAt:    now,
		lastActivity: now,
	}
	m.sending[id] = st
	p := m.progressLocked(id, st, now)
	m.mu.Unlock()

	msg, err := chunk.EncodeStart(meta)
	if err == nil {
		err = m.out.Send(msg)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.sending, id)
		m.mu.Unlock()
		return "", fmt.Errorf("announce %s: %w", name, err)
	}

	m.log.Info("send started", "id", id, "name", name, "size", size, "chunks", meta.TotalChunks)
	if h := m.opts.Hooks.OnStart; h != nil {
		h(p)
	}
	return id, nil
}

// newIDLocked draws a UUIDv7 and falls back to a counter suffix on the
// unlikely collision with a live or recently cancelled transfer.
func (m *Manager) newIDLocked() string {
	base, err := uuid.NewV7()
	if err != nil {
		base = uuid.New()
	}
	id := base.String()
	for n := 1; m.inUseLocked(id); n++ {
		id = fmt.Sprintf("%s-%d", base.String(), n)
	}
	return id
}

func (m *Manager) inUseLocked(id string) bool {
	_, s := m.sending[id]
	_, r := m.receiving[id]
	_, t := m.tombstones[id]
	return s || r || t
}

// OnLocalChunkSent records that chunk index of an outbound transfer has been
// handed to the channel. After the last chunk it sends file-end and drops the
// transfer.
func (m *Manager) OnLocalChunkSent(id string, index int) error {
	m.mu.Lock()
	st, ok := m.sending[id]
	if !ok {
		_, cancelled := m.tombstones[id]
		m.mu.Unlock()
		if cancelled {
			return ErrTransferCancelled
		}
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if index < 0 || index >= st.meta.TotalChunks {
		m.mu.Unlock()
		return fmt.Errorf("chunk %d out of range for %d chunks", index, st.meta.TotalChunks)
	}
	now := m.now()
	if st.seen.Set(index) {
		st.bytes += chunkLength(st.meta, m.opts.ChunkSize, index)
	}
	st.lastActivity = now
	last := index == st.meta.TotalChunks-1
	if last {
		delete(m.sending, id)
	}
	p := m.progressLocked(id, st, now)
	m.mu.Unlock()

	if h := m.opts.Hooks.OnProgress; h != nil {
		h(p)
	}
	if !last {
		return nil
	}

	msg, err := chunk.EncodeEnd(id)
	if err == nil {
		err = m.out.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("finish %s: %w", st.meta.Name, err)
	}
	m.log.Info("send complete", "id", id, "name", st.meta.Name, "elapsed", p.Elapsed)
	if h := m.opts.Hooks.OnSent; h != nil {
		h(p)
	}
	return nil
}

func chunkLength(meta chunk.FileMetadata, chunkSize, index int) int64 {
	off := int64(index) * int64(chunkSize)
	n := meta.Size - off
	if n > int64(chunkSize) {
		n = int64(chunkSize)
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Cancelled reports whether id was cancelled by either side recently.
func (m *Manager) Cancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tombstones[id]
	return ok
}

// OnRemoteMessage is the single entry point for inbound protocol messages.
// It must be called from one goroutine in channel order. The returned error
// is informational; a bad message never affects other transfers.
func (m *Manager) OnRemoteMessage(msg channel.Message) error {
	f, err := chunk.Decode(msg)
	if err != nil {
		m.log.Warn("dropping message", "err", err)
		return err
	}
	switch f.Type {
	case chunk.TypeStart:
		return m.handleStart(f.Meta)
	case chunk.TypeChunk:
		return m.handleChunk(f.Chunk)
	case chunk.TypeEnd:
		return m.handleEnd(f.ID)
	case chunk.TypeCancel:
		return m.handleCancel(f.ID, f.Reason)
	}
	return nil
}

// Serve feeds every message from in to OnRemoteMessage until the channel
// closes or ctx ends. A cleanly closed channel returns nil.
func (m *Manager) Serve(ctx context.Context, in Receiver) error {
	for {
		msg, err := in.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		_ = m.OnRemoteMessage(msg)
	}
}

func (m *Manager) handleStart(meta chunk.FileMetadata) error {
	if err := ValidateName(meta.Name); err != nil {
		m.log.Warn("dropping file-start", "id", meta.TransferID, "name", meta.Name, "err", err)
		return err
	}
	if meta.Size > m.opts.MaxFileSize {
		err := fmt.Errorf("%w: %d bytes exceeds limit of %d", chunk.ErrMalformedMessage, meta.Size, m.opts.MaxFileSize)
		m.log.Warn("dropping file-start", "id", meta.TransferID, "name", meta.Name, "err", err)
		return err
	}

	m.mu.Lock()
	_, dup := m.receiving[meta.TransferID]
	if !dup && len(m.receiving) >= m.opts.MaxReceives {
		m.tombstones[meta.TransferID] = m.now()
		m.mu.Unlock()
		err := fmt.Errorf("%w: %d receives in progress", ErrTooManyTransfers, m.opts.MaxReceives)
		m.log.Warn("rejecting file-start", "id", meta.TransferID, "name", meta.Name, "err", err)
		if msg, encErr := chunk.EncodeCancel(meta.TransferID, "busy"); encErr == nil {
			if sendErr := m.out.Send(msg); sendErr != nil {
				m.log.Debug("cancel notice not sent", "id", meta.TransferID, "err", sendErr)
			}
		}
		return err
	}
	now := m.now()
	st := &state{
		role:         RoleReceiver,
		meta:         meta,
		seen:         NewBitmap(meta.TotalChunks),
		slots:        make([][]byte, meta.TotalChunks),
		startedAt:    now,
		lastActivity: now,
	}
	m.receiving[meta.TransferID] = st
	delete(m.tombstones, meta.TransferID)
	p := m.progressLocked(meta.TransferID, st, now)
	m.mu.Unlock()

	if dup {
		m.log.Warn("restarting transfer", "id", meta.TransferID, "err", ErrDuplicateTransfer)
	}
	m.log.Info("receive started", "id", meta.TransferID, "name", meta.Name, "size", meta.Size, "chunks", meta.TotalChunks)
	if h := m.opts.Hooks.OnStart; h != nil {
		h(p)
	}
	return nil
}

func (m *Manager) handleChunk(c chunk.Chunk) error {
	m.mu.Lock()
	st, ok := m.receiving[c.TransferID]
	if !ok {
		_, cancelled := m.tombstones[c.TransferID]
		m.mu.Unlock()
		if cancelled {
			return nil
		}
		err := fmt.Errorf("%w: %s", ErrUnknownTransfer, c.TransferID)
		m.log.Warn("dropping chunk", "index", c.Index, "err", err)
		return err
	}
	if c.Index >= st.meta.TotalChunks {
		m.mu.Unlock()
		err := fmt.Errorf("%w: index %d of %d", chunk.ErrMalformedChunk, c.Index, st.meta.TotalChunks)
		m.log.Warn("dropping chunk", "id", c.TransferID, "err", err)
		return err
	}
	if st.seen.Get(c.Index) {
		m.mu.Unlock()
		m.log.Debug("duplicate chunk", "id", c.TransferID, "index", c.Index)
		return nil
	}
	if !st.acceptsLen(c.Index, len(c.Payload)) {
		m.mu.Unlock()
		err := fmt.Errorf("%w: chunk %d has %d bytes", chunk.ErrMalformedChunk, c.Index, len(c.Payload))
		m.log.Warn("dropping chunk", "id", c.TransferID, "err", err)
		return err
	}
	payload := c.Payload
	if payload == nil {
		payload = []byte{}
	}
	st.seen.Set(c.Index)
	st.slots[c.Index] = payload
	st.bytes += int64(len(payload))
	now := m.now()
	st.lastActivity = now
	p := m.progressLocked(c.TransferID, st, now)
	m.mu.Unlock()

	if h := m.opts.Hooks.OnProgress; h != nil {
		h(p)
	}
	return nil
}

// acceptsLen checks a payload length against the announced size. Every chunk
// but the last has the same length; that length is learned from the first
// chunk that pins it down.
func (s *state) acceptsLen(index, n int) bool {
	size := s.meta.Size
	total := s.meta.TotalChunks
	if int64(n) > size {
		return false
	}
	if total == 1 {
		return int64(n) == size
	}
	if index < total-1 {
		if n == 0 {
			return false
		}
		if s.chunkLen != 0 {
			return n == s.chunkLen
		}
		rest := size - int64(total-1)*int64(n)
		if rest < 1 || rest > int64(n) {
			return false
		}
		s.chunkLen = n
		return true
	}
	rem := size - int64(n)
	if n == 0 || rem <= 0 || rem%int64(total-1) != 0 {
		return false
	}
	l := rem / int64(total-1)
	if l < int64(n) {
		return false
	}
	if s.chunkLen != 0 {
		return int64(s.chunkLen) == l
	}
	s.chunkLen = int(l)
	return true
}

func (m *Manager) handleEnd(id string) error {
	m.mu.Lock()
	st, ok := m.receiving[id]
	if !ok {
		_, cancelled := m.tombstones[id]
		m.mu.Unlock()
		if cancelled {
			return nil
		}
		err := fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
		m.log.Warn("dropping file-end", "err", err)
		return err
	}
	delete(m.receiving, id)
	now := m.now()
	p := m.progressLocked(id, st, now)
	full := st.seen.Full()
	missing := st.seen.Missing(8)
	slots := st.slots
	m.mu.Unlock()

	if !full {
		return m.fail(p, fmt.Errorf("%w: %d of %d chunks, missing %v", ErrTransferIncomplete, st.seen.CountSet(), st.meta.TotalChunks, missing))
	}
	data, err := chunk.Assemble(slots)
	if err != nil {
		return m.fail(p, fmt.Errorf("%w: %v", ErrTransferIncomplete, err))
	}
	if int64(len(data)) != st.meta.Size {
		return m.fail(p, fmt.Errorf("%w: assembled %d of %d bytes", ErrTransferIncomplete, len(data), st.meta.Size))
	}

	var path string
	if m.opts.Sink != nil {
		path, err = m.opts.Sink.WriteFile(st.meta.Name, data)
		if err != nil {
			return m.fail(p, fmt.Errorf("save: %w", err))
		}
	}
	m.log.Info("receive complete", "id", id, "name", st.meta.Name, "size", len(data), "path", path, "elapsed", p.Elapsed)
	if h := m.opts.Hooks.OnFileReady; h != nil {
		h(p, data, path)
	}
	return nil
}

func (m *Manager) handleCancel(id, reason string) error {
	m.mu.Lock()
	st, ok := m.receiving[id]
	if ok {
		delete(m.receiving, id)
	} else if st, ok = m.sending[id]; ok {
		delete(m.sending, id)
	}
	if !ok {
		_, cancelled := m.tombstones[id]
		m.mu.Unlock()
		if cancelled {
			return nil
		}
		err := fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
		m.log.Warn("dropping file-cancel", "err", err)
		return err
	}
	now := m.now()
	m.tombstones[id] = now
	p := m.progressLocked(id, st, now)
	m.mu.Unlock()

	m.log.Info("peer cancelled transfer", "id", id, "name", st.meta.Name, "reason", reason)
	m.notifyFailed(p, ErrTransferCancelled)
	return nil
}

// Cancel stops a transfer in either direction and tells the peer.
func (m *Manager) Cancel(id string) error {
	return m.cancel(id, "cancelled", ErrTransferCancelled)
}

func (m *Manager) cancel(id, reason string, cause error) error {
	m.mu.Lock()
	st, ok := m.sending[id]
	if ok {
		delete(m.sending, id)
	} else if st, ok = m.receiving[id]; ok {
		delete(m.receiving, id)
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	now := m.now()
	m.tombstones[id] = now
	p := m.progressLocked(id, st, now)
	m.mu.Unlock()

	m.log.Info("transfer cancelled", "id", id, "name", st.meta.Name, "role", st.role, "reason", reason)
	var sendErr error
	msg, err := chunk.EncodeCancel(id, reason)
	if err == nil {
		err = m.out.Send(msg)
	}
	if err != nil {
		m.log.Debug("cancel notice not sent", "id", id, "err", err)
		sendErr = err
	}
	m.notifyFailed(p, cause)
	return sendErr
}

func (m *Manager) fail(p Progress, err error) error {
	m.log.Warn("transfer failed", "id", p.ID, "name", p.Name, "err", err)
	return m.notifyFailed(p, err)
}

func (m *Manager) notifyFailed(p Progress, err error) error {
	terr := &Error{ID: p.ID, Name: p.Name, Err: err}
	if h := m.opts.Hooks.OnFailed; h != nil {
		h(p, terr)
	}
	return terr
}

// ProgressOf returns the progress of a live transfer.
func (m *Manager) ProgressOf(id string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sending[id]
	if !ok {
		st, ok = m.receiving[id]
	}
	if !ok {
		return Progress{}, false
	}
	return m.progressLocked(id, st, m.now()), true
}

// Active returns a snapshot of every live transfer.
func (m *Manager) Active() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Progress, 0, len(m.sending)+len(m.receiving))
	for id, st := range m.sending {
		out = append(out, m.progressLocked(id, st, now))
	}
	for id, st := range m.receiving {
		out = append(out, m.progressLocked(id, st, now))
	}
	return out
}

func (m *Manager) progressLocked(id string, st *state, now time.Time) Progress {
	elapsed := now.Sub(st.startedAt)
	done := st.seen.CountSet()
	stats := progress.Compute(int64(done), int64(st.meta.TotalChunks), elapsed)
	var rate float64
	if elapsed > 0 {
		rate = float64(st.bytes) / elapsed.Seconds()
	}
	return Progress{
		ID:          id,
		Role:        st.role,
		Name:        st.meta.Name,
		Size:        st.meta.Size,
		Bytes:       st.bytes,
		Chunks:      done,
		TotalChunks: st.meta.TotalChunks,
		Percent:     stats.Percent,
		Rate:        rate,
		Elapsed:     elapsed,
		ETA:         stats.ETA,
	}
}

// SweepStalled fails every incomplete receive idle for longer than the stall
// timeout and forgets old cancellations. It returns the failed IDs.
func (m *Manager) SweepStalled(now time.Time) []string {
	var stalled []string
	m.mu.Lock()
	for id, at := range m.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(m.tombstones, id)
		}
	}
	if m.opts.StallTimeout > 0 {
		for id, st := range m.receiving {
			if !st.seen.Full() && now.Sub(st.lastActivity) >= m.opts.StallTimeout {
				stalled = append(stalled, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range stalled {
		if err := m.cancel(id, "stalled", ErrTransferStalled); err != nil && !errors.Is(err, ErrUnknownTransfer) {
			m.log.Debug("stall notice", "id", id, "err", err)
		}
	}
	return stalled
}

// Watch runs SweepStalled periodically until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	interval := m.opts.StallTimeout / 4
	if interval <= 0 {
		interval = tombstoneTTL / 4
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStalled(m.now())
		}
	}
}
