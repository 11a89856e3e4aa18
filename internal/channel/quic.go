package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the peerdrop direct transport.
	ALPNProtocol = "peerdrop-direct-v1"

	frameHeaderLen = 5
	maxFrameLen    = 16 << 20

	frameHello  byte = 0
	frameText   byte = 1
	frameBinary byte = 2
)

var _ Channel = (*QUIC)(nil)

// QUIC carries messages over a single bidirectional QUIC stream. Each message is
// framed as kind byte, big-endian uint32 length, payload.
type QUIC struct {
	conn   *quic.Conn
	stream *quic.Stream
	logger *slog.Logger
	in     *inbox
	ready  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	readDone  chan struct{}
}

func newQUIC(conn *quic.Conn, stream *quic.Stream, logger *slog.Logger) *QUIC {
	if logger == nil {
		logger = slog.Default()
	}
	q := &QUIC{
		conn:     conn,
		stream:   stream,
		logger:   logger.With("remote_addr", conn.RemoteAddr().String()),
		in:       newInbox(),
		ready:    make(chan struct{}),
		readDone: make(chan struct{}),
	}
	close(q.ready)
	go q.readLoop()
	return q
}

func (q *QUIC) readLoop() {
	defer close(q.readDone)
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(q.stream, header); err != nil {
			if errors.Is(err, io.EOF) {
				q.in.close(io.EOF)
			} else {
				q.in.close(fmt.Errorf("quic read: %w", err))
			}
			return
		}
		kind := header[0]
		n := binary.BigEndian.Uint32(header[1:])
		if n > maxFrameLen {
			q.logger.Warn("oversized frame", "bytes", n)
			q.in.close(fmt.Errorf("quic frame of %d bytes exceeds limit", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(q.stream, payload); err != nil {
			q.in.close(fmt.Errorf("quic read: %w", err))
			return
		}
		switch kind {
		case frameHello:
		case frameText:
			q.in.push(Message{Kind: KindText, Data: payload})
		case frameBinary:
			q.in.push(Message{Kind: KindBinary, Data: payload})
		default:
			q.logger.Warn("unknown frame kind", "kind", kind)
		}
	}
}

func (q *QUIC) writeFrame(kind byte, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(payload))
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.stream.Write(buf); err != nil {
		return fmt.Errorf("quic write: %w", err)
	}
	return nil
}

// Send frames msg onto the stream.
func (q *QUIC) Send(msg Message) error {
	if q.in.closed() {
		return ErrClosed
	}
	kind := frameBinary
	if msg.Kind == KindText {
		kind = frameText
	}
	return q.writeFrame(kind, msg.Data)
}

// Receive returns the next message read from the stream.
func (q *QUIC) Receive(ctx context.Context) (Message, error) {
	return q.in.pop(ctx)
}

// RemoteAddr returns the peer's address.
func (q *QUIC) RemoteAddr() string {
	return q.conn.RemoteAddr().String()
}

// Ready is closed from construction: the stream exists once a QUIC is built.
func (q *QUIC) Ready() <-chan struct{} {
	return q.ready
}

// Close finishes the write side and waits briefly for the peer to do the same
// before tearing the connection down, so queued frames are not cut off.
func (q *QUIC) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.writeMu.Lock()
		err = q.stream.Close()
		q.writeMu.Unlock()
		select {
		case <-q.readDone:
		case <-time.After(2 * time.Second):
		}
		q.in.close(io.EOF)
		if cerr := q.conn.CloseWithError(0, "closed"); err == nil {
			err = cerr
		}
	})
	return err
}

// QUICListener accepts direct peerdrop connections.
type QUICListener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenQUIC listens for direct connections on a UDP address such as ":7000".
func ListenQUIC(addr string, logger *slog.Logger) (*QUICListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("direct listener ready", "addr", ln.Addr().String())
	return &QUICListener{ln: ln, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a peer to connect and open its stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUIC, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	l.logger.Info("direct peer connected", "remote_addr", conn.RemoteAddr().String())
	return newQUIC(conn, stream, l.logger), nil
}

// Close stops listening.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// DialQUIC connects to a peer started with ListenQUIC.
func DialQUIC(ctx context.Context, addr string, logger *slog.Logger) (*QUIC, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	q := newQUIC(conn, stream, logger)
	// The listener only sees the stream once bytes arrive on it.
	if err := q.writeFrame(frameHello, nil); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialStreamReceiveWindow:     4 << 20,
		MaxStreamReceiveWindow:         16 << 20,
		InitialConnectionReceiveWindow: 8 << 20,
		MaxConnectionReceiveWindow:     32 << 20,
	}
}

// serverTLSConfig builds a throwaway self-signed certificate. The direct path
// offers no peer authentication beyond what the user arranged out of band.
func serverTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"peerdrop"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}
