// Package config reads peerdrop settings from PEERDROP_* environment
// variables and command-line flags. Flags take precedence over the
// environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults shared with the browser client.
const (
	DefaultChunkSize = 16384
	DefaultPace      = time.Millisecond

	// maxMessageBytes is the largest data channel message browsers accept.
	maxMessageBytes = 65536
	// textOverhead covers the JSON fields around a base64 chunk payload.
	textOverhead = 256
	// MaxChunkSize keeps a text mode chunk, base64 plus JSON, within one
	// data channel message.
	MaxChunkSize = (maxMessageBytes - textOverhead) / 4 * 3
)

// DefaultSTUNServers are used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ServerConfig holds configuration for the signaling server.
type ServerConfig struct {
	Addr              string
	LogLevel          string
	RoomTTL           time.Duration
	MaxRooms          int
	MaxMessageBytes   int
	RoomCreatesPerMin int
	RoomCreatesBurst  int
	WSIdleTimeout     time.Duration
}

// ClientConfig holds configuration for the peerdrop client.
type ClientConfig struct {
	ServerURL    string
	LogLevel     string
	PeerID       string
	Nickname     string
	OutDir       string
	ChunkSize    int
	Mode         string // text or binary
	Pace         time.Duration
	StallTimeout time.Duration
	STUNServers  []string
	Direct       string // QUIC address; bypasses signaling when set
	RoomKind     string // pin or code
	HistoryPath  string
	NoTUI        bool
	Stay         bool // keep the connection after sending
}

// ParseServerConfig parses server configuration from flags and environment variables.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:              ":8080",
		LogLevel:          "info",
		RoomTTL:           30 * time.Minute,
		MaxRooms:          1000,
		MaxMessageBytes:   64 * 1024,
		RoomCreatesPerMin: 10,
		RoomCreatesBurst:  5,
		WSIdleTimeout:     10 * time.Minute,
	}

	var errs []error
	envString("PEERDROP_ADDR", &cfg.Addr)
	envString("PEERDROP_LOG_LEVEL", &cfg.LogLevel)
	errs = append(errs,
		envDuration("PEERDROP_ROOM_TTL", &cfg.RoomTTL),
		envInt("PEERDROP_MAX_ROOMS", &cfg.MaxRooms),
		envInt("PEERDROP_MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes),
		envInt("PEERDROP_ROOM_CREATES_PER_MIN", &cfg.RoomCreatesPerMin),
		envDuration("PEERDROP_WS_IDLE_TIMEOUT", &cfg.WSIdleTimeout),
	)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.RoomTTL, "room-ttl", cfg.RoomTTL, "room lifetime")
	fs.IntVar(&cfg.MaxRooms, "max-rooms", cfg.MaxRooms, "max concurrent rooms (0 = unlimited)")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.RoomCreatesPerMin, "room-creates-per-min", cfg.RoomCreatesPerMin, "max room creates per minute per IP (0 = unlimited)")
	fs.IntVar(&cfg.RoomCreatesBurst, "room-creates-burst", cfg.RoomCreatesBurst, "burst room creates per IP")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "websocket idle timeout (0 disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	if cfg.RoomTTL <= 0 {
		return cfg, fmt.Errorf("room-ttl must be positive")
	}
	if cfg.MaxMessageBytes <= 0 {
		return cfg, fmt.Errorf("max-message-bytes must be positive")
	}
	return cfg, nil
}

// ParseClientConfig registers client flags on fs, parses args and validates
// the result. Flags may follow positional arguments; the positional ones are
// returned in order.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		ServerURL:    "http://localhost:8080",
		LogLevel:     "info",
		PeerID:       generatePeerID(),
		Nickname:     defaultNickname(),
		OutDir:       ".",
		ChunkSize:    DefaultChunkSize,
		Mode:         "text",
		Pace:         DefaultPace,
		StallTimeout: 30 * time.Second,
		RoomKind:     "code",
		HistoryPath:  defaultHistoryPath(),
	}

	var errs []error
	envString("PEERDROP_SERVER_URL", &cfg.ServerURL)
	envString("PEERDROP_LOG_LEVEL", &cfg.LogLevel)
	envString("PEERDROP_PEER_ID", &cfg.PeerID)
	envString("PEERDROP_NICKNAME", &cfg.Nickname)
	envString("PEERDROP_OUT_DIR", &cfg.OutDir)
	envString("PEERDROP_MODE", &cfg.Mode)
	envString("PEERDROP_DIRECT", &cfg.Direct)
	envString("PEERDROP_ROOM_KIND", &cfg.RoomKind)
	envString("PEERDROP_HISTORY", &cfg.HistoryPath)
	errs = append(errs,
		envInt("PEERDROP_CHUNK_SIZE", &cfg.ChunkSize),
		envDuration("PEERDROP_PACE", &cfg.Pace),
		envDuration("PEERDROP_STALL_TIMEOUT", &cfg.StallTimeout),
	)
	var stun []string
	if v := os.Getenv("PEERDROP_STUN"); v != "" {
		stun = splitList(v)
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Nickname, "nickname", cfg.Nickname, "name shown to the other peer")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory received files are saved to")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "chunk encoding (text, binary)")
	fs.DurationVar(&cfg.Pace, "pace", cfg.Pace, "pause between chunks")
	fs.DurationVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "fail a receive after this long without chunks (0 disables)")
	fs.Var((*stringSlice)(&stun), "stun", "STUN server URL (repeatable, comma-separated)")
	fs.StringVar(&cfg.Direct, "direct", cfg.Direct, "QUIC address: host listens on it, join dials it")
	fs.StringVar(&cfg.RoomKind, "room-kind", cfg.RoomKind, "room code format (pin, code)")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "transfer history file")
	fs.BoolVar(&cfg.NoTUI, "no-tui", false, "print plain progress lines")
	fs.BoolVar(&cfg.Stay, "stay", false, "keep receiving after the listed files are sent")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return cfg, nil, err
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, nil, err
	}

	cfg.STUNServers = DefaultSTUNServers
	if len(stun) > 0 {
		cfg.STUNServers = stun
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.RoomKind = strings.ToLower(cfg.RoomKind)
	return cfg, positional, cfg.Validate()
}

// parseInterleaved parses flags found anywhere in args. Everything after a
// "--" is positional.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// Validate checks value ranges.
func (c ClientConfig) Validate() error {
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk-size must be between 1 and %d", MaxChunkSize)
	}
	if c.Mode != "text" && c.Mode != "binary" {
		return fmt.Errorf("mode must be text or binary, got %q", c.Mode)
	}
	if c.RoomKind != "pin" && c.RoomKind != "code" {
		return fmt.Errorf("room-kind must be pin or code, got %q", c.RoomKind)
	}
	if c.Pace < 0 || c.StallTimeout < 0 {
		return fmt.Errorf("pace and stall-timeout must not be negative")
	}
	if c.PeerID == "" {
		return fmt.Errorf("peer-id must not be empty")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

func defaultNickname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "peer"
	}
	return host
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "peerdrop-history.jsonl"
	}
	return filepath.Join(dir, "peerdrop", "history.jsonl")
}

// stringSlice implements flag.Value for repeatable, comma-separated flags.
type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, splitList(value)...)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
