package config

import (
	"flag"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sheerbytes/peerdrop/internal/chunk"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseServerConfig_Defaults(t *testing.T) {
	cfg, err := parseServerConfigWithFlagSet(newFlagSet(), []string{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("expected Addr to be :8080, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.RoomTTL != 30*time.Minute {
		t.Errorf("expected RoomTTL 30m, got %s", cfg.RoomTTL)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("PEERDROP_ADDR", ":7070")
	t.Setenv("PEERDROP_LOG_LEVEL", "warn")
	t.Setenv("PEERDROP_ROOM_TTL", "5m")

	cfg, err := parseServerConfigWithFlagSet(newFlagSet(), []string{"-addr", ":9090"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn (from env), got %s", cfg.LogLevel)
	}
	if cfg.RoomTTL != 5*time.Minute {
		t.Errorf("expected RoomTTL 5m (from env), got %s", cfg.RoomTTL)
	}
}

func TestParseServerConfig_BadEnv(t *testing.T) {
	t.Setenv("PEERDROP_MAX_ROOMS", "lots")
	if _, err := parseServerConfigWithFlagSet(newFlagSet(), nil); err == nil {
		t.Fatal("expected error for non-numeric PEERDROP_MAX_ROOMS")
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	cfg, args, err := ParseClientConfig(newFlagSet(), []string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("expected ServerURL http://localhost:8080, got %s", cfg.ServerURL)
	}
	if len(cfg.PeerID) != 10 {
		t.Errorf("expected 10-char PeerID, got %q", cfg.PeerID)
	}
	if cfg.ChunkSize != 16384 || cfg.Mode != "text" || cfg.Pace != time.Millisecond {
		t.Errorf("unexpected transfer defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.STUNServers, DefaultSTUNServers) {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
	if !reflect.DeepEqual(args, []string{"a.txt", "b.txt"}) {
		t.Errorf("positional args = %v", args)
	}
}

func TestParseClientConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("PEERDROP_MODE", "binary")
	t.Setenv("PEERDROP_STUN", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("PEERDROP_CHUNK_SIZE", "8192")

	cfg, _, err := ParseClientConfig(newFlagSet(), []string{"-chunk-size", "4096", "-room-kind", "PIN", "-out", "/tmp/x"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "binary" {
		t.Errorf("Mode = %s, want binary (from env)", cfg.Mode)
	}
	if cfg.ChunkSize != 4096 {
		t.Errorf("ChunkSize = %d, want 4096 (flag over env)", cfg.ChunkSize)
	}
	if cfg.RoomKind != "pin" || cfg.OutDir != "/tmp/x" {
		t.Errorf("RoomKind=%s OutDir=%s", cfg.RoomKind, cfg.OutDir)
	}
	want := []string{"stun:a.example:3478", "stun:b.example:3478"}
	if !reflect.DeepEqual(cfg.STUNServers, want) {
		t.Errorf("STUNServers = %v, want %v", cfg.STUNServers, want)
	}
}

func TestParseClientConfig_RepeatableSTUN(t *testing.T) {
	cfg, _, err := ParseClientConfig(newFlagSet(), []string{"-stun", "stun:a:1", "-stun", "stun:b:2,stun:c:3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.STUNServers) != 3 {
		t.Fatalf("STUNServers = %v", cfg.STUNServers)
	}
}

func TestParseClientConfig_Invalid(t *testing.T) {
	tests := [][]string{
		{"-chunk-size", "0"},
		{"-chunk-size", "100000"},
		{"-mode", "morse"},
		{"-room-kind", "emoji"},
		{"-pace", "-1s"},
	}
	for _, args := range tests {
		if _, _, err := ParseClientConfig(newFlagSet(), args); err == nil {
			t.Errorf("ParseClientConfig(%v) succeeded", args)
		}
	}
}

func TestParseClientConfig_FlagsAfterPositional(t *testing.T) {
	cfg, args, err := ParseClientConfig(newFlagSet(), []string{"ABCD2345", "--out", "dl", "a.txt", "--mode=binary", "--", "-odd-name"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutDir != "dl" || cfg.Mode != "binary" {
		t.Errorf("OutDir=%s Mode=%s", cfg.OutDir, cfg.Mode)
	}
	want := []string{"ABCD2345", "a.txt", "-odd-name"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("positional = %v, want %v", args, want)
	}
}

func TestMaxChunkSizeFitsOneMessage(t *testing.T) {
	id := "01920f3e-7c4a-7d2e-9b1f-3a5c6e8d0f12-99"
	msg, err := chunk.EncodeChunk(chunk.ModeText, id, chunk.MaxTotalChunks-1, make([]byte, MaxChunkSize))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Data) > maxMessageBytes {
		t.Fatalf("text chunk of %d bytes encodes to %d, limit %d", MaxChunkSize, len(msg.Data), maxMessageBytes)
	}
}
