package util

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLevelIsDebug(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	tests := []struct {
		level zerolog.Level
		want  bool
	}{
		{zerolog.TraceLevel, true},
		{zerolog.DebugLevel, true},
		{zerolog.InfoLevel, false},
		{zerolog.WarnLevel, false},
	}
	for _, tt := range tests {
		zerolog.SetGlobalLevel(tt.level)
		if got := LevelIsDebug(); got != tt.want {
			t.Errorf("LevelIsDebug() at %s = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLogFilePathRollsOverBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := LogConfig{Directory: dir, AppName: "fort", MaxSizeMB: 1}
	day := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	first := filepath.Join(dir, "fort_2026-03-07.log")
	if got := LogFilePath(cfg, day); got != first {
		t.Fatalf("empty dir: %s, want %s", got, first)
	}

	if err := os.WriteFile(first, make([]byte, 1024*1024), 0644); err != nil {
		t.Fatal(err)
	}
	second := filepath.Join(dir, "fort_2026-03-07.1.log")
	if got := LogFilePath(cfg, day); got != second {
		t.Fatalf("full file: %s, want %s", got, second)
	}

	cfg.MaxSizeMB = 0
	if got := LogFilePath(cfg, day); got != first {
		t.Fatalf("unlimited size: %s, want %s", got, first)
	}
}

func TestPruneLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"fort_2026-03-05.log",
		"fort_2026-03-06.log",
		"fort_2026-03-06.1.log",
		"fort_2026-03-06.10.log",
		"fort_2026-03-06.2.log",
		"other_2026-01-01.log",
		"notes.txt",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if removed := pruneLogs(dir, "fort", 2); removed != 3 {
		t.Fatalf("removed %d files, want 3", removed)
	}

	entries, _ := os.ReadDir(dir)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	want := "fort_2026-03-06.10.log fort_2026-03-06.2.log notes.txt other_2026-01-01.log"
	if got := strings.Join(left, " "); got != want {
		t.Fatalf("left %q, want %q", got, want)
	}
}

func TestPeerLoggerOmitsUnallocatedIDs(t *testing.T) {
	var buf bytes.Buffer
	parent := zerolog.New(&buf)
	addr := netip.MustParseAddrPort("10.0.0.1:40001")

	decode := func() map[string]interface{} {
		t.Helper()
		var m map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", buf.String(), err)
		}
		buf.Reset()
		return m
	}

	l := PeerLogger(parent, addr, -1, -1)
	l.Info().Msg("hello")
	m := decode()
	if m["addr"] != "10.0.0.1:40001" {
		t.Errorf("addr = %v", m["addr"])
	}
	if _, ok := m["conn_id"]; ok {
		t.Errorf("conn_id logged before allocation: %v", m)
	}

	l = PeerLogger(parent, addr, 3, 0)
	l.Info().Msg("joined")
	m = decode()
	if m["conn_id"] != float64(3) || m["player_id"] != float64(0) {
		t.Errorf("ids = %v/%v, want 3/0", m["conn_id"], m["player_id"])
	}
}
