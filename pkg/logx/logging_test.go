package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatal("With() should produce a non-zero logger")
	}
}

func TestFieldsAreStructured(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug").With(String("comp", "jobqueue"))
	l.Warn("job.failed", Err(errors.New("boom")), Duration("dur", 1500*time.Millisecond), Float64("cost", 2.5))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["comp"] != "jobqueue" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["cost"] != 2.5 {
		t.Fatalf("cost = %v", m["cost"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %s", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobq.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("queue started", Int("parallelism", 3))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"parallelism":3`) {
		t.Fatalf("log file missing field: %s", b)
	}
}
