package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestAlertSinkFiltersByLevelAndRate(t *testing.T) {
	svc, log := New(Config{Level: "debug"})
	out := &lockedBuffer{}
	svc.SetAlertOutput(out)
	svc.Apply(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 1}})

	log.Warn("not forwarded")
	log.Error("worker died", String("slot", "3"))
	log.Error("second error inside the same second")

	got := out.String()
	if strings.Contains(got, "not forwarded") {
		t.Fatalf("warn record reached alert sink: %q", got)
	}
	if !strings.Contains(got, "[ERROR] worker died") || !strings.Contains(got, "slot=3") {
		t.Fatalf("alert line missing: %q", got)
	}
	if strings.Contains(got, "second error") {
		t.Fatalf("rate limiter did not drop burst: %q", got)
	}
}

func TestWithFieldsAndNop(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "pool"))
	log.Info("hello", Int("n", 2), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "pool" || m["message"] != "hello" || m["n"] != float64(2) {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be logged: %v", m)
	}

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Error("must not panic")
	Nop().Error("must not panic either")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
