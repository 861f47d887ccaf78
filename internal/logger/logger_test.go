package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer; the writer goroutine and the test both
// touch it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(s.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func newTestLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(buf, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, buf
}

func TestNew_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestLogger_CloseDrainsQueue(t *testing.T) {
	l, buf := newTestLogger(t)

	const n = 250
	for i := 0; i < n; i++ {
		l.Log(Exchange{RequestID: "req", Provider: "google", Status: 200})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := buf.lines(t)
	if len(lines) != n {
		t.Fatalf("expected %d records after Close, got %d", n, len(lines))
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("dropped = %d", l.DroppedLogs())
	}
}

func TestLogger_ExchangeFields(t *testing.T) {
	l, buf := newTestLogger(t)

	l.Log(Exchange{
		RequestID:       "req-1",
		PrimaryProvider: "google",
		Provider:        "openrouter",
		RequestedModel:  "gemini-1.5-pro",
		Model:           "openrouter/auto",
		IsFailover:      true,
		Attempts:        3,
		Latency:         1500 * time.Millisecond,
		Status:          200,
	})
	l.Log(Exchange{RequestID: "req-2", Status: 429, ErrorCode: "rate_limited"})
	_ = l.Close()

	lines := buf.lines(t)
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	first := lines[0]
	if first["msg"] != "exchange" {
		t.Errorf("msg = %v", first["msg"])
	}
	if first["provider"] != "openrouter" || first["primary_provider"] != "google" {
		t.Errorf("providers = %v / %v", first["provider"], first["primary_provider"])
	}
	if first["is_failover"] != true {
		t.Errorf("is_failover = %v", first["is_failover"])
	}
	if first["latency_ms"] != float64(1500) {
		t.Errorf("latency_ms = %v", first["latency_ms"])
	}
	if id, _ := first["id"].(string); id == "" || id == "00000000-0000-0000-0000-000000000000" {
		t.Errorf("expected generated id, got %q", id)
	}
	if _, ok := first["error"]; ok {
		t.Error("successful exchange must not carry an error field")
	}

	if lines[1]["error"] != "rate_limited" {
		t.Errorf("error = %v", lines[1]["error"])
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	l, _ := newTestLogger(t)
	_ = l.Close()
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
