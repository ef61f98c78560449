package wal

import (
	"os"
	"testing"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

func appendN(t *testing.T, w *Writer, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		idx, err := w.Append(models.NewEvent(models.EventLLMResponseDelta, runID, map[string]any{"i": i}))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if idx != i {
			t.Fatalf("expected line index %d, got %d", i, idx)
		}
	}
}

func TestAppendThenReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = w.Close() }()

	appendN(t, w, "run-1", 3)

	events, err := ReadPrefix(root, "run-1", -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.RunID != "run-1" {
			t.Fatalf("event %d run id = %q", i, ev.RunID)
		}
		if got := ev.Payload["i"]; got != float64(i) {
			t.Fatalf("event %d payload = %v", i, got)
		}
	}
}

func TestAppendDurableBeforeReturn(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = w.Close() }()

	// Each append must land on disk before it returns, with the writer
	// still open. An observer holding its own handle sees every event
	// immediately; none may wait on Close for a flush.
	for i := 0; i < 3; i++ {
		if _, err := w.Append(models.NewEvent(models.EventLLMResponseDelta, "run-1", map[string]any{"i": i})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		events, err := ReadPrefix(root, "run-1", -1)
		if err != nil {
			t.Fatalf("read after append %d: %v", i, err)
		}
		if len(events) != i+1 {
			t.Fatalf("after append %d: %d events on disk, want %d", i, len(events), i+1)
		}
	}
}

func TestReadPrefixUntilIndex(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = w.Close() }()
	appendN(t, w, "run-1", 5)

	events, err := ReadPrefix(root, "run-1", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected events 0..2, got %d", len(events))
	}
}

func TestTruncatedTrailingLineIsDropped(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, w, "run-1", 2)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := Path(root, "run-1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`{"type":"llm_resp`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()

	events, err := ReadPrefix(root, "run-1", -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected truncated line dropped, got %d events", len(events))
	}

	// Resuming the writer must continue at the next clean index.
	w2, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer func() { _ = w2.Close() }()
	idx, err := w2.Append(models.NewEvent(models.EventRunCompleted, "run-1", nil))
	if err != nil {
		t.Fatalf("append after resume: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected resumed index 2, got %d", idx)
	}
	events, err = ReadPrefix(root, "run-1", -1)
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if len(events) != 3 || events[2].Type != models.EventRunCompleted {
		t.Fatalf("unexpected events after resume: %+v", events)
	}
}

func TestCorruptMiddleLineFailsRead(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(RunDir(root, "run-1"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `{"type":"run_started","timestamp":"2026-01-01T00:00:00Z","run_id":"run-1"}
not json
{"type":"run_completed","timestamp":"2026-01-01T00:00:01Z","run_id":"run-1"}
`
	if err := os.WriteFile(Path(root, "run-1"), []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPrefix(root, "run-1", -1); err == nil {
		t.Fatal("expected read error for corrupt middle line")
	}
}
