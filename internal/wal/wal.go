// Package wal implements the append-only JSONL event log backing each run.
// The WAL is both the audit record and the source of truth for replay, fork,
// and cross-process observers.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// EventsFilename is the WAL file name inside a run directory.
const EventsFilename = "events.jsonl"

// Locator addresses a WAL. For the filesystem backend it is the path to the
// events file; non-file backends may use an opaque URI.
type Locator string

// RunDir returns the directory that owns a run's WAL and artifacts.
func RunDir(root, runID string) string {
	return filepath.Join(root, "runs", runID)
}

// Path returns the events file path for a run.
func Path(root, runID string) string {
	return filepath.Join(RunDir(root, runID), EventsFilename)
}

// Writer is the single appender for one run's WAL. A run owns exactly one
// Writer for its lifetime; concurrent appends are serialized internally.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	runID string
	next  int // next 0-based line index
}

// Open creates or resumes the WAL for runID under root. When resuming, the
// next line index continues after the existing events (a truncated trailing
// line is discarded and overwritten on the next append).
func Open(root, runID string) (*Writer, error) {
	dir := RunDir(root, runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(dir, EventsFilename)

	next := 0
	if existing, err := ReadPrefix(root, runID, -1); err == nil {
		next = len(existing)
		// Drop any corrupt trailing bytes so the next append starts a
		// clean line.
		if err := truncateToLines(path, next); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &Writer{f: f, path: path, runID: runID, next: next}, nil
}

// RunID returns the run this writer belongs to.
func (w *Writer) RunID() string { return w.runID }

// Locator returns the WAL locator for this writer.
func (w *Writer) Locator() Locator { return Locator(w.path) }

// Append writes one event as a JSON line and returns its 0-based index.
// The event is synced to stable storage before Append returns; nothing
// downstream may observe an event that a crash could lose. Append errors
// are fatal for the run.
func (w *Writer) Append(event models.Event) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, fmt.Errorf("wal writer closed")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync wal: %w", err)
	}
	idx := w.next
	w.next++
	return idx, nil
}

// Close releases the underlying file. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// truncateToLines shrinks the file to exactly n complete JSON lines.
func truncateToLines(path string, n int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	offset := 0
	lines := 0
	for i, b := range data {
		if b == '\n' {
			lines++
			if lines == n {
				offset = i + 1
				break
			}
		}
	}
	if lines < n {
		return nil
	}
	if offset == len(data) {
		return nil
	}
	return os.Truncate(path, int64(offset))
}
