package wal

import (
	"encoding/json"
	"fmt"
	"os"
)

// Fork copies the prefix of srcRunID's WAL up to and including forkPoint
// into a fresh WAL under newRunID, rewriting the embedded run_id on every
// copied event. The source WAL is left untouched.
func Fork(root, srcRunID string, forkPoint int, newRunID string) (Locator, error) {
	if forkPoint < 0 {
		return "", fmt.Errorf("fork point must be >= 0")
	}
	if newRunID == "" || newRunID == srcRunID {
		return "", fmt.Errorf("fork requires a distinct new run id")
	}
	events, err := ReadPrefix(root, srcRunID, forkPoint)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", fmt.Errorf("source wal is empty")
	}

	dir := RunDir(root, newRunID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create fork dir: %w", err)
	}
	path := Path(root, newRunID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create fork wal: %w", err)
	}
	defer func() { _ = f.Close() }()

	for i := range events {
		events[i].RunID = newRunID
		line, err := json.Marshal(events[i])
		if err != nil {
			return "", fmt.Errorf("encode forked event %d: %w", i, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return "", fmt.Errorf("write forked event %d: %w", i, err)
		}
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync fork wal: %w", err)
	}
	return Locator(path), nil
}
