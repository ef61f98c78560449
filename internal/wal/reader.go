package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// maxLineBytes bounds a single WAL line during recovery scans.
const maxLineBytes = 32 << 20

// ReadPrefix reads events for runID in file order. until is the highest line
// index to include; pass a negative value to read the whole log. A corrupt
// or truncated trailing line is discarded silently; corruption anywhere else
// fails the read.
func ReadPrefix(root, runID string, until int) ([]models.Event, error) {
	f, err := os.Open(Path(root, runID))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var events []models.Event
	var pendingErr error
	for scanner.Scan() {
		if pendingErr != nil {
			// The bad line was not the last one.
			return nil, pendingErr
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event models.Event
		if err := json.Unmarshal(line, &event); err != nil {
			pendingErr = fmt.Errorf("decode wal line %d: %w", len(events), err)
			continue
		}
		events = append(events, event)
		if until >= 0 && len(events) > until {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	if until >= 0 && len(events) > until+1 {
		events = events[:until+1]
	}
	return events, nil
}
