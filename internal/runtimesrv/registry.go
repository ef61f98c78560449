package runtimesrv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// RegistryEntry records one live PTY child so a later server start can
// reap orphans after a crash.
type RegistryEntry struct {
	PID         int    `json:"pid"`
	Marker      string `json:"marker"`
	SessionID   string `json:"session_id"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// execRegistry persists the set of live session PIDs in
// exec_registry.json. Every create/close rewrites the file.
type execRegistry struct {
	mu      sync.Mutex
	path    string
	entries []RegistryEntry
}

func openExecRegistry(dir string) (*execRegistry, error) {
	r := &execRegistry{path: filepath.Join(dir, ExecRegistryFilename)}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read exec registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		// A corrupt registry is discarded rather than blocking startup.
		r.entries = nil
	}
	return r, nil
}

func (r *execRegistry) save() error {
	data, err := json.Marshal(r.entries)
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o600)
}

func (r *execRegistry) add(entry RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.save()
}

func (r *execRegistry) remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, entry := range r.entries {
		if entry.SessionID != sessionID {
			kept = append(kept, entry)
		}
	}
	r.entries = kept
	return r.save()
}

func (r *execRegistry) list() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// cleanupOrphans signals any still-alive entries carrying this workspace's
// marker, then truncates the registry. Returns how many were signalled.
func (r *execRegistry) cleanupOrphans(marker string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for _, entry := range r.entries {
		if entry.Marker != marker || entry.PID <= 0 {
			continue
		}
		if processAlive(entry.PID) {
			_ = syscall.Kill(entry.PID, syscall.SIGTERM)
			killed++
		}
	}
	r.entries = nil
	_ = r.save()
	return killed
}
