package runtimesrv

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Runtime directory filenames.
const (
	ServerInfoFilename   = "server.json"
	SocketFilename       = "runtime.sock"
	ExecRegistryFilename = "exec_registry.json"
)

// ServerInfo is the contents of server.json. The file and the socket are
// both created mode 0600; possession of the secret is the authentication.
type ServerInfo struct {
	PID         int    `json:"pid"`
	Secret      string `json:"secret"`
	SocketPath  string `json:"socket_path"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// InfoPath returns the server.json path for a runtime directory.
func InfoPath(dir string) string { return filepath.Join(dir, ServerInfoFilename) }

// SocketPath returns the socket path for a runtime directory.
func SocketPath(dir string) string { return filepath.Join(dir, SocketFilename) }

// newSecret generates the per-server bearer secret.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteServerInfo persists server.json with owner-only permissions.
func WriteServerInfo(dir string, info ServerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal server info: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	return os.WriteFile(InfoPath(dir), data, 0o600)
}

// ReadServerInfo loads server.json from a runtime directory.
func ReadServerInfo(dir string) (*ServerInfo, error) {
	data, err := os.ReadFile(InfoPath(dir))
	if err != nil {
		return nil, err
	}
	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}
	return &info, nil
}

// Alive reports whether the recorded server process still exists.
func (i *ServerInfo) Alive() bool {
	if i == nil || i.PID <= 0 {
		return false
	}
	return processAlive(i.PID)
}

func processAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func nowMS() int64 { return time.Now().UnixMilli() }
