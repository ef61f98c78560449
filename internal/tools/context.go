// Package tools holds the tool registry, the dispatch pipeline that runs
// every tool call through validation, sanitation, the safety gate, and the
// sandbox, and the builtin tool handlers.
package tools

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// ExecContext is handed to every handler invocation. It scopes execution
// to the workspace and owns env merging.
type ExecContext struct {
	// WorkspaceRoot is the absolute directory all path arguments must
	// resolve under.
	WorkspaceRoot string

	// ArtifactsDir is where handlers may write produced files.
	ArtifactsDir string

	// SessionEnv is the base environment for child processes.
	SessionEnv map[string]string

	// DefaultSandbox is the session's sandbox level ("none" or
	// "restricted").
	DefaultSandbox string

	// DefaultSandboxPermissions are the permissions granted without
	// escalation.
	DefaultSandboxPermissions []string

	// Sandbox is the adapter used for restricted execution, nil when the
	// host has none.
	Sandbox Adapter
}

// ResolvePath resolves p under the workspace root. Absolute paths must
// already be inside the root; relative paths are joined to it. Escapes are
// a permission error.
func (ec *ExecContext) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", models.NewRunError(models.ErrorKindValidation, "empty path")
	}
	root, err := filepath.Abs(ec.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", models.NewRunError(models.ErrorKindPermission,
			fmt.Sprintf("path %q escapes the workspace root", p))
	}
	return abs, nil
}

// MergedEnv overlays per-call entries on the session environment and
// returns the merged environ plus the sorted per-call key names. Only the
// names are ever echoed into events.
func (ec *ExecContext) MergedEnv(perCall map[string]string) (environ []string, keys []string) {
	merged := make(map[string]string, len(ec.SessionEnv)+len(perCall))
	for k, v := range ec.SessionEnv {
		merged[k] = v
	}
	for k, v := range perCall {
		merged[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ = make([]string, 0, len(merged))
	for k, v := range merged {
		environ = append(environ, k+"="+v)
	}
	sort.Strings(environ)
	return environ, keys
}

// EscalatedPermissions reports whether requested contains any permission
// beyond the session default.
func (ec *ExecContext) EscalatedPermissions(requested []string) bool {
	granted := make(map[string]bool, len(ec.DefaultSandboxPermissions))
	for _, p := range ec.DefaultSandboxPermissions {
		granted[p] = true
	}
	for _, p := range requested {
		if !granted[p] {
			return true
		}
	}
	return false
}
