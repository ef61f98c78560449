package tools

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/skillsruntime/pkg/models"
)

func TestResolvePathContainment(t *testing.T) {
	root := t.TempDir()
	ec := &ExecContext{WorkspaceRoot: root}

	got, err := ec.ResolvePath("sub/file.txt")
	if err != nil {
		t.Fatalf("relative path: %v", err)
	}
	if got != filepath.Join(root, "sub", "file.txt") {
		t.Fatalf("resolved = %q", got)
	}

	if _, err := ec.ResolvePath(filepath.Join(root, "ok.txt")); err != nil {
		t.Fatalf("absolute inside root: %v", err)
	}

	for _, escape := range []string{"../outside.txt", "sub/../../etc/passwd", "/etc/passwd"} {
		_, err := ec.ResolvePath(escape)
		var runErr *models.RunError
		if !errors.As(err, &runErr) || runErr.Kind != models.ErrorKindPermission {
			t.Fatalf("escape %q: expected permission error, got %v", escape, err)
		}
	}
}

func TestMergedEnv(t *testing.T) {
	ec := &ExecContext{
		SessionEnv: map[string]string{"PATH": "/bin", "HOME": "/home/u"},
	}
	environ, keys := ec.MergedEnv(map[string]string{"TOKEN": "secret-value", "PATH": "/override"})

	if len(keys) != 2 || keys[0] != "PATH" || keys[1] != "TOKEN" {
		t.Fatalf("keys = %v", keys)
	}
	byName := map[string]string{}
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				byName[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if byName["PATH"] != "/override" {
		t.Fatalf("per-call env must override session env, got %q", byName["PATH"])
	}
	if byName["HOME"] != "/home/u" || byName["TOKEN"] != "secret-value" {
		t.Fatalf("environ = %v", environ)
	}
}

func TestEscalatedPermissions(t *testing.T) {
	ec := &ExecContext{DefaultSandboxPermissions: []string{"workspace-write"}}
	if ec.EscalatedPermissions(nil) {
		t.Fatal("no requested permissions is not an escalation")
	}
	if ec.EscalatedPermissions([]string{"workspace-write"}) {
		t.Fatal("granted permission is not an escalation")
	}
	if !ec.EscalatedPermissions([]string{"network"}) {
		t.Fatal("ungranted permission must escalate")
	}
}

func TestEffectiveSandbox(t *testing.T) {
	if effectiveSandbox("", SandboxNone) != SandboxNone {
		t.Fatal("default none")
	}
	if effectiveSandbox(SandboxRestricted, SandboxNone) != SandboxRestricted {
		t.Fatal("requested restriction wins")
	}
	if effectiveSandbox("", SandboxRestricted) != SandboxRestricted {
		t.Fatal("session restriction wins")
	}
}
