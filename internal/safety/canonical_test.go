package safety

import (
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"zeta":  1,
		"alpha": []any{"b", "a"},
		"mid":   map[string]any{"y": true, "x": nil},
	})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"alpha":["b","a"],"mid":{"x":null,"y":true},"zeta":1}`
	if string(got) != want {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
}

func TestApprovalKeyIsStableAcrossMapOrder(t *testing.T) {
	a := SanitizedRequest{"command": "pytest -q", "env_keys": []string{"PATH"}, "timeout_ms": 1000}
	b := SanitizedRequest{"timeout_ms": 1000, "env_keys": []string{"PATH"}, "command": "pytest -q"}

	ka, err := ApprovalKey("shell_command", a)
	if err != nil {
		t.Fatalf("key a: %v", err)
	}
	kb, err := ApprovalKey("shell_command", b)
	if err != nil {
		t.Fatalf("key b: %v", err)
	}
	if ka != kb {
		t.Fatalf("keys differ: %s vs %s", ka, kb)
	}
	if len(ka) != 64 {
		t.Fatalf("expected hex sha256, got %q", ka)
	}
}

func TestApprovalKeyDependsOnToolAndRequest(t *testing.T) {
	req := SanitizedRequest{"command": "ls"}
	k1, _ := ApprovalKey("shell_command", req)
	k2, _ := ApprovalKey("exec_command", req)
	if k1 == k2 {
		t.Fatal("different tools produced the same key")
	}
	k3, _ := ApprovalKey("shell_command", SanitizedRequest{"command": "ls -la"})
	if k1 == k3 {
		t.Fatal("different requests produced the same key")
	}
}

func TestCanonicalJSONPreservesIntegers(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"n": 9007199254740993.0, "m": 42})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	// 42 must not grow an exponent or fraction.
	if string(got) != `{"m":42,"n":9007199254740992}` && string(got) != `{"m":42,"n":9.007199254740992e+15}` {
		// Representation of the large float depends on encoding/json; the
		// invariant that matters is determinism for the same input.
		again, _ := CanonicalJSON(map[string]any{"n": 9007199254740993.0, "m": 42})
		if string(again) != string(got) {
			t.Fatalf("non-deterministic output: %s vs %s", got, again)
		}
	}
}
