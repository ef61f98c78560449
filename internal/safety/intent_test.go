package safety

import (
	"reflect"
	"testing"
)

func TestParseIntentSimpleCommands(t *testing.T) {
	tests := []struct {
		command string
		argv    []string
	}{
		{"pytest -q", []string{"pytest", "-q"}},
		{`git commit -m "fix the bug"`, []string{"git", "commit", "-m", "fix the bug"}},
		{`echo 'single quoted arg'`, []string{"echo", "single quoted arg"}},
		{`ls   -la    /tmp`, []string{"ls", "-la", "/tmp"}},
		{`printf a\ b`, []string{"printf", "a b"}},
	}
	for _, tt := range tests {
		intent := ParseIntent(tt.command)
		if intent.IsComplex {
			t.Errorf("%q marked complex (%s)", tt.command, intent.Reason)
			continue
		}
		if !reflect.DeepEqual(intent.Argv, tt.argv) {
			t.Errorf("%q argv = %v, want %v", tt.command, intent.Argv, tt.argv)
		}
	}
}

func TestParseIntentComplexCommands(t *testing.T) {
	tests := []struct {
		command string
		reason  string
	}{
		{"cat a | grep b", "operator"},
		{"make && make test", "operator"},
		{"ls; rm -rf /", "operator"},
		{"echo hi > out.txt", "redirection"},
		{"wc -l < in.txt", "redirection"},
		{"echo $(whoami)", "command substitution"},
		{"echo `whoami`", "command substitution"},
		{`echo "$(date)"`, "command substitution"},
		{`echo "unterminated`, "parse failure"},
		{"echo 'unterminated", "parse failure"},
	}
	for _, tt := range tests {
		intent := ParseIntent(tt.command)
		if !intent.IsComplex {
			t.Errorf("%q not marked complex", tt.command)
			continue
		}
		if intent.Reason != tt.reason {
			t.Errorf("%q reason = %q, want %q", tt.command, intent.Reason, tt.reason)
		}
	}
}

func TestParseIntentKeepsPlainVariables(t *testing.T) {
	intent := ParseIntent("echo $HOME")
	if intent.IsComplex {
		t.Fatalf("plain variable reference marked complex: %s", intent.Reason)
	}
	if !reflect.DeepEqual(intent.Argv, []string{"echo", "$HOME"}) {
		t.Fatalf("argv = %v", intent.Argv)
	}
}
