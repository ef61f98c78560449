package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/skillsruntime/internal/skills"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

func newSkillsManager(t *testing.T, add func(src *skills.MemorySource)) *skills.Manager {
	t.Helper()
	src := skills.NewMemorySource()
	add(src)
	mgr := skills.NewManager(skills.RefreshPolicy{Kind: skills.RefreshManual}, nil)
	if err := mgr.AddSpace("dev", src); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}
	return mgr
}

func TestCompileAssemblyOrder(t *testing.T) {
	mgr := newSkillsManager(t, func(src *skills.MemorySource) {
		src.Add("dev", "deploy", "Deploys", []byte("deploy body"))
	})
	pm := NewManager(Config{
		SystemTemplate:    "You are an agent.",
		DeveloperPolicy:   "Never delete data.",
		EnumerateSkills:   true,
		InjectionMaxBytes: 1024,
	}, mgr, nil)

	compiled, err := pm.Compile(context.Background(), "Run $[dev].deploy now", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	sys := compiled.System
	idxTemplate := strings.Index(sys, "You are an agent.")
	idxPolicy := strings.Index(sys, "Never delete data.")
	idxListing := strings.Index(sys, "Available skills:")
	idxBody := strings.Index(sys, "deploy body")
	for name, idx := range map[string]int{
		"template": idxTemplate, "policy": idxPolicy, "listing": idxListing, "body": idxBody,
	} {
		if idx < 0 {
			t.Fatalf("system prompt missing %s section:\n%s", name, sys)
		}
	}
	if !(idxTemplate < idxPolicy && idxPolicy < idxListing && idxListing < idxBody) {
		t.Fatalf("sections out of order: template=%d policy=%d listing=%d body=%d",
			idxTemplate, idxPolicy, idxListing, idxBody)
	}

	last := compiled.Messages[len(compiled.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "Run $[dev].deploy now" {
		t.Fatalf("final message must be the user task, got %+v", last)
	}
	if len(compiled.Injections) != 1 || compiled.Injections[0].Skill != "dev.deploy" {
		t.Fatalf("injections = %+v", compiled.Injections)
	}
}

func TestCompileDeduplicatesMentions(t *testing.T) {
	mgr := newSkillsManager(t, func(src *skills.MemorySource) {
		src.Add("dev", "deploy", "Deploys", []byte("deploy body"))
	})
	pm := NewManager(Config{InjectionMaxBytes: 1024}, mgr, nil)

	compiled, err := pm.Compile(context.Background(), "$[dev].deploy then $[dev].deploy again", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(compiled.Injections) != 1 {
		t.Fatalf("expected single injection, got %+v", compiled.Injections)
	}
	if n := strings.Count(compiled.System, "deploy body"); n != 1 {
		t.Fatalf("body injected %d times", n)
	}
}

func TestCompileInjectionBudget(t *testing.T) {
	mgr := newSkillsManager(t, func(src *skills.MemorySource) {
		src.Add("dev", "first", "First", []byte(strings.Repeat("a", 80)))
		src.Add("dev", "second", "Second", []byte(strings.Repeat("b", 80)))
	})
	pm := NewManager(Config{InjectionMaxBytes: 100}, mgr, nil)

	task := "Use $[dev].first and $[dev].second"
	compiled, err := pm.Compile(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !compiled.Truncated {
		t.Fatal("expected truncation flag")
	}
	if compiled.InjectedBytes != 100 {
		t.Fatalf("injected bytes = %d, want 100", compiled.InjectedBytes)
	}
	if compiled.Injections[0].Bytes != 80 || compiled.Injections[0].Truncated {
		t.Fatalf("first injection = %+v", compiled.Injections[0])
	}
	if compiled.Injections[1].Bytes != 20 || !compiled.Injections[1].Truncated {
		t.Fatalf("second injection = %+v", compiled.Injections[1])
	}

	// The task itself is never truncated.
	last := compiled.Messages[len(compiled.Messages)-1]
	if last.Content != task {
		t.Fatalf("task altered: %q", last.Content)
	}
}

func TestCompileUnknownSkillFailsClosed(t *testing.T) {
	mgr := newSkillsManager(t, func(*skills.MemorySource) {})
	pm := NewManager(Config{InjectionMaxBytes: 1024}, mgr, nil)

	if _, err := pm.Compile(context.Background(), "Use $[dev].missing", nil); err == nil {
		t.Fatal("expected resolution error")
	}
	if _, err := pm.Compile(context.Background(), "Use $[other].thing", nil); err == nil {
		t.Fatal("expected unconfigured-space error")
	}
}

func TestTrimHistoryMaxMessages(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "old question"},
		{Role: models.RoleAssistant, Content: "old answer"},
		{Role: models.RoleAssistant, Content: "middle"},
		{Role: models.RoleUser, Content: "latest question"},
		{Role: models.RoleTool, Content: "tool output", ToolCallID: "call_1"},
	}
	window, dropped := trimHistory(history, 2, 0)
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}
	if len(window) != 2 {
		t.Fatalf("window = %+v", window)
	}
	if window[0].Content != "latest question" || window[1].Content != "tool output" {
		t.Fatalf("protected messages missing: %+v", window)
	}
}

func TestTrimHistoryMaxChars(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: strings.Repeat("x", 100)},
		{Role: models.RoleAssistant, Content: strings.Repeat("y", 10)},
		{Role: models.RoleUser, Content: "task"},
	}
	window, dropped := trimHistory(history, 0, 20)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if window[0].Content != strings.Repeat("y", 10) || window[1].Content != "task" {
		t.Fatalf("window = %+v", window)
	}
}

func TestTrimHistoryNoBounds(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
	}
	window, dropped := trimHistory(history, 0, 0)
	if dropped != 0 || len(window) != 2 {
		t.Fatalf("window = %+v dropped = %d", window, dropped)
	}
}
