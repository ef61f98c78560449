package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "runtime.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	resolved, err := Load(t.TempDir(), Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.LLM.PlannerModel != "gpt-4o-mini" {
		t.Fatalf("planner model = %q", resolved.LLM.PlannerModel)
	}
	if resolved.Safety.Mode != "ask" {
		t.Fatalf("safety mode = %q", resolved.Safety.Mode)
	}
	if resolved.Sources["llm.planner_model"] != SourceDefault {
		t.Fatalf("source = %q", resolved.Sources["llm.planner_model"])
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
llm:
  planner_model: gpt-4o
run:
  max_steps: 10
safety:
  mode: allow
  denylist: ["rm", "shutdown"]
`)
	resolved, err := Load(dir, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if resolved.LLM.PlannerModel != "gpt-4o" {
		t.Fatalf("planner model = %q", resolved.LLM.PlannerModel)
	}
	if resolved.Run.MaxSteps != 10 {
		t.Fatalf("max steps = %d", resolved.Run.MaxSteps)
	}
	if len(resolved.Safety.Denylist) != 2 {
		t.Fatalf("denylist = %v", resolved.Safety.Denylist)
	}
	if resolved.Sources["llm.planner_model"] != SourceFile {
		t.Fatalf("planner source = %q", resolved.Sources["llm.planner_model"])
	}
	// Untouched leaves keep their default attribution.
	if resolved.Sources["llm.base_url"] != SourceDefault {
		t.Fatalf("base_url source = %q", resolved.Sources["llm.base_url"])
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "llm:\n  planner_model: from-file\n")
	t.Setenv(EnvPlannerModel, "from-env")

	resolved, err := Load(dir, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.LLM.PlannerModel != "from-env" {
		t.Fatalf("planner model = %q", resolved.LLM.PlannerModel)
	}
	if resolved.Sources["llm.planner_model"] != SourceEnv {
		t.Fatalf("source = %q", resolved.Sources["llm.planner_model"])
	}
}

func TestLoadOverridesBeatEnv(t *testing.T) {
	t.Setenv(EnvBaseURL, "http://env.example")

	resolved, err := Load(t.TempDir(), Overrides{BaseURL: "http://code.example"})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.LLM.BaseURL != "http://code.example" {
		t.Fatalf("base url = %q", resolved.LLM.BaseURL)
	}
	if resolved.Sources["llm.base_url"] != SourceProgrammatic {
		t.Fatalf("source = %q", resolved.Sources["llm.base_url"])
	}
}

func TestLoadExtraConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "run:\n  max_steps: 10\n")

	extra := filepath.Join(t.TempDir(), "extra.yaml")
	if err := os.WriteFile(extra, []byte("run:\n  max_steps: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvExtraConfig, extra)

	resolved, err := Load(dir, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Run.MaxSteps != 99 {
		t.Fatalf("later overlay should win, max steps = %d", resolved.Run.MaxSteps)
	}
}

func TestLoadEnvExpansionInFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_SKILLS_DIR", "/srv/skills")
	writeConfig(t, dir, `
skills:
  spaces:
    company:
      dir: ${TEST_SKILLS_DIR}/company
`)
	resolved, err := Load(dir, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	space, ok := resolved.Skills.Spaces["company"]
	if !ok {
		t.Fatal("space not loaded")
	}
	if space.Dir != "/srv/skills/company" {
		t.Fatalf("dir = %q", space.Dir)
	}
}

func TestLoadBadYAMLFails(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "llm: [not a mapping\n")
	if _, err := Load(dir, Overrides{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInvalidMaxStepsEnvIgnored(t *testing.T) {
	t.Setenv(EnvMaxSteps, "not-a-number")
	resolved, err := Load(t.TempDir(), Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Run.MaxSteps != 40 {
		t.Fatalf("max steps = %d", resolved.Run.MaxSteps)
	}
}

func TestWorkspacePaths(t *testing.T) {
	dir := t.TempDir()
	resolved, err := Load(dir, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.RuntimeDir() != filepath.Join(dir, RuntimeDirName) {
		t.Fatalf("runtime dir = %q", resolved.RuntimeDir())
	}
	if resolved.RunsDir() != filepath.Join(dir, RuntimeDirName, "runs") {
		t.Fatalf("runs dir = %q", resolved.RunsDir())
	}
}
