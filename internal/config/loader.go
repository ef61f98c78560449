package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the env layer.
const (
	EnvPlannerModel  = "SKILLSRT_PLANNER_MODEL"
	EnvExecutorModel = "SKILLSRT_EXECUTOR_MODEL"
	EnvBaseURL       = "SKILLSRT_BASE_URL"
	EnvAPIKeyEnv     = "SKILLSRT_API_KEY_ENV"
	EnvSafetyMode    = "SKILLSRT_SAFETY_MODE"
	EnvMaxSteps      = "SKILLSRT_MAX_STEPS"
	EnvLogLevel      = "SKILLSRT_LOG_LEVEL"
	EnvExtraConfig   = "SKILLSRT_CONFIG"
)

// Overrides is the programmatic layer. Only these leaves may be set from
// code; everything else comes from files, env, or defaults.
type Overrides struct {
	PlannerModel  string
	ExecutorModel string
	BaseURL       string
	APIKeyEnv     string
}

// Source layer names recorded per leaf.
const (
	SourceDefault      = "default"
	SourceFile         = "file"
	SourceEnv          = "env"
	SourceProgrammatic = "programmatic"
)

// Resolved couples the configuration with the origin of each tracked
// leaf, keyed by dotted path.
type Resolved struct {
	*Config
	Sources map[string]string
}

// Load resolves configuration for a workspace. Layer order, weakest
// first: defaults, YAML overlays (<workspace>/config/runtime.yaml then
// SKILLSRT_CONFIG), environment, programmatic overrides.
func Load(workspace string, overrides Overrides) (*Resolved, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load(filepath.Join(abs, ".env"))

	resolved := &Resolved{Config: Defaults(), Sources: map[string]string{}}
	resolved.Workspace = abs
	for _, leaf := range trackedLeaves {
		resolved.Sources[leaf] = SourceDefault
	}

	for _, path := range overlayPaths(abs) {
		if err := resolved.applyFile(path); err != nil {
			return nil, err
		}
	}
	resolved.applyEnv()
	resolved.applyOverrides(overrides)
	return resolved, nil
}

// RuntimeDir returns the workspace state directory.
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.Workspace, RuntimeDirName)
}

// RunsDir returns the directory holding per-run WALs.
func (c *Config) RunsDir() string {
	return filepath.Join(c.RuntimeDir(), "runs")
}

// ServerDir returns the runtime server's state directory.
func (c *Config) ServerDir() string {
	return filepath.Join(c.RuntimeDir(), "runtime")
}

// APIKey reads the configured key variable from the environment.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

func overlayPaths(workspace string) []string {
	paths := []string{filepath.Join(workspace, "config", "runtime.yaml")}
	if extra := os.Getenv(EnvExtraConfig); extra != "" {
		for _, p := range strings.Split(extra, string(os.PathListSeparator)) {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// applyFile overlays one YAML document. Missing files are skipped;
// unparseable files are an error so a typo cannot silently drop policy.
func (r *Resolved) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	before := snapshot(r.Config)
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), r.Config); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	r.markChanged(before, SourceFile)
	return nil
}

func (r *Resolved) applyEnv() {
	setString := func(env, leaf string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
			r.Sources[leaf] = SourceEnv
		}
	}
	setString(EnvPlannerModel, "llm.planner_model", &r.LLM.PlannerModel)
	setString(EnvExecutorModel, "llm.executor_model", &r.LLM.ExecutorModel)
	setString(EnvBaseURL, "llm.base_url", &r.LLM.BaseURL)
	setString(EnvAPIKeyEnv, "llm.api_key_env", &r.LLM.APIKeyEnv)
	setString(EnvSafetyMode, "safety.mode", &r.Safety.Mode)
	setString(EnvLogLevel, "logging.level", &r.Logging.Level)
	if v := os.Getenv(EnvMaxSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			r.Run.MaxSteps = n
			r.Sources["run.max_steps"] = SourceEnv
		}
	}
}

func (r *Resolved) applyOverrides(o Overrides) {
	set := func(leaf, value string, dst *string) {
		if value != "" {
			*dst = value
			r.Sources[leaf] = SourceProgrammatic
		}
	}
	set("llm.planner_model", o.PlannerModel, &r.LLM.PlannerModel)
	set("llm.executor_model", o.ExecutorModel, &r.LLM.ExecutorModel)
	set("llm.base_url", o.BaseURL, &r.LLM.BaseURL)
	set("llm.api_key_env", o.APIKeyEnv, &r.LLM.APIKeyEnv)
}

// trackedLeaves are the dotted paths whose origin is reported.
var trackedLeaves = []string{
	"llm.planner_model",
	"llm.executor_model",
	"llm.base_url",
	"llm.api_key_env",
	"safety.mode",
	"run.max_steps",
	"run.max_wall_time_sec",
	"skills.refresh_policy",
	"skills.injection.max_bytes",
	"context_recovery.mode",
	"logging.level",
}

type leafValues map[string]any

func snapshot(c *Config) leafValues {
	return leafValues{
		"llm.planner_model":          c.LLM.PlannerModel,
		"llm.executor_model":         c.LLM.ExecutorModel,
		"llm.base_url":               c.LLM.BaseURL,
		"llm.api_key_env":            c.LLM.APIKeyEnv,
		"safety.mode":                c.Safety.Mode,
		"run.max_steps":              c.Run.MaxSteps,
		"run.max_wall_time_sec":      c.Run.MaxWallTimeSec,
		"skills.refresh_policy":      c.Skills.RefreshPolicy,
		"skills.injection.max_bytes": c.Skills.Injection.MaxBytes,
		"context_recovery.mode":      c.Recovery.Mode,
		"logging.level":              c.Logging.Level,
	}
}

func (r *Resolved) markChanged(before leafValues, source string) {
	after := snapshot(r.Config)
	for leaf, prev := range before {
		if after[leaf] != prev {
			r.Sources[leaf] = source
		}
	}
}
