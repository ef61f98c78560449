// Package config loads runtime configuration with a fixed precedence:
// programmatic overrides, then environment variables, then YAML overlays,
// then built-in defaults. Every resolved leaf records which layer set it.
package config

import (
	"time"
)

// RuntimeDirName is the per-workspace state directory.
const RuntimeDirName = ".skills_runtime_sdk"

// Config is the resolved runtime configuration for one workspace.
type Config struct {
	// Workspace is the absolute workspace root. Not settable from files.
	Workspace string `yaml:"-"`

	LLM      LLMConfig      `yaml:"llm"`
	Run      RunConfig      `yaml:"run"`
	Safety   SafetyConfig   `yaml:"safety"`
	Skills   SkillsConfig   `yaml:"skills"`
	History  HistoryConfig  `yaml:"history"`
	Recovery RecoveryConfig `yaml:"context_recovery"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Prompt   PromptConfig   `yaml:"prompt"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type LLMConfig struct {
	// PlannerModel drives the main loop; ExecutorModel drives child
	// agents. ExecutorModel falls back to PlannerModel when empty.
	PlannerModel  string `yaml:"planner_model"`
	ExecutorModel string `yaml:"executor_model"`

	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never appears in configuration files.
	APIKeyEnv string `yaml:"api_key_env"`

	MaxTokens   int `yaml:"max_tokens"`
	MaxAttempts int `yaml:"max_attempts"`
}

type RunConfig struct {
	MaxSteps       int `yaml:"max_steps"`
	MaxWallTimeSec int `yaml:"max_wall_time_sec"`

	// Increments applied when a recovery prompt grants more budget.
	StepIncrement     int `yaml:"step_increment"`
	WallTimeIncrement int `yaml:"wall_time_increment_sec"`
}

type SafetyConfig struct {
	Mode              string   `yaml:"mode"`
	Allowlist         []string `yaml:"allowlist"`
	Denylist          []string `yaml:"denylist"`
	ToolAllowlist     []string `yaml:"tool_allowlist"`
	ApprovalTimeoutMS int      `yaml:"approval_timeout_ms"`
}

type SkillsConfig struct {
	// Spaces maps namespace chains to source directories or URLs.
	Spaces map[string]SpaceConfig `yaml:"spaces"`

	RefreshPolicy string          `yaml:"refresh_policy"`
	Injection     InjectionConfig `yaml:"injection"`
}

type SpaceConfig struct {
	// Dir is a filesystem source rooted at this directory.
	Dir string `yaml:"dir"`

	// RedisURL and RedisPrefix configure a Redis source.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`

	// SQLDriver and SQLDSN configure a database source.
	SQLDriver string `yaml:"sql_driver"`
	SQLDSN    string `yaml:"sql_dsn"`
	SQLTable  string `yaml:"sql_table"`
}

type InjectionConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxChars    int `yaml:"max_chars"`
}

type RecoveryConfig struct {
	Mode                       string `yaml:"mode"`
	MaxCompactionsPerRun       int    `yaml:"max_compactions_per_run"`
	CompactionHistoryMaxChars  int    `yaml:"compaction_history_max_chars"`
	CompactionKeepLastMessages int    `yaml:"compaction_keep_last_messages"`
	AskFirstFallbackMode       string `yaml:"ask_first_fallback_mode"`
}

type RuntimeConfig struct {
	IdleTimeoutSec int  `yaml:"idle_timeout_sec"`
	AutoSpawn      bool `yaml:"auto_spawn"`
}

type PromptConfig struct {
	SystemTemplate  string `yaml:"system_template"`
	DeveloperPolicy string `yaml:"developer_policy"`
	EnumerateSkills bool   `yaml:"enumerate_skills"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in configuration layer.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			PlannerModel: "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			MaxAttempts:  3,
		},
		Run: RunConfig{
			MaxSteps:          40,
			MaxWallTimeSec:    600,
			StepIncrement:     20,
			WallTimeIncrement: 300,
		},
		Safety: SafetyConfig{
			Mode:              "ask",
			ApprovalTimeoutMS: int(5 * time.Minute / time.Millisecond),
		},
		Skills: SkillsConfig{
			RefreshPolicy: "ttl:30",
			Injection:     InjectionConfig{MaxBytes: 64 * 1024},
		},
		History: HistoryConfig{
			MaxMessages: 80,
			MaxChars:    200_000,
		},
		Recovery: RecoveryConfig{
			Mode:                       "compact_first",
			MaxCompactionsPerRun:       2,
			CompactionHistoryMaxChars:  60_000,
			CompactionKeepLastMessages: 6,
			AskFirstFallbackMode:       "compact_first",
		},
		Runtime: RuntimeConfig{
			IdleTimeoutSec: 300,
			AutoSpawn:      true,
		},
		Prompt: PromptConfig{
			SystemTemplate:  "You are a capable engineering agent working inside a sandboxed workspace.",
			EnumerateSkills: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
