package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/skillsruntime/internal/agent"
	"github.com/haasonsaas/skillsruntime/internal/config"
	"github.com/haasonsaas/skillsruntime/internal/events"
	"github.com/haasonsaas/skillsruntime/internal/llm"
	"github.com/haasonsaas/skillsruntime/internal/observability"
	"github.com/haasonsaas/skillsruntime/internal/prompt"
	"github.com/haasonsaas/skillsruntime/internal/runtimesrv"
	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/internal/skills"
	"github.com/haasonsaas/skillsruntime/internal/tools"
)

// runtimeEnv holds everything a command needs after bootstrap.
type runtimeEnv struct {
	cfg     *config.Resolved
	logger  *slog.Logger
	metrics *observability.Metrics
	skills  *skills.Manager
	runtime *runtimesrv.Client
}

// buildEnv loads configuration for the workspace and wires the shared
// components. The runtime client is lazy; it spawns the server only when
// a tool first needs it and auto-spawn is enabled.
func buildEnv(workspace string, debug bool) (*runtimeEnv, error) {
	cfg, err := config.Load(workspace, config.Overrides{})
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	env := &runtimeEnv{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(prometheus.DefaultRegisterer),
	}
	if env.skills, err = buildSkillsManager(cfg, logger); err != nil {
		return nil, err
	}
	env.runtime = runtimesrv.NewClient(cfg.ServerDir(), cfg.Runtime.AutoSpawn, logger)
	return env, nil
}

// buildSkillsManager wires one source per configured space: a directory,
// a Redis keyspace, or a SQL table.
func buildSkillsManager(cfg *config.Resolved, logger *slog.Logger) (*skills.Manager, error) {
	refresh, err := skills.ParseRefreshPolicy(cfg.Skills.RefreshPolicy)
	if err != nil {
		return nil, fmt.Errorf("skills refresh policy: %w", err)
	}
	manager := skills.NewManager(refresh, logger)

	for namespace, space := range cfg.Skills.Spaces {
		var sources []skills.Source
		if space.Dir != "" {
			dir := space.Dir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(cfg.Workspace, dir)
			}
			sources = append(sources, skills.NewFSSource(dir, logger))
		}
		if space.RedisURL != "" {
			opts, err := redis.ParseURL(space.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("skills space %q: %w", namespace, err)
			}
			sources = append(sources, skills.NewRedisSource(redis.NewClient(opts), space.RedisPrefix))
		}
		if space.SQLDriver != "" {
			db, err := sql.Open(space.SQLDriver, space.SQLDSN)
			if err != nil {
				return nil, fmt.Errorf("skills space %q: %w", namespace, err)
			}
			sources = append(sources, skills.NewSQLSource(db, space.SQLDriver, space.SQLTable))
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("skills space %q has no source configured", namespace)
		}
		if err := manager.AddSpace(namespace, sources...); err != nil {
			return nil, fmt.Errorf("skills space %q: %w", namespace, err)
		}
	}
	return manager, nil
}

// runnerParams are the per-run knobs the commands vary.
type runnerParams struct {
	runID    string
	resume   string
	model    string
	provider safety.Provider
	human    agent.HumanIO
	hooks    []events.Hook
}

// newRunner assembles a runner from the environment and per-run params.
func (e *runtimeEnv) newRunner(p runnerParams) (*agent.Runner, error) {
	cfg := e.cfg
	if p.runID == "" {
		p.runID = uuid.NewString()
	}

	model := p.model
	if model == "" {
		model = cfg.LLM.PlannerModel
	}
	backend := llm.NewOpenAIBackend(llm.OpenAIConfig{
		APIKey:       cfg.APIKey(),
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: model,
		MaxAttempts:  cfg.LLM.MaxAttempts,
	}, e.logger)

	registry := tools.NewRegistry()
	var skillsMgr *skills.Manager
	if len(cfg.Skills.Spaces) > 0 {
		skillsMgr = e.skills
	}
	if err := tools.RegisterBuiltins(registry, tools.BuiltinOptions{
		Runtime: e.runtime,
		Skills:  skillsMgr,
	}); err != nil {
		return nil, err
	}

	gate := safety.NewGate(safety.Policy{
		Mode:          safety.Mode(cfg.Safety.Mode),
		Allowlist:     cfg.Safety.Allowlist,
		Denylist:      cfg.Safety.Denylist,
		ToolAllowlist: cfg.Safety.ToolAllowlist,
	}, p.provider, time.Duration(cfg.Safety.ApprovalTimeoutMS)*time.Millisecond, e.logger)
	dispatcher := tools.NewDispatcher(registry, gate, 0, e.logger)

	ec := &tools.ExecContext{
		WorkspaceRoot:  cfg.Workspace,
		ArtifactsDir:   filepath.Join(cfg.RunsDir(), p.runID, "artifacts"),
		DefaultSandbox: tools.SandboxNone,
	}

	promptMgr := prompt.NewManager(prompt.Config{
		SystemTemplate:     cfg.Prompt.SystemTemplate,
		DeveloperPolicy:    cfg.Prompt.DeveloperPolicy,
		EnumerateSkills:    cfg.Prompt.EnumerateSkills,
		InjectionMaxBytes:  cfg.Skills.Injection.MaxBytes,
		HistoryMaxMessages: cfg.History.MaxMessages,
		HistoryMaxChars:    cfg.History.MaxChars,
	}, skillsMgr, e.logger)

	hooks := append([]events.Hook{e.metrics.Hook()}, p.hooks...)

	return agent.NewRunner(agent.Options{
		Root:       cfg.RuntimeDir(),
		RunID:      p.runID,
		Backend:    backend,
		Model:      model,
		MaxTokens:  cfg.LLM.MaxTokens,
		Prompt:     promptMgr,
		Dispatcher: dispatcher,
		Gate:       gate,
		Exec:       ec,
		Budget: agent.BudgetConfig{
			MaxSteps:      cfg.Run.MaxSteps,
			MaxWallTime:   time.Duration(cfg.Run.MaxWallTimeSec) * time.Second,
			StepIncrement: cfg.Run.StepIncrement,
			WallIncrement: time.Duration(cfg.Run.WallTimeIncrement) * time.Second,
		},
		Recovery: agent.RecoveryConfig{
			Mode:                       cfg.Recovery.Mode,
			MaxCompactionsPerRun:       cfg.Recovery.MaxCompactionsPerRun,
			CompactionHistoryMaxChars:  cfg.Recovery.CompactionHistoryMaxChars,
			CompactionKeepLastMessages: cfg.Recovery.CompactionKeepLastMessages,
			AskFirstFallbackMode:       cfg.Recovery.AskFirstFallbackMode,
		},
		Hooks:  hooks,
		Human:  p.human,
		Resume: p.resume,
		Logger: e.logger,
	}), nil
}

// childRunner adapts the agent loop as the runtime server's child agent
// driver. Children run with the executor model and auto-deny approvals;
// a child has no console to ask on. A resumed child keeps its run id and
// continues from its own event log.
func (e *runtimeEnv) childRunner() runtimesrv.ChildRunner {
	return func(ctx context.Context, p runtimesrv.ChildRunParams, input <-chan string) (string, error) {
		model := p.Model
		if model == "" {
			model = e.cfg.LLM.ExecutorModel
		}
		params := runnerParams{runID: p.RunID, model: model}
		if p.Resume {
			params.resume = agent.ResumeSummary
		}
		runner, err := e.newRunner(params)
		if err != nil {
			return "", err
		}
		result, err := runner.Run(ctx, p.Message)
		if err != nil {
			return "", err
		}
		if result.Status != agent.StatusCompleted {
			return "", result.Err
		}
		return result.FinalOutput, nil
	}
}
