// Package prompt assembles the model request for each turn: system
// template, developer policy, skill enumeration and injected bodies, a
// trimmed history window, and the user task, under a byte budget for
// injections.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/skillsruntime/internal/skills"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

// Config controls prompt assembly.
type Config struct {
	// SystemTemplate is the base system prompt.
	SystemTemplate string

	// DeveloperPolicy is merged into the system prompt after the template.
	DeveloperPolicy string

	// EnumerateSkills appends an "Available skills" listing to the system
	// prompt when true.
	EnumerateSkills bool

	// InjectionMaxBytes caps the combined size of injected skill bodies.
	// Zero means no injections are made.
	InjectionMaxBytes int

	// HistoryMaxMessages and HistoryMaxChars bound the history window.
	// Whichever bound fires first wins. Zero disables that bound.
	HistoryMaxMessages int
	HistoryMaxChars    int
}

// Injection records one skill body added to the prompt.
type Injection struct {
	Mention   string `json:"mention"`
	Skill     string `json:"skill"`
	Bytes     int    `json:"bytes"`
	Truncated bool   `json:"truncated"`
}

// Compiled is the assembled prompt plus accounting for events.
type Compiled struct {
	System   string
	Messages []models.ChatMessage

	Injections     []Injection
	SystemBytes    int
	InjectedBytes  int
	TaskBytes      int
	HistoryBytes   int
	HistoryDropped int
	Truncated      bool
}

// EventPayload builds the payload carried by the compiled-prompt event.
func (c *Compiled) EventPayload() map[string]any {
	injections := make([]any, 0, len(c.Injections))
	for _, inj := range c.Injections {
		injections = append(injections, map[string]any{
			"mention":   inj.Mention,
			"skill":     inj.Skill,
			"bytes":     inj.Bytes,
			"truncated": inj.Truncated,
		})
	}
	return map[string]any{
		"system_bytes":    c.SystemBytes,
		"injected_bytes":  c.InjectedBytes,
		"task_bytes":      c.TaskBytes,
		"history_bytes":   c.HistoryBytes,
		"history_dropped": c.HistoryDropped,
		"truncated":       c.Truncated,
		"injections":      injections,
	}
}

// Manager compiles prompts. It never back-references the loop; the loop
// owns event emission for compiled prompts and injections.
type Manager struct {
	cfg    Config
	skills *skills.Manager
	logger *slog.Logger
}

// NewManager creates a prompt manager. skillsMgr may be nil when no skill
// spaces are configured.
func NewManager(cfg Config, skillsMgr *skills.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, skills: skillsMgr, logger: logger}
}

// Compile assembles the request for a turn. history is the accumulated
// conversation; task is the current user task. An empty task compiles a
// continuation turn: no user message is appended and no mentions are
// resolved. Skill resolution and body load failures are returned as errors
// so the run fails closed.
func (m *Manager) Compile(ctx context.Context, task string, history []models.ChatMessage) (*Compiled, error) {
	var system strings.Builder
	system.WriteString(m.cfg.SystemTemplate)
	if m.cfg.DeveloperPolicy != "" {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(m.cfg.DeveloperPolicy)
	}

	if m.cfg.EnumerateSkills && m.skills != nil {
		listing, err := m.enumerateSkills(ctx)
		if err != nil {
			return nil, err
		}
		if listing != "" {
			system.WriteString("\n\n")
			system.WriteString(listing)
		}
	}

	compiled := &Compiled{}
	if err := m.injectSkills(ctx, task, &system, compiled); err != nil {
		return nil, err
	}

	window, dropped := trimHistory(history, m.cfg.HistoryMaxMessages, m.cfg.HistoryMaxChars)
	compiled.HistoryDropped = dropped
	for _, msg := range window {
		compiled.HistoryBytes += len(msg.Content)
	}

	compiled.System = system.String()
	compiled.SystemBytes = len(compiled.System)
	compiled.TaskBytes = len(task)
	compiled.Messages = append([]models.ChatMessage{}, window...)
	if task != "" {
		compiled.Messages = append(compiled.Messages, models.ChatMessage{
			Role:    models.RoleUser,
			Content: task,
		})
	}
	return compiled, nil
}

func (m *Manager) enumerateSkills(ctx context.Context) (string, error) {
	all, err := m.skills.List(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate skills: %w", err)
	}
	if len(all) == 0 {
		return "", nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, skill := range all {
		fmt.Fprintf(&b, "- $[%s].%s: %s\n", skill.Namespace, skill.Name, skill.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// injectSkills resolves mentions in the task and appends their bodies to
// the system prompt under the injection byte budget. The task itself is
// never truncated.
func (m *Manager) injectSkills(ctx context.Context, task string, system *strings.Builder, compiled *Compiled) error {
	mentions := skills.ExtractMentions(task)
	if len(mentions) == 0 || m.skills == nil {
		return nil
	}
	remaining := m.cfg.InjectionMaxBytes
	for _, mention := range mentions {
		skill, err := m.skills.ResolveMention(ctx, mention)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", mention.String(), err)
		}
		inj := Injection{Mention: mention.String(), Skill: skill.Key()}
		if remaining <= 0 {
			inj.Truncated = true
			compiled.Truncated = true
			compiled.Injections = append(compiled.Injections, inj)
			continue
		}
		body, err := skill.Loader(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", mention.String(), err)
		}
		if len(body) > remaining {
			body = body[:remaining]
			inj.Truncated = true
			compiled.Truncated = true
		}
		remaining -= len(body)
		inj.Bytes = len(body)
		compiled.InjectedBytes += len(body)
		compiled.Injections = append(compiled.Injections, inj)

		fmt.Fprintf(system, "\n\n## Skill: %s\n%s", mention.String(), body)
	}
	return nil
}

// trimHistory applies the window bounds from oldest-dropped-first while
// always keeping the most recent user message and any trailing tool
// messages from the current turn.
func trimHistory(history []models.ChatMessage, maxMessages, maxChars int) ([]models.ChatMessage, int) {
	if len(history) == 0 {
		return nil, 0
	}

	protected := make([]bool, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleTool {
			protected[i] = true
			continue
		}
		break
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			protected[i] = true
			break
		}
	}

	kept := make([]bool, len(history))
	count, chars := 0, 0
	for i := len(history) - 1; i >= 0; i-- {
		size := len(history[i].Content)
		if !protected[i] {
			if maxMessages > 0 && count >= maxMessages {
				continue
			}
			if maxChars > 0 && chars+size > maxChars {
				continue
			}
		}
		kept[i] = true
		count++
		chars += size
	}

	var window []models.ChatMessage
	dropped := 0
	for i, keep := range kept {
		if keep {
			window = append(window, history[i])
		} else {
			dropped++
		}
	}
	return window, dropped
}
