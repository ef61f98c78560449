package skills

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RefreshKind selects when scan caches are invalidated.
type RefreshKind string

const (
	RefreshAlways RefreshKind = "always"
	RefreshTTL    RefreshKind = "ttl"
	RefreshManual RefreshKind = "manual"
)

// RefreshPolicy is parsed from "always", "ttl:<seconds>", or "manual".
type RefreshPolicy struct {
	Kind RefreshKind
	TTL  time.Duration
}

// ParseRefreshPolicy parses the configuration string form.
func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch {
	case s == "" || s == string(RefreshAlways):
		return RefreshPolicy{Kind: RefreshAlways}, nil
	case s == string(RefreshManual):
		return RefreshPolicy{Kind: RefreshManual}, nil
	case strings.HasPrefix(s, "ttl:"):
		secs, err := strconv.Atoi(strings.TrimPrefix(s, "ttl:"))
		if err != nil || secs <= 0 {
			return RefreshPolicy{}, fmt.Errorf("invalid refresh policy %q", s)
		}
		return RefreshPolicy{Kind: RefreshTTL, TTL: time.Duration(secs) * time.Second}, nil
	default:
		return RefreshPolicy{}, fmt.Errorf("invalid refresh policy %q", s)
	}
}

// Manager resolves skills across configured spaces with refresh-policy
// caching. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	spaces    map[string][]Source
	refresh   RefreshPolicy
	cache     map[string]*Skill
	scannedAt time.Time
	scanned   bool
	logger    *slog.Logger
	clock     func() time.Time
}

// NewManager creates a manager with the given refresh policy.
func NewManager(refresh RefreshPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh.Kind == "" {
		refresh.Kind = RefreshAlways
	}
	return &Manager{
		spaces:  make(map[string][]Source),
		refresh: refresh,
		cache:   make(map[string]*Skill),
		logger:  logger,
		clock:   time.Now,
	}
}

// AddSpace configures sources for a namespace. Sources are scanned in
// order; the first entry for a (namespace, name) wins.
func (m *Manager) AddSpace(namespace string, sources ...Source) error {
	for _, seg := range strings.Split(namespace, ":") {
		if !slugRe.MatchString(seg) {
			return fmt.Errorf("invalid namespace segment %q", seg)
		}
	}
	if n := strings.Count(namespace, ":") + 1; n > MaxNamespace {
		return fmt.Errorf("namespace %q exceeds %d segments", namespace, MaxNamespace)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[namespace] = append(m.spaces[namespace], sources...)
	return nil
}

// Spaces returns the configured namespaces.
func (m *Manager) Spaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.spaces))
	for ns := range m.spaces {
		out = append(out, ns)
	}
	return out
}

// Invalidate discards the scan cache; the next resolution rescans.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned = false
}

// Resolve returns the skill for (namespace, name). An unconfigured
// namespace yields ErrSpaceNotConfigured; a configured namespace without
// the skill yields ErrUnknownSkill.
func (m *Manager) Resolve(ctx context.Context, namespace, name string) (*Skill, error) {
	m.mu.RLock()
	_, configured := m.spaces[namespace]
	m.mu.RUnlock()
	if !configured {
		return nil, fmt.Errorf("%w: %q", ErrSpaceNotConfigured, namespace)
	}
	if err := m.ensureFresh(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.cache[namespace+"."+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownSkill, namespace, name)
	}
	return skill, nil
}

// ResolveMention resolves a parsed mention token.
func (m *Manager) ResolveMention(ctx context.Context, mention Mention) (*Skill, error) {
	return m.Resolve(ctx, mention.Namespace(), mention.Name)
}

// List returns all known skills after a freshness check.
func (m *Manager) List(ctx context.Context) ([]*Skill, error) {
	if err := m.ensureFresh(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.cache))
	for _, skill := range m.cache {
		out = append(out, skill)
	}
	return out, nil
}

func (m *Manager) ensureFresh(ctx context.Context) error {
	m.mu.RLock()
	fresh := m.isFreshLocked()
	m.mu.RUnlock()
	if fresh {
		return nil
	}
	return m.rescan(ctx)
}

func (m *Manager) isFreshLocked() bool {
	if !m.scanned {
		return false
	}
	switch m.refresh.Kind {
	case RefreshAlways:
		return false
	case RefreshTTL:
		return m.clock().Sub(m.scannedAt) <= m.refresh.TTL
	default: // manual
		return true
	}
}

func (m *Manager) rescan(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isFreshLocked() {
		return nil
	}
	cache := make(map[string]*Skill)
	for namespace, sources := range m.spaces {
		for _, source := range sources {
			found, err := source.Scan(ctx, namespace)
			if err != nil {
				return fmt.Errorf("scan namespace %q: %w", namespace, err)
			}
			for _, skill := range found {
				key := skill.Key()
				if _, dup := cache[key]; dup {
					m.logger.Warn("duplicate skill ignored", "skill", key)
					continue
				}
				cache[key] = skill
			}
		}
	}
	m.cache = cache
	m.scannedAt = m.clock()
	m.scanned = true
	return nil
}
