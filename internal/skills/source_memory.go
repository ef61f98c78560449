package skills

import (
	"context"
	"sync"
)

// MemorySource holds skills in memory. Used in tests and for
// programmatically registered skills.
type MemorySource struct {
	mu     sync.RWMutex
	skills []*Skill
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Add registers a skill with an inline body.
func (s *MemorySource) Add(namespace, name, description string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills = append(s.skills, &Skill{
		Namespace:   namespace,
		Name:        name,
		Description: description,
		Loader: func(context.Context) ([]byte, error) {
			return body, nil
		},
	})
}

// AddSkill registers a fully built skill.
func (s *MemorySource) AddSkill(skill *Skill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills = append(s.skills, skill)
}

// Scan returns the registered skills for the namespace.
func (s *MemorySource) Scan(_ context.Context, namespace string) ([]*Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Skill
	for _, skill := range s.skills {
		if skill.Namespace == namespace {
			out = append(out, skill)
		}
	}
	return out, nil
}
