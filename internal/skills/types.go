package skills

import (
	"context"
	"errors"
)

// SkillFilename is the expected filename for filesystem skill definitions.
const SkillFilename = "SKILL.md"

// Resolution errors. The loop maps these to config_error and not_found
// respectively.
var (
	// ErrSpaceNotConfigured means the mention's namespace has no
	// configured sources.
	ErrSpaceNotConfigured = errors.New("skill space not configured")

	// ErrUnknownSkill means the namespace is configured but no skill with
	// the requested name exists in it.
	ErrUnknownSkill = errors.New("unknown skill")
)

// BodyLoader fetches a skill body on demand. Scans never load bodies; the
// prompt manager calls the loader only when an injection is actually made.
type BodyLoader func(ctx context.Context) ([]byte, error)

// Skill is a reusable capability addressed by (namespace, name).
type Skill struct {
	// Namespace is the ordered colon-joined slug chain (1-7 segments).
	Namespace string

	// Name is the skill slug, unique within its namespace.
	Name string

	// Description is shown in "available skills" enumerations.
	Description string

	// RequiredEnvVars lists env var names the skill's actions expect.
	// Key names only; values are never part of skill metadata.
	RequiredEnvVars []string

	// Metadata carries source-specific extra fields.
	Metadata map[string]string

	// Loader loads the body lazily.
	Loader BodyLoader
}

// Key returns the unique identifier for the skill within a manager.
func (s *Skill) Key() string { return s.Namespace + "." + s.Name }

// Source enumerates skill metadata for one namespace. Implementations must
// not read bodies or bundles during Scan.
type Source interface {
	// Scan returns metadata-only entries for the namespace, each with a
	// bound body loader.
	Scan(ctx context.Context, namespace string) ([]*Skill, error)
}
