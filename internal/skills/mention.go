// Package skills manages reusable skill definitions: mention parsing,
// metadata scanning across configured sources, refresh-policy caching, and
// lazy body loading.
package skills

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mention token grammar: $[ns1:ns2:...].skill_name with 1-7 namespace
// segments. Segments and names are lowercase slugs of length 2-64.
const (
	slugPattern  = `[a-z0-9][a-z0-9-]{0,62}[a-z0-9]`
	MaxNamespace = 7
)

var (
	tokenRe  = regexp.MustCompile(`\$\[` + slugPattern + `(?::` + slugPattern + `){0,6}\]\.` + slugPattern)
	strictRe = regexp.MustCompile(`^\$\[(` + slugPattern + `(?::` + slugPattern + `){0,6})\]\.(` + slugPattern + `)$`)
	slugRe   = regexp.MustCompile(`^` + slugPattern + `$`)
)

// ErrInvalidMention reports a token that fails strict validation.
var ErrInvalidMention = errors.New("invalid skill mention")

// Mention addresses a skill by its ordered namespace chain and name.
// Segment order is significant: a:b and b:a are different namespaces.
type Mention struct {
	Segments []string
	Name     string
}

// Namespace returns the colon-joined namespace chain.
func (m Mention) Namespace() string { return strings.Join(m.Segments, ":") }

// String renders the canonical token form.
func (m Mention) String() string {
	return "$[" + m.Namespace() + "]." + m.Name
}

// ParseMention strictly validates token: the entire string must be one
// well-formed mention.
func ParseMention(token string) (Mention, error) {
	match := strictRe.FindStringSubmatch(token)
	if match == nil {
		return Mention{}, fmt.Errorf("%w: %q", ErrInvalidMention, token)
	}
	segments := strings.Split(match[1], ":")
	if len(segments) > MaxNamespace {
		return Mention{}, fmt.Errorf("%w: %q has more than %d namespace segments", ErrInvalidMention, token, MaxNamespace)
	}
	for _, seg := range segments {
		if !slugRe.MatchString(seg) {
			return Mention{}, fmt.Errorf("%w: bad segment %q", ErrInvalidMention, seg)
		}
	}
	return Mention{Segments: segments, Name: match[2]}, nil
}

// ExtractMentions leniently scans free text for mention tokens in order of
// first appearance, deduplicated. Invalid fragments are ignored.
func ExtractMentions(text string) []Mention {
	var mentions []Mention
	seen := map[string]bool{}
	for _, token := range tokenRe.FindAllString(text, -1) {
		m, err := ParseMention(token)
		if err != nil {
			continue
		}
		key := m.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		mentions = append(mentions, m)
	}
	return mentions
}
