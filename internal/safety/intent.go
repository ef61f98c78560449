package safety

import (
	"strings"
	"unicode"
)

// Intent is the best-effort reading of a shell command string. It drives
// policy decisions and auditing only; execution never uses the derived argv
// in place of the original string.
type Intent struct {
	Argv      []string `json:"argv,omitempty"`
	IsComplex bool     `json:"is_complex"`
	Reason    string   `json:"reason,omitempty"`
}

// ParseIntent splits a shell command string into words. Any construct whose
// meaning the splitter cannot capture, operators, redirections, command
// substitution, or a parse failure, marks the intent complex.
func ParseIntent(command string) Intent {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
	)
	flush := func() {
		if inWord {
			argv = append(argv, current.String())
			current.Reset()
			inWord = false
		}
	}
	complexAt := func(reason string) Intent {
		flush()
		return Intent{Argv: argv, IsComplex: true, Reason: reason}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '|', '&', ';':
			return complexAt("operator")
		case '<', '>':
			return complexAt("redirection")
		case '`':
			return complexAt("command substitution")
		case '\n':
			return complexAt("operator")
		case '$':
			if i+1 < len(runes) && runes[i+1] == '(' {
				return complexAt("command substitution")
			}
			current.WriteRune(r)
			inWord = true
		case '\\':
			if i+1 >= len(runes) {
				return complexAt("parse failure")
			}
			i++
			current.WriteRune(runes[i])
			inWord = true
		case '\'':
			end := indexRune(runes, i+1, '\'')
			if end < 0 {
				return complexAt("parse failure")
			}
			current.WriteString(string(runes[i+1 : end]))
			inWord = true
			i = end
		case '"':
			closed := false
			for j := i + 1; j < len(runes); j++ {
				switch runes[j] {
				case '\\':
					if j+1 >= len(runes) {
						return complexAt("parse failure")
					}
					j++
					current.WriteRune(runes[j])
				case '`':
					return complexAt("command substitution")
				case '$':
					if j+1 < len(runes) && runes[j+1] == '(' {
						return complexAt("command substitution")
					}
					current.WriteRune(runes[j])
				case '"':
					i = j
					closed = true
				default:
					current.WriteRune(runes[j])
				}
				if closed {
					break
				}
			}
			if !closed {
				return complexAt("parse failure")
			}
			inWord = true
		default:
			if unicode.IsSpace(r) {
				flush()
			} else {
				current.WriteRune(r)
				inWord = true
			}
		}
	}
	flush()
	return Intent{Argv: argv}
}

func indexRune(runes []rune, from int, want rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == want {
			return i
		}
	}
	return -1
}

// asMap renders the intent for sanitized request payloads.
func (in Intent) asMap() map[string]any {
	argv := make([]any, len(in.Argv))
	for i, a := range in.Argv {
		argv[i] = a
	}
	m := map[string]any{
		"argv":       argv,
		"is_complex": in.IsComplex,
	}
	if in.Reason != "" {
		m["reason"] = in.Reason
	}
	return m
}
