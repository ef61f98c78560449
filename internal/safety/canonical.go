// Package safety implements the deterministic two-stage gate in front of
// tool execution: request sanitation + canonical approval keying, a pure
// policy decision tree, and an approvals client with per-run caching and a
// denial loop guard.
package safety

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SanitizedRequest is the audit-friendly projection of a tool call's
// arguments. It never contains raw secrets, file content, stdin bytes, or
// patch bodies; only sizes, SHA-256 fingerprints, and enumerated env keys.
type SanitizedRequest map[string]any

// CanonicalJSON renders v as deterministic JSON: object keys sorted, arrays
// in given order, no insignificant whitespace, UTF-8. The output is stable
// across processes and platforms.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// ApprovalKey derives the cache/audit key for a sanitized tool request:
// sha256(canonical_json({tool, sanitized_request})), hex encoded.
func ApprovalKey(tool string, req SanitizedRequest) (string, error) {
	canonical, err := CanonicalJSON(map[string]any{
		"tool":              tool,
		"sanitized_request": map[string]any(req),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the hex SHA-256 of content. Used wherever raw bytes
// must be referenced without being recorded.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
