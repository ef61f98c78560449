package safety

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Recipe ids. Every registered tool names the recipe used to project its
// arguments into the audit record; there is no escape hatch that logs raw
// arguments.
const (
	RecipeShellExec    = "shell_exec"
	RecipeShellCommand = "shell_command"
	RecipeWriteStdin   = "write_stdin"
	RecipeFileWrite    = "file_write"
	RecipeApplyPatch   = "apply_patch"
	RecipeSkillExec    = "skill_exec"
	RecipeGeneric      = "generic"
)

// Sanitize projects raw tool arguments through the named recipe. Unknown
// recipes fall back to the generic size+fingerprint projection, never to
// raw passthrough.
func Sanitize(recipe string, args json.RawMessage) (SanitizedRequest, error) {
	var parsed map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("sanitize: decode arguments: %w", err)
		}
	}
	switch recipe {
	case RecipeShellExec:
		return sanitizeShellExec(parsed), nil
	case RecipeShellCommand:
		return sanitizeShellCommand(parsed), nil
	case RecipeWriteStdin:
		return sanitizeWriteStdin(parsed), nil
	case RecipeFileWrite:
		return sanitizeFileWrite(parsed), nil
	case RecipeApplyPatch:
		return sanitizeApplyPatch(parsed), nil
	case RecipeSkillExec:
		return sanitizeSkillExec(parsed), nil
	default:
		return sanitizeGeneric(args), nil
	}
}

func sanitizeShellExec(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	copyField(req, args, "argv")
	copyField(req, args, "cwd")
	copyField(req, args, "timeout_ms")
	copyField(req, args, "tty")
	copyField(req, args, "sandbox")
	copyField(req, args, "sandbox_permissions")
	copyField(req, args, "risk")
	req["env_keys"] = envKeys(args["env"])
	return req
}

func sanitizeShellCommand(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	command, _ := firstString(args, "command", "cmd")
	if command != "" {
		req["command"] = command
		req["intent"] = ParseIntent(command).asMap()
	}
	copyField(req, args, "workdir")
	copyField(req, args, "timeout_ms")
	copyField(req, args, "sandbox")
	copyField(req, args, "risk")
	req["env_keys"] = envKeys(args["env"])
	return req
}

func sanitizeWriteStdin(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	copyField(req, args, "session_id")
	copyField(req, args, "yield_time_ms")
	copyField(req, args, "max_output_tokens")
	copyField(req, args, "is_poll")
	chars, _ := args["chars"].(string)
	req["bytes"] = len(chars)
	req["chars_sha256"] = Fingerprint([]byte(chars))
	return req
}

func sanitizeFileWrite(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	copyField(req, args, "path")
	copyField(req, args, "create_dirs")
	copyField(req, args, "sandbox_permissions")
	content, _ := args["content"].(string)
	req["bytes"] = len(content)
	req["content_sha256"] = Fingerprint([]byte(content))
	return req
}

var patchPathPattern = regexp.MustCompile(`(?m)^(?:\*\*\* (?:Add|Update|Delete) File: |\+\+\+ |--- )(\S+)`)

func sanitizeApplyPatch(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	patch, _ := args["patch"].(string)
	req["bytes"] = len(patch)
	req["content_sha256"] = Fingerprint([]byte(patch))
	req["best_effort_file_paths"] = patchPaths(patch)
	return req
}

func patchPaths(patch string) []string {
	seen := map[string]bool{}
	var paths []string
	for _, match := range patchPathPattern.FindAllStringSubmatch(patch, -1) {
		p := strings.TrimPrefix(match[1], "a/")
		p = strings.TrimPrefix(p, "b/")
		if p == "/dev/null" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func sanitizeSkillExec(args map[string]any) SanitizedRequest {
	req := SanitizedRequest{}
	copyField(req, args, "skill_mention")
	copyField(req, args, "action_id")
	copyField(req, args, "bundle_root")
	copyField(req, args, "argv")
	copyField(req, args, "timeout_ms")
	copyField(req, args, "risk")
	req["env_keys"] = envKeys(args["env"])
	if action, ok := args["action"].(string); ok {
		req["action_sha256"] = Fingerprint([]byte(action))
	}
	return req
}

func sanitizeGeneric(args json.RawMessage) SanitizedRequest {
	return SanitizedRequest{
		"args_bytes":  len(args),
		"args_sha256": Fingerprint(args),
	}
}

func copyField(dst SanitizedRequest, src map[string]any, key string) {
	if v, ok := src[key]; ok {
		dst[key] = v
	}
}

func firstString(args map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// envKeys enumerates env var names from an env object, sorted. Values are
// always dropped.
func envKeys(v any) []string {
	env, ok := v.(map[string]any)
	if !ok {
		return []string{}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
