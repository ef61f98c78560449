package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

type fileWriteArgs struct {
	Path               string   `json:"path" jsonschema:"description=Destination path relative to the workspace root"`
	Content            string   `json:"content" jsonschema:"description=Full file content to write"`
	CreateDirs         bool     `json:"create_dirs,omitempty"`
	SandboxPermissions []string `json:"sandbox_permissions,omitempty"`
}

// NewFileWriteTool writes a full file under the workspace root.
func NewFileWriteTool() Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "file_write",
			Description: "Write a file inside the workspace, replacing any existing content.",
			Parameters:  SchemaFor(&fileWriteArgs{}),
		},
		Safety: Descriptor{
			Recipe:  safety.RecipeFileWrite,
			Builtin: true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[fileWriteArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			path, err := ec.ResolvePath(args.Path)
			if err != nil {
				return resultFromPathError(err)
			}
			if args.CreateDirs {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return models.ErrorResult(models.ErrorKindIO, err.Error()), nil
				}
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return models.ErrorResult(models.ErrorKindIO, err.Error()), nil
			}
			result := &models.ToolResult{OK: true}
			result.SetData("path", args.Path)
			result.SetData("bytes", len(args.Content))
			return result, nil
		},
	}
}

type applyPatchArgs struct {
	Patch string `json:"patch" jsonschema:"description=Patch document with Add/Update/Delete File sections"`
}

// NewApplyPatchTool applies a patch document. The envelope format carries
// one section per file:
//
//	*** Add File: <path>      followed by + lines
//	*** Delete File: <path>
//	*** Update File: <path>   followed by @@ hunks of ' ', '-', '+' lines
func NewApplyPatchTool() Entry {
	return Entry{
		Spec: models.ToolSpec{
			Name:        "apply_patch",
			Description: "Apply a multi-file patch to the workspace.",
			Parameters:  SchemaFor(&applyPatchArgs{}),
		},
		Safety: Descriptor{
			Recipe:  safety.RecipeApplyPatch,
			Builtin: true,
		},
		Handler: func(ctx context.Context, ec *ExecContext, raw json.RawMessage) (*models.ToolResult, error) {
			args, err := decodeArgs[applyPatchArgs](raw)
			if err != nil {
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			changed, err := applyPatch(ec, args.Patch)
			if err != nil {
				var runErr *models.RunError
				if errors.As(err, &runErr) {
					return models.ErrorResult(runErr.Kind, runErr.Message), nil
				}
				return models.ErrorResult(models.ErrorKindValidation, err.Error()), nil
			}
			result := &models.ToolResult{OK: true}
			result.SetData("files_changed", changed)
			return result, nil
		},
	}
}

type patchSection struct {
	op    string
	path  string
	lines []string
}

func applyPatch(ec *ExecContext, patch string) ([]string, error) {
	sections, err := parsePatch(patch)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("patch contains no file sections")
	}

	// Resolve and stage everything before touching the filesystem so a
	// bad later section cannot leave a half-applied patch.
	type staged struct {
		path    string
		content *string // nil means delete
	}
	var plan []staged
	var changed []string
	for _, section := range sections {
		path, err := ec.ResolvePath(section.path)
		if err != nil {
			return nil, err
		}
		switch section.op {
		case "Add":
			content := joinAdded(section.lines)
			plan = append(plan, staged{path: path, content: &content})
		case "Delete":
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("delete %s: %w", section.path, err)
			}
			plan = append(plan, staged{path: path})
		case "Update":
			original, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("update %s: %w", section.path, err)
			}
			updated, err := applyHunks(string(original), section.lines)
			if err != nil {
				return nil, fmt.Errorf("update %s: %w", section.path, err)
			}
			plan = append(plan, staged{path: path, content: &updated})
		}
		changed = append(changed, section.path)
	}

	for _, step := range plan {
		if step.content == nil {
			if err := os.Remove(step.path); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(step.path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(step.path, []byte(*step.content), 0o644); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func parsePatch(patch string) ([]patchSection, error) {
	var sections []patchSection
	var current *patchSection
	for _, line := range strings.Split(patch, "\n") {
		if op, path, ok := sectionHeader(line); ok {
			if current != nil {
				sections = append(sections, *current)
			}
			current = &patchSection{op: op, path: path}
			continue
		}
		if strings.HasPrefix(line, "*** End Patch") || strings.HasPrefix(line, "*** Begin Patch") {
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		} else if strings.TrimSpace(line) != "" {
			return nil, fmt.Errorf("content before first file section: %q", line)
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}
	return sections, nil
}

func sectionHeader(line string) (op, path string, ok bool) {
	for _, candidate := range []string{"Add", "Update", "Delete"} {
		prefix := "*** " + candidate + " File: "
		if strings.HasPrefix(line, prefix) {
			return candidate, strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", "", false
}

func joinAdded(lines []string) string {
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(line, "+") {
			out = append(out, line[1:])
		}
	}
	return strings.Join(out, "\n") + "\n"
}

// applyHunks applies @@ hunks by exact context matching. Line numbers in
// hunk headers are ignored; the context lines locate each hunk.
func applyHunks(original string, lines []string) (string, error) {
	src := strings.Split(original, "\n")
	var hunks [][]string
	var current []string
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			if current != nil {
				hunks = append(hunks, current)
			}
			current = []string{}
			continue
		}
		if current != nil {
			current = append(current, line)
		}
	}
	if current != nil {
		hunks = append(hunks, current)
	}
	if len(hunks) == 0 {
		return "", fmt.Errorf("no hunks in update section")
	}

	searchFrom := 0
	for _, hunk := range hunks {
		var match []string // lines the hunk expects in the original
		var replace []string
		for _, line := range hunk {
			switch {
			case strings.HasPrefix(line, "-"):
				match = append(match, line[1:])
			case strings.HasPrefix(line, "+"):
				replace = append(replace, line[1:])
			case strings.HasPrefix(line, " "):
				match = append(match, line[1:])
				replace = append(replace, line[1:])
			case line == "":
				match = append(match, "")
				replace = append(replace, "")
			default:
				return "", fmt.Errorf("malformed hunk line %q", line)
			}
		}
		// Trailing blank from splitting the section text.
		for len(match) > 0 && match[len(match)-1] == "" && len(replace) > 0 && replace[len(replace)-1] == "" {
			match = match[:len(match)-1]
			replace = replace[:len(replace)-1]
		}
		at := findLines(src, match, searchFrom)
		if at < 0 {
			return "", fmt.Errorf("hunk context not found")
		}
		rebuilt := append([]string{}, src[:at]...)
		rebuilt = append(rebuilt, replace...)
		rebuilt = append(rebuilt, src[at+len(match):]...)
		searchFrom = at + len(replace)
		src = rebuilt
	}
	return strings.Join(src, "\n"), nil
}

func findLines(haystack, needle []string, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		matched := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

func resultFromPathError(err error) (*models.ToolResult, error) {
	var runErr *models.RunError
	if errors.As(err, &runErr) {
		return models.ErrorResult(runErr.Kind, runErr.Message), nil
	}
	return nil, err
}
