package skills

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter marks the beginning and end of YAML frontmatter in a
// SKILL.md file.
const FrontmatterDelimiter = "---"

// FSSource discovers skills under a directory tree. A skill is any file
// literally named SKILL.md; scans parse frontmatter only and the body is
// re-read lazily by the loader.
type FSSource struct {
	dir    string
	logger *slog.Logger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFSSource creates a filesystem source rooted at dir.
func NewFSSource(dir string, logger *slog.Logger) *FSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSSource{dir: dir, logger: logger}
}

type skillFrontmatter struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	RequiredEnv []string          `yaml:"required_env"`
	Metadata    map[string]string `yaml:"metadata"`
}

// Scan walks the tree for SKILL.md files and parses their frontmatter.
// Bodies are never read during scan.
func (s *FSSource) Scan(_ context.Context, namespace string) ([]*Skill, error) {
	var found []*Skill
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != SkillFilename {
			return nil
		}
		skill, err := s.parseMetadata(path, namespace)
		if err != nil {
			s.logger.Warn("skipping malformed skill file", "path", path, "error", err)
			return nil
		}
		found = append(found, skill)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan skills dir: %w", err)
	}
	return found, nil
}

func (s *FSSource) parseMetadata(path, namespace string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	front, _, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var fm skillFrontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	name := fm.Name
	if name == "" {
		name = filepath.Base(filepath.Dir(path))
	}
	if !slugRe.MatchString(name) {
		return nil, fmt.Errorf("skill name must be a slug: %q", name)
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	return &Skill{
		Namespace:       namespace,
		Name:            name,
		Description:     fm.Description,
		RequiredEnvVars: fm.RequiredEnv,
		Metadata:        fm.Metadata,
		Loader:          fsBodyLoader(path),
	}, nil
}

// fsBodyLoader re-reads the file and returns the content after the
// frontmatter block.
func fsBodyLoader(path string) BodyLoader {
	return func(context.Context) ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load skill body: %w", err)
		}
		_, body, err := splitFrontmatter(data)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(body), nil
	}
}

// splitFrontmatter separates the YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// StartWatching invalidates via onChange whenever the tree changes.
// Used with the ttl/manual refresh policies to avoid stale caches.
func (s *FSSource) StartWatching(onChange func()) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	_ = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one was started.
func (s *FSSource) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
