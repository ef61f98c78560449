package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerResolve(t *testing.T) {
	src := NewMemorySource()
	src.Add("dev", "deploy", "Deploys the service", []byte("# Deploy\nrun it"))

	mgr := NewManager(RefreshPolicy{Kind: RefreshManual}, nil)
	if err := mgr.AddSpace("dev", src); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}

	skill, err := mgr.Resolve(context.Background(), "dev", "deploy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if skill.Description != "Deploys the service" {
		t.Errorf("description = %q", skill.Description)
	}
	body, err := skill.Loader(context.Background())
	if err != nil {
		t.Fatalf("Loader: %v", err)
	}
	if string(body) != "# Deploy\nrun it" {
		t.Errorf("body = %q", body)
	}
}

func TestManagerUnconfiguredSpace(t *testing.T) {
	mgr := NewManager(RefreshPolicy{Kind: RefreshManual}, nil)
	_, err := mgr.Resolve(context.Background(), "nope", "deploy")
	if !errors.Is(err, ErrSpaceNotConfigured) {
		t.Fatalf("expected ErrSpaceNotConfigured, got %v", err)
	}
}

func TestManagerUnknownSkill(t *testing.T) {
	mgr := NewManager(RefreshPolicy{Kind: RefreshManual}, nil)
	if err := mgr.AddSpace("dev", NewMemorySource()); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}
	_, err := mgr.Resolve(context.Background(), "dev", "missing")
	if !errors.Is(err, ErrUnknownSkill) {
		t.Fatalf("expected ErrUnknownSkill, got %v", err)
	}
}

func TestManagerFirstSourceWins(t *testing.T) {
	first := NewMemorySource()
	first.Add("dev", "deploy", "from first", []byte("one"))
	second := NewMemorySource()
	second.Add("dev", "deploy", "from second", []byte("two"))

	mgr := NewManager(RefreshPolicy{Kind: RefreshManual}, nil)
	if err := mgr.AddSpace("dev", first, second); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}
	skill, err := mgr.Resolve(context.Background(), "dev", "deploy")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if skill.Description != "from first" {
		t.Errorf("expected first source to win, got %q", skill.Description)
	}
}

// countingSource wraps a MemorySource and counts scans.
type countingSource struct {
	inner *MemorySource
	scans int
}

func (c *countingSource) Scan(ctx context.Context, namespace string) ([]*Skill, error) {
	c.scans++
	return c.inner.Scan(ctx, namespace)
}

func TestManagerManualRefreshCaches(t *testing.T) {
	inner := NewMemorySource()
	inner.Add("dev", "deploy", "d", []byte("b"))
	src := &countingSource{inner: inner}

	mgr := NewManager(RefreshPolicy{Kind: RefreshManual}, nil)
	if err := mgr.AddSpace("dev", src); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mgr.Resolve(context.Background(), "dev", "deploy"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if src.scans != 1 {
		t.Fatalf("manual policy should scan once, got %d", src.scans)
	}
	mgr.Invalidate()
	if _, err := mgr.Resolve(context.Background(), "dev", "deploy"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if src.scans != 2 {
		t.Fatalf("expected rescan after invalidate, got %d scans", src.scans)
	}
}

func TestManagerTTLRefresh(t *testing.T) {
	inner := NewMemorySource()
	inner.Add("dev", "deploy", "d", []byte("b"))
	src := &countingSource{inner: inner}

	policy, err := ParseRefreshPolicy("ttl:60")
	if err != nil {
		t.Fatalf("ParseRefreshPolicy: %v", err)
	}
	mgr := NewManager(policy, nil)
	if err := mgr.AddSpace("dev", src); err != nil {
		t.Fatalf("AddSpace: %v", err)
	}

	now := time.Unix(1000, 0)
	mgr.clock = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, err := mgr.Resolve(context.Background(), "dev", "deploy"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if src.scans != 1 {
		t.Fatalf("within ttl should scan once, got %d", src.scans)
	}

	now = now.Add(61 * time.Second)
	if _, err := mgr.Resolve(context.Background(), "dev", "deploy"); err != nil {
		t.Fatalf("Resolve after ttl expiry: %v", err)
	}
	if src.scans != 2 {
		t.Fatalf("expected rescan after ttl expiry, got %d scans", src.scans)
	}
}

func TestParseRefreshPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    RefreshKind
		wantErr bool
	}{
		{in: "", want: RefreshAlways},
		{in: "always", want: RefreshAlways},
		{in: "manual", want: RefreshManual},
		{in: "ttl:30", want: RefreshTTL},
		{in: "ttl:0", wantErr: true},
		{in: "ttl:abc", wantErr: true},
		{in: "hourly", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRefreshPolicy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRefreshPolicy(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRefreshPolicy(%q): %v", tt.in, err)
			continue
		}
		if got.Kind != tt.want {
			t.Errorf("ParseRefreshPolicy(%q).Kind = %q, want %q", tt.in, got.Kind, tt.want)
		}
	}
}

func TestFSSourceScan(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("deploy/SKILL.md", "---\ndescription: Deploys things\nrequired_env: [API_TOKEN]\n---\n# Deploy\nsteps here\n")
	write("rollback/SKILL.md", "---\nname: roll-back\ndescription: Rolls back\n---\nbody\n")
	write("broken/SKILL.md", "no frontmatter at all\n")
	write("notes/README.md", "not a skill\n")

	src := NewFSSource(dir, nil)
	found, err := src.Scan(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	byName := map[string]*Skill{}
	for _, s := range found {
		byName[s.Name] = s
	}
	if len(byName) != 2 {
		t.Fatalf("expected 2 skills, got %v", byName)
	}
	deploy := byName["deploy"]
	if deploy == nil || deploy.Description != "Deploys things" {
		t.Fatalf("deploy skill = %+v", deploy)
	}
	if len(deploy.RequiredEnvVars) != 1 || deploy.RequiredEnvVars[0] != "API_TOKEN" {
		t.Errorf("required env = %v", deploy.RequiredEnvVars)
	}
	if byName["roll-back"] == nil {
		t.Error("expected frontmatter name to override directory name")
	}

	body, err := deploy.Loader(context.Background())
	if err != nil {
		t.Fatalf("Loader: %v", err)
	}
	if string(body) != "# Deploy\nsteps here" {
		t.Errorf("body = %q", body)
	}
}

func TestFSSourceMissingDir(t *testing.T) {
	src := NewFSSource(filepath.Join(t.TempDir(), "absent"), nil)
	found, err := src.Scan(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Scan of missing dir: %v", err)
	}
	if found != nil {
		t.Fatalf("expected no skills, got %v", found)
	}
}
