package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const emptyDeny = "package guard\ndeny contains \"x\" if { false }"

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	content := `package guard.mgmt

# Management VRF must be configured
# severity: warning

deny contains msg if {
	not contains(input.config, "vrf instance MGMT")
	msg := "missing management VRF"
}`
	path := writePolicy(t, t.TempDir(), "mgmt-vrf.rego", content)

	p, err := newTestLoader().loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if p.Name != "mgmt-vrf" {
		t.Errorf("Expected name 'mgmt-vrf', got '%s'", p.Name)
	}
	if p.Description != "Management VRF must be configured" {
		t.Errorf("Unexpected description '%s'", p.Description)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected severity from header, got '%s'", p.Severity)
	}
	if p.Rego != content || p.Source != path {
		t.Error("Rego content or source doesn't match")
	}
	if !p.Enabled || p.Builtin {
		t.Error("Loaded policy should be enabled and not built-in")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    Policy
		wantErr bool
	}{
		{
			name:    "full",
			content: `{"name": "no-telnet", "description": "telnet stays off", "severity": "critical", "rego": "package t\ndeny contains \"x\" if { false }"}`,
			want:    Policy{Name: "no-telnet", Description: "telnet stays off", Severity: SeverityCritical},
		},
		{
			name:    "defaults",
			content: `{"rego": "package t\ndeny contains \"x\" if { false }"}`,
			want:    Policy{Name: "defaults", Severity: SeverityError},
		},
		{name: "no rego", content: `{"description": "nothing"}`, wantErr: true},
		{name: "invalid", content: `invalid json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicy(t, dir, tt.name+".json", tt.content)
			p, err := newTestLoader().loadFromFile(context.Background(), path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to load policy: %v", err)
			}
			if p.Name != tt.want.Name || p.Description != tt.want.Description || p.Severity != tt.want.Severity {
				t.Errorf("Got %+v, want %+v", p, tt.want)
			}
			if p.Source != path || !p.Enabled {
				t.Errorf("Unexpected source %q or disabled policy", p.Source)
			}
		})
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "notes.txt", "not a policy")
	if _, err := newTestLoader().loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromFile_CacheFollowsContent(t *testing.T) {
	loader := newTestLoader()
	path := writePolicy(t, t.TempDir(), "guard.rego", emptyDeny)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	updated := "package guard\n# severity: info\ndeny contains \"y\" if { false }"
	writePolicy(t, filepath.Dir(path), "guard.rego", updated)

	p, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if p.Rego != updated || p.Severity != SeverityInfo {
		t.Errorf("Expected re-parsed policy, got %+v", p)
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnknownSeverity(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "guard.rego", "# severity: high\n"+emptyDeny)
	if _, err := newTestLoader().loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unknown severity")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", emptyDeny)
	writePolicy(t, dir, "nested/b.rego", emptyDeny)
	writePolicy(t, dir, "c.json", `{"rego": "package c\ndeny contains \"x\" if { false }"}`)
	writePolicy(t, dir, "a_test.rego", "package guard\ntest_a if { true }")
	writePolicy(t, dir, ".#a.rego", "lock")
	writePolicy(t, dir, "README.md", "# policies")

	loaded, err := newTestLoader().loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "a,c,b" {
		t.Errorf("Expected a,c,b in walk order, got %s", got)
	}
}

func TestLoadFromDirectory_BrokenFileFails(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "good.rego", emptyDeny)
	writePolicy(t, dir, "broken.json", "{")

	if _, err := newTestLoader().loadFromDirectory(context.Background(), dir); err == nil {
		t.Error("Expected a broken policy file to fail the load")
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "dir1/policy1.rego", emptyDeny)
	file := writePolicy(t, dir, "policy2.rego", emptyDeny)

	loader := newTestLoader()
	loaded, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "dir1"), file})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromPaths_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "one/guard.rego", emptyDeny)
	writePolicy(t, dir, "two/guard.rego", emptyDeny)

	_, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir})
	if err == nil || !strings.Contains(err.Error(), "declared in both") {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{
			name:     "single line",
			content:  "# No shutdown uplinks\npackage test",
			wantDesc: "No shutdown uplinks",
		},
		{
			name:     "multi line with blank comment",
			content:  "# First line\n#\n# Second line\npackage test",
			wantDesc: "First line Second line",
		},
		{
			name:         "after package clause",
			content:      "package test\n\n# Banner required\n# Severity: Critical\ndeny contains \"x\" if { false }",
			wantDesc:     "Banner required",
			wantSeverity: SeverityCritical,
		},
		{
			name:    "no comments",
			content: emptyDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, severity := parseHeader(tt.content)
			if desc != tt.wantDesc {
				t.Errorf("Expected description '%s', got '%s'", tt.wantDesc, desc)
			}
			if severity != tt.wantSeverity {
				t.Errorf("Expected severity '%s', got '%s'", tt.wantSeverity, severity)
			}
		})
	}
}

func TestIsPolicyFile(t *testing.T) {
	for path, want := range map[string]bool{
		"p/guard.rego":      true,
		"p/guard.json":      true,
		"p/guard_test.rego": false,
		"p/.guard.rego":     false,
		"p/#guard.rego#":    false,
		"p/guard.rego.swp":  false,
	} {
		if got := isPolicyFile(path); got != want {
			t.Errorf("isPolicyFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "guard.rego", emptyDeny)

	loader := newTestLoader()
	loader.reloadDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	updated := "package b\ndeny contains \"y\" if { false }"
	writePolicy(t, dir, "guard.rego", updated)

	select {
	case policies := <-reloaded:
		if len(policies) != 1 || policies[0].Rego != updated {
			t.Errorf("Reload returned stale policies: %+v", policies)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}

	// A late write event may still deliver the updated set first.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case policies := <-reloaded:
			if len(policies) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for reload after removal")
		}
	}
}

func TestCovered(t *testing.T) {
	paths := []string{"/etc/netsync/policies", "/srv/guard.rego"}
	for name, want := range map[string]bool{
		"/etc/netsync/policies/a.rego":     true,
		"/etc/netsync/policies/sub/b.rego": true,
		"/etc/netsync/policies-old/a.rego": false,
		"/srv/guard.rego":                  true,
		"/srv/other.rego":                  false,
	} {
		if got := covered(name, paths); got != want {
			t.Errorf("covered(%q) = %v, want %v", name, got, want)
		}
	}
}
