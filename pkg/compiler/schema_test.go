package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSchemaValidateVars(t *testing.T) {
	schema, err := CompileSchema("schema.cue", []byte(`
#Device: {
	asn:  int & >=64512 & <=65534
	role: "leaf" | "spine" | *"leaf"
	mgmt_vrf?: string
}
`))
	if err != nil {
		t.Fatalf("CompileSchema failed: %v", err)
	}

	tests := []struct {
		name    string
		vars    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid with default",
			vars: map[string]interface{}{"asn": 65001},
		},
		{
			name: "valid with optional",
			vars: map[string]interface{}{"asn": 65001, "role": "spine", "mgmt_vrf": "MGMT"},
		},
		{
			name:    "out of range",
			vars:    map[string]interface{}{"asn": 100},
			wantErr: "asn",
		},
		{
			name:    "missing required",
			vars:    map[string]interface{}{"role": "spine"},
			wantErr: "asn",
		},
		{
			name:    "closed definition",
			vars:    map[string]interface{}{"asn": 65001, "colour": "blue"},
			wantErr: "colour",
		},
		{
			name:    "wrong enum",
			vars:    map[string]interface{}{"asn": 65001, "role": "border"},
			wantErr: "role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := schema.ValidateVars("r1", tt.vars)
			if tt.wantErr == "" {
				if len(problems) != 0 {
					t.Fatalf("unexpected problems: %v", problems)
				}
				return
			}
			if len(problems) == 0 {
				t.Fatalf("expected problems mentioning %q", tt.wantErr)
			}
			if !strings.Contains(problems.Error(), tt.wantErr) {
				t.Errorf("expected %q in %q", tt.wantErr, problems.Error())
			}
			for _, p := range problems {
				if p.Device != "r1" {
					t.Errorf("expected device r1, got %q", p.Device)
				}
			}
		})
	}
}

func TestSchemaWholeFile(t *testing.T) {
	schema, err := CompileSchema("open.cue", []byte(`
asn: int
`))
	if err != nil {
		t.Fatalf("CompileSchema failed: %v", err)
	}

	if problems := schema.ValidateVars("r1", map[string]interface{}{"asn": 1, "extra": true}); len(problems) != 0 {
		t.Errorf("open schema should accept extra fields: %v", problems)
	}
	if problems := schema.ValidateVars("r1", map[string]interface{}{"asn": "x"}); len(problems) == 0 {
		t.Error("expected type mismatch")
	}
}

func TestCompileSchemaSyntaxError(t *testing.T) {
	_, err := CompileSchema("bad.cue", []byte("#Device: {\n\tasn: int &\n"))
	if err == nil {
		t.Fatal("expected syntax error")
	}
	problems, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if problems[0].File != "bad.cue" || problems[0].Line == 0 {
		t.Errorf("expected position in bad.cue, got %+v", problems[0])
	}
}

func TestLoadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.cue")
	if err := os.WriteFile(path, []byte("#Device: {asn: int}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	schema, err := LoadSchema(path)
	if err != nil {
		t.Fatalf("LoadSchema failed: %v", err)
	}
	if schema.Path() != path {
		t.Errorf("expected path %s, got %s", path, schema.Path())
	}

	if _, err := LoadSchema(filepath.Join(t.TempDir(), "missing.cue")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Device: "r1", File: "s.cue", Line: 3, Column: 2, Path: "asn", Message: "conflict"}
	if got := e.String(); got != "r1: s.cue:3:2: asn: conflict" {
		t.Errorf("unexpected string: %q", got)
	}
	if got := (ValidationError{Message: "plain"}).String(); got != "plain" {
		t.Errorf("unexpected string: %q", got)
	}
}
