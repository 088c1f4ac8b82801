package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFactsEvaluator_Evaluate(t *testing.T) {
	evaluator := NewFactsEvaluator(5 * time.Second)
	ctx := context.Background()

	devices := []interface{}{
		map[string]interface{}{"name": "leaf1", "family": "session-commit", "vars": map[string]interface{}{"asn": 65001}},
		map[string]interface{}{"name": "leaf2", "family": "session-commit", "vars": map[string]interface{}{"asn": 65002}},
	}

	tests := []struct {
		name      string
		script    string
		checkFunc func(*testing.T, map[string]interface{})
		wantErr   string
	}{
		{
			name:   "dict global",
			script: `facts = {"site": "ams1", "vlans": [10, 20]}`,
			checkFunc: func(t *testing.T, f map[string]interface{}) {
				if f["site"] != "ams1" {
					t.Errorf("expected site=ams1, got %v", f["site"])
				}
				vlans, ok := f["vlans"].([]interface{})
				if !ok || len(vlans) != 2 || vlans[1] != int64(20) {
					t.Errorf("unexpected vlans: %v", f["vlans"])
				}
			},
		},
		{
			name: "function of devices",
			script: `
def facts(devs):
    return {"asns": {d["name"]: d["vars"]["asn"] for d in devs}}
`,
			checkFunc: func(t *testing.T, f map[string]interface{}) {
				asns, ok := f["asns"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected asns dict, got %T", f["asns"])
				}
				if asns["leaf2"] != int64(65002) {
					t.Errorf("expected leaf2 asn 65002, got %v", asns["leaf2"])
				}
			},
		},
		{
			name: "devices global and struct",
			script: `
info = struct(count = len(devices), first = devices[0]["name"])
facts = {"info": info, "pair": (1, "x")}
`,
			checkFunc: func(t *testing.T, f map[string]interface{}) {
				info, ok := f["info"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected info map, got %T", f["info"])
				}
				if info["count"] != int64(2) || info["first"] != "leaf1" {
					t.Errorf("unexpected info: %v", info)
				}
				pair, ok := f["pair"].([]interface{})
				if !ok || len(pair) != 2 || pair[1] != "x" {
					t.Errorf("unexpected pair: %v", f["pair"])
				}
			},
		},
		{
			name:    "missing facts",
			script:  `other = 1`,
			wantErr: `does not define "facts"`,
		},
		{
			name:    "facts not a dict",
			script:  `facts = [1, 2]`,
			wantErr: "facts must be a dict",
		},
		{
			name:    "non-string key",
			script:  `facts = {1: "a"}`,
			wantErr: "dict key must be string",
		},
		{
			name:    "syntax error",
			script:  `facts = {`,
			wantErr: "facts script failed",
		},
		{
			name: "devices are frozen",
			script: `
def facts(devs):
    devs.append({})
    return {}
`,
			wantErr: "facts function failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := evaluator.Evaluate(ctx, "facts.star", tt.script, devices)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, facts)
		})
	}
}

func TestFactsEvaluator_Timeout(t *testing.T) {
	evaluator := NewFactsEvaluator(100 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

facts = {"n": spin()}
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took too long: %v", time.Since(start))
	}
}

func TestFactsEvaluator_ContextCancelled(t *testing.T) {
	evaluator := NewFactsEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Evaluate(ctx, "facts.star", "facts = {}", nil)
	// The script is trivial; either outcome is valid as long as a cancelled
	// run reports the context error.
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestToStarlarkValue_Unsupported(t *testing.T) {
	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
