package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const bypassRego = `
package sitelock.gate
import rego.v1

default bypass := false

bypass if {
	startswith(input.request.path, "/status")
}

bypass if {
	"deployer" in input.request.roles
	input.request.query.preview == "1"
}
`

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, bypassRego)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{"Status path", Input{Path: "/status/db"}, Bypass},
		{"Other path", Input{Path: "/checkout"}, Enforce},
		{"Deployer preview", Input{Path: "/", Roles: []string{"deployer"}, Query: map[string]string{"preview": "1"}}, Bypass},
		{"Deployer without preview", Input{Path: "/", Roles: []string{"deployer"}}, Enforce},
		{"Empty request", Input{}, Enforce},
	}

	for _, tt := range tests {
		got, err := engine.Evaluate(ctx, tt.in)
		if err != nil {
			t.Errorf("%s: Evaluate error = %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: Evaluate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEvaluate_UndefinedRuleEnforces(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package sitelock.gate\n")
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	got, err := engine.Evaluate(ctx, Input{Path: "/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Enforce {
		t.Errorf("expected enforce, got %v", got)
	}
}

func TestEvaluate_NonBoolean(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package sitelock.gate\nbypass := \"yes\"\n")
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	got, err := engine.Evaluate(ctx, Input{})
	if err == nil {
		t.Error("expected error for non-boolean result")
	}
	if got != Enforce {
		t.Errorf("expected enforce on error, got %v", got)
	}
}

func TestNewEngine_InvalidRego(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package sitelock.gate\nbypass if {"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadPolicy_RelativePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bypass.rego"), []byte(bypassRego), 0600); err != nil {
		t.Fatal(err)
	}
	engine, err := LoadPolicy(context.Background(), dir, "bypass.rego")
	if err != nil {
		t.Fatalf("LoadPolicy error: %v", err)
	}
	got, _ := engine.Evaluate(context.Background(), Input{Path: "/status"})
	if got != Bypass {
		t.Errorf("expected bypass, got %v", got)
	}

	if _, err := LoadPolicy(context.Background(), dir, "missing.rego"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDecisionString(t *testing.T) {
	if Bypass.String() != "bypass" || Enforce.String() != "enforce" || Decision(9).String() != "unknown" {
		t.Error("unexpected decision strings")
	}
}
