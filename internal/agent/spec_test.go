package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewRegistryValidation(t *testing.T) {
	valid := func() []*Spec {
		return []*Spec{
			{ID: "a", Namespace: "ns-a", CanPropose: true},
			{ID: "b", Namespace: "ns-b", CanPropose: true},
		}
	}

	tests := []struct {
		name    string
		mutate  func([]*Spec) []*Spec
		wantErr string
	}{
		{"valid", func(s []*Spec) []*Spec { return s }, ""},
		{"empty id", func(s []*Spec) []*Spec { s[0].ID = ""; return s }, "empty id"},
		{"empty namespace", func(s []*Spec) []*Spec { s[0].Namespace = ""; return s }, "namespace"},
		{"executable agent", func(s []*Spec) []*Spec { s[0].CanExecute = true; return s }, "can_execute"},
		{"non-proposing agent", func(s []*Spec) []*Spec { s[0].CanPropose = false; return s }, "can_propose"},
		{"duplicate id", func(s []*Spec) []*Spec { s[1].ID = "a"; return s }, "duplicate"},
		{"shared namespace", func(s []*Spec) []*Spec { s[1].Namespace = "ns-a"; return s }, "already owned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.mutate(valid()))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryDefaultsTokenTTL(t *testing.T) {
	r, err := NewRegistry([]*Spec{{ID: "a", Namespace: "ns-a", CanPropose: true}})
	if err != nil {
		t.Fatal(err)
	}
	spec, _ := r.Lookup("a")
	if spec.TokenTTL != 30*time.Second {
		t.Errorf("ttl = %v, want 30s default", spec.TokenTTL)
	}
}

func TestOwnsNamespace(t *testing.T) {
	r, err := NewRegistry([]*Spec{
		{ID: "a", Namespace: "ns-a", CanPropose: true},
		{ID: "b", Namespace: "ns-b", CanPropose: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.OwnsNamespace("a", "ns-a") {
		t.Error("a should own ns-a")
	}
	if r.OwnsNamespace("a", "ns-b") {
		t.Error("a must not own ns-b")
	}
	if r.OwnsNamespace("a", "ns-nonexistent") {
		t.Error("unknown namespace must not be owned")
	}
}

func TestToolAllowed(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		tool string
		want bool
	}{
		{"empty lists allow anything", Spec{}, "search", true},
		{"allow list match", Spec{AllowedTools: []string{"mail"}}, "mail", true},
		{"allow list miss", Spec{AllowedTools: []string{"mail"}}, "shell", false},
		{"forbid wins over allow", Spec{AllowedTools: []string{"mail"}, ForbiddenTools: []string{"mail"}}, "mail", false},
		{"forbid with open allow", Spec{ForbiddenTools: []string{"shell"}}, "shell", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.ToolAllowed(tt.tool); got != tt.want {
				t.Errorf("ToolAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := `
agents:
  - id: assistant
    namespace: ns-assistant
    can_propose: true
    allowed_tools: [payments, mail]
    token_ttl: 45s
  - id: researcher
    namespace: ns-researcher
    can_propose: true
    forbidden_tools: [payments]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, ok := r.Lookup("assistant")
	if !ok {
		t.Fatal("assistant missing")
	}
	if spec.TokenTTL != 45*time.Second {
		t.Errorf("ttl = %v, want 45s", spec.TokenTTL)
	}
	if !spec.ToolAllowed("payments") {
		t.Error("assistant should be allowed payments")
	}
	if other, _ := r.Lookup("researcher"); other.ToolAllowed("payments") {
		t.Error("researcher must not be allowed payments")
	}
}

func TestLoadRegistryRejectsExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := `
agents:
  - id: rogue
    namespace: ns-rogue
    can_propose: true
    can_execute: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("executable agent spec must be rejected at load")
	}
}
