// Package agent holds per-agent configuration: memory namespace,
// capability flags, tool lists, and policy requirements. Specs are
// loaded once and treated as immutable.
package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec configures one agent. CanPropose is always true and CanExecute
// always false: agents produce intents, never effects. The fields
// exist so the constraint is visible and checkable, not configurable.
type Spec struct {
	ID             string        `yaml:"id" json:"id"`
	Namespace      string        `yaml:"namespace" json:"namespace"`
	CanPropose     bool          `yaml:"can_propose" json:"can_propose"`
	CanExecute     bool          `yaml:"can_execute" json:"can_execute"`
	AllowedTools   []string      `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	ForbiddenTools []string      `yaml:"forbidden_tools" json:"forbidden_tools,omitempty"`
	TokenTTL       time.Duration `yaml:"token_ttl" json:"token_ttl"`
	RetentionDays  int           `yaml:"retention_days" json:"retention_days"`
}

// ToolAllowed checks the spec's allow/forbid lists. An empty allow
// list means every tool not explicitly forbidden.
func (s *Spec) ToolAllowed(tool string) bool {
	for _, f := range s.ForbiddenTools {
		if f == tool {
			return false
		}
	}
	if len(s.AllowedTools) == 0 {
		return true
	}
	for _, a := range s.AllowedTools {
		if a == tool {
			return true
		}
	}
	return false
}

// Registry maps agent ids to specs and guarantees namespace
// uniqueness. Read-only after construction.
type Registry struct {
	specs      map[string]*Spec
	namespaces map[string]string // namespace -> agent id
}

// NewRegistry validates specs and builds the registry. Duplicate ids,
// shared namespaces, and executable agents are configuration errors.
func NewRegistry(specs []*Spec) (*Registry, error) {
	r := &Registry{
		specs:      make(map[string]*Spec),
		namespaces: make(map[string]string),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("agent: spec with empty id")
		}
		if s.Namespace == "" {
			return nil, fmt.Errorf("agent %s: empty memory namespace", s.ID)
		}
		if s.CanExecute {
			return nil, fmt.Errorf("agent %s: can_execute must be false", s.ID)
		}
		if !s.CanPropose {
			return nil, fmt.Errorf("agent %s: can_propose must be true", s.ID)
		}
		if _, dup := r.specs[s.ID]; dup {
			return nil, fmt.Errorf("agent: duplicate id %q", s.ID)
		}
		if owner, taken := r.namespaces[s.Namespace]; taken {
			return nil, fmt.Errorf("agent %s: namespace %q already owned by %s", s.ID, s.Namespace, owner)
		}
		if s.TokenTTL == 0 {
			s.TokenTTL = 30 * time.Second
		}
		r.specs[s.ID] = s
		r.namespaces[s.Namespace] = s.ID
	}
	return r, nil
}

// Lookup returns the spec for an agent id.
func (r *Registry) Lookup(agentID string) (*Spec, bool) {
	s, ok := r.specs[agentID]
	return s, ok
}

// OwnsNamespace reports whether the agent owns the given namespace.
func (r *Registry) OwnsNamespace(agentID, namespace string) bool {
	return r.namespaces[namespace] == agentID
}

// specFile is the YAML document shape for agent configuration.
type specFile struct {
	Agents []*Spec `yaml:"agents"`
}

// LoadRegistry reads agent specs from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: read specs: %w", err)
	}
	var f specFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("agent: parse specs: %w", err)
	}
	return NewRegistry(f.Agents)
}

// DefaultRegistry returns a single-agent registry used when no spec
// file is configured.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]*Spec{{
		ID:         "default",
		Namespace:  "ns-default",
		CanPropose: true,
		TokenTTL:   30 * time.Second,
	}})
	if err != nil {
		panic(err) // static spec, cannot fail
	}
	return r
}
