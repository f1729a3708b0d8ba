// Package persona defines the named responding identities that take
// part in a conversation, and extraction of @mentions that address them.
package persona

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/prompts"
)

// Persona is a named responding identity: a system prompt plus the
// permissions and model settings it replies with.
type Persona struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description,omitempty"`
	SystemPrompt string   `yaml:"system_prompt" json:"-"`
	Model        string   `yaml:"model" json:"model,omitempty"`
	ToolsEnabled bool     `yaml:"tools_enabled" json:"tools_enabled"`
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	Temperature  *float64 `yaml:"temperature" json:"temperature,omitempty"`
}

// Registry is the immutable set of personas known to a deployment.
// Lookups are case-insensitive; results carry the configured spelling.
type Registry struct {
	byKey map[string]Persona
	names []string
}

// NewRegistry validates personas and indexes them by name.
func NewRegistry(personas []Persona) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Persona, len(personas))}
	for i, p := range personas {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("persona %d: name is required", i)
		}
		if !validName(p.Name) {
			return nil, fmt.Errorf("persona %q: name must start with a letter and contain only letters, digits, '-' or '_'", p.Name)
		}
		key := strings.ToLower(p.Name)
		if key == conversation.MemoryPersona {
			return nil, fmt.Errorf("persona %q: name is reserved", p.Name)
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("persona %q: duplicate name", p.Name)
		}
		r.byKey[key] = p
		r.names = append(r.names, p.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func validName(s string) bool {
	for i, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_'):
		default:
			return false
		}
	}
	return true
}

// Get returns the persona with the given name, ignoring case.
func (r *Registry) Get(name string) (Persona, bool) {
	p, ok := r.byKey[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Canonical returns the configured spelling of name, or "" if unknown.
func (r *Registry) Canonical(name string) string {
	if p, ok := r.Get(name); ok {
		return p.Name
	}
	return ""
}

// Names returns all persona names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Roster returns every persona as a prompt participant, sorted by name.
func (r *Registry) Roster() []prompts.Participant {
	out := make([]prompts.Participant, 0, len(r.names))
	for _, n := range r.names {
		p, _ := r.Get(n)
		out = append(out, prompts.Participant{Name: p.Name, Description: p.Description})
	}
	return out
}

// SystemInstruction returns the full system instruction for p.
func (r *Registry) SystemInstruction(p Persona) string {
	return prompts.SystemInstruction(p.Name, p.SystemPrompt, r.Roster())
}
