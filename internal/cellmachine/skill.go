package cellmachine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Skill is a named, versioned tool a cell may invoke during its turn
// loop. Skills are resolved from an explicit registry built at startup
// rather than looked up ad hoc, the same way cells and wards are.
type Skill struct {
	Name        string
	Version     string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args json.RawMessage) (string, error)
}

// SkillRegistry holds every skill available to cells, keyed by name.
type SkillRegistry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewSkillRegistry constructs an empty registry.
func NewSkillRegistry() *SkillRegistry {
	return &SkillRegistry{skills: make(map[string]Skill)}
}

// Register adds or replaces a skill.
func (r *SkillRegistry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
}

// Resolve looks up a skill by name.
func (r *SkillRegistry) Resolve(name string) (Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return Skill{}, fmt.Errorf("cellmachine: unknown skill %q", name)
	}
	return s, nil
}

// Dispatch invokes a skill's handler by name with raw JSON arguments.
func (r *SkillRegistry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	s, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	return s.Handler(ctx, args)
}

// Names lists every registered skill name.
func (r *SkillRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for n := range r.skills {
		names = append(names, n)
	}
	return names
}

// FilteredSpecs returns the registered skills named in allowed (unknown
// names are skipped), or every registered skill when allowed is empty, for
// building an LLM call's tool list.
func (r *SkillRegistry) FilteredSpecs(allowed []string) []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(allowed) == 0 {
		out := make([]Skill, 0, len(r.skills))
		for _, s := range r.skills {
			out = append(out, s)
		}
		return out
	}
	out := make([]Skill, 0, len(allowed))
	for _, name := range allowed {
		if s, ok := r.skills[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
