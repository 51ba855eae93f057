package agent

import "fmt"

// ModelInfo describes a logical model's provider and capabilities. The
// Registry is a standalone lookup: Agent.Run does not consult it.
type ModelInfo struct {
	Name          string
	Provider      string
	ContextWindow int
	SupportsTools bool
	SupportsJSON  bool
}

// Registry resolves a logical model name to its ModelInfo.
type Registry struct {
	models map[string]ModelInfo
}

// NewRegistry builds a registry seeded with the default Anthropic model
// family; callers may Register additional entries for other providers.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]ModelInfo)}
	for _, m := range []ModelInfo{
		{Name: "claude-opus-4", Provider: "anthropic", ContextWindow: 200_000, SupportsTools: true, SupportsJSON: true},
		{Name: "claude-sonnet-4", Provider: "anthropic", ContextWindow: 200_000, SupportsTools: true, SupportsJSON: true},
		{Name: "claude-3-5-haiku-latest", Provider: "anthropic", ContextWindow: 200_000, SupportsTools: true, SupportsJSON: true},
	} {
		r.models[m.Name] = m
	}
	return r
}

// Register adds or replaces a model's capability entry.
func (r *Registry) Register(m ModelInfo) {
	r.models[m.Name] = m
}

// Resolve looks up a logical model name.
func (r *Registry) Resolve(name string) (ModelInfo, error) {
	m, ok := r.models[name]
	if !ok {
		return ModelInfo{}, fmt.Errorf("agent: unknown model %q", name)
	}
	return m, nil
}

// Names lists every registered model name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	return names
}
