package agent

import "testing"

func TestRegistryResolvesDefaults(t *testing.T) {
	r := NewRegistry()
	m, err := r.Resolve("claude-sonnet-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !m.SupportsTools || m.Provider != "anthropic" {
		t.Fatalf("unexpected model info: %+v", m)
	}
}

func TestRegistryResolveUnknownFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nonexistent-model"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestRegistryRegisterOverride(t *testing.T) {
	r := NewRegistry()
	r.Register(ModelInfo{Name: "local-llama", Provider: "local", ContextWindow: 8192})
	m, err := r.Resolve("local-llama")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Provider != "local" {
		t.Fatalf("expected overridden provider, got %+v", m)
	}
}
