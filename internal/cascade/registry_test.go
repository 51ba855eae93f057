package cascade

import (
	"os"
	"path/filepath"
	"testing"
)

const testSpecYAML = `
cascade_id: greet
cells:
  - name: say_hello
    instructions: "say hello to {{ input.name }}"
`

func writeSpecFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestNewRegistryLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeSpecFile(t, dir, "greet.yaml", testSpecYAML)

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	spec, err := reg.Resolve("greet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.CascadeID != "greet" {
		t.Fatalf("unexpected cascade id: %q", spec.CascadeID)
	}
}

func TestNewRegistrySkipsUnparsableFiles(t *testing.T) {
	dir := t.TempDir()
	writeSpecFile(t, dir, "greet.yaml", testSpecYAML)
	writeSpecFile(t, dir, "broken.yaml", "not: [valid: yaml")

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry should tolerate a broken sibling file: %v", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected exactly 1 loaded spec, got %d", len(reg.List()))
	}
}

func TestRegistryResolveFallsBackToPath(t *testing.T) {
	dir := t.TempDir()
	path := writeSpecFile(t, dir, "adhoc.yaml", testSpecYAML)

	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	spec, err := reg.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve by path: %v", err)
	}
	if spec.CascadeID != "greet" {
		t.Fatalf("unexpected cascade id: %q", spec.CascadeID)
	}
}

func TestRegistryResolveUnknownIDErrors(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Resolve("does-not-exist"); err == nil {
		t.Fatal("expected an error resolving an unknown cascade id that is also not a file")
	}
}
