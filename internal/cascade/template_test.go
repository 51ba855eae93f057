package cascade

import "testing"

func TestRenderInputAndState(t *testing.T) {
	ctx := NewContext(map[string]any{"name": "rae"})
	ctx.State["step"] = 2

	got, err := ctx.Render("hello {{ input.name }}, step {{ state.step }}")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "hello rae, step 2" {
		t.Fatalf("Render() = %q", got)
	}
}

func TestRenderOutputsPath(t *testing.T) {
	ctx := NewContext(nil)
	ctx.Outputs.Set("first", map[string]any{"x": 1, "y": 2})

	got, err := ctx.Render("x is {{ outputs.first.x }}")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "x is 1" {
		t.Fatalf("Render() = %q", got)
	}
}

func TestRenderUnresolvedReferenceIsError(t *testing.T) {
	ctx := NewContext(nil)
	if _, err := ctx.Render("{{ outputs.missing.x }}"); err == nil {
		t.Fatalf("expected error for unresolved cell reference")
	}
}

func TestValidateTemplatesRejectsForwardReference(t *testing.T) {
	spec := &Spec{
		CascadeID: "demo",
		Cells: []Cell{
			{Name: "first", Instructions: "use {{ outputs.second.x }}"},
			{Name: "second", Instructions: "produce x"},
		},
	}
	if err := ValidateTemplates(spec); err == nil {
		t.Fatalf("expected error for forward reference")
	}
}

func TestValidateTemplatesAcceptsBackwardReference(t *testing.T) {
	spec := &Spec{
		CascadeID: "demo",
		Cells: []Cell{
			{Name: "first", Instructions: "produce x"},
			{Name: "second", Instructions: "use {{ outputs.first.x }}"},
		},
	}
	if err := ValidateTemplates(spec); err != nil {
		t.Fatalf("ValidateTemplates: %v", err)
	}
}

func TestValidateTemplatesRejectsUnknownCell(t *testing.T) {
	spec := &Spec{
		CascadeID: "demo",
		Cells: []Cell{
			{Name: "first", Instructions: "use {{ outputs.ghost.x }}"},
		},
	}
	if err := ValidateTemplates(spec); err == nil {
		t.Fatalf("expected error for unknown cell reference")
	}
}
