package cascade

import "testing"

func TestParseMinimal(t *testing.T) {
	data := []byte(`
cascade_id: demo
cells:
  - name: first
    instructions: "produce x and y"
  - name: second
    instructions: "use {{ outputs.first.x }}"
`)
	spec, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.CascadeID != "demo" {
		t.Fatalf("cascade_id = %q, want demo", spec.CascadeID)
	}
	if len(spec.Cells) != 2 {
		t.Fatalf("len(Cells) = %d, want 2", len(spec.Cells))
	}
	if spec.CellByName("second") == nil {
		t.Fatalf("CellByName(second) = nil")
	}
}

func TestParseRejectsMissingCascadeID(t *testing.T) {
	data := []byte(`
cells:
  - name: a
    tool: x
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatalf("expected error for missing cascade_id")
	}
}

func TestParseRejectsDuplicateCellNames(t *testing.T) {
	data := []byte(`
cascade_id: demo
cells:
  - name: dup
    tool: x
  - name: dup
    tool: y
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for duplicate cell name")
	}
}

func TestParseRejectsCellWithoutInstructionsOrTool(t *testing.T) {
	data := []byte(`
cascade_id: demo
cells:
  - name: empty
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for cell with neither instructions nor tool")
	}
}

func TestEffectiveTakesDefaultsToOne(t *testing.T) {
	c := &Cell{}
	if got := c.EffectiveTakes(); got != 1 {
		t.Fatalf("EffectiveTakes() = %d, want 1", got)
	}
	c.Takes = 3
	if got := c.EffectiveTakes(); got != 3 {
		t.Fatalf("EffectiveTakes() = %d, want 3", got)
	}
}

func TestIsLLM(t *testing.T) {
	llm := &Cell{Name: "a", Instructions: "do it"}
	if !llm.IsLLM() {
		t.Fatalf("expected LLM cell")
	}
	det := &Cell{Name: "b", Tool: "sql_execute"}
	if det.IsLLM() {
		t.Fatalf("expected deterministic cell")
	}
}
