package cascade

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// refPattern matches a single {{ ... }} reference, capturing its inner path.
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Ref is a parsed template reference: its Root is "input", "state" or
// "outputs"; for "outputs" refs Cell names the producing cell and Path is
// the remaining dotted path into that cell's output. For "input"/"state"
// refs Path is the full remainder after the root.
type Ref struct {
	Raw  string
	Root string
	Cell string
	Path string
}

// parseRef splits a dotted reference like "outputs.extract.rows.0.id" into
// its structured form.
func parseRef(raw string) (Ref, error) {
	parts := strings.Split(raw, ".")
	if len(parts) < 1 {
		return Ref{}, fmt.Errorf("empty template reference")
	}
	root := parts[0]
	switch root {
	case "input", "state":
		return Ref{Raw: raw, Root: root, Path: strings.Join(parts[1:], ".")}, nil
	case "outputs":
		if len(parts) < 2 {
			return Ref{}, fmt.Errorf("reference %q: outputs.<cell> needs a cell name", raw)
		}
		return Ref{Raw: raw, Root: root, Cell: parts[1], Path: strings.Join(parts[2:], ".")}, nil
	default:
		return Ref{}, fmt.Errorf("reference %q: unknown root %q (want input, state or outputs)", raw, root)
	}
}

// ExtractRefs returns every {{ ... }} reference found in s, parsed.
func ExtractRefs(s string) ([]Ref, error) {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		ref, err := parseRef(m[1])
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ValidateTemplates performs a compile-time unresolved-reference check:
// every {{ outputs.<cell>.X }} in any cell's instructions/inputs/wards
// must name a cell that (a) exists in the cascade and (b) executes
// strictly before the referencing cell in declaration order (the runner
// executes cells in that order). input/state references are accepted
// unconditionally since inputs_schema and state have no static type
// declaration to check against.
func ValidateTemplates(spec *Spec) error {
	position := make(map[string]int, len(spec.Cells))
	for i, c := range spec.Cells {
		position[c.Name] = i
	}
	for i, c := range spec.Cells {
		strs := collectCellStrings(&c)
		for _, s := range strs {
			refs, err := ExtractRefs(s)
			if err != nil {
				return fmt.Errorf("cell %q: %w", c.Name, err)
			}
			for _, ref := range refs {
				if ref.Root != "outputs" {
					continue
				}
				pos, ok := position[ref.Cell]
				if !ok {
					return fmt.Errorf("cell %q: reference {{ %s }} names unknown cell %q", c.Name, ref.Raw, ref.Cell)
				}
				if pos >= i {
					return fmt.Errorf("cell %q: reference {{ %s }} names cell %q which does not execute before it", c.Name, ref.Raw, ref.Cell)
				}
			}
		}
	}
	return nil
}

// collectCellStrings gathers every string field of a cell that may carry
// template references: instructions, input values, ward prompts, and the
// human-input hint.
func collectCellStrings(c *Cell) []string {
	out := make([]string, 0, len(c.Inputs)+4)
	if c.Instructions != "" {
		out = append(out, c.Instructions)
	}
	for _, v := range c.Inputs {
		out = append(out, v)
	}
	for _, w := range c.Wards.Pre {
		if w.Prompt != "" {
			out = append(out, w.Prompt)
		}
	}
	for _, w := range c.Wards.Post {
		if w.Prompt != "" {
			out = append(out, w.Prompt)
		}
	}
	if c.HumanInput != nil && c.HumanInput.Hint != "" {
		out = append(out, c.HumanInput.Hint)
	}
	return out
}

// Context is the render-time environment for template substitution: the
// cascade's declared input payload, mutable state, and each completed
// cell's output, in execution order.
type Context struct {
	Input   map[string]any
	State   map[string]any
	Outputs *OrderedOutputs
}

// NewContext builds an empty rendering context.
func NewContext(input map[string]any) *Context {
	return &Context{
		Input:   input,
		State:   make(map[string]any),
		Outputs: NewOrderedOutputs(),
	}
}

// Render substitutes every {{ ... }} reference in s against ctx. An
// unresolved reference (root valid but path not found) is a rendering
// error, not a silent empty substitution.
func (ctx *Context) Render(s string) (string, error) {
	var outerErr error
	result := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		if outerErr != nil {
			return match
		}
		sub := refPattern.FindStringSubmatch(match)
		ref, err := parseRef(sub[1])
		if err != nil {
			outerErr = err
			return match
		}
		val, err := ctx.resolve(ref)
		if err != nil {
			outerErr = err
			return match
		}
		return stringify(val)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// resolve looks up a single parsed reference's value.
func (ctx *Context) resolve(ref Ref) (any, error) {
	switch ref.Root {
	case "input":
		return lookupPath(ctx.Input, ref.Path, ref.Raw)
	case "state":
		return lookupPath(ctx.State, ref.Path, ref.Raw)
	case "outputs":
		out, ok := ctx.Outputs.Get(ref.Cell)
		if !ok {
			return nil, fmt.Errorf("unresolved reference {{ %s }}: cell %q has not produced output", ref.Raw, ref.Cell)
		}
		if ref.Path == "" {
			return out, nil
		}
		return lookupPath(out, ref.Path, ref.Raw)
	default:
		return nil, fmt.Errorf("unresolved reference {{ %s }}", ref.Raw)
	}
}

// lookupPath navigates a dotted path into an arbitrary JSON-shaped value
// (map, slice, struct) via gjson, after round-tripping through JSON. This
// keeps path semantics (array indices, nested maps) uniform regardless of
// the Go type the value arrived as.
func lookupPath(root any, path string, raw string) (any, error) {
	if path == "" {
		return root, nil
	}
	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("unresolved reference {{ %s }}: %w", raw, err)
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, fmt.Errorf("unresolved reference {{ %s }}: path %q not found", raw, path)
	}
	return result.Value(), nil
}

// stringify renders a resolved value for substitution into a text
// template. Scalars render directly; composite values render as compact
// JSON so downstream consumers (SQL, prompts) see an unambiguous shape.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
