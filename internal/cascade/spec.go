// Package cascade holds the cascade spec data model: the declarative
// YAML/JSON document of cells and the typed template layer used to
// render cell inputs against {input, state, outputs}. A Spec is a small
// typed document read off disk, validated, then consumed, generalized to
// an ordered list of heterogeneous cells rather than one fixed struct.
package cascade

import (
	"fmt"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// WardMode is the validation mode of a pre/post ward.
type WardMode string

const (
	WardBlocking WardMode = "blocking"
	WardRetry    WardMode = "retry"
	WardAdvisory WardMode = "advisory"
)

// OutputMode constrains how a cell's final text is interpreted.
type OutputMode string

const (
	OutputText         OutputMode = "text"
	OutputJSON         OutputMode = "json"
	OutputSQLExecute   OutputMode = "sql_execute"
	OutputSQLStatement OutputMode = "sql_statement"
)

// Ward is a named validator attached to a cell's pre or post boundary.
type Ward struct {
	Name   string   `yaml:"name" json:"name"`
	Mode   WardMode `yaml:"mode" json:"mode"`
	Kind   string   `yaml:"kind" json:"kind"` // "llm" or "deterministic"
	Tool   string   `yaml:"tool,omitempty" json:"tool,omitempty"`
	Prompt string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// MaxRetries bounds the retry-mode loop's bounded retry count.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Wards groups a cell's pre- and post-boundary validators.
type Wards struct {
	Pre  []Ward `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post []Ward `yaml:"post,omitempty" json:"post,omitempty"`
}

// HumanInputTimeoutAction is the configured on_timeout behavior (§4.8.5).
type HumanInputTimeoutAction string

const (
	TimeoutContinueDefault HumanInputTimeoutAction = "continue"
	TimeoutAbort           HumanInputTimeoutAction = "abort"
	TimeoutRetry           HumanInputTimeoutAction = "retry"
)

// HumanInput configures a blocking HITL checkpoint for a cell.
type HumanInput struct {
	Type           string                  `yaml:"type" json:"type"` // checkpoint.Type vocabulary
	Hint           string                  `yaml:"hint,omitempty" json:"hint,omitempty"`
	TimeoutSeconds int                     `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	OnTimeout      HumanInputTimeoutAction `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
}

// Cell is one step of a cascade: either a deterministic executor (Tool set)
// or an LLM call (Instructions set).
type Cell struct {
	Name          string            `yaml:"name" json:"name"`
	Instructions  string            `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Tool          string            `yaml:"tool,omitempty" json:"tool,omitempty"`             // executor language: sql|python|javascript|clojure
	Body          string            `yaml:"body,omitempty" json:"body,omitempty"`             // templated source for the Tool executor
	Inputs        map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	ToolsAllowed  []string          `yaml:"tools_allowed,omitempty" json:"tools_allowed,omitempty"`
	Context       []string          `yaml:"context,omitempty" json:"context,omitempty"`
	Takes         int               `yaml:"takes,omitempty" json:"takes,omitempty"`
	ReforgeSteps  int               `yaml:"reforge_steps,omitempty" json:"reforge_steps,omitempty"`
	ReforgeAttmps int               `yaml:"reforge_attempts,omitempty" json:"reforge_attempts,omitempty"`
	Wards         Wards             `yaml:"wards,omitempty" json:"wards,omitempty"`
	HumanInput    *HumanInput       `yaml:"human_input,omitempty" json:"human_input,omitempty"`
	OutputMode    OutputMode        `yaml:"output_mode,omitempty" json:"output_mode,omitempty"`
	Memory        string            `yaml:"memory,omitempty" json:"memory,omitempty"`
	MaxTurns      int               `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	State         string            `yaml:"state,omitempty" json:"state,omitempty"` // name to bind output into cascade state
	AutoFix       *AutoFixConfig    `yaml:"auto_fix,omitempty" json:"auto_fix,omitempty"`
	WallTimeoutMS int               `yaml:"wall_timeout_ms,omitempty" json:"wall_timeout_ms,omitempty"`
}

// AutoFixConfig configures the data-cell auto-fix retry.
type AutoFixConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxAttempts int  `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// IsLLM reports whether the cell is an LLM cell (has Instructions) as
// opposed to a deterministic tool cell.
func (c *Cell) IsLLM() bool { return c.Tool == "" }

// EffectiveTakes returns the configured take count, defaulting to 1.
func (c *Cell) EffectiveTakes() int {
	if c.Takes < 1 {
		return 1
	}
	return c.Takes
}

// EffectiveMaxTurns returns the effective turn cap: default 1, at least 1
// whenever tools_allowed is non-empty.
func (c *Cell) EffectiveMaxTurns() int {
	if c.MaxTurns > 0 {
		return c.MaxTurns
	}
	if len(c.ToolsAllowed) > 0 {
		return 1
	}
	return 1
}

// Spec is the top-level cascade document.
type Spec struct {
	CascadeID    string            `yaml:"cascade_id" json:"cascade_id"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	InputsSchema map[string]string `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`
	Cells        []Cell            `yaml:"cells" json:"cells"`
}

// CellByName returns a pointer to the named cell, or nil.
func (s *Spec) CellByName(name string) *Cell {
	for i := range s.Cells {
		if s.Cells[i].Name == name {
			return &s.Cells[i]
		}
	}
	return nil
}

// CellAfter returns the cell declared immediately after name in document
// order, or nil if name is the last cell (or unknown). Used by the
// runner's default sequential continuation when a cell does not route_to
// an explicit target.
func (s *Spec) CellAfter(name string) *Cell {
	for i := range s.Cells {
		if s.Cells[i].Name == name {
			if i+1 < len(s.Cells) {
				return &s.Cells[i+1]
			}
			return nil
		}
	}
	return nil
}

// Load parses a cascade spec file. YAML and JSON are both accepted since
// JSON is a YAML subset.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade spec %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses cascade spec bytes (YAML or JSON).
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse cascade spec: %w", err)
	}
	if s.CascadeID == "" {
		return nil, fmt.Errorf("cascade spec missing cascade_id")
	}
	if len(s.Cells) == 0 {
		return nil, fmt.Errorf("cascade %s declares no cells", s.CascadeID)
	}
	seen := make(map[string]bool, len(s.Cells))
	for _, c := range s.Cells {
		if c.Name == "" {
			return nil, fmt.Errorf("cascade %s: cell with empty name", s.CascadeID)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("cascade %s: duplicate cell name %q", s.CascadeID, c.Name)
		}
		seen[c.Name] = true
		if c.Tool == "" && c.Instructions == "" {
			return nil, fmt.Errorf("cascade %s: cell %q needs instructions or tool", s.CascadeID, c.Name)
		}
	}
	return &s, nil
}

// OrderedOutputs is the order-preserving map of cell name -> output value,
// carried through cascade execution so template rendering and evaluator
// prompts see cells in declaration/execution order rather than Go's
// randomized map order.
//
// Order matters because the evaluator embeds "every attempt's output" in
// a stable order, and {{ outputs.<cell>.X }} templating walks it by name.
type OrderedOutputs = orderedmap.OrderedMap[string, any]

// NewOrderedOutputs constructs an empty ordered outputs map.
func NewOrderedOutputs() *OrderedOutputs {
	return orderedmap.New[string, any]()
}
