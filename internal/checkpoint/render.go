package checkpoint

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// RenderHint converts a cell's HITL hint markdown into the HTML embedded
// in a checkpoint's UI spec.
func RenderHint(hintMarkdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(hintMarkdown), &buf); err != nil {
		return "", fmt.Errorf("checkpoint: render hint: %w", err)
	}
	return buf.String(), nil
}

// UISpec is the structure the runner builds for a checkpoint and the UI
// renders. It is marshaled into Checkpoint.UISpec.
type UISpec struct {
	Template      string         `json:"template"`
	PhaseOutput   string         `json:"phase_output"`
	HintHTML      string         `json:"hint_html,omitempty"`
	CandidateKeys []string       `json:"candidate_keys,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// BuildUISpec renders hintMarkdown and assembles a UISpec ready to marshal.
func BuildUISpec(template, phaseOutput, hintMarkdown string, candidateKeys []string) (UISpec, error) {
	hintHTML := ""
	if hintMarkdown != "" {
		rendered, err := RenderHint(hintMarkdown)
		if err != nil {
			return UISpec{}, err
		}
		hintHTML = rendered
	}
	return UISpec{
		Template:      template,
		PhaseOutput:   phaseOutput,
		HintHTML:      hintHTML,
		CandidateKeys: candidateKeys,
	}, nil
}
