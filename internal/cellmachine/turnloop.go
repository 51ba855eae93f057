// Package cellmachine implements the cell state machine: the per-cell
// render -> pre_wards -> memory_load -> (LLM turn loop | deterministic
// executor) -> post_wards -> memory_store -> cell_complete pipeline.
package cellmachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/budget"
	"github.com/cascadeforge/cascade/internal/cascade"
)

// LLMClient is the subset of *agent.Agent the turn loop depends on,
// narrowed to an interface so tests substitute a fake instead of
// calling a real provider.
type LLMClient interface {
	Run(ctx context.Context, messages []agent.Message, tools []agent.ToolSpec, opts agent.Options) (*agent.Result, error)
}

// ToolCallLog records one dispatched tool call for the event log.
type ToolCallLog struct {
	Name     string
	Args     string
	Result   string
	ToolCall agent.ToolCall
}

// TurnOutput is one turn's raw assistant content, captured so the
// runner can log a turn_output row per turn (spec §4.8.1 step 3)
// instead of only the turn loop's final Content.
type TurnOutput struct {
	TurnNumber int
	Content    string
}

// TurnLoopResult is what RunTurnLoop returns on completion.
type TurnLoopResult struct {
	Content     string
	Turns       int
	ToolCalls   []ToolCallLog
	TurnOutputs []TurnOutput
	RouteTo     string
	ForcedStop  bool // hit T_max without a clean completion
}

const routeToTool = "route_to"

// RunTurnLoop drives spec §4.8.1's turn loop for one cell: build the
// message list, enforce the token budget, call the agent, dispatch any
// tool calls, and repeat until the assistant stops calling tools, a
// route_to call names a downstream cell, or T_max is reached.
func RunTurnLoop(
	ctx context.Context,
	cell *cascade.Cell,
	systemPrompt string,
	initialMessages []agent.Message,
	client LLMClient,
	skills *SkillRegistry,
	budgetCfg budget.Config,
	summarizer budget.Summarizer,
) (*TurnLoopResult, error) {
	tMax := cell.EffectiveMaxTurns()
	history := append([]agent.Message{{Role: "system", Content: systemPrompt}}, initialMessages...)

	tools := toolSpecs(skills, cell.ToolsAllowed)

	result := &TurnLoopResult{}

	for turn := 0; turn < tMax; turn++ {
		result.Turns = turn + 1

		// A zero MaxTotal means no budget is configured; history is sent as is.
		if budgetCfg.MaxTotal > 0 {
			budgeted, err := budget.Apply(budgetCfg, history, summarizer)
			if err != nil {
				return nil, fmt.Errorf("cellmachine: token budget: %w", err)
			}
			history = budgeted.Messages
		}

		res, err := client.Run(ctx, history, tools, agent.Options{})
		if err != nil {
			return nil, fmt.Errorf("cellmachine: agent call (cell=%s, turn=%d): %w", cell.Name, turn, err)
		}

		history = append(history, agent.Message{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls})
		result.TurnOutputs = append(result.TurnOutputs, TurnOutput{TurnNumber: turn + 1, Content: res.Content})

		if len(res.ToolCalls) == 0 {
			result.Content = res.Content
			return result, nil
		}

		routed := false
		for _, tc := range res.ToolCalls {
			if tc.Name == routeToTool {
				result.RouteTo = extractRouteTarget(tc.Arguments)
				routed = true
				continue
			}

			content, dispatchErr := skills.Dispatch(ctx, tc.Name, json.RawMessage(tc.Arguments))
			if dispatchErr != nil {
				content = fmt.Sprintf("error: %v", dispatchErr)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallLog{Name: tc.Name, Args: tc.Arguments, Result: content, ToolCall: tc})
			history = append(history, agent.Message{Role: "tool", Content: content, ToolCallID: tc.ID, Name: tc.Name})
		}

		if routed {
			result.Content = res.Content
			return result, nil
		}
	}

	result.ForcedStop = true
	return result, nil
}

func toolSpecs(skills *SkillRegistry, allowed []string) []agent.ToolSpec {
	if skills == nil {
		return nil
	}
	var out []agent.ToolSpec
	for _, s := range skills.FilteredSpecs(allowed) {
		out = append(out, agent.ToolSpec{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
	}
	return out
}

func extractRouteTarget(argsJSON string) string {
	var args struct {
		Cell string `json:"cell"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return ""
	}
	return args.Cell
}
