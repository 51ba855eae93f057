package agent

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
)

func buildParams(messages []Message, tools []ToolSpec, model string, maxTokens int64) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}

	var systemPrompt string
	var wire []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			systemPrompt = m.Content
		case "assistant":
			wire = append(wire, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			wire = append(wire, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	params.Messages = wire

	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: json.RawMessage(schema),
				},
			},
		})
	}

	return params
}

func toResult(msg *anthropic.Message, model, provider string) *Result {
	r := &Result{
		Role:              "assistant",
		ProviderRequestID: msg.ID,
		Model:             model,
		Provider:          provider,
		TokensIn:          msg.Usage.InputTokens,
		TokensOut:         msg.Usage.OutputTokens,
		FullResponse:      msg,
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			r.Content += block.Text
		case "tool_use":
			r.ToolCalls = append(r.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return r
}
