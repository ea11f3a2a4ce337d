package openai

import (
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
)

// Collect assembles a fully drained stream state into one chat.completion
// object. usage may come from the upstream or from fallback counting.
func Collect(state *kiro.StreamState, model string, created int64, usage *Usage) ChatCompletion {
	msg := Message{Role: "assistant", ReasoningContent: state.Reasoning()}
	if text := state.Text(); text != "" {
		msg.Content = &text
	}
	for _, tc := range state.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Args,
			},
		})
	}

	return ChatCompletion{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: state.FinishReason(),
		}},
		Usage: usage,
	}
}
