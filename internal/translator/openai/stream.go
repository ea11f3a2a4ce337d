package openai

import (
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
)

// ChunkBuilder stamps every chunk of one streaming response with the same
// completion id, model, and creation time.
type ChunkBuilder struct {
	ID      string
	Model   string
	Created int64

	roleSent bool
}

// NewChunkBuilder prepares a builder for one streaming response.
func NewChunkBuilder(model string, created int64) *ChunkBuilder {
	return &ChunkBuilder{ID: NewCompletionID(), Model: model, Created: created}
}

func (b *ChunkBuilder) chunk(delta Delta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// FromDelta renders one translated upstream delta as streaming chunks. The
// first content-bearing chunk also announces the assistant role.
func (b *ChunkBuilder) FromDelta(d kiro.Delta) []ChatCompletionChunk {
	var chunks []ChatCompletionChunk
	if !b.roleSent && (d.Text != "" || d.Reasoning != "" || d.Tool != nil) {
		b.roleSent = true
		chunks = append(chunks, b.chunk(Delta{Role: "assistant"}, nil))
	}

	switch {
	case d.Text != "":
		chunks = append(chunks, b.chunk(Delta{Content: d.Text}, nil))
	case d.Reasoning != "":
		chunks = append(chunks, b.chunk(Delta{ReasoningContent: d.Reasoning}, nil))
	case d.Tool != nil && !d.Tool.Done:
		tc := ToolCallDelta{
			Index:    d.Tool.Index,
			Function: &FunctionCallDelta{Arguments: d.Tool.Args},
		}
		if d.Tool.ID != "" {
			tc.ID = d.Tool.ID
			tc.Type = "function"
			tc.Function.Name = d.Tool.Name
		}
		chunks = append(chunks, b.chunk(Delta{ToolCalls: []ToolCallDelta{tc}}, nil))
	}
	return chunks
}

// FinishChunk closes the stream with the finish reason and optional usage.
func (b *ChunkBuilder) FinishChunk(reason string, usage *Usage) ChatCompletionChunk {
	c := b.chunk(Delta{}, &reason)
	c.Usage = usage
	return c
}
