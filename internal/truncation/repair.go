package truncation

import (
	"fmt"

	"github.com/jwadow/kiro-gateway/internal/store"
)

// userNotice is inserted after an assistant message whose text matches a
// recorded content truncation.
const userNotice = "Note: your previous response was cut off before it finished. " +
	"Please continue from where it stopped, without repeating what was already said."

// Repair rewrites messages using the registry's truncation records. It never
// fails; lookup misses leave messages untouched. The returned sequence
// preserves the original order, with at most one synthetic user message
// inserted per qualifying assistant message. The modified count is for
// logging only.
func Repair(reg *Registry, messages []store.Message) ([]store.Message, int) {
	if reg == nil || len(messages) == 0 {
		return messages, 0
	}

	out := make([]store.Message, 0, len(messages))
	modified := 0
	for _, msg := range messages {
		if msg.Role == "tool" && msg.ToolCallID != "" {
			if rec, ok := reg.LookupByToolCall(msg.ToolCallID); ok {
				original, _ := msg.Text()
				repaired := store.TextMessage("tool", fmt.Sprintf(
					"%s\n\n---\n\nOriginal tool result:\n%s",
					toolNotice(rec), original,
				))
				repaired.Name = msg.Name
				repaired.ToolCallID = msg.ToolCallID
				out = append(out, repaired)
				modified++
				continue
			}
		}
		if msg.Role == "assistant" {
			if text, ok := msg.Text(); ok && text != "" {
				if _, found := reg.LookupByContentHash(text); found {
					out = append(out, msg)
					out = append(out, store.TextMessage("user", userNotice))
					modified++
					continue
				}
			}
		}
		out = append(out, msg)
	}
	return out, modified
}

// toolNotice synthesizes the recovery preamble for a truncated tool call.
func toolNotice(rec Record) string {
	return fmt.Sprintf(
		"[Truncation notice] The call to tool %q (id %s) was cut off before its "+
			"arguments finished streaming; the result below may correspond to an "+
			"incomplete invocation.",
		rec.ToolName, rec.ToolUseID,
	)
}
