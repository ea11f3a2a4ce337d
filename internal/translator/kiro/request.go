// Package kiro translates between the OpenAI-compatible surface and the
// CodeWhisperer conversation protocol.
package kiro

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/jwadow/kiro-gateway/internal/store"
)

// defaultOrigin marks requests as coming from the Kiro editor surface.
const defaultOrigin = "AI_EDITOR"

// continuePlaceholder stands in for user turns the protocol requires but the
// client did not supply, such as a turn that carries only tool results.
const continuePlaceholder = "Continue"

// BadRequestError marks a client payload the builder cannot express upstream.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

// BuildPayload converts an OpenAI-shaped message list into the CodeWhisperer
// conversationState document. tools is the raw OpenAI "tools" array or nil,
// modelID is the already-resolved upstream model identifier, and profileArn
// is attached only for desktop-auth accounts.
func BuildPayload(messages []store.Message, modelID string, tools []byte, profileArn string) ([]byte, error) {
	if len(messages) == 0 {
		return nil, &BadRequestError{Reason: "messages must not be empty"}
	}

	toolSpecs := buildToolSpecs(tools)
	systemPrompt := collectSystemPrompt(messages)

	turns := normalizeTurns(messages)
	if len(turns) == 0 {
		return nil, &BadRequestError{Reason: "messages carry no user or assistant content"}
	}

	history, current := splitTurns(turns, toolSpecs, modelID)
	if current == nil {
		return nil, &BadRequestError{Reason: "conversation must end with a user, tool, or tool-calling turn"}
	}
	injectSystemPrompt(systemPrompt, history, current)

	payload := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": "MANUAL",
			"conversationId":  uuid.NewString(),
			"currentMessage":  current,
			"history":         history,
		},
	}
	if profileArn != "" {
		payload["profileArn"] = profileArn
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation payload: %w", err)
	}
	return out, nil
}

// turn is an intermediate, content-flattened view of one conversation step.
type turn struct {
	role        string
	text        string
	images      []map[string]any
	toolUses    []map[string]any
	toolResults []map[string]any
}

func collectSystemPrompt(messages []store.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != "system" && m.Role != "developer" {
			continue
		}
		if text := contentText(m.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// normalizeTurns flattens messages into turns, merges tool results into
// user-side turns, and enforces the strict user/assistant alternation the
// upstream protocol demands.
func normalizeTurns(messages []store.Message) []turn {
	var turns []turn
	for _, m := range messages {
		switch m.Role {
		case "system", "developer":
			continue
		case "tool":
			t := turn{role: "user"}
			t.toolResults = append(t.toolResults, toolResultItem(m))
			turns = append(turns, t)
		case "assistant":
			t := turn{role: "assistant", text: contentText(m.Content)}
			t.toolUses = toolUseItems(m.ToolCalls)
			turns = append(turns, t)
		default:
			t := turn{role: "user", text: contentText(m.Content)}
			t.images = imageItems(m.Content)
			turns = append(turns, t)
		}
	}

	turns = mergeAdjacent(turns)
	return interleave(turns)
}

// mergeAdjacent folds tool-result turns into neighboring user turns. Turns
// that both carry plain text stay separate so each client message survives as
// its own conversation step.
func mergeAdjacent(turns []turn) []turn {
	merged := make([]turn, 0, len(turns))
	for _, t := range turns {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.role == "user" && t.role == "user" &&
				(len(t.toolResults) > 0 || len(last.toolResults) > 0) {
				if t.text != "" {
					if last.text != "" {
						last.text += "\n" + t.text
					} else {
						last.text = t.text
					}
				}
				last.images = append(last.images, t.images...)
				last.toolUses = append(last.toolUses, t.toolUses...)
				last.toolResults = append(last.toolResults, t.toolResults...)
				continue
			}
		}
		merged = append(merged, t)
	}
	return merged
}

// interleave inserts placeholder turns wherever two same-role turns survive
// merging, keeping the protocol's user/assistant alternation.
func interleave(turns []turn) []turn {
	out := make([]turn, 0, len(turns))
	for i, t := range turns {
		if i > 0 && turns[i-1].role == t.role {
			if t.role == "assistant" {
				out = append(out, turn{role: "user", text: continuePlaceholder})
			} else {
				out = append(out, turn{role: "assistant", text: "[Continued]"})
			}
		}
		out = append(out, t)
	}
	return out
}

// splitTurns renders all but the final user-side turn into history and the
// final one into currentMessage. A conversation ending on a plain assistant
// turn cannot be sent upstream.
func splitTurns(turns []turn, toolSpecs []any, modelID string) ([]any, map[string]any) {
	last := turns[len(turns)-1]
	if last.role == "assistant" {
		return nil, nil
	}

	history := make([]any, 0, len(turns)-1)
	for _, t := range turns[:len(turns)-1] {
		history = append(history, renderTurn(t, nil, modelID, false))
	}
	return history, renderTurn(last, toolSpecs, modelID, true)
}

func renderTurn(t turn, toolSpecs []any, modelID string, isCurrent bool) map[string]any {
	if t.role == "assistant" {
		msg := map[string]any{
			"content":  t.text,
			"toolUses": t.toolUses,
		}
		return map[string]any{"assistantResponseMessage": msg}
	}

	content := t.text
	if content == "" && len(t.toolResults) > 0 {
		content = continuePlaceholder
	}
	if isCurrent && content == "" {
		content = continuePlaceholder
	}

	ctx := map[string]any{}
	if len(t.toolResults) > 0 {
		ctx["toolResults"] = t.toolResults
	}
	if isCurrent && len(toolSpecs) > 0 {
		ctx["tools"] = toolSpecs
	}

	userInput := map[string]any{
		"content":                 content,
		"modelId":                 modelID,
		"origin":                  defaultOrigin,
		"userInputMessageContext": ctx,
	}
	if len(t.images) > 0 {
		userInput["images"] = t.images
	}
	return map[string]any{"userInputMessage": userInput}
}

// injectSystemPrompt prepends the system prompt to the first user-side
// message in the conversation, or synthesizes one when none exists.
func injectSystemPrompt(prompt string, history []any, current map[string]any) {
	if prompt == "" {
		return
	}
	prepend := func(msg any) bool {
		m, ok := msg.(map[string]any)
		if !ok {
			return false
		}
		userInput, ok := m["userInputMessage"].(map[string]any)
		if !ok {
			return false
		}
		if existing, _ := userInput["content"].(string); existing != "" {
			userInput["content"] = prompt + "\n\n" + existing
		} else {
			userInput["content"] = prompt
		}
		return true
	}

	if len(history) > 0 && prepend(history[0]) {
		return
	}
	prepend(current)
}

func buildToolSpecs(tools []byte) []any {
	if len(tools) == 0 {
		return nil
	}
	var specs []any
	for _, tool := range gjson.ParseBytes(tools).Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			continue
		}
		params := json.RawMessage(fn.Get("parameters").Raw)
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		specs = append(specs, map[string]any{
			"toolSpecification": map[string]any{
				"name":        fn.Get("name").String(),
				"description": fn.Get("description").String(),
				"inputSchema": map[string]any{"json": params},
			},
		})
	}
	return specs
}

func toolUseItems(toolCalls json.RawMessage) []map[string]any {
	uses := []map[string]any{}
	for _, tc := range gjson.ParseBytes(toolCalls).Array() {
		args := tc.Get("function.arguments").String()
		var input any = map[string]any{}
		if args != "" && gjson.Valid(args) {
			input = json.RawMessage(args)
		}
		uses = append(uses, map[string]any{
			"toolUseId": tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"input":     input,
		})
	}
	return uses
}

func toolResultItem(m store.Message) map[string]any {
	return map[string]any{
		"toolUseId": m.ToolCallID,
		"status":    "success",
		"content":   []any{map[string]any{"text": contentText(m.Content)}},
	}
}

// contentText flattens an OpenAI content field, which is either a plain
// string or an array of typed parts, into the text it carries.
func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(content)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	if !parsed.IsArray() {
		return ""
	}
	var parts []string
	for _, part := range parsed.Array() {
		if part.Get("type").String() == "text" {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// imageItems extracts data-URL images from an OpenAI content part array.
func imageItems(content json.RawMessage) []map[string]any {
	parsed := gjson.ParseBytes(content)
	if !parsed.IsArray() {
		return nil
	}
	var images []map[string]any
	for _, part := range parsed.Array() {
		if part.Get("type").String() != "image_url" {
			continue
		}
		url := part.Get("image_url.url").String()
		format, data, ok := parseDataURL(url)
		if !ok {
			continue
		}
		images = append(images, map[string]any{
			"format": format,
			"source": map[string]any{"bytes": data},
		})
	}
	return images
}

func parseDataURL(url string) (format string, data []byte, ok bool) {
	if !strings.HasPrefix(url, "data:image/") {
		return "", nil, false
	}
	rest := strings.TrimPrefix(url, "data:image/")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", nil, false
	}
	format = rest[:sep]
	decoded, err := base64.StdEncoding.DecodeString(rest[sep+len(";base64,"):])
	if err != nil {
		return "", nil, false
	}
	return format, decoded, true
}
