package kiro

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"
)

var (
	embeddedToolCallPattern = regexp.MustCompile(`\[Called\s+(\w+)\s+with\s+args:\s*`)
	trailingCommaPattern    = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyPattern      = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// Delta is one increment of the translated response stream, shaped so the
// OpenAI-side renderers can consume it without knowing the upstream protocol.
type Delta struct {
	Text      string
	Reasoning string
	Tool      *ToolDelta
	Usage     *Usage
}

// ToolDelta carries tool-call progress. ID and Name are set only on the
// first delta of a call; Done marks the call's arguments complete.
type ToolDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
	Done  bool
}

// ToolCall is a fully assembled tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Usage mirrors the token counts the upstream reports, when it reports any.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ExceptionError is an upstream fault delivered in-band as an exception frame
// after the stream was already accepted.
type ExceptionError struct {
	Type    string
	Message string
}

func (e *ExceptionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream exception %s", e.Type)
	}
	return fmt.Sprintf("upstream exception %s: %s", e.Type, e.Message)
}

// StreamState accumulates one upstream response while translating its frames
// into deltas. Not safe for concurrent use; each request owns one.
type StreamState struct {
	content    strings.Builder
	reasoning  strings.Builder
	inThinking bool

	currentTool  *ToolCall
	currentInput strings.Builder
	toolCalls    []ToolCall
	usage        *Usage
}

// NewStreamState returns an empty per-request translation state.
func NewStreamState() *StreamState {
	return &StreamState{}
}

// ProcessFrame translates one upstream frame into zero or more deltas.
// Exception frames surface as an *ExceptionError.
func (s *StreamState) ProcessFrame(frame *Frame) ([]Delta, error) {
	if frame.ExceptionType != "" {
		msg := gjson.GetBytes(frame.Payload, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(frame.Payload))
		}
		return nil, &ExceptionError{Type: frame.ExceptionType, Message: msg}
	}

	parsed := gjson.ParseBytes(frame.Payload)

	switch frame.EventType {
	case "toolUseEvent":
		return s.processToolEvent(parsed), nil
	case "reasoningContentEvent":
		if content := parsed.Get("content").String(); content != "" {
			s.reasoning.WriteString(content)
			return []Delta{{Reasoning: content}}, nil
		}
		return nil, nil
	case "assistantResponseEvent", "completionEvent", "chatResponseEvent":
		return s.processContentEvent(parsed), nil
	case "supplementaryWebLinksEvent", "messageMetadataEvent", "":
		s.parseUsage(parsed)
		if s.usage != nil {
			return []Delta{{Usage: s.usage}}, nil
		}
		return nil, nil
	default:
		// Unknown event kinds still may carry usage counters.
		s.parseUsage(parsed)
		return nil, nil
	}
}

func (s *StreamState) parseUsage(parsed gjson.Result) {
	in := parsed.Get("inputTokens").Int()
	out := parsed.Get("outputTokens").Int()
	if in > 0 || out > 0 {
		s.usage = &Usage{InputTokens: int(in), OutputTokens: int(out)}
	}
}

func (s *StreamState) processToolEvent(parsed gjson.Result) []Delta {
	id := ConvertToolID(parsed.Get("toolUseId").String())
	name := parsed.Get("name").String()

	var deltas []Delta
	isNew := s.currentTool == nil || s.currentTool.ID != id
	index := len(s.toolCalls)

	if isNew {
		s.currentTool = &ToolCall{ID: id, Name: name}
		s.currentInput.Reset()
	}

	inputNode := parsed.Get("input")
	input := inputNode.String()
	if inputNode.IsObject() {
		input = inputNode.Raw
	}
	s.currentInput.WriteString(input)

	if isNew {
		deltas = append(deltas, Delta{Tool: &ToolDelta{Index: index, ID: id, Name: name, Args: input}})
	} else if input != "" {
		deltas = append(deltas, Delta{Tool: &ToolDelta{Index: index, Args: input}})
	}

	if parsed.Get("stop").Bool() {
		s.currentTool.Args = s.currentInput.String()
		if s.currentTool.Args == "" {
			s.currentTool.Args = "{}"
		}
		s.toolCalls = append(s.toolCalls, *s.currentTool)
		deltas = append(deltas, Delta{Tool: &ToolDelta{Index: index, Done: true}})
		s.currentTool = nil
		s.currentInput.Reset()
	}
	return deltas
}

func (s *StreamState) processContentEvent(parsed gjson.Result) []Delta {
	var deltas []Delta
	if content := parsed.Get("content").String(); content != "" {
		deltas = append(deltas, s.splitThinking(content)...)
	}
	for _, tool := range parsed.Get("toolUsages").Array() {
		tc := ToolCall{
			ID:   ConvertToolID(tool.Get("toolUseId").String()),
			Name: tool.Get("name").String(),
			Args: tool.Get("input").String(),
		}
		if tc.Args == "" {
			tc.Args = "{}"
		}
		if !s.hasToolCall(tc.ID) {
			index := len(s.toolCalls)
			s.toolCalls = append(s.toolCalls, tc)
			deltas = append(deltas,
				Delta{Tool: &ToolDelta{Index: index, ID: tc.ID, Name: tc.Name, Args: tc.Args}},
				Delta{Tool: &ToolDelta{Index: index, Done: true}})
		}
	}
	return deltas
}

// splitThinking separates inline <thinking> blocks from regular text. The
// tags can open in one frame and close several frames later, so the state
// persists across calls.
func (s *StreamState) splitThinking(content string) []Delta {
	var deltas []Delta
	remaining := content
	for len(remaining) > 0 {
		if s.inThinking {
			end := strings.Index(remaining, thinkingEndTag)
			if end < 0 {
				s.reasoning.WriteString(remaining)
				deltas = append(deltas, Delta{Reasoning: remaining})
				return deltas
			}
			if chunk := remaining[:end]; chunk != "" {
				s.reasoning.WriteString(chunk)
				deltas = append(deltas, Delta{Reasoning: chunk})
			}
			s.inThinking = false
			remaining = remaining[end+len(thinkingEndTag):]
			continue
		}

		start := strings.Index(remaining, thinkingStartTag)
		text := remaining
		if start >= 0 {
			text = remaining[:start]
		}
		if text != "" {
			deltas = append(deltas, s.emitText(text)...)
		}
		if start < 0 {
			return deltas
		}
		s.inThinking = true
		remaining = remaining[start+len(thinkingStartTag):]
	}
	return deltas
}

// emitText forwards plain text, first extracting tool calls some models
// embed inline as "[Called name with args: {...}]".
func (s *StreamState) emitText(text string) []Delta {
	clean, embedded := parseEmbeddedToolCalls(text)
	var deltas []Delta
	if clean != "" {
		s.content.WriteString(clean)
		deltas = append(deltas, Delta{Text: clean})
	}
	for _, tc := range embedded {
		index := len(s.toolCalls)
		s.toolCalls = append(s.toolCalls, tc)
		deltas = append(deltas,
			Delta{Tool: &ToolDelta{Index: index, ID: tc.ID, Name: tc.Name, Args: tc.Args}},
			Delta{Tool: &ToolDelta{Index: index, Done: true}})
	}
	return deltas
}

func (s *StreamState) hasToolCall(id string) bool {
	for _, tc := range s.toolCalls {
		if tc.ID == id {
			return true
		}
	}
	return false
}

// PendingTool returns the tool call that was mid-argument when the stream
// ended, if any. A pending tool at end of stream means the upstream cut the
// response off.
func (s *StreamState) PendingTool() (ToolCall, bool) {
	if s.currentTool == nil {
		return ToolCall{}, false
	}
	tc := *s.currentTool
	tc.Args = s.currentInput.String()
	return tc, true
}

// Text returns the accumulated plain-text content.
func (s *StreamState) Text() string { return s.content.String() }

// Reasoning returns the accumulated reasoning content.
func (s *StreamState) Reasoning() string { return s.reasoning.String() }

// ToolCalls returns the completed tool calls in emission order.
func (s *StreamState) ToolCalls() []ToolCall { return s.toolCalls }

// Usage returns the upstream-reported token counts, or nil.
func (s *StreamState) Usage() *Usage { return s.usage }

// FinishReason reports how the assistant turn ended.
func (s *StreamState) FinishReason() string {
	if len(s.toolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// ConvertToolID rewrites upstream tool-use identifiers into the call_ form
// OpenAI clients expect.
func ConvertToolID(id string) string {
	if strings.HasPrefix(id, "tooluse_") {
		return "call_" + strings.TrimPrefix(id, "tooluse_")
	}
	return id
}

// parseEmbeddedToolCalls extracts "[Called name with args: {...}]" spans from
// text, returning the cleaned text and the recovered calls.
func parseEmbeddedToolCalls(text string) (string, []ToolCall) {
	if !strings.Contains(text, "[Called") {
		return text, nil
	}
	matches := embeddedToolCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var calls []ToolCall
	clean := text
	seen := make(map[string]bool)

	for i := len(matches) - 1; i >= 0; i-- {
		name := text[matches[i][2]:matches[i][3]]
		jsonStart := matches[i][1]
		for jsonStart < len(text) && (text[jsonStart] == ' ' || text[jsonStart] == '\t') {
			jsonStart++
		}
		if jsonStart >= len(text) || text[jsonStart] != '{' {
			continue
		}
		jsonEnd := findMatchingBrace(text, jsonStart)
		if jsonEnd < 0 {
			continue
		}
		closing := jsonEnd + 1
		for closing < len(text) && text[closing] != ']' {
			closing++
		}
		if closing >= len(text) {
			continue
		}

		args := repairJSON(text[jsonStart : jsonEnd+1])
		if !json.Valid([]byte(args)) {
			continue
		}
		full := text[matches[i][0] : closing+1]
		clean = strings.Replace(clean, full, "", 1)

		key := name + ":" + args
		if seen[key] {
			continue
		}
		seen[key] = true
		calls = append(calls, ToolCall{
			ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
			Name: name,
			Args: args,
		})
	}

	// Matches were walked newest first; restore emission order.
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}
	return strings.TrimSpace(clean), calls
}

func findMatchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// repairJSON fixes the two malformations models produce most often in
// embedded call arguments: trailing commas and unquoted keys.
func repairJSON(raw string) string {
	repaired := trailingCommaPattern.ReplaceAllString(raw, "$1")
	return unquotedKeyPattern.ReplaceAllString(repaired, `$1"$2":`)
}
