// Package tokenizer provides fallback token counting for responses where the
// upstream did not report usage. Counts are estimates: the upstream models
// are Claude, counted here with an OpenAI byte-pair encoding.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return codec, codecErr
}

// CountText returns the token count of a plain string. Falls back to a
// bytes/4 heuristic if the encoder cannot be initialized.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	enc, err := getCodec()
	if err != nil {
		return len(text) / 4
	}
	n, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountRequest estimates prompt tokens from the raw OpenAI request body,
// covering chat messages, responses input, instructions, and tool definitions.
func CountRequest(body []byte) int {
	var parts []string
	collect := func(msg gjson.Result) {
		content := msg.Get("content")
		if content.Type == gjson.String {
			parts = append(parts, content.String())
		} else if content.IsArray() {
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text", "input_text":
					parts = append(parts, part.Get("text").String())
				}
			}
		}
		for _, tc := range msg.Get("tool_calls").Array() {
			parts = append(parts, tc.Get("function.name").String(), tc.Get("function.arguments").String())
		}
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		collect(msg)
	}
	if input := gjson.GetBytes(body, "input"); input.Exists() {
		if input.Type == gjson.String {
			parts = append(parts, input.String())
		} else if input.IsArray() {
			for _, item := range input.Array() {
				collect(item)
			}
		}
	}
	if instructions := gjson.GetBytes(body, "instructions").String(); instructions != "" {
		parts = append(parts, instructions)
	}
	if tools := gjson.GetBytes(body, "tools"); tools.Exists() {
		parts = append(parts, tools.Raw)
	}
	return CountText(strings.Join(parts, "\n"))
}

// CountCompletion estimates completion tokens from a drained stream state.
func CountCompletion(state *kiro.StreamState) int {
	var parts []string
	if text := state.Text(); text != "" {
		parts = append(parts, text)
	}
	if reasoning := state.Reasoning(); reasoning != "" {
		parts = append(parts, reasoning)
	}
	for _, tc := range state.ToolCalls() {
		parts = append(parts, tc.Name, tc.Args)
	}
	return CountText(strings.Join(parts, "\n"))
}
