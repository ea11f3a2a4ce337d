package logging

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	contentSnippetLimit = 400
	snippetLimit        = 4096
)

// RequestSnippet renders an OpenAI request body for the request log: long
// message content is truncated and inline image data is replaced, since a
// single data URL can be megabytes of base64.
func RequestSnippet(raw []byte) string {
	out := raw
	if input := gjson.GetBytes(raw, "input"); input.Type == gjson.String && len(input.String()) > contentSnippetLimit {
		out, _ = sjson.SetBytes(out, "input", input.String()[:contentSnippetLimit]+"...")
	}
	gjson.GetBytes(raw, "messages").ForEach(func(key, msg gjson.Result) bool {
		path := "messages." + key.String() + ".content"
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String && len(content.String()) > contentSnippetLimit:
			out, _ = sjson.SetBytes(out, path, content.String()[:contentSnippetLimit]+"...")
		case content.IsArray():
			content.ForEach(func(partKey, part gjson.Result) bool {
				if part.Get("type").String() == "image_url" {
					out, _ = sjson.SetBytes(out,
						fmt.Sprintf("%s.%s.image_url.url", path, partKey.String()),
						"[image omitted]")
				}
				return true
			})
		}
		return true
	})
	if len(out) > snippetLimit {
		out = out[:snippetLimit]
	}
	return string(out)
}
