// Package kiroerrors turns raw CodeWhisperer error payloads into messages a
// client of the OpenAI-compatible surface can act on.
package kiroerrors

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Info is the normalized view of an upstream error payload.
type Info struct {
	// UserMessage is the client-facing message.
	UserMessage string
	// OriginalMessage is the raw upstream message, kept for logs.
	OriginalMessage string
	// Reason is the upstream reason code when present.
	Reason string
}

// Enhance parses a raw upstream error body and rewrites the well-known Kiro
// failure modes into actionable messages. Unknown errors pass through with
// the upstream text intact; an unparseable body passes through verbatim.
func Enhance(raw []byte) Info {
	info := Info{UserMessage: strings.TrimSpace(string(raw))}
	if !gjson.ValidBytes(raw) {
		return info
	}

	msg := gjson.GetBytes(raw, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(raw, "Message").String()
	}
	reason := gjson.GetBytes(raw, "reason").String()
	errType := gjson.GetBytes(raw, "__type").String()
	if msg != "" {
		info.OriginalMessage = msg
		info.UserMessage = msg
	}
	info.Reason = reason

	switch {
	case reason == "CONTENT_LENGTH_EXCEEDS_THRESHOLD",
		strings.Contains(msg, "Input is too long"):
		info.UserMessage = "The conversation is too long for the model's context window. " +
			"Shorten the history or start a new conversation."
	case reason == "MONTHLY_REQUEST_COUNT",
		strings.Contains(msg, "reached for this month"):
		info.UserMessage = "Monthly request quota for this Kiro account has been exhausted."
	case strings.Contains(errType, "ThrottlingException"),
		strings.Contains(msg, "Too many requests"):
		info.UserMessage = "Rate limited by the Kiro API. Retry after a short delay."
	case strings.Contains(errType, "AccessDeniedException"),
		strings.Contains(msg, "not authorized"):
		info.UserMessage = "Kiro credentials were rejected. Re-import or refresh the credentials."
	case strings.Contains(msg, "Improperly formed request"):
		detail := reason
		if detail == "" {
			detail = "the request payload was rejected by the model backend"
		}
		info.UserMessage = "Kiro rejected the request as improperly formed: " + detail
	}
	return info
}
