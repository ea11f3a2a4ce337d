package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
)

// chatRequest is the typed core of a /v1/chat/completions body. Raw keeps
// the original document so fields the gateway does not model pass through
// untouched.
type chatRequest struct {
	Model    string
	Messages []store.Message
	Stream   bool
	Tools    []byte
	Raw      []byte
}

func parseChatRequest(raw []byte) (*chatRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &kiro.BadRequestError{Reason: "request body is not valid JSON"}
	}
	req := &chatRequest{
		Model:  gjson.GetBytes(raw, "model").String(),
		Stream: gjson.GetBytes(raw, "stream").Bool(),
		Raw:    raw,
	}
	if req.Model == "" {
		return nil, &kiro.BadRequestError{Reason: "model is required"}
	}

	messagesNode := gjson.GetBytes(raw, "messages")
	if !messagesNode.IsArray() {
		return nil, &kiro.BadRequestError{Reason: "messages must be an array"}
	}
	var err error
	req.Messages, err = decodeMessages(messagesNode)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, &kiro.BadRequestError{Reason: "messages must not be empty"}
	}

	if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
		req.Tools = []byte(tools.Raw)
	}
	return req, nil
}

// responsesRequest is the typed core of a /v1/responses body.
type responsesRequest struct {
	Model              string
	Input              []store.Message
	Instructions       string
	PreviousResponseID string
	Stream             bool
	Store              bool
	Metadata           map[string]string
	Tools              []byte
	Raw                []byte
}

func parseResponsesRequest(raw []byte) (*responsesRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &kiro.BadRequestError{Reason: "request body is not valid JSON"}
	}
	req := &responsesRequest{
		Model:              gjson.GetBytes(raw, "model").String(),
		Instructions:       gjson.GetBytes(raw, "instructions").String(),
		PreviousResponseID: gjson.GetBytes(raw, "previous_response_id").String(),
		Stream:             gjson.GetBytes(raw, "stream").Bool(),
		Store:              true,
		Raw:                raw,
	}
	if req.Model == "" {
		return nil, &kiro.BadRequestError{Reason: "model is required"}
	}
	if storeNode := gjson.GetBytes(raw, "store"); storeNode.Exists() {
		req.Store = storeNode.Bool()
	}

	input := gjson.GetBytes(raw, "input")
	switch {
	case input.Type == gjson.String:
		req.Input = []store.Message{store.TextMessage("user", input.String())}
	case input.IsArray():
		msgs, err := decodeMessages(input)
		if err != nil {
			return nil, err
		}
		req.Input = msgs
	default:
		return nil, &kiro.BadRequestError{Reason: "input must be a string or an array of messages"}
	}
	if len(req.Input) == 0 {
		return nil, &kiro.BadRequestError{Reason: "input must not be empty"}
	}

	if meta := gjson.GetBytes(raw, "metadata"); meta.IsObject() {
		req.Metadata = make(map[string]string)
		meta.ForEach(func(key, value gjson.Result) bool {
			req.Metadata[key.String()] = value.String()
			return true
		})
	}
	if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
		req.Tools = []byte(tools.Raw)
	}
	return req, nil
}

// decodeMessages converts a JSON message array into store messages. Items in
// the Responses input form ({"type":"message",...}) and the chat form are
// both accepted.
func decodeMessages(node gjson.Result) ([]store.Message, error) {
	var messages []store.Message
	var badItem error
	node.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			badItem = &kiro.BadRequestError{Reason: "each message must be an object"}
			return false
		}
		if t := item.Get("type").String(); t != "" && t != "message" {
			// Responses input items of other types (reasoning, file refs)
			// carry nothing the upstream can consume.
			return true
		}
		role := item.Get("role").String()
		if role == "" {
			badItem = &kiro.BadRequestError{Reason: "message role is required"}
			return false
		}
		msg := store.Message{
			Role:       role,
			Name:       item.Get("name").String(),
			ToolCallID: item.Get("tool_call_id").String(),
		}
		if content := item.Get("content"); content.Exists() {
			msg.Content = json.RawMessage(content.Raw)
		}
		if toolCalls := item.Get("tool_calls"); toolCalls.IsArray() {
			msg.ToolCalls = json.RawMessage(toolCalls.Raw)
		}
		messages = append(messages, msg)
		return true
	})
	return messages, badItem
}
