package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"

	"github.com/jwadow/kiro-gateway/internal/logging"
	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
	"github.com/jwadow/kiro-gateway/internal/translator/openai"
)

// Responses handles POST /v1/responses, the stateful endpoint: a request may
// continue a stored conversation via previous_response_id, and its outcome
// may be stored for the next turn.
func (h *Handler) Responses(c *gin.Context) {
	started := time.Now()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, "", false, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}
	request, err := parseResponsesRequest(raw)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, "", false, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}
	log.Infof("responses request (model=%s, stream=%v, previous_response_id=%s)",
		request.Model, request.Stream, request.PreviousResponseID)
	if logging.VerboseEnabled() {
		log.Debugf("responses body: %s", logging.RequestSnippet(raw))
	}

	messages, err := h.assembleConversation(request)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, request.Model, request.Stream, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}

	resp, err := h.sendConversation(c.Request.Context(), messages, request.Model, request.Tools, request.Stream)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, request.Model, request.Stream, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}

	if request.Stream {
		h.streamResponses(c, resp, request, messages, started)
		return
	}
	h.collectResponses(c, resp, request, messages, started)
}

// assembleConversation resolves the stored prior turns, prepends the
// instructions, and appends the new input.
func (h *Handler) assembleConversation(request *responsesRequest) ([]store.Message, error) {
	var messages []store.Message
	if request.Instructions != "" {
		messages = append(messages, store.TextMessage("system", request.Instructions))
	}
	if request.PreviousResponseID != "" {
		prior, ok := h.RespStore.Get(request.PreviousResponseID)
		if !ok {
			return nil, &notFoundError{
				Message: fmt.Sprintf("Previous response ID not found: %s", request.PreviousResponseID),
			}
		}
		messages = append(messages, prior.Messages...)
		log.Debugf("loaded %d message(s) from previous response %s", len(prior.Messages), request.PreviousResponseID)
	}
	return append(messages, request.Input...), nil
}

func (h *Handler) streamResponses(c *gin.Context, resp *req.Response, request *responsesRequest, messages []store.Message, started time.Time) {
	writer := newSSEWriter(c)
	if writer == nil {
		_ = resp.Body.Close()
		status := h.writeError(c, errors.New("streaming unsupported by connection"))
		h.recordHistory(c, request.Model, true, status, time.Since(started).Milliseconds(), 0, 0, "streaming unsupported")
		return
	}

	// Allocated up front so the terminal event and the stored record carry
	// the same identifier.
	responseID := store.NewResponseID()
	state := kiro.NewStreamState()
	itemAdded := false

	fault, cancelled := h.pumpFrames(c.Request.Context(), resp.Body, state, func(d kiro.Delta) bool {
		if !itemAdded && (d.Text != "" || d.Reasoning != "" || d.Tool != nil) {
			itemAdded = true
			writer.Event("response.output_item.added", gin.H{
				"type": "response.output_item.added",
				"item": gin.H{
					"id":      "item_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
					"type":    "message",
					"role":    "assistant",
					"content": []any{},
				},
			})
		}
		switch {
		case d.Text != "":
			writer.Event("response.text.delta", gin.H{
				"type":  "response.text.delta",
				"delta": d.Text,
			})
		case d.Tool != nil && !d.Tool.Done && d.Tool.Args != "":
			writer.Event("response.function_call_arguments.delta", gin.H{
				"type":    "response.function_call_arguments.delta",
				"delta":   d.Tool.Args,
				"call_id": d.Tool.ID,
			})
		}
		return !writer.Failed()
	})

	_ = resp.Body.Close()
	h.noteTruncation(state, fault)

	switch {
	case cancelled:
		log.Debug("client disconnected during responses stream")
		// Cancellation is not a fault: the partial turn is still stored so
		// the conversation can continue from what the client saw.
		if request.Store {
			h.persistTurn(responseID, request, messages, state)
		}
		h.recordHistory(c, request.Model, true, http.StatusOK, time.Since(started).Milliseconds(), 0, 0, "")
	case fault != nil:
		writer.Event("response.error", gin.H{
			"type": "response.error",
			"error": gin.H{
				"message": fault.Error(),
				"type":    "server_error",
			},
		})
		h.recordHistory(c, request.Model, true, http.StatusInternalServerError, time.Since(started).Milliseconds(), 0, 0, fault.Error())
	default:
		if request.Store {
			h.persistTurn(responseID, request, messages, state)
		}
		writer.Event("response.done", gin.H{
			"type": "response.done",
			"response": gin.H{
				"id":     responseID,
				"object": "response",
				"status": "completed",
			},
		})
		usage := h.resolveUsage(state, request.Raw)
		h.recordHistory(c, request.Model, true, http.StatusOK, time.Since(started).Milliseconds(), usage.PromptTokens, usage.CompletionTokens, "")
	}
}

func (h *Handler) collectResponses(c *gin.Context, resp *req.Response, request *responsesRequest, messages []store.Message, started time.Time) {
	state := kiro.NewStreamState()
	fault, cancelled := h.pumpFrames(c.Request.Context(), resp.Body, state, func(kiro.Delta) bool { return true })
	_ = resp.Body.Close()
	h.noteTruncation(state, fault)

	if cancelled {
		h.recordHistory(c, request.Model, false, http.StatusOK, time.Since(started).Milliseconds(), 0, 0, "client disconnected")
		return
	}
	if fault != nil {
		status := h.writeError(c, fault)
		h.recordHistory(c, request.Model, false, status, time.Since(started).Milliseconds(), 0, 0, fault.Error())
		return
	}

	usage := h.resolveUsage(state, request.Raw)
	completion := openai.Collect(state, request.Model, time.Now().Unix(), usage)

	responseID := store.NewResponseID()
	if request.Store {
		h.persistTurn(responseID, request, messages, state)
	}
	completion.ID = responseID
	completion.Object = "response"

	c.JSON(http.StatusOK, completion)
	h.recordHistory(c, request.Model, false, http.StatusOK, time.Since(started).Milliseconds(), usage.PromptTokens, usage.CompletionTokens, "")
}

// persistTurn appends the assistant's reply to the conversation and stores
// the result under id.
func (h *Handler) persistTurn(id string, request *responsesRequest, messages []store.Message, state *kiro.StreamState) {
	assistant := store.TextMessage("assistant", state.Text())
	if calls := state.ToolCalls(); len(calls) > 0 {
		assistant.ToolCalls = marshalToolCalls(calls)
	}
	updated := append(append([]store.Message(nil), messages...), assistant)
	h.RespStore.CreateWithID(id, updated, request.Model, request.Metadata)
}

func marshalToolCalls(calls []kiro.ToolCall) json.RawMessage {
	out := make([]map[string]any, 0, len(calls))
	for _, tc := range calls {
		out = append(out, map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": tc.Args,
			},
		})
	}
	raw, _ := json.Marshal(out)
	return raw
}
