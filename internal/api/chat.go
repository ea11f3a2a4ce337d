package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/jwadow/kiro-gateway/internal/logging"
	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/tokenizer"
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
	"github.com/jwadow/kiro-gateway/internal/translator/openai"
	"github.com/jwadow/kiro-gateway/internal/truncation"
)

// ChatCompletions handles POST /v1/chat/completions. The endpoint is
// stateless: each request carries its full conversation.
func (h *Handler) ChatCompletions(c *gin.Context) {
	started := time.Now()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, "", false, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}
	request, err := parseChatRequest(raw)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, "", false, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}
	log.Infof("chat completions request (model=%s, stream=%v)", request.Model, request.Stream)
	if logging.VerboseEnabled() {
		log.Debugf("chat completions body: %s", logging.RequestSnippet(raw))
	}

	resp, err := h.sendConversation(c.Request.Context(), request.Messages, request.Model, request.Tools, request.Stream)
	if err != nil {
		status := h.writeError(c, err)
		h.recordHistory(c, request.Model, request.Stream, status, time.Since(started).Milliseconds(), 0, 0, err.Error())
		return
	}

	if request.Stream {
		h.streamChat(c, resp, request, started)
		return
	}
	h.collectChat(c, resp, request, started)
}

// sendConversation repairs, translates, and posts one conversation upstream.
// The upstream has accepted the request when this returns without error.
func (h *Handler) sendConversation(ctx context.Context, messages []store.Message, model string, tools []byte, streaming bool) (*req.Response, error) {
	repaired, modified := truncation.Repair(h.Truncation, messages)
	if modified > 0 {
		log.Infof("repaired %d truncated message(s) before send", modified)
	}

	payload, err := kiro.BuildPayload(repaired, h.Resolver.Resolve(model), tools, h.AuthMgr.ProfileArn())
	if err != nil {
		return nil, err
	}
	return h.Exec.Send(ctx, payload, streaming)
}

// pumpFrames drains the upstream body through the translation state, handing
// each delta to emit. Returns the translation fault, if any, and whether the
// client went away first. The caller still owns the body.
func (h *Handler) pumpFrames(ctx context.Context, body io.Reader, state *kiro.StreamState, emit func(kiro.Delta) bool) (fault error, cancelled bool) {
	decoder := kiro.NewFrameDecoder(body)
	if h.Cfg.ScannerBufferSize > 0 {
		decoder.SetMaxFrameSize(h.Cfg.ScannerBufferSize)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, true
		default:
		}

		frame, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return nil, false
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, true
			}
			return err, false
		}

		deltas, err := state.ProcessFrame(frame)
		if err != nil {
			return err, false
		}
		for _, d := range deltas {
			if !emit(d) {
				return nil, true
			}
		}
	}
}

// noteTruncation records evidence that the upstream cut the response off, so
// the next request in the conversation can be repaired.
func (h *Handler) noteTruncation(state *kiro.StreamState, fault error) {
	if pending, ok := state.PendingTool(); ok {
		detail := "tool call arguments were cut off before completion"
		h.Truncation.RecordToolTruncation(pending.ID, pending.Name, detail)
		log.Warnf("tool call %s (%s) truncated mid-arguments", pending.Name, pending.ID)
		return
	}
	if fault != nil && state.Text() != "" {
		h.Truncation.RecordContentTruncation(state.Text(), fault.Error())
	}
}

func (h *Handler) streamChat(c *gin.Context, resp *req.Response, request *chatRequest, started time.Time) {
	writer := newSSEWriter(c)
	if writer == nil {
		_ = resp.Body.Close()
		status := h.writeError(c, errors.New("streaming unsupported by connection"))
		h.recordHistory(c, request.Model, true, status, time.Since(started).Milliseconds(), 0, 0, "streaming unsupported")
		return
	}

	state := kiro.NewStreamState()
	builder := openai.NewChunkBuilder(request.Model, time.Now().Unix())

	fault, cancelled := h.pumpFrames(c.Request.Context(), resp.Body, state, func(d kiro.Delta) bool {
		for _, chunk := range builder.FromDelta(d) {
			writer.Data(chunk)
		}
		return !writer.Failed()
	})

	// Guaranteed release: connection, truncation note, terminal frame,
	// history. Runs on every exit path above.
	_ = resp.Body.Close()
	h.noteTruncation(state, fault)

	switch {
	case cancelled:
		log.Debug("client disconnected during chat stream")
		h.recordHistory(c, request.Model, true, http.StatusOK, time.Since(started).Milliseconds(), 0, 0, "")
	case fault != nil:
		// The 200 is already committed; the sentinel keeps clients from
		// hanging, best effort.
		writer.Done()
		h.recordHistory(c, request.Model, true, http.StatusInternalServerError, time.Since(started).Milliseconds(), 0, 0, fault.Error())
	default:
		usage := h.resolveUsage(state, request.Raw)
		writer.Data(builder.FinishChunk(state.FinishReason(), usage))
		writer.Done()
		h.recordHistory(c, request.Model, true, http.StatusOK, time.Since(started).Milliseconds(), usage.PromptTokens, usage.CompletionTokens, "")
	}
}

func (h *Handler) collectChat(c *gin.Context, resp *req.Response, request *chatRequest, started time.Time) {
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
	c.JSON(http.StatusOK, completion)
	h.recordHistory(c, request.Model, false, http.StatusOK, time.Since(started).Milliseconds(), usage.PromptTokens, usage.CompletionTokens, "")
}

// resolveUsage prefers upstream-reported token counts and falls back to
// local estimation when the upstream reported none.
func (h *Handler) resolveUsage(state *kiro.StreamState, rawRequest []byte) *openai.Usage {
	if u := state.Usage(); u != nil {
		return &openai.Usage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		}
	}
	in := tokenizer.CountRequest(rawRequest)
	out := tokenizer.CountCompletion(state)
	return &openai.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
