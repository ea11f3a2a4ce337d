package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/config"
	"github.com/jwadow/kiro-gateway/internal/executor"
	"github.com/jwadow/kiro-gateway/internal/models"
	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/truncation"
)

const testAPIKey = "sk-test-gateway-key"

// eventFrame encodes one upstream event-stream message: prelude, headers,
// payload, trailing CRC.
func eventFrame(eventType, payload string) []byte {
	var hdr bytes.Buffer
	writeHeader := func(name, value string) {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(7)
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(value)))
		hdr.Write(vlen[:])
		hdr.WriteString(value)
	}
	writeHeader(":message-type", "event")
	writeHeader(":event-type", eventType)

	var out bytes.Buffer
	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(12+hdr.Len()+len(payload)+4))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	out.Write(prelude[:])
	out.Write(hdr.Bytes())
	out.WriteString(payload)
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

// exceptionFrame encodes an in-band upstream fault message.
func exceptionFrame(exceptionType, payload string) []byte {
	var hdr bytes.Buffer
	writeHeader := func(name, value string) {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(7)
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(value)))
		hdr.Write(vlen[:])
		hdr.WriteString(value)
	}
	writeHeader(":message-type", "exception")
	writeHeader(":exception-type", exceptionType)

	var out bytes.Buffer
	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(12+hdr.Len()+len(payload)+4))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	out.Write(prelude[:])
	out.Write(hdr.Bytes())
	out.WriteString(payload)
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

// upstreamRecorder is a fake CodeWhisperer endpoint that captures request
// bodies and plays back a canned frame script.
type upstreamRecorder struct {
	mu     sync.Mutex
	bodies [][]byte

	status int
	frames [][]byte
	raw    []byte
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(r.Body)
	u.mu.Lock()
	u.bodies = append(u.bodies, body.Bytes())
	u.mu.Unlock()

	if u.status != 0 && u.status != http.StatusOK {
		w.WriteHeader(u.status)
		_, _ = w.Write(u.raw)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
	w.WriteHeader(http.StatusOK)
	for _, frame := range u.frames {
		_, _ = w.Write(frame)
	}
}

func (u *upstreamRecorder) requestBody(t *testing.T, i int) gjson.Result {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if i >= len(u.bodies) {
		t.Fatalf("upstream saw %d request(s), wanted index %d", len(u.bodies), i)
	}
	return gjson.ParseBytes(u.bodies[i])
}

func helloFrames() [][]byte {
	return [][]byte{
		eventFrame("assistantResponseEvent", `{"content":"Hello "}`),
		eventFrame("assistantResponseEvent", `{"content":"world"}`),
	}
}

type testGateway struct {
	router   *gin.Engine
	handler  *Handler
	upstream *upstreamRecorder
}

func newTestGateway(t *testing.T, upstream *upstreamRecorder) *testGateway {
	t.Helper()
	g := newTestGatewayServing(t, upstream)
	g.upstream = upstream
	return g
}

// newTestGatewayServing builds a full gateway against an arbitrary fake
// upstream, for tests that need to script connection behavior directly.
func newTestGatewayServing(t *testing.T, upstream http.Handler) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	credsPath := filepath.Join(dir, "credentials.json")
	creds := map[string]string{
		"accessToken":  "test-access-token",
		"refreshToken": "test-refresh-token",
		"expiresAt":    time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	rawCreds, _ := json.Marshal(creds)
	if err := os.WriteFile(credsPath, rawCreds, 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	cfg := config.Default()
	cfg.CredentialsFile = credsPath
	cfg.ResponseStorePath = filepath.Join(dir, "responses.json")
	cfg.HistoryStorePath = filepath.Join(dir, "history.json")
	cfg.APIKeyStorePath = filepath.Join(dir, "apikeys.json")
	cfg.APIBaseURL = srv.URL
	cfg.QBaseURL = srv.URL
	cfg.RequestRetries = 0
	cfg.RequestTimeoutSeconds = 10

	authMgr, err := auth.NewManager(cfg)
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	h := NewHandler(
		cfg,
		authMgr,
		executor.New(cfg, authMgr),
		models.NewResolver(cfg, authMgr),
		store.NewResponseStore(cfg.ResponseStorePath, cfg.ResponseMaxAgeDays),
		store.NewRequestHistory(cfg.HistoryStorePath, 50),
		store.NewAPIKeyManager(cfg.APIKeyStorePath, testAPIKey),
		truncation.NewRegistry(),
	)
	router := gin.New()
	h.Register(router)
	return &testGateway{router: router, handler: h}
}

func (g *testGateway) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: helloFrames()})

	rec := g.post(t, "/v1/chat/completions", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := gjson.Parse(rec.Body.String())
	if body.Get("object").String() != "chat.completion" {
		t.Fatalf("object = %q", body.Get("object").String())
	}
	choice := body.Get("choices.0")
	if choice.Get("message.content").String() != "Hello world" {
		t.Fatalf("content = %q", choice.Get("message.content").String())
	}
	if choice.Get("finish_reason").String() != "stop" {
		t.Fatalf("finish_reason = %q", choice.Get("finish_reason").String())
	}
	if body.Get("usage.total_tokens").Int() <= 0 {
		t.Fatalf("usage missing: %s", body.Get("usage").Raw)
	}

	sent := g.upstream.requestBody(t, 0)
	if sent.Get("conversationState.chatTriggerType").String() != "MANUAL" {
		t.Fatalf("upstream payload = %s", sent.Raw)
	}
	if sent.Get("conversationState.currentMessage.userInputMessage.content").String() != "hi" {
		t.Fatalf("upstream content = %s", sent.Get("conversationState.currentMessage").Raw)
	}

	records, total := g.handler.History.List(10, 0)
	if total != 1 || len(records) != 1 || records[0].StatusCode != http.StatusOK || records[0].Model != "claude-sonnet-4-5" {
		t.Fatalf("history = %+v (total %d)", records, total)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: helloFrames()})

	rec := g.post(t, "/v1/chat/completions", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	blocks := parseSSEBlocks(t, rec.Body.String())
	assertCleanSSE(t, rec.Body.String())
	if len(blocks) < 3 {
		t.Fatalf("expected role, content, finish, and sentinel blocks, got %d", len(blocks))
	}
	if blocks[len(blocks)-1].data != "[DONE]" {
		t.Fatalf("last block = %+v", blocks[len(blocks)-1])
	}

	var content strings.Builder
	var finish string
	roleSent := 0
	for _, b := range blocks[:len(blocks)-1] {
		chunk := gjson.Parse(b.data)
		if chunk.Get("object").String() != "chat.completion.chunk" {
			t.Fatalf("chunk object = %q (%s)", chunk.Get("object").String(), b.data)
		}
		if chunk.Get("choices.0.delta.role").String() == "assistant" {
			roleSent++
		}
		content.WriteString(chunk.Get("choices.0.delta.content").String())
		if fr := chunk.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}
	if roleSent != 1 {
		t.Fatalf("role announced %d time(s), want 1", roleSent)
	}
	if content.String() != "Hello world" {
		t.Fatalf("streamed content = %q", content.String())
	}
	if finish != "stop" {
		t.Fatalf("finish reason = %q", finish)
	}
}

func TestChatCompletionsRequiresAPIKey(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: helloFrames()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("error.type").String() != "authentication_error" {
		t.Fatalf("error type = %q", body.Get("error.type").String())
	}
	if body.Get("error.code").String() != "invalid_api_key" {
		t.Fatalf("error code = %q", body.Get("error.code").String())
	}
}

func TestChatCompletionsRejectsBadRequest(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: helloFrames()})

	rec := g.post(t, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("error.type").String() != "invalid_request_error" {
		t.Fatalf("error type = %q", body.Get("error.type").String())
	}

	rec = g.post(t, "/v1/chat/completions", `{"model":"m","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty messages status = %d", rec.Code)
	}
}

func TestChatCompletionsMirrorsUpstreamFailure(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{
		status: http.StatusTooManyRequests,
		raw:    []byte(`{"message":"Too many requests, please wait before trying again."}`),
	})

	rec := g.post(t, "/v1/chat/completions", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("error.type").String() != "kiro_api_error" {
		t.Fatalf("error type = %q", body.Get("error.type").String())
	}
	if body.Get("error.code").Int() != http.StatusTooManyRequests {
		t.Fatalf("error code = %s, want numeric 429", body.Get("error.code").Raw)
	}
	if !strings.Contains(body.Get("error.message").String(), "Rate limited") {
		t.Fatalf("error message = %q", body.Get("error.message").String())
	}
}

func TestChatCompletionsToolCallStreaming(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: [][]byte{
		eventFrame("toolUseEvent", `{"toolUseId":"tooluse_7","name":"search","input":"{\"q\":\"go\"}"}`),
		eventFrame("toolUseEvent", `{"toolUseId":"tooluse_7","stop":true}`),
	}})

	rec := g.post(t, "/v1/chat/completions", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	blocks := parseSSEBlocks(t, rec.Body.String())
	var sawCall bool
	var finish string
	for _, b := range blocks {
		if b.data == "[DONE]" {
			continue
		}
		chunk := gjson.Parse(b.data)
		if tc := chunk.Get("choices.0.delta.tool_calls.0"); tc.Exists() && tc.Get("id").String() != "" {
			sawCall = true
			if tc.Get("id").String() != "call_7" || tc.Get("function.name").String() != "search" {
				t.Fatalf("tool call chunk = %s", tc.Raw)
			}
		}
		if fr := chunk.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}
	if !sawCall {
		t.Fatal("no tool call chunk streamed")
	}
	if finish != "tool_calls" {
		t.Fatalf("finish reason = %q", finish)
	}
}

// A client disconnect mid-stream is normal termination: no further frames,
// the connection is released, and history records a completed request.
func TestChatCompletionsStreamClientCancellation(t *testing.T) {
	firstFrame := make(chan struct{})
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(eventFrame("assistantResponseEvent", `{"content":"partial"}`))
		w.(http.Flusher).Flush()
		close(firstFrame)
		<-r.Context().Done()
	})
	g := newTestGatewayServing(t, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-firstFrame
		cancel()
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Fatalf("sentinel written after disconnect: %s", rec.Body.String())
	}
	records, total := g.handler.History.List(10, 0)
	if total != 1 || records[0].StatusCode != http.StatusOK || records[0].Error != "" {
		t.Fatalf("history = %+v (total %d)", records, total)
	}
	if !records[0].Stream {
		t.Fatal("history record should mark the request as streaming")
	}
}

// An exception frame after acceptance is a stream fault: the sentinel is still
// written so clients do not hang, and history records the failure.
func TestChatCompletionsStreamUpstreamException(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{frames: [][]byte{
		eventFrame("assistantResponseEvent", `{"content":"partial"}`),
		exceptionFrame("ThrottlingException", `{"message":"Rate exceeded"}`),
	}})

	rec := g.post(t, "/v1/chat/completions", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	blocks := parseSSEBlocks(t, rec.Body.String())
	if len(blocks) == 0 || blocks[len(blocks)-1].data != "[DONE]" {
		t.Fatalf("stream must end with the sentinel, got %+v", blocks)
	}
	for _, b := range blocks[:len(blocks)-1] {
		if fr := gjson.Parse(b.data).Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			t.Fatalf("no finish chunk expected on fault, got %s", b.data)
		}
	}

	records, total := g.handler.History.List(10, 0)
	if total != 1 || records[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("history = %+v (total %d)", records, total)
	}
	if !strings.Contains(records[0].Error, "ThrottlingException") {
		t.Fatalf("history error = %q", records[0].Error)
	}
}

func TestModelsEndpoint(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := gjson.Parse(rec.Body.String())
	if body.Get("object").String() != "list" {
		t.Fatalf("object = %q", body.Get("object").String())
	}
	ids := map[string]bool{}
	for _, m := range body.Get("data").Array() {
		ids[m.Get("id").String()] = true
	}
	if !ids["claude-sonnet-4-5"] || !ids["auto"] {
		t.Fatalf("catalog = %v", ids)
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	g := newTestGateway(t, &upstreamRecorder{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Parse(rec.Body.String()).Get("status").String() != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
