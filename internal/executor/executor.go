// Package executor performs the HTTP call against the CodeWhisperer API with
// token refresh and retry, returning an accepted response stream or a typed
// upstream error.
package executor

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/config"
	"github.com/jwadow/kiro-gateway/internal/kiroerrors"
)

// UpstreamError is a non-2xx answer from the provider. Code mirrors the
// upstream HTTP status; Message has been through the error normalizer.
type UpstreamError struct {
	Code    int
	Message string
	Reason  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// StatusCode implements the status-carrying error contract handlers rely on.
func (e *UpstreamError) StatusCode() int { return e.Code }

// Executor owns the HTTP clients used against the provider.
type Executor struct {
	cfg     *config.Config
	authMgr *auth.Manager
	shared  *req.Client
}

// New builds an executor with a shared pooled client for non-streaming calls.
func New(cfg *config.Config, authMgr *auth.Manager) *Executor {
	return &Executor{
		cfg:     cfg,
		authMgr: authMgr,
		shared:  newClient(cfg, false),
	}
}

// newClient builds a req client. Streaming clients are single-use: pooled
// connections go half-dead when a VPN interface drops, and a fresh connection
// per stream keeps those sockets from being reused. The overall timeout only
// applies to non-streaming calls; an accepted stream body stays open until
// the client cancels or the upstream closes, so the streaming client bounds
// dial, TLS handshake, and response headers but never body reads.
func newClient(cfg *config.Config, streaming bool) *req.Client {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	client := req.C().DisableAutoReadResponse()
	if cfg.ProxyURL != "" {
		client.SetProxyURL(cfg.ProxyURL)
	}
	if streaming {
		client.DisableKeepAlives().
			SetTLSHandshakeTimeout(timeout).
			SetDial((&net.Dialer{Timeout: timeout}).DialContext)
		client.GetTransport().SetResponseHeaderTimeout(timeout)
	} else {
		client.SetTimeout(timeout)
	}
	return client
}

// Send posts the conversation payload upstream and returns the accepted
// response with its body unread. The caller owns the body and must close it
// on every path. A non-2xx status is returned as *UpstreamError with the
// body already drained and the connection closed.
func (e *Executor) Send(ctx context.Context, payload []byte, streaming bool) (*req.Response, error) {
	client := e.shared
	if streaming {
		client = newClient(e.cfg, true)
	}
	url := e.cfg.APIHost() + "/generateAssistantResponse"

	var lastErr error
	refreshed := false
	attempts := e.cfg.RequestRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		token, err := e.authMgr.GetAccessToken(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.R().
			SetContext(ctx).
			SetHeaders(e.authMgr.Headers(token)).
			SetBodyBytes(payload).
			Post(url)
		if err != nil {
			lastErr = fmt.Errorf("executor: request failed: %w", err)
			log.Warnf("executor: attempt %d/%d: %v", attempt+1, attempts, err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !refreshed:
			drain(resp)
			refreshed = true
			if _, err = e.authMgr.ForceRefresh(ctx); err != nil {
				return nil, fmt.Errorf("executor: token refresh after %d: %w", resp.StatusCode, err)
			}
			// Burn no retry budget on the refresh round trip.
			attempt--
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt < attempts-1 {
				drain(resp)
				log.Warnf("executor: upstream status %d, retrying", resp.StatusCode)
				lastErr = upstreamError(resp)
				continue
			}
			return nil, upstreamError(resp)
		default:
			return nil, upstreamError(resp)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("executor: retries exhausted")
	}
	return nil, lastErr
}

// upstreamError reads the error body, normalizes it, and closes the response.
func upstreamError(resp *req.Response) *UpstreamError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	}
	drain(resp)
	info := kiroerrors.Enhance(body)
	msg := info.UserMessage
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}
	if info.OriginalMessage != "" && info.OriginalMessage != msg {
		log.Debugf("executor: upstream error %d: %s (reason: %s)", resp.StatusCode, info.OriginalMessage, info.Reason)
	}
	return &UpstreamError{Code: resp.StatusCode, Message: msg, Reason: info.Reason}
}

func drain(resp *req.Response) {
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * 500 * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
