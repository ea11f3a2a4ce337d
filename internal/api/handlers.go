// Package api implements the gateway's HTTP surface: the OpenAI-compatible
// endpoints, the admin endpoints, and the SSE plumbing between them and the
// upstream translation layer.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/config"
	"github.com/jwadow/kiro-gateway/internal/executor"
	"github.com/jwadow/kiro-gateway/internal/models"
	"github.com/jwadow/kiro-gateway/internal/store"
	"github.com/jwadow/kiro-gateway/internal/translator/kiro"
	"github.com/jwadow/kiro-gateway/internal/truncation"
)

// ErrorResponse is the error envelope every endpoint returns on failure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message plus classification. Code is a string
// for gateway-classified errors and the numeric upstream status for provider
// failures.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// Handler bundles the collaborators every endpoint needs. Constructed once at
// startup; all dependencies are injected, none are ambient.
type Handler struct {
	Cfg        *config.Config
	AuthMgr    *auth.Manager
	Exec       *executor.Executor
	Resolver   *models.Resolver
	RespStore  *store.ResponseStore
	History    *store.RequestHistory
	APIKeys    *store.APIKeyManager
	Truncation *truncation.Registry
}

// NewHandler wires the HTTP surface to its collaborators.
func NewHandler(cfg *config.Config, authMgr *auth.Manager, exec *executor.Executor, resolver *models.Resolver,
	responses *store.ResponseStore, history *store.RequestHistory, apiKeys *store.APIKeyManager,
	reg *truncation.Registry) *Handler {
	return &Handler{
		Cfg:        cfg,
		AuthMgr:    authMgr,
		Exec:       exec,
		Resolver:   resolver,
		RespStore:  responses,
		History:    history,
		APIKeys:    apiKeys,
		Truncation: reg,
	}
}

// AuthMiddleware verifies the bearer token against the gateway key set.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !h.APIKeys.Verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{
				Message: "Invalid or missing API Key",
				Type:    "authentication_error",
				Code:    "invalid_api_key",
			}})
			return
		}
		c.Next()
	}
}

// writeError classifies err and writes the JSON error envelope.
func (h *Handler) writeError(c *gin.Context, err error) int {
	status, detail := classifyError(err)
	c.JSON(status, ErrorResponse{Error: detail})
	return status
}

// classifyError maps a failure to its HTTP status and envelope detail.
// Upstream failures mirror the provider status and carry it as the code.
func classifyError(err error) (int, ErrorDetail) {
	var badReq *kiro.BadRequestError
	if errors.As(err, &badReq) {
		return http.StatusBadRequest, ErrorDetail{
			Message: badReq.Reason,
			Type:    "invalid_request_error",
		}
	}
	var upstream *executor.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Code, ErrorDetail{
			Message: upstream.Message,
			Type:    "kiro_api_error",
			Code:    upstream.Code,
		}
	}
	var notFound *notFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, ErrorDetail{
			Message: notFound.Message,
			Type:    "invalid_request_error",
			Code:    "not_found",
		}
	}
	return http.StatusInternalServerError, ErrorDetail{
		Message: err.Error(),
		Type:    "server_error",
		Code:    "internal_server_error",
	}
}

// notFoundError marks a lookup miss the client can correct.
type notFoundError struct {
	Message string
}

func (e *notFoundError) Error() string { return e.Message }

// Models handles GET /v1/models.
func (h *Handler) Models(c *gin.Context) {
	catalog := h.Resolver.List()
	list := make([]gin.H, 0, len(catalog))
	for _, m := range catalog {
		list = append(list, gin.H{
			"id":       m.ID,
			"object":   "model",
			"owned_by": m.Provider,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": list})
}

// recordHistory appends one request outcome to the history ring.
func (h *Handler) recordHistory(c *gin.Context, model string, stream bool, status int, latencyMS int64, inputTokens, outputTokens int, errText string) {
	if len(errText) > 200 {
		errText = errText[:200]
	}
	h.History.Record(store.HistoryRecord{
		Endpoint:     c.FullPath(),
		Method:       c.Request.Method,
		Model:        model,
		Stream:       stream,
		StatusCode:   status,
		LatencyMS:    latencyMS,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Error:        errText,
	})
	if errText != "" {
		log.Warnf("HTTP %d - %s %s - %s", status, c.Request.Method, c.FullPath(), errText)
	} else {
		log.Infof("HTTP %d - %s %s - completed", status, c.Request.Method, c.FullPath())
	}
}
