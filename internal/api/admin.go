package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
)

// Version is stamped at build time.
var Version = "dev"

// usagePortalURL is the Kiro web portal operation that reports account
// credit usage. It speaks Smith RPC v2 with CBOR bodies, not JSON.
const usagePortalURL = "https://app.kiro.dev/service/KiroWebPortalService/operation/GetUserUsageAndLimits"

var processStart = time.Now()

// AdminStatus handles GET /api/admin/status.
func (h *Handler) AdminStatus(c *gin.Context) {
	tokenValid, expiresAt := h.AuthMgr.TokenValid()
	var expiry any
	if !expiresAt.IsZero() {
		expiry = expiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, gin.H{
		"version":          Version,
		"uptime_seconds":   int(time.Since(processStart).Seconds()),
		"region":           h.Cfg.Region,
		"auth_type":        string(h.AuthMgr.AuthType()),
		"token_valid":      tokenValid,
		"token_expires_at": expiry,
		"models_loaded":    len(h.Resolver.List()),
		"proxy_enabled":    h.Cfg.ProxyURL != "",
		"proxy_url":        orNil(h.Cfg.ProxyURL),
	})
}

// AdminCredentials handles GET /api/admin/credentials.
func (h *Handler) AdminCredentials(c *gin.Context) {
	tokenValid, expiresAt := h.AuthMgr.TokenValid()
	var expiry any
	var expiresIn any
	if !expiresAt.IsZero() {
		expiry = expiresAt.UTC().Format(time.RFC3339)
		expiresIn = max(0, int(time.Until(expiresAt).Seconds()))
	}
	c.JSON(http.StatusOK, gin.H{
		"auth_type":                string(h.AuthMgr.AuthType()),
		"region":                   h.Cfg.Region,
		"token_valid":              tokenValid,
		"token_expires_at":         expiry,
		"token_expires_in_seconds": expiresIn,
		"profile_arn":              orNil(h.AuthMgr.ProfileArn()),
		"api_host":                 h.Cfg.APIHost(),
		"q_host":                   h.Cfg.QHost(),
	})
}

// AdminRefreshCredentials handles POST /api/admin/credentials/refresh.
func (h *Handler) AdminRefreshCredentials(c *gin.Context) {
	if _, err := h.AuthMgr.ForceRefresh(c.Request.Context()); err != nil {
		log.Errorf("token refresh failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Token refresh failed: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token refreshed successfully"})
}

// AdminImportCredentials handles POST /api/admin/credentials/import.
func (h *Handler) AdminImportCredentials(c *gin.Context) {
	var body struct {
		Credentials string `json:"credentials"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Credentials == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "credentials JSON string is required"})
		return
	}
	if err := h.AuthMgr.ImportCredentials([]byte(body.Credentials)); err != nil {
		log.Errorf("credentials import failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	tokenValid, _ := h.AuthMgr.TokenValid()
	log.Infof("credentials imported (auth_type=%s)", h.AuthMgr.AuthType())
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"auth_type":   string(h.AuthMgr.AuthType()),
		"region":      h.Cfg.Region,
		"token_valid": tokenValid,
	})
}

// AdminModels handles GET /api/admin/models.
func (h *Handler) AdminModels(c *gin.Context) {
	catalog := h.Resolver.List()
	details := make([]gin.H, 0, len(catalog))
	for _, m := range catalog {
		details = append(details, gin.H{
			"id":           m.ID,
			"display_name": m.DisplayName,
			"provider":     m.Provider,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": details, "total": len(details)})
}

// AdminConfig handles GET /api/admin/config. Secrets never appear here.
func (h *Handler) AdminConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server_host":   h.Cfg.Host,
		"server_port":   h.Cfg.Port,
		"region":        h.Cfg.Region,
		"proxy_enabled": h.Cfg.ProxyURL != "",
		"proxy_url":     orNil(h.Cfg.ProxyURL),
		"version":       Version,
	})
}

// AdminConnectivityTest handles POST /api/admin/connectivity/test with a
// real listing call against the account.
func (h *Handler) AdminConnectivityTest(c *gin.Context) {
	started := time.Now()
	err := h.Resolver.Load(c.Request.Context())
	latency := time.Since(started).Milliseconds()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "latency_ms": latency, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"latency_ms":   latency,
		"auth_type":    string(h.AuthMgr.AuthType()),
		"region":       h.Cfg.Region,
		"api_host":     h.Cfg.APIHost(),
		"models_count": len(h.Resolver.List()),
	})
}

// AdminUsage handles GET /api/admin/usage by querying the Kiro web portal.
// Failures degrade to zeroed usage so the admin UI stays functional.
func (h *Handler) AdminUsage(c *gin.Context) {
	empty := gin.H{"limit": 0, "used": 0, "remaining": 0}

	token, err := h.AuthMgr.GetAccessToken(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, empty)
		return
	}

	payload, err := cbor.Marshal(map[string]any{
		"isEmailRequired": true,
		"origin":          "KIRO_IDE",
	})
	if err != nil {
		c.JSON(http.StatusOK, empty)
		return
	}

	client := req.C().SetTimeout(10 * time.Second)
	if h.Cfg.ProxyURL != "" {
		client.SetProxyURL(h.Cfg.ProxyURL)
	}
	resp, err := client.R().
		SetContext(c.Request.Context()).
		SetHeaders(map[string]string{
			"accept":                "application/cbor",
			"content-type":          "application/cbor",
			"smithy-protocol":       "rpc-v2-cbor",
			"amz-sdk-invocation-id": uuid.NewString(),
			"amz-sdk-request":       "attempt=1; max=1",
			"x-amz-user-agent":      "aws-sdk-js/1.0.0 kiro-account-manager/1.0.0",
			"authorization":         "Bearer " + token,
			"cookie":                fmt.Sprintf("Idp=BuilderId; AccessToken=%s", token),
		}).
		SetBodyBytes(payload).
		Post(usagePortalURL)
	if err != nil {
		log.Errorf("usage query failed: %v", err)
		c.JSON(http.StatusOK, empty)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Warnf("usage query returned status %d", resp.StatusCode)
		c.JSON(http.StatusOK, empty)
		return
	}

	limit, used, ok := decodeUsage(body)
	if !ok {
		c.JSON(http.StatusOK, empty)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit": limit, "used": used, "remaining": limit - used})
}

// decodeUsage extracts the CREDIT usage line, folding in an active free
// trial allowance.
func decodeUsage(body []byte) (limit, used float64, ok bool) {
	var data struct {
		Type               string `cbor:"__type"`
		UsageBreakdownList []struct {
			ResourceType  string  `cbor:"resourceType"`
			UsageLimit    float64 `cbor:"usageLimit"`
			CurrentUsage  float64 `cbor:"currentUsage"`
			FreeTrialInfo *struct {
				FreeTrialStatus string  `cbor:"freeTrialStatus"`
				UsageLimit      float64 `cbor:"usageLimit"`
				CurrentUsage    float64 `cbor:"currentUsage"`
			} `cbor:"freeTrialInfo"`
		} `cbor:"usageBreakdownList"`
	}
	if err := cbor.Unmarshal(body, &data); err != nil {
		log.Warnf("usage response decode failed: %v", err)
		return 0, 0, false
	}
	if data.Type != "" {
		log.Warnf("usage query returned error type %s", data.Type)
		return 0, 0, false
	}
	for _, item := range data.UsageBreakdownList {
		if item.ResourceType != "CREDIT" {
			continue
		}
		limit, used = item.UsageLimit, item.CurrentUsage
		if trial := item.FreeTrialInfo; trial != nil && trial.FreeTrialStatus == "ACTIVE" {
			limit += trial.UsageLimit
			used += trial.CurrentUsage
		}
		return limit, used, true
	}
	return 0, 0, false
}

// AdminListAPIKeys handles GET /api/admin/apikeys.
func (h *Handler) AdminListAPIKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": h.APIKeys.List()})
}

// AdminCreateAPIKey handles POST /api/admin/apikeys. The full key appears
// only in this response.
func (h *Handler) AdminCreateAPIKey(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	c.JSON(http.StatusCreated, h.APIKeys.Create(body.Name))
}

// AdminUpdateAPIKey handles PUT /api/admin/apikeys/:id.
func (h *Handler) AdminUpdateAPIKey(c *gin.Context) {
	var body struct {
		Name    *string `json:"name"`
		Enabled *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	updated, ok := h.APIKeys.Update(c.Param("id"), body.Name, body.Enabled)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// AdminDeleteAPIKey handles DELETE /api/admin/apikeys/:id.
func (h *Handler) AdminDeleteAPIKey(c *gin.Context) {
	if !h.APIKeys.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// AdminHistory handles GET /api/admin/history.
func (h *Handler) AdminHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	records, total := h.History.List(limit, offset)
	c.JSON(http.StatusOK, gin.H{"records": records, "total": total})
}

// AdminClearHistory handles DELETE /api/admin/history.
func (h *Handler) AdminClearHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.History.Clear()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(c.Query(name), "%d", &v); err != nil || v < 0 {
		return fallback
	}
	return v
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
