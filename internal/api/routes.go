package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Register mounts every route on the engine. The OpenAI surface and the
// admin surface share the same bearer-key verification.
func (h *Handler) Register(r *gin.Engine) {
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   Version,
		})
	}
	r.GET("/", health)
	r.GET("/health", health)

	v1 := r.Group("/v1", h.AuthMiddleware())
	{
		v1.GET("/models", h.Models)
		v1.POST("/chat/completions", h.ChatCompletions)
		v1.POST("/responses", h.Responses)
	}

	admin := r.Group("/api/admin", h.AuthMiddleware())
	{
		admin.GET("/status", h.AdminStatus)
		admin.GET("/credentials", h.AdminCredentials)
		admin.POST("/credentials/refresh", h.AdminRefreshCredentials)
		admin.POST("/credentials/import", h.AdminImportCredentials)
		admin.GET("/models", h.AdminModels)
		admin.GET("/config", h.AdminConfig)
		admin.POST("/connectivity/test", h.AdminConnectivityTest)
		admin.GET("/usage", h.AdminUsage)

		admin.GET("/apikeys", h.AdminListAPIKeys)
		admin.POST("/apikeys", h.AdminCreateAPIKey)
		admin.PUT("/apikeys/:id", h.AdminUpdateAPIKey)
		admin.DELETE("/apikeys/:id", h.AdminDeleteAPIKey)

		admin.GET("/history", h.AdminHistory)
		admin.DELETE("/history", h.AdminClearHistory)
	}
}
