// Package models maintains the catalog of models the upstream account can
// use, fetched once at startup and refreshable on demand.
package models

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/context"
	"golang.org/x/sync/singleflight"

	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/config"
)

// Info describes one model the gateway can serve.
type Info struct {
	ID          string
	DisplayName string
	Provider    string
}

// defaultCatalog keeps the gateway usable when the listing call fails.
var defaultCatalog = []Info{
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Provider: "anthropic"},
	{ID: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Provider: "anthropic"},
	{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Provider: "anthropic"},
	{ID: "auto", DisplayName: "Auto", Provider: "kiro"},
}

// Resolver caches the upstream model listing.
type Resolver struct {
	cfg     *config.Config
	authMgr *auth.Manager
	client  *req.Client

	mu     sync.RWMutex
	byID   map[string]Info
	order  []string
	loaded time.Time

	refreshGroup singleflight.Group
}

// NewResolver builds a resolver seeded with the default catalog.
func NewResolver(cfg *config.Config, authMgr *auth.Manager) *Resolver {
	r := &Resolver{
		cfg:     cfg,
		authMgr: authMgr,
		client: req.C().
			SetTimeout(15 * time.Second),
	}
	if cfg.ProxyURL != "" {
		r.client.SetProxyURL(cfg.ProxyURL)
	}
	r.install(defaultCatalog)
	return r
}

func (r *Resolver) install(models []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]Info, len(models))
	r.order = r.order[:0]
	for _, m := range models {
		if _, dup := r.byID[m.ID]; dup {
			continue
		}
		r.byID[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	r.loaded = time.Now()
}

// Load fetches the model listing from the upstream account. Failure keeps
// the current catalog so the gateway stays usable.
func (r *Resolver) Load(ctx context.Context) error {
	_, err, _ := r.refreshGroup.Do("load", func() (interface{}, error) {
		return nil, r.load(ctx)
	})
	return err
}

func (r *Resolver) load(ctx context.Context) error {
	token, err := r.authMgr.GetAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("models: acquire token: %w", err)
	}

	request := r.client.R().
		SetContext(ctx).
		SetHeaders(r.authMgr.Headers(token)).
		SetQueryParam("origin", "AI_EDITOR")
	if arn := r.authMgr.ProfileArn(); arn != "" {
		request.SetQueryParam("profileArn", arn)
	}

	resp, err := request.Get(r.cfg.QHost() + "/ListAvailableModels")
	if err != nil {
		return fmt.Errorf("models: list request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models: list returned status %d", resp.StatusCode)
	}

	var models []Info
	for _, m := range gjson.GetBytes(resp.Bytes(), "models").Array() {
		id := m.Get("modelId").String()
		if id == "" {
			continue
		}
		info := Info{
			ID:          id,
			DisplayName: m.Get("modelName").String(),
			Provider:    m.Get("provider").String(),
		}
		if info.DisplayName == "" {
			info.DisplayName = id
		}
		if info.Provider == "" {
			info.Provider = "anthropic"
		}
		models = append(models, info)
	}
	if len(models) == 0 {
		return fmt.Errorf("models: upstream listing was empty")
	}

	// The auto route is usable but never listed.
	models = append(models, Info{ID: "auto", DisplayName: "Auto", Provider: "kiro"})
	r.install(models)
	log.Infof("models: loaded %d models from upstream", len(models))
	return nil
}

// Resolve maps a client-facing model name to the upstream model identifier.
// Unknown names pass through unchanged so new upstream models work without a
// gateway release.
func (r *Resolver) Resolve(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.byID[model]; ok {
		return info.ID
	}
	return model
}

// List returns the catalog in listing order.
func (r *Resolver) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// LoadedAt reports when the catalog was last replaced.
func (r *Resolver) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}
