// Package auth manages Kiro (AWS CodeWhisperer) credentials: token cache,
// refresh, machine fingerprint, and the request headers the upstream expects.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/context"
	"golang.org/x/sync/singleflight"

	"github.com/jwadow/kiro-gateway/internal/config"
)

// AuthType identifies which credential flavor the gateway holds.
type AuthType string

const (
	// AuthTypeBuilderID is AWS Builder ID (SSO OIDC) credentials.
	AuthTypeBuilderID AuthType = "builder-id"
	// AuthTypeKiroDesktop is Kiro Desktop (social login) credentials.
	AuthTypeKiroDesktop AuthType = "kiro-desktop"
)

// refreshSkew renews tokens slightly before their recorded expiry.
const refreshSkew = 5 * time.Minute

type credentialFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileArn   string `json:"profileArn"`
	AuthMethod   string `json:"authMethod"`
	Region       string `json:"region"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Manager caches the upstream access token and refreshes it on demand.
// Safe for concurrent use; concurrent refreshes are deduplicated.
type Manager struct {
	cfg         *config.Config
	client      *req.Client
	fingerprint string

	mu           sync.RWMutex
	authType     AuthType
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	profileArn   string
	clientID     string
	clientSecret string

	refreshGroup singleflight.Group
}

// NewManager loads credentials from the configured file and prepares the
// refresh client.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg: cfg,
		client: req.C().
			SetTimeout(30 * time.Second).
			SetCommonRetryCount(1),
		fingerprint: loadFingerprint(),
		authType:    AuthTypeBuilderID,
	}
	if cfg.ProxyURL != "" {
		m.client.SetProxyURL(cfg.ProxyURL)
	}
	if err := m.loadCredentials(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadCredentials() error {
	data, err := os.ReadFile(m.cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("auth: read credentials %s: %w", m.cfg.CredentialsFile, err)
	}
	var creds credentialFile
	if err = json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("auth: parse credentials: %w", err)
	}
	m.applyCredentials(creds)
	log.Infof("auth: loaded %s credentials (region %s)", m.AuthType(), m.cfg.Region)
	return nil
}

func (m *Manager) applyCredentials(creds credentialFile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessToken = creds.AccessToken
	m.refreshToken = creds.RefreshToken
	m.profileArn = creds.ProfileArn
	m.clientID = creds.ClientID
	m.clientSecret = creds.ClientSecret
	m.authType = AuthTypeBuilderID
	if strings.EqualFold(creds.AuthMethod, "social") || creds.ProfileArn != "" {
		m.authType = AuthTypeKiroDesktop
	}
	m.expiresAt = time.Time{}
	if creds.ExpiresAt != "" {
		if at, errParse := time.Parse(time.RFC3339, creds.ExpiresAt); errParse == nil {
			m.expiresAt = at
		}
	}
}

// ImportCredentials hot-reloads credentials from a raw JSON document.
func (m *Manager) ImportCredentials(raw []byte) error {
	var creds credentialFile
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("auth: invalid credentials JSON: %w", err)
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return fmt.Errorf("auth: credentials JSON carries no tokens")
	}
	m.applyCredentials(creds)
	if err := os.WriteFile(m.cfg.CredentialsFile, raw, 0o600); err != nil {
		log.Warnf("auth: persist imported credentials failed: %v", err)
	}
	return nil
}

// AuthType returns the current credential flavor.
func (m *Manager) AuthType() AuthType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authType
}

// ProfileArn returns the CodeWhisperer profile ARN, set only for desktop auth.
func (m *Manager) ProfileArn() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.authType != AuthTypeKiroDesktop {
		return ""
	}
	return m.profileArn
}

// TokenValid reports whether an access token is held, and its expiry when known.
func (m *Manager) TokenValid() (bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken != "", m.expiresAt
}

// GetAccessToken returns a usable access token, refreshing when the cached
// one is missing or about to expire.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.accessToken
	expires := m.expiresAt
	m.mu.RUnlock()

	if token != "" && (expires.IsZero() || time.Until(expires) > refreshSkew) {
		return token, nil
	}
	return m.ForceRefresh(ctx)
}

// ForceRefresh exchanges the refresh token for a new access token. Concurrent
// callers share one in-flight refresh.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	result, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	refreshToken := m.refreshToken
	authType := m.authType
	clientID := m.clientID
	clientSecret := m.clientSecret
	m.mu.RUnlock()

	if refreshToken == "" {
		return "", fmt.Errorf("auth: no refresh token available")
	}

	var (
		url  string
		body map[string]string
	)
	if authType == AuthTypeKiroDesktop {
		url = fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", m.cfg.Region)
		body = map[string]string{"refreshToken": refreshToken}
	} else {
		url = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", m.cfg.Region)
		body = map[string]string{
			"clientId":     clientID,
			"clientSecret": clientSecret,
			"grantType":    "refresh_token",
			"refreshToken": refreshToken,
		}
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBodyJsonMarshal(body).
		Post(url)
	if err != nil {
		return "", fmt.Errorf("auth: token refresh request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: token refresh returned status %d", resp.StatusCode)
	}

	raw := resp.Bytes()
	access := gjson.GetBytes(raw, "accessToken").String()
	if access == "" {
		access = gjson.GetBytes(raw, "access_token").String()
	}
	if access == "" {
		return "", fmt.Errorf("auth: token refresh response carried no access token")
	}

	m.mu.Lock()
	m.accessToken = access
	if next := gjson.GetBytes(raw, "refreshToken").String(); next != "" {
		m.refreshToken = next
	}
	if expiresIn := gjson.GetBytes(raw, "expiresIn").Int(); expiresIn > 0 {
		m.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	} else if expiresIn = gjson.GetBytes(raw, "expires_in").Int(); expiresIn > 0 {
		m.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	m.mu.Unlock()

	log.Info("auth: access token refreshed")
	return access, nil
}

// Headers builds the header set CodeWhisperer expects, including the machine
// fingerprint bound identification strings.
func (m *Manager) Headers(token string) map[string]string {
	fp := m.fingerprint
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"User-Agent": fmt.Sprintf(
			"aws-sdk-js/1.0.27 ua/2.1 os/win32#10.0.19044 lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.27 m/E KiroIDE-0.7.45-%s", fp),
		"x-amz-user-agent":            fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-0.7.45-%s", fp),
		"x-amzn-codewhisperer-optout": "true",
		"x-amzn-kiro-agent-mode":      "vibe",
		"amz-sdk-invocation-id":       uuid.NewString(),
		"amz-sdk-request":             "attempt=1; max=3",
	}
}
