// Package config provides configuration management for the Kiro Gateway server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including server address, upstream region, proxy
// configuration, store file locations, and the gateway API key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file
// with environment variable overrides applied on top.
type Config struct {
	// Host is the address the gateway listens on.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the gateway listens on.
	Port int `yaml:"port" json:"port"`

	// Region is the AWS region of the Kiro (CodeWhisperer) endpoints.
	Region string `yaml:"region" json:"region"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKey is the default gateway API key seeded into the key manager when the
	// key store file does not exist yet. Usually supplied via PROXY_API_KEY.
	APIKey string `yaml:"api-key" json:"api-key"`

	// CredentialsFile is the path to the Kiro credential cache JSON.
	CredentialsFile string `yaml:"credentials-file" json:"credentials-file"`

	// ResponseStorePath is the JSON snapshot file for conversation state.
	ResponseStorePath string `yaml:"response-store-path" json:"response-store-path"`

	// HistoryStorePath is the JSON snapshot file for request history.
	HistoryStorePath string `yaml:"history-store-path" json:"history-store-path"`

	// APIKeyStorePath is the JSON snapshot file for gateway API keys.
	APIKeyStorePath string `yaml:"apikey-store-path" json:"apikey-store-path"`

	// ResponseMaxAgeDays controls conversation state expiration. Records whose
	// last access is strictly older than this many days are purged at startup.
	ResponseMaxAgeDays int `yaml:"response-max-age-days" json:"response-max-age-days"`

	// RequestTimeoutSeconds bounds non-streaming upstream calls. The accepted
	// stream body itself is unbounded and ends only on cancellation or upstream close.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// RequestRetries is how many times an upstream call may be retried before
	// the first byte is committed to the client.
	RequestRetries int `yaml:"request-retries" json:"request-retries"`

	// ScannerBufferSize is the maximum upstream event frame size in bytes.
	ScannerBufferSize int `yaml:"scanner-buffer-size" json:"scanner-buffer-size"`

	// APIBaseURL overrides the region-derived CodeWhisperer endpoint base.
	// Intended for local testing against a stub upstream.
	APIBaseURL string `yaml:"api-base-url" json:"api-base-url"`

	// QBaseURL overrides the region-derived Amazon Q endpoint base.
	QBaseURL string `yaml:"q-base-url" json:"q-base-url"`

	// RequestLog enables detailed request logging.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LogFile is the rotating log file path; empty logs to stderr only.
	LogFile string `yaml:"log-file" json:"log-file"`
}

// Default returns a Config populated with the gateway defaults.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8989,
		Region:                "us-east-1",
		CredentialsFile:       "kiro-auth-token.json",
		ResponseStorePath:     "response_states.json",
		HistoryStorePath:      "request_history.json",
		APIKeyStorePath:       "apikeys.json",
		ResponseMaxAgeDays:    7,
		RequestTimeoutSeconds: 120,
		RequestRetries:        3,
		ScannerBufferSize:     20_971_520,
	}
}

// Load reads the YAML config at path (if it exists) and applies environment
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// APIHost returns the CodeWhisperer generation endpoint base for the configured region.
func (c *Config) APIHost() string {
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/")
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", c.Region)
}

// QHost returns the Amazon Q endpoint base for the configured region.
func (c *Config) QHost() string {
	if c.QBaseURL != "" {
		return strings.TrimRight(c.QBaseURL, "/")
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com", c.Region)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PROXY_API_KEY")); v != "" {
		c.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_REGION")); v != "" {
		c.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("VPN_PROXY_URL")); v != "" {
		c.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SERVER_HOST")); v != "" {
		c.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_CREDENTIALS_FILE")); v != "" {
		c.CredentialsFile = v
	}
}
