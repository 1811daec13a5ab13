// Package config loads and validates all runtime configuration.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml in the working directory. Environment
// variables take precedence over the YAML file. A .env file, when present,
// is loaded first.
//
// Upstream provider credentials are deliberately absent: they always flow
// in on inbound requests and are never configured server-side.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the bind address for both the management API and the
	// per-proxy data-plane listeners. Default: 127.0.0.1.
	Host string

	// Port is the TCP port for the management API. Default: 9000.
	Port int

	// DatabasePath is the SQLite database location. ":memory:" is accepted
	// for throwaway runs. Default: rubberduck.db.
	DatabasePath string

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// LogFile, when set, mirrors structured logs into a rotating file in
	// addition to stdout.
	LogFile string

	// LogRetentionDays prunes request log rows older than this many days.
	// 0 disables pruning. Default: 30.
	LogRetentionDays int

	// AWSRegion is the default region used when re-signing Bedrock
	// requests. Default: us-east-1.
	AWSRegion string

	// AzureEndpoint is the Azure OpenAI resource base URL used to derive
	// upstream hosts for Azure proxies,
	// e.g. "https://myresource.openai.azure.com".
	AzureEndpoint string

	// Upstream base URL overrides. Empty means the provider's real
	// endpoint; set them to point proxies at local mock servers (see
	// mock/providers).
	OpenAIBaseURL      string
	DeepseekBaseURL    string
	AnthropicBaseURL   string
	BedrockEndpointURL string
	VertexAIBaseURL    string

	// UpstreamTimeout is the deadline applied to upstream provider calls.
	// Default: 30s.
	UpstreamTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins for the management
	// API. ["*"] (the default) allows any origin.
	CORSOrigins []string
}

// Load reads configuration from the environment and optional config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HOST", "127.0.0.1")
	v.SetDefault("PORT", 9000)
	v.SetDefault("DATABASE_PATH", "rubberduck.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_RETENTION_DAYS", 30)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Host:             v.GetString("HOST"),
		Port:             v.GetInt("PORT"),
		DatabasePath:     v.GetString("DATABASE_PATH"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFile:          v.GetString("LOG_FILE"),
		LogRetentionDays: v.GetInt("LOG_RETENTION_DAYS"),
		AWSRegion:        v.GetString("AWS_REGION"),
		AzureEndpoint:    strings.TrimRight(v.GetString("AZURE_OPENAI_ENDPOINT"), "/"),

		OpenAIBaseURL:      v.GetString("OPENAI_BASE_URL"),
		DeepseekBaseURL:    v.GetString("DEEPSEEK_BASE_URL"),
		AnthropicBaseURL:   v.GetString("ANTHROPIC_BASE_URL"),
		BedrockEndpointURL: v.GetString("BEDROCK_ENDPOINT_URL"),
		VertexAIBaseURL:    v.GetString("VERTEXAI_BASE_URL"),

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1-65535, got %d", c.Port)
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("config: DATABASE_PATH must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.LogRetentionDays < 0 {
		return fmt.Errorf("config: LOG_RETENTION_DAYS must be ≥ 0, got %d", c.LogRetentionDays)
	}

	if c.AWSRegion == "" {
		return fmt.Errorf("config: AWS_REGION must not be empty")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	overrides := map[string]string{
		"OPENAI_BASE_URL":      c.OpenAIBaseURL,
		"DEEPSEEK_BASE_URL":    c.DeepseekBaseURL,
		"ANTHROPIC_BASE_URL":   c.AnthropicBaseURL,
		"BEDROCK_ENDPOINT_URL": c.BedrockEndpointURL,
		"VERTEXAI_BASE_URL":    c.VertexAIBaseURL,
	}
	for name, raw := range overrides {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config: %s must be an absolute http(s) URL, got %q", name, raw)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
