// Package config defines the service configuration and its YAML loader.
// Configuration comes from a YAML file with a .env overlay applied by the
// entrypoint; the watcher package reloads it on change.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top level service configuration.
type Config struct {
	// Host is the bind address for the HTTP server.
	Host string `yaml:"host" json:"host"`
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`
	// ManagementKey authenticates dashboard requests to the management API.
	ManagementKey string `yaml:"management-key" json:"management-key"`
	// ProxyURL routes outbound HTTP through a proxy (socks5/http/https).
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`
	// LoggingToFile mirrors logs into rotated files under LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogDir is the directory for rotated log files.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Database holds the Postgres connection settings.
	Database DatabaseConfig `yaml:"database" json:"database"`
	// OAuth overrides the OpenAI authorization server defaults.
	OAuth OAuthConfig `yaml:"oauth" json:"oauth"`
	// Embedding configures the embedding endpoint the memory store uses.
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	// RosterCacheTTLSeconds bounds staleness of the agent/provider caches.
	RosterCacheTTLSeconds int `yaml:"roster-cache-ttl-seconds" json:"roster-cache-ttl-seconds"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
	// Schema optionally scopes all tables.
	Schema string `yaml:"schema" json:"schema"`
}

// OAuthConfig overrides the authorization server endpoints and client
// identity. A non-empty ClientSecret switches the code exchange into
// confidential-client mode; PKCE public-client mode is the default.
type OAuthConfig struct {
	ClientID      string `yaml:"client-id" json:"client-id"`
	ClientSecret  string `yaml:"client-secret" json:"client-secret"`
	AuthURL       string `yaml:"auth-url" json:"auth-url"`
	TokenURL      string `yaml:"token-url" json:"token-url"`
	DeviceAuthURL string `yaml:"device-auth-url" json:"device-auth-url"`
}

// EmbeddingConfig selects the embedding endpoint used for memory writes and
// semantic search.
type EmbeddingConfig struct {
	// Endpoint is an OpenAI-compatible embeddings URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`
	// APIKey authenticates the embeddings endpoint when set; otherwise the
	// default provider's token is used.
	APIKey string `yaml:"api-key" json:"api-key"`
	// Dimensions is the requested vector width.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// LoadConfig reads and parses a YAML configuration file, applying defaults
// and environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file
// when optional is true, returning a default configuration instead.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if optional && os.IsNotExist(unwrapPathError(err)) {
			def := &Config{}
			def.applyDefaults()
			def.applyEnvOverrides()
			return def, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.RosterCacheTTLSeconds <= 0 {
		c.RosterCacheTTLSeconds = 60
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file. The .env overlay is loaded by the entrypoint before this runs.
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("ROSTER_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ROSTER_MANAGEMENT_KEY")); v != "" {
		c.ManagementKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ROSTER_OAUTH_CLIENT_SECRET")); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ROSTER_EMBEDDING_API_KEY")); v != "" {
		c.Embedding.APIKey = v
	}
}

func unwrapPathError(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
