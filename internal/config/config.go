// Package config provides configuration management for the auth gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

// Config is the top-level configuration for the auth gateway.
type Config struct {
	// Server contains HTTP server configuration for the OAuth2 surface.
	Server ServerConfig `yaml:"server"`

	// Log contains logging configuration.
	Log observability.LogConfig `yaml:"log"`

	// Redis contains the key-value store configuration.
	Redis RedisConfig `yaml:"redis"`

	// Tokens contains token lifecycle configuration.
	Tokens TokenConfig `yaml:"tokens"`

	// OAuth2 contains authorization-server configuration.
	OAuth2 OAuth2Config `yaml:"oauth2"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout Duration `yaml:"readTimeout,omitempty"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`

	// ShutdownTimeout is the graceful shutdown deadline.
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL.
	// Format: redis://[user:password@]host:port[/db]
	URL string `yaml:"url"`

	// PoolSize is the maximum number of connections in the pool.
	PoolSize int `yaml:"poolSize,omitempty"`

	// ConnectTimeout is the timeout for establishing connections.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty"`

	// ReadTimeout is the timeout for read operations.
	ReadTimeout Duration `yaml:"readTimeout,omitempty"`

	// WriteTimeout is the timeout for write operations.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty"`

	// KeyPrefix is a prefix added to all keys.
	KeyPrefix string `yaml:"keyPrefix,omitempty"`

	// TLSInsecureSkipVerify disables certificate verification when TLS is used.
	TLSInsecureSkipVerify bool `yaml:"tlsInsecureSkipVerify,omitempty"`
}

// TokenConfig contains token lifecycle configuration.
type TokenConfig struct {
	// AccessTTL is the access token lifetime.
	AccessTTL Duration `yaml:"accessTTL,omitempty"`

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL Duration `yaml:"refreshTTL,omitempty"`

	// EncryptionKey is the base64-encoded 32-byte AES-256 key used to encrypt
	// token secrets at rest. Empty disables encryption.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`
}

// OAuth2Config contains authorization-server configuration.
type OAuth2Config struct {
	// CodeTTL is the authorization code lifetime.
	CodeTTL Duration `yaml:"codeTTL,omitempty"`

	// TokenEndpointRPS is the sustained request rate allowed on the token endpoint.
	TokenEndpointRPS float64 `yaml:"tokenEndpointRPS,omitempty"`

	// TokenEndpointBurst is the burst size allowed on the token endpoint.
	TokenEndpointBurst int `yaml:"tokenEndpointBurst,omitempty"`
}

// Default values applied by SetDefaults.
const (
	DefaultServerAddr         = ":8080"
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultKeyPrefix          = "avauthgw:"
	DefaultAccessTTL          = time.Hour
	DefaultRefreshTTL         = 24 * time.Hour
	DefaultCodeTTL            = 5 * time.Minute
	DefaultTokenEndpointRPS   = 50
	DefaultTokenEndpointBurst = 100
)

// SetDefaults fills in default values for unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Log.Level == "" {
		c.Log = observability.DefaultLogConfig()
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if c.Tokens.AccessTTL == 0 {
		c.Tokens.AccessTTL = Duration(DefaultAccessTTL)
	}
	if c.Tokens.RefreshTTL == 0 {
		c.Tokens.RefreshTTL = Duration(DefaultRefreshTTL)
	}
	if c.OAuth2.CodeTTL == 0 {
		c.OAuth2.CodeTTL = Duration(DefaultCodeTTL)
	}
	if c.OAuth2.TokenEndpointRPS == 0 {
		c.OAuth2.TokenEndpointRPS = DefaultTokenEndpointRPS
	}
	if c.OAuth2.TokenEndpointBurst == 0 {
		c.OAuth2.TokenEndpointBurst = DefaultTokenEndpointBurst
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Tokens.AccessTTL < 0 {
		return fmt.Errorf("tokens.accessTTL must not be negative")
	}
	if c.Tokens.RefreshTTL < 0 {
		return fmt.Errorf("tokens.refreshTTL must not be negative")
	}
	if c.OAuth2.CodeTTL < 0 {
		return fmt.Errorf("oauth2.codeTTL must not be negative")
	}
	if c.OAuth2.TokenEndpointRPS < 0 {
		return fmt.Errorf("oauth2.tokenEndpointRPS must not be negative")
	}
	return nil
}

// Load reads, parses, defaults, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
