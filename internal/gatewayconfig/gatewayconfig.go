// Package gatewayconfig loads the gateway's process-level configuration
// from the environment, with an optional YAML snapshot for the parts an
// operator wants to pin to a file instead of the environment.
package gatewayconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings read once at process startup.
type Config struct {
	// AdminAPIKey authenticates the admin surface (/api/*, /admin).
	AdminAPIKey string `yaml:"admin_api_key"`
	// TenantKeys authenticate the tenant-facing proxy routes.
	TenantKeys []string `yaml:"tenant_keys"`

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// Environment is a free-form deployment label (e.g. "production"),
	// surfaced in the startup log line.
	Environment string `yaml:"environment"`

	// Timeout bounds a single upstream request end to end.
	Timeout time.Duration `yaml:"-"`
	// RequestQueueSize bounds the drain/emit channel for streaming
	// responses (DESIGN.md open question (c)).
	RequestQueueSize int `yaml:"request_queue_size"`

	// RedisURL selects the Remote KV backend when non-empty; otherwise the
	// gateway falls back to the in-process Local backend.
	RedisURL string `yaml:"-"`

	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ConfigStoreDialect selects an optional SQL snapshot store for the
	// catalog's configs/mappings ("sqlite" or "postgres"); empty disables it
	// and leaves the KV Store as the only copy.
	ConfigStoreDialect string `yaml:"config_store_dialect"`
	// ConfigStoreDSN is the DSN passed to the selected dialect's driver.
	ConfigStoreDSN string `yaml:"-"`

	// CORSAllowedOrigins restricts cross-origin access to these origins;
	// empty means any origin. The policy is applied router-wide, so it
	// covers the tenant-facing proxy routes as well as the admin console.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

const (
	defaultListenAddr       = ":8080"
	defaultTimeoutSeconds   = 60
	defaultRequestQueueSize = 256
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"

	// defaultAdminAPIKey is used whenever ADMIN_API_KEY is unset, in any
	// environment (spec.md §6).
	defaultAdminAPIKey = "adminadmin"
	// defaultTenantKeyOne/Two seed TEMP_API_KEY/TEMP_API_KEY_ONE outside of
	// production so a fresh dev deployment has working tenant credentials
	// without extra setup.
	defaultTenantKeyOne = "temp_api_key"
	defaultTenantKeyTwo = "temp_api_key_one"
)

// Load builds a Config from environment variables, applying defaults for
// anything unset. TEMP_API_KEY and TEMP_API_KEY_ONE are both accepted as
// tenant keys for compatibility with either naming an operator's secrets
// manager injects. Outside of ENVIRONMENT=production, unset tenant keys fall
// back to fixed dev defaults; in production only explicitly configured keys
// are seeded.
func Load() (*Config, error) {
	cfg := &Config{
		AdminAPIKey:        envOr("ADMIN_API_KEY", defaultAdminAPIKey),
		ListenAddr:         envOr("LISTEN_ADDR", defaultListenAddr),
		Environment:        envOr("ENVIRONMENT", "development"),
		RedisURL:           os.Getenv("REDIS_URL"),
		LogLevel:           envOr("LOG_LEVEL", defaultLogLevel),
		LogFormat:          envOr("LOG_FORMAT", defaultLogFormat),
		RequestQueueSize:   defaultRequestQueueSize,
		Timeout:            defaultTimeoutSeconds * time.Second,
		ConfigStoreDialect: strings.ToLower(strings.TrimSpace(os.Getenv("CONFIG_STORE_DIALECT"))),
		ConfigStoreDSN:     os.Getenv("CONFIG_STORE_DSN"),
	}

	isProduction := cfg.Environment == "production"
	var tenantOne, tenantTwo string
	if isProduction {
		tenantOne, tenantTwo = os.Getenv("TEMP_API_KEY"), os.Getenv("TEMP_API_KEY_ONE")
	} else {
		tenantOne = envOr("TEMP_API_KEY", defaultTenantKeyOne)
		tenantTwo = envOr("TEMP_API_KEY_ONE", defaultTenantKeyTwo)
	}
	for _, key := range []string{tenantOne, tenantTwo} {
		if key != "" {
			cfg.TenantKeys = append(cfg.TenantKeys, key)
		}
	}

	if raw := os.Getenv("TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing TIMEOUT_SECONDS: %w", err)
		}
		cfg.Timeout = time.Duration(seconds) * time.Second
	}

	if raw := os.Getenv("REQUEST_QUEUE_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing REQUEST_QUEUE_SIZE: %w", err)
		}
		cfg.RequestQueueSize = size
	}

	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	return cfg, nil
}

// LoadSnapshot merges a YAML snapshot file on top of environment-derived
// defaults, for deployments that pin admin/tenant keys and logging settings
// to a config file rather than raw environment variables.
func LoadSnapshot(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config snapshot: %w", err)
	}

	var snapshot Config
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing config snapshot: %w", err)
	}

	if snapshot.AdminAPIKey != "" {
		cfg.AdminAPIKey = snapshot.AdminAPIKey
	}
	if len(snapshot.TenantKeys) > 0 {
		cfg.TenantKeys = snapshot.TenantKeys
	}
	if snapshot.ListenAddr != "" {
		cfg.ListenAddr = snapshot.ListenAddr
	}
	if snapshot.Environment != "" {
		cfg.Environment = snapshot.Environment
	}
	if snapshot.RequestQueueSize > 0 {
		cfg.RequestQueueSize = snapshot.RequestQueueSize
	}
	if snapshot.LogLevel != "" {
		cfg.LogLevel = snapshot.LogLevel
	}
	if snapshot.LogFormat != "" {
		cfg.LogFormat = snapshot.LogFormat
	}

	return cfg, nil
}

// Validate reports whether cfg is usable: at least one of the admin key or a
// tenant key must be set, since a gateway with neither can never admit any
// request (mirrors the original service's own startup check).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdminAPIKey) == "" && len(c.TenantKeys) == 0 {
		return fmt.Errorf("no API keys configured: set ADMIN_API_KEY or TEMP_API_KEY/TEMP_API_KEY_ONE")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
