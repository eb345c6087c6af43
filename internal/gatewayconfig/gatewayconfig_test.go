package gatewayconfig

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ADMIN_API_KEY", "TEMP_API_KEY", "TEMP_API_KEY_ONE", "TIMEOUT_SECONDS",
		"REDIS_URL", "ENVIRONMENT", "LOG_LEVEL", "LOG_FORMAT", "LISTEN_ADDR",
		"REQUEST_QUEUE_SIZE", "CONFIG_STORE_DIALECT", "CONFIG_STORE_DSN",
		"CORS_ALLOWED_ORIGINS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaultsAdminKeyOutsideProduction(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminAPIKey != defaultAdminAPIKey {
		t.Fatalf("expected default admin key %q, got %q", defaultAdminAPIKey, cfg.AdminAPIKey)
	}
	if len(cfg.TenantKeys) != 2 {
		t.Fatalf("expected 2 seeded dev tenant keys, got %v", cfg.TenantKeys)
	}
}

func TestLoadProductionSeedsNoDefaultTenantKeys(t *testing.T) {
	clearEnv(t)
	os.Setenv("ENVIRONMENT", "production")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminAPIKey != defaultAdminAPIKey {
		t.Fatalf("expected admin key to still default in production, got %q", cfg.AdminAPIKey)
	}
	if len(cfg.TenantKeys) != 0 {
		t.Fatalf("expected no default tenant keys in production, got %v", cfg.TenantKeys)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_API_KEY", "admin-secret")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.Timeout != defaultTimeoutSeconds*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.Timeout)
	}
	if cfg.RequestQueueSize != defaultRequestQueueSize {
		t.Fatalf("expected default queue size, got %d", cfg.RequestQueueSize)
	}
}

func TestLoadCollectsBothTenantKeyVars(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_API_KEY", "admin-secret")
	os.Setenv("TEMP_API_KEY", "tenant-a")
	os.Setenv("TEMP_API_KEY_ONE", "tenant-b")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.TenantKeys) != 2 {
		t.Fatalf("expected 2 tenant keys, got %v", cfg.TenantKeys)
	}
}

func TestLoadParsesTimeoutAndQueueSize(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_API_KEY", "admin-secret")
	os.Setenv("TIMEOUT_SECONDS", "30")
	os.Setenv("REQUEST_QUEUE_SIZE", "64")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Timeout)
	}
	if cfg.RequestQueueSize != 64 {
		t.Fatalf("expected queue size 64, got %d", cfg.RequestQueueSize)
	}
}

func TestValidateRejectsNoKeysAtAll(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error with neither admin nor tenant keys")
	}
}

func TestValidateAcceptsAdminKeyOnly(t *testing.T) {
	cfg := &Config{AdminAPIKey: "admin-secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadParsesCommaSeparatedCORSOrigins(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_API_KEY", "admin-secret")
	os.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,,")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORSAllowedOrigins) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.CORSAllowedOrigins)
	}
	for i, origin := range want {
		if cfg.CORSAllowedOrigins[i] != origin {
			t.Fatalf("expected %v, got %v", want, cfg.CORSAllowedOrigins)
		}
	}
}

func TestLoadParsesConfigStoreDialectCaseInsensitively(t *testing.T) {
	clearEnv(t)
	os.Setenv("ADMIN_API_KEY", "admin-secret")
	os.Setenv("CONFIG_STORE_DIALECT", "  SQLite  ")
	os.Setenv("CONFIG_STORE_DSN", "/tmp/uniproxy.db")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigStoreDialect != "sqlite" {
		t.Fatalf("expected normalized dialect %q, got %q", "sqlite", cfg.ConfigStoreDialect)
	}
	if cfg.ConfigStoreDSN != "/tmp/uniproxy.db" {
		t.Fatalf("expected dsn to pass through, got %q", cfg.ConfigStoreDSN)
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := &Config{AdminAPIKey: "admin-secret", TenantKeys: []string{"tenant-a"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
