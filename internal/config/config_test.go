package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var allEnvVars = []string{
	"KIWIBUS_ID", "KIWIBUS_URL", "KIWIBUS_TRANSPORT",
	"KIWIBUS_RECONNECT", "KIWIBUS_RECONNECT_TIMEOUT",
	"KIWIBUS_AUTO_CONNECT", "KIWIBUS_AUTO_UNREGISTER",
	"KIWIBUS_REQUEST_TIMEOUT", "KIWIBUS_REPLY_TIMEOUT",
	"ACCESS_TOKEN", "TOKEN_REFRESH_URL", "KIWIBUS_APP_CONTEXT", "KIWIBUS_DEBUG",
	"DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH",
	"HTTP_PORT", "HEALTH_CHECK_TIMEOUT", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		// Setenv restores the original value after the test.
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.BusID != "kiwibus" {
		t.Errorf("config:config_test - BusID = %q, want kiwibus", cfg.BusID)
	}
	if cfg.BusURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - BusURL = %q, want nats://127.0.0.1:4222", cfg.BusURL)
	}
	if cfg.Transport != TransportNATS {
		t.Errorf("config:config_test - Transport = %q, want nats", cfg.Transport)
	}
	if !cfg.Reconnect || !cfg.AutoConnect || !cfg.AutoUnregister {
		t.Errorf("config:config_test - expected reconnect, auto-connect and auto-unregister by default")
	}
	if cfg.ReconnectTimeout != 5*time.Second {
		t.Errorf("config:config_test - ReconnectTimeout = %v, want 5s", cfg.ReconnectTimeout)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.ReplyTimeout != 30*time.Second {
		t.Errorf("config:config_test - ReplyTimeout = %v, want 30s", cfg.ReplyTimeout)
	}
	if cfg.Debug {
		t.Error("config:config_test - expected Debug=false by default")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("config:config_test - DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.RunMigrations {
		t.Error("config:config_test - expected RunMigrations=false by default")
	}
	if cfg.MigrationPath != "migrations" {
		t.Errorf("config:config_test - MigrationPath = %q, want %q", cfg.MigrationPath, "migrations")
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("config:config_test - HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.HealthCheckTimeout != 5*time.Second {
		t.Errorf("config:config_test - HealthCheckTimeout = %v, want 5s", cfg.HealthCheckTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.ValidateForServe(); err != nil {
		t.Errorf("config:config_test - defaults must validate: %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"KIWIBUS_ID":              "portal",
		"KIWIBUS_URL":             "wss://bus.example.com/kiwibus",
		"KIWIBUS_TRANSPORT":       " WS ",
		"KIWIBUS_RECONNECT":       "false",
		"KIWIBUS_AUTO_UNREGISTER": "false",
		"KIWIBUS_REQUEST_TIMEOUT": "3s",
		"KIWIBUS_REPLY_TIMEOUT":   "7s",
		"ACCESS_TOKEN":            "env-token",
		"TOKEN_REFRESH_URL":       "https://portal.example.com",
		"KIWIBUS_DEBUG":           "true",
		"DATABASE_URL":            "postgres://test@localhost/test",
		"HTTP_PORT":               "9090",
		"LOG_LEVEL":               "debug",
	}
	for k, v := range overrides {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("config:config_test - Transport = %q, want ws", cfg.Transport)
	}
	if cfg.Reconnect || cfg.AutoUnregister {
		t.Errorf("config:config_test - boolean overrides not applied")
	}
	if cfg.AccessToken != "env-token" || cfg.TokenRefreshURL != "https://portal.example.com" {
		t.Errorf("config:config_test - token settings = %q, %q", cfg.AccessToken, cfg.TokenRefreshURL)
	}
	if cfg.HTTPPort != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("config:config_test - HTTPPort = %d, LogLevel = %q", cfg.HTTPPort, cfg.LogLevel)
	}
	if !cfg.UseTraceStore() {
		t.Errorf("config:config_test - expected trace store with debug and DATABASE_URL")
	}

	opts := cfg.BusOptions()
	if opts.ID != "portal" || opts.URL != "wss://bus.example.com/kiwibus" {
		t.Errorf("config:config_test - BusOptions = %+v", opts)
	}
	if opts.RequestTimeout != 3*time.Second || opts.ReplyTimeout != 7*time.Second {
		t.Errorf("config:config_test - timeouts = %v, %v", opts.RequestTimeout, opts.ReplyTimeout)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("KIWIBUS_REQUEST_TIMEOUT", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("config:config_test - expected error for invalid duration")
	}
}

func TestValidateForServe(t *testing.T) {
	base := func() *Config {
		return &Config{
			BusID: "kiwibus", BusURL: "nats://localhost:4222", Transport: TransportNATS,
			Reconnect: true, ReconnectTimeout: time.Second,
			RequestTimeout: time.Second, ReplyTimeout: time.Second,
			HTTPPort: 8080, HealthCheckTimeout: time.Second,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport = "mqtt" }, "KIWIBUS_TRANSPORT"},
		{"empty url", func(c *Config) { c.BusURL = "" }, "url"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout"},
		{"bad port", func(c *Config) { c.HTTPPort = 0 }, "HTTP_PORT"},
		{"bad health timeout", func(c *Config) { c.HealthCheckTimeout = 0 }, "HEALTH_CHECK_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.ValidateForServe()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("config:config_test - unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("config:config_test - err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateForDB(t *testing.T) {
	c := &Config{}
	if err := c.ValidateForDB(); err == nil {
		t.Error("config:config_test - expected error without DATABASE_URL")
	}
	c.DatabaseURL = "postgres://localhost/kiwibus"
	if err := c.ValidateForDB(); err != nil {
		t.Errorf("config:config_test - unexpected error: %v", err)
	}
	if c.UseTraceStore() {
		t.Error("config:config_test - trace store requires debug mode")
	}
}
