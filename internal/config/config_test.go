package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"SYSMANAGE_DATABASE_URL", "SYSMANAGE_LOG_JSON", "SYSMANAGE_CERT_DIR",
		"SYSMANAGE_SERVER_HOST", "SYSMANAGE_HTTP_ADDR", "SYSMANAGE_AGENT_ADDR",
		"SYSMANAGE_BOLT_PATH", "SYSMANAGE_MIGRATIONS_DIR",
		"SYSMANAGE_DISPATCH_INTERVAL", "SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DatabaseURL != "postgres://localhost:5432/sysmanage" {
		t.Errorf("DatabaseURL = %q, want default", cfg.DatabaseURL)
	}
	if cfg.CertDir != "/data/certs" {
		t.Errorf("CertDir = %q, want /data/certs", cfg.CertDir)
	}
	if cfg.HTTPAddr != ":8443" {
		t.Errorf("HTTPAddr = %q, want :8443", cfg.HTTPAddr)
	}
	if cfg.AgentAddr != ":8444" {
		t.Errorf("AgentAddr = %q, want :8444", cfg.AgentAddr)
	}
	if cfg.DispatchInterval() != 250*time.Millisecond {
		t.Errorf("DispatchInterval() = %s, want 250ms", cfg.DispatchInterval())
	}
	if cfg.ShutdownTimeout() != 300*time.Second {
		t.Errorf("ShutdownTimeout() = %s, want 300s", cfg.ShutdownTimeout())
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYSMANAGE_DISPATCH_INTERVAL", "1s")
	t.Setenv("SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT", "10s")
	t.Setenv("SYSMANAGE_HTTP_ADDR", ":9443")
	t.Setenv("SYSMANAGE_LOG_JSON", "false")

	cfg := Load()
	if cfg.DispatchInterval() != time.Second {
		t.Errorf("DispatchInterval() = %s, want 1s", cfg.DispatchInterval())
	}
	if cfg.ShutdownTimeout() != 10*time.Second {
		t.Errorf("ShutdownTimeout() = %s, want 10s", cfg.ShutdownTimeout())
	}
	if cfg.HTTPAddr != ":9443" {
		t.Errorf("HTTPAddr = %q, want :9443", cfg.HTTPAddr)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }, true},
		{"empty cert dir", func(c *Config) { c.CertDir = "" }, true},
		{"zero dispatch interval", func(c *Config) { c.SetDispatchInterval(0) }, true},
		{"negative shutdown timeout", func(c *Config) { c.SetShutdownTimeout(-1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			cfg.DatabaseURL = "postgres://localhost/test"
			cfg.CertDir = "/tmp/certs"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "SM_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("SM_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "SM_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "SM_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "SM_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
