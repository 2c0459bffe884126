package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all sysmanage server configuration from environment variables.
// The runtime-tunable fields (dispatch interval, batch size, ack timeout,
// ack retry cadence, shutdown timeout) are protected by an RWMutex and are
// accessed via getter/setter methods. The dispatch loop and the reboot engine
// use their own built-in values and do not read them; cmd/sysmanaged reads
// ShutdownTimeout as the HTTP servers' graceful-shutdown deadline.
type Config struct {
	// Persistence
	DatabaseURL string

	// Logging
	LogJSON bool

	// Certificate authority
	CertDir      string
	ServerHost   string
	ClientCertCN string

	// License validation
	LicenseKey          string
	LicensePublicKeyPEM string

	// HTTP / WebSocket
	HTTPAddr        string
	AgentAddr       string
	WSIdleTimeout   time.Duration
	HandlerDeadline time.Duration

	// Local persistence paths
	BoltPath      string
	MigrationsDir string

	// Initial operator bootstrap — seeded only if no users exist yet.
	InitialAdminUsername string
	InitialAdminPassword string

	// mu protects the mutable runtime fields below.
	mu                   sync.RWMutex
	dispatchInterval     time.Duration
	dispatchBatchSize    int
	ackTimeout           time.Duration
	ackRetryEveryNTicks  int
	shutdownTimeout      time.Duration
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		dispatchInterval:    250 * time.Millisecond,
		dispatchBatchSize:   50,
		ackTimeout:          30 * time.Second,
		ackRetryEveryNTicks: 40,
		shutdownTimeout:     300 * time.Second,
		WSIdleTimeout:       90 * time.Second,
		HandlerDeadline:     30 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DatabaseURL:         envStr("SYSMANAGE_DATABASE_URL", "postgres://localhost:5432/sysmanage"),
		LogJSON:             envBool("SYSMANAGE_LOG_JSON", true),
		CertDir:             envStr("SYSMANAGE_CERT_DIR", "/data/certs"),
		ServerHost:          envStr("SYSMANAGE_SERVER_HOST", "localhost"),
		ClientCertCN:        envStr("SYSMANAGE_CLIENT_CERT_CN", ""),
		LicenseKey:          envStr("SYSMANAGE_LICENSE_KEY", ""),
		LicensePublicKeyPEM: envStr("SYSMANAGE_LICENSE_PUBLIC_KEY", ""),
		HTTPAddr:            envStr("SYSMANAGE_HTTP_ADDR", ":8443"),
		AgentAddr:           envStr("SYSMANAGE_AGENT_ADDR", ":8444"),
		BoltPath:             envStr("SYSMANAGE_BOLT_PATH", "/data/sysmanage-auth.db"),
		MigrationsDir:        envStr("SYSMANAGE_MIGRATIONS_DIR", "migrations"),
		InitialAdminUsername: envStr("SYSMANAGE_INITIAL_ADMIN_USERNAME", "admin"),
		InitialAdminPassword: envStr("SYSMANAGE_INITIAL_ADMIN_PASSWORD", ""),
		WSIdleTimeout:        envDuration("SYSMANAGE_WS_IDLE_TIMEOUT", 90*time.Second),
		HandlerDeadline:      envDuration("SYSMANAGE_HANDLER_DEADLINE", 30*time.Second),
		dispatchInterval:     envDuration("SYSMANAGE_DISPATCH_INTERVAL", 250*time.Millisecond),
		dispatchBatchSize:    envInt("SYSMANAGE_DISPATCH_BATCH_SIZE", 50),
		ackTimeout:           envDuration("SYSMANAGE_ACK_TIMEOUT", 30*time.Second),
		ackRetryEveryNTicks:  envInt("SYSMANAGE_ACK_RETRY_EVERY_N_TICKS", 40),
		shutdownTimeout:      envDuration("SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT", 300*time.Second),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	di := c.dispatchInterval
	st := c.shutdownTimeout
	c.mu.RUnlock()

	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("SYSMANAGE_DATABASE_URL must be set"))
	}
	if di <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_DISPATCH_INTERVAL must be > 0, got %s", di))
	}
	if st <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT must be > 0, got %s", st))
	}
	if c.CertDir == "" {
		errs = append(errs, fmt.Errorf("SYSMANAGE_CERT_DIR must be set"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, secrets redacted.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	di := c.dispatchInterval
	bs := c.dispatchBatchSize
	at := c.ackTimeout
	st := c.shutdownTimeout
	c.mu.RUnlock()

	return map[string]string{
		"SYSMANAGE_DATABASE_URL":             redactDSN(c.DatabaseURL),
		"SYSMANAGE_LOG_JSON":                 fmt.Sprintf("%t", c.LogJSON),
		"SYSMANAGE_CERT_DIR":                 c.CertDir,
		"SYSMANAGE_SERVER_HOST":              c.ServerHost,
		"SYSMANAGE_HTTP_ADDR":                c.HTTPAddr,
		"SYSMANAGE_AGENT_ADDR":               c.AgentAddr,
		"SYSMANAGE_BOLT_PATH":                c.BoltPath,
		"SYSMANAGE_MIGRATIONS_DIR":           c.MigrationsDir,
		"SYSMANAGE_INITIAL_ADMIN_USERNAME":   c.InitialAdminUsername,
		"SYSMANAGE_WS_IDLE_TIMEOUT":          c.WSIdleTimeout.String(),
		"SYSMANAGE_DISPATCH_INTERVAL":        di.String(),
		"SYSMANAGE_DISPATCH_BATCH_SIZE":      fmt.Sprintf("%d", bs),
		"SYSMANAGE_ACK_TIMEOUT":              at.String(),
		"SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT":  st.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// DispatchInterval returns the current dispatch tick interval (thread-safe).
func (c *Config) DispatchInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dispatchInterval
}

// SetDispatchInterval updates the dispatch tick interval at runtime (thread-safe).
func (c *Config) SetDispatchInterval(d time.Duration) {
	c.mu.Lock()
	c.dispatchInterval = d
	c.mu.Unlock()
}

// DispatchBatchSize returns the configured per-host batch size (SYSMANAGE_DISPATCH_BATCH_SIZE).
func (c *Config) DispatchBatchSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dispatchBatchSize
}

// AckTimeout returns the configured acknowledgement timeout (SYSMANAGE_ACK_TIMEOUT).
func (c *Config) AckTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ackTimeout
}

// AckRetryEveryNTicks returns the configured retry sweep cadence in ticks (SYSMANAGE_ACK_RETRY_EVERY_N_TICKS).
func (c *Config) AckRetryEveryNTicks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ackRetryEveryNTicks
}

// ShutdownTimeout returns SYSMANAGE_REBOOT_SHUTDOWN_TIMEOUT. cmd/sysmanaged
// uses it as the HTTP servers' graceful-shutdown deadline; reboot
// orchestrations take their drain timeout from reboot.Engine.Start's argument.
func (c *Config) ShutdownTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdownTimeout
}

// SetShutdownTimeout updates the value ShutdownTimeout returns (thread-safe).
func (c *Config) SetShutdownTimeout(d time.Duration) {
	c.mu.Lock()
	c.shutdownTimeout = d
	c.mu.Unlock()
}

// redactDSN hides credentials embedded in a postgres connection string.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "(set)"
}
