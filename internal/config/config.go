// Package config provides YAML configuration loading with validation and
// environment variable substitution for the BLE bridge.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Adapter   AdapterConfig   `yaml:"adapter" json:"adapter"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Failover  FailoverConfig  `yaml:"failover" json:"failover"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	KeepAlive KeepAliveConfig `yaml:"keepalive" json:"keepalive"`
	Watchdog  WatchdogConfig  `yaml:"watchdog" json:"watchdog"`
	Shutdown  ShutdownConfig  `yaml:"shutdown" json:"shutdown"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Registry  RegistryConfig  `yaml:"registry" json:"registry"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ValidationError reports a configuration field rejected during validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func errf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ServerConfig holds the websocket session listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	OpTimeout       time.Duration `yaml:"op_timeout" json:"op_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" json:"max_message_bytes"`

	// TLS for the listener; both paths set or both empty.
	TLSCert string `yaml:"tls_cert" json:"tls_cert"`
	TLSKey  string `yaml:"tls_key" json:"tls_key"`

	// Per-session message rate limit.
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst" json:"message_burst"`

	// Per-client-IP handshake rate limit (opt-in).
	HandshakeRate RateLimitConfig `yaml:"handshake_rate" json:"handshake_rate"`

	// CIDRs whose X-Forwarded-For headers are trusted for client IP
	// extraction.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// RateLimitConfig holds a token bucket limit applied per client IP.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Format     string `yaml:"format" json:"format"`           // "json" or "text"; default: "json"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AuthConfig holds JWT authentication settings for sessions and admin.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	JWTSecret    string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer       string `yaml:"issuer" json:"issuer"`
	Audience     string `yaml:"audience" json:"audience"`
	SessionScope string `yaml:"session_scope" json:"session_scope"` // default: "bridge:session"
	AdminScope   string `yaml:"admin_scope" json:"admin_scope"`     // default: "bridge:admin"
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation

	// Deadline for each admin request. Zero selects the default.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// AdapterConfig selects the device transport backend.
type AdapterConfig struct {
	Kind        string        `yaml:"kind" json:"kind"` // "simulated" or "devicesim"; default: "simulated"
	Addr        string        `yaml:"addr" json:"addr"` // devicesim daemon address
	DialLatency time.Duration `yaml:"dial_latency" json:"dial_latency"`
}

// PoolConfig holds connection pool bounds and maintenance settings.
type PoolConfig struct {
	MinSize              int           `yaml:"min_size" json:"min_size"`
	MaxSize              int           `yaml:"max_size" json:"max_size"`
	AcquireTimeout       time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ValidationInterval   time.Duration `yaml:"validation_interval" json:"validation_interval"`
	LoadBalanceThreshold float64       `yaml:"load_balance_threshold" json:"load_balance_threshold"`
}

// Validate rejects out-of-range pool settings.
func (c PoolConfig) Validate() error {
	if c.MinSize < 0 {
		return errf("pool.min_size", "must be non-negative, got %d", c.MinSize)
	}
	if c.MaxSize < 1 {
		return errf("pool.max_size", "must be positive, got %d", c.MaxSize)
	}
	if c.MinSize > c.MaxSize {
		return errf("pool.min_size", "must not exceed pool.max_size (%d > %d)", c.MinSize, c.MaxSize)
	}
	if c.AcquireTimeout <= 0 {
		return errf("pool.acquire_timeout", "must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errf("pool.idle_timeout", "must be positive")
	}
	if c.ValidationInterval <= 0 {
		return errf("pool.validation_interval", "must be positive")
	}
	if c.LoadBalanceThreshold <= 0 || c.LoadBalanceThreshold > 1 {
		return errf("pool.load_balance_threshold", "must be between 0 (exclusive) and 1 (inclusive), got %v", c.LoadBalanceThreshold)
	}
	return nil
}

// BreakerConfig holds circuit breaker settings applied to all keys.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit" json:"half_open_limit"`
}

// Validate rejects out-of-range breaker settings.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return errf("breaker.failure_threshold", "must be positive, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return errf("breaker.reset_timeout", "must be positive")
	}
	if c.HalfOpenLimit < 1 {
		return errf("breaker.half_open_limit", "must be positive, got %d", c.HalfOpenLimit)
	}
	return nil
}

// RetryConfig holds reconnect backoff settings.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
}

// Validate rejects out-of-range retry settings.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errf("retry.max_retries", "must be non-negative, got %d", c.MaxRetries)
	}
	if c.InitialDelay <= 0 {
		return errf("retry.initial_delay", "must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return errf("retry.max_delay", "must be at least retry.initial_delay")
	}
	if c.BackoffFactor < 1 {
		return errf("retry.backoff_factor", "must be at least 1, got %v", c.BackoffFactor)
	}
	return nil
}

// FailoverConfig holds acquisition orchestration settings.
type FailoverConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" json:"max_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// Validate rejects out-of-range failover settings.
func (c FailoverConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return errf("failover.max_attempts", "must be positive, got %d", c.MaxAttempts)
	}
	if c.HealthCheckInterval <= 0 {
		return errf("failover.health_check_interval", "must be positive")
	}
	return nil
}

// HealthConfig holds connection health monitoring settings.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	MaxErrors     int           `yaml:"max_errors" json:"max_errors"`
}

// Validate rejects out-of-range health monitor settings.
func (c HealthConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return errf("health.check_interval", "must be positive")
	}
	if c.MaxErrors < 1 {
		return errf("health.max_errors", "must be positive, got %d", c.MaxErrors)
	}
	return nil
}

// KeepAliveConfig holds keep-alive ping settings.
type KeepAliveConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	MaxPingFailures int           `yaml:"max_ping_failures" json:"max_ping_failures"`
}

// Validate rejects out-of-range keep-alive settings.
func (c KeepAliveConfig) Validate() error {
	if c.Interval <= 0 {
		return errf("keepalive.interval", "must be positive")
	}
	if c.MaxPingFailures < 1 {
		return errf("keepalive.max_ping_failures", "must be positive, got %d", c.MaxPingFailures)
	}
	return nil
}

// WatchdogConfig holds inactivity timeout settings.
type WatchdogConfig struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// Validate rejects out-of-range watchdog settings.
func (c WatchdogConfig) Validate() error {
	if c.Timeout <= 0 {
		return errf("watchdog.timeout", "must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return errf("watchdog.recovery_timeout", "must be positive")
	}
	return nil
}

// ShutdownConfig holds graceful teardown settings.
type ShutdownConfig struct {
	QuiescenceTimeout time.Duration `yaml:"quiescence_timeout" json:"quiescence_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Validate rejects out-of-range shutdown settings.
func (c ShutdownConfig) Validate() error {
	if c.QuiescenceTimeout <= 0 {
		return errf("shutdown.quiescence_timeout", "must be positive")
	}
	if c.PollInterval <= 0 {
		return errf("shutdown.poll_interval", "must be positive")
	}
	if c.PollInterval > c.QuiescenceTimeout {
		return errf("shutdown.poll_interval", "must not exceed shutdown.quiescence_timeout")
	}
	return nil
}

// LimitsConfig holds admission-control resource ceilings.
type LimitsConfig struct {
	MaxConnections        int     `yaml:"max_connections" json:"max_connections"`
	MaxMemoryBytes        uint64  `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	MemoryHighWater       float64 `yaml:"memory_high_water" json:"memory_high_water"`
	MaxCPUFraction        float64 `yaml:"max_cpu_fraction" json:"max_cpu_fraction"`
	NetworkBytesPerSecond float64 `yaml:"network_bytes_per_second" json:"network_bytes_per_second"`
	NetworkBurstBytes     int     `yaml:"network_burst_bytes" json:"network_burst_bytes"`
}

// Validate rejects out-of-range limit settings.
func (c LimitsConfig) Validate() error {
	if c.MaxConnections < 1 {
		return errf("limits.max_connections", "must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMemoryBytes == 0 {
		return errf("limits.max_memory_bytes", "must be positive")
	}
	if c.MemoryHighWater <= 0 || c.MemoryHighWater > 1 {
		return errf("limits.memory_high_water", "must be between 0 (exclusive) and 1 (inclusive), got %v", c.MemoryHighWater)
	}
	if c.MaxCPUFraction <= 0 || c.MaxCPUFraction > 1 {
		return errf("limits.max_cpu_fraction", "must be between 0 (exclusive) and 1 (inclusive), got %v", c.MaxCPUFraction)
	}
	if c.NetworkBytesPerSecond <= 0 {
		return errf("limits.network_bytes_per_second", "must be positive")
	}
	if c.NetworkBurstBytes < 1 {
		return errf("limits.network_burst_bytes", "must be positive, got %d", c.NetworkBurstBytes)
	}
	return nil
}

// RegistryConfig holds the paired-device registry settings.
type RegistryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"` // sqlite file; default: "bridge.db"
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.OpTimeout == 0 {
		cfg.Server.OpTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 65536
	}
	if cfg.Server.MessagesPerSecond == 0 {
		cfg.Server.MessagesPerSecond = 50
	}
	if cfg.Server.MessageBurst == 0 {
		cfg.Server.MessageBurst = 100
	}
	if cfg.Server.HandshakeRate.RequestsPerSecond == 0 {
		cfg.Server.HandshakeRate.RequestsPerSecond = 5
	}
	if cfg.Server.HandshakeRate.BurstSize == 0 {
		cfg.Server.HandshakeRate.BurstSize = 10
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Auth.SessionScope == "" {
		cfg.Auth.SessionScope = "bridge:session"
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "bridge:admin"
	}

	if cfg.Admin.RequestTimeout == 0 {
		cfg.Admin.RequestTimeout = 10 * time.Second
	}

	if cfg.Adapter.Kind == "" {
		cfg.Adapter.Kind = "simulated"
	}

	// Pool defaults
	p := &cfg.Pool
	if p.MinSize == 0 {
		p.MinSize = 2
	}
	if p.MaxSize == 0 {
		p.MaxSize = 10
	}
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = 5 * time.Second
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = 5 * time.Minute
	}
	if p.ValidationInterval == 0 {
		p.ValidationInterval = time.Minute
	}
	if p.LoadBalanceThreshold == 0 {
		p.LoadBalanceThreshold = 0.8
	}

	// Breaker defaults
	b := &cfg.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = 30 * time.Second
	}
	if b.HalfOpenLimit == 0 {
		b.HalfOpenLimit = 3
	}

	// Retry defaults
	r := &cfg.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}

	if cfg.Failover.MaxAttempts == 0 {
		cfg.Failover.MaxAttempts = 3
	}
	if cfg.Failover.HealthCheckInterval == 0 {
		cfg.Failover.HealthCheckInterval = 30 * time.Second
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 30 * time.Second
	}
	if cfg.Health.MaxErrors == 0 {
		cfg.Health.MaxErrors = 3
	}

	if cfg.KeepAlive.Interval == 0 {
		cfg.KeepAlive.Interval = 15 * time.Second
	}
	if cfg.KeepAlive.MaxPingFailures == 0 {
		cfg.KeepAlive.MaxPingFailures = 3
	}

	if cfg.Watchdog.Timeout == 0 {
		cfg.Watchdog.Timeout = time.Minute
	}
	if cfg.Watchdog.RecoveryTimeout == 0 {
		cfg.Watchdog.RecoveryTimeout = 30 * time.Second
	}

	if cfg.Shutdown.QuiescenceTimeout == 0 {
		cfg.Shutdown.QuiescenceTimeout = 30 * time.Second
	}
	if cfg.Shutdown.PollInterval == 0 {
		cfg.Shutdown.PollInterval = 100 * time.Millisecond
	}

	// Limits defaults
	l := &cfg.Limits
	if l.MaxConnections == 0 {
		l.MaxConnections = 100
	}
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = 512 << 20 // 512 MB
	}
	if l.MemoryHighWater == 0 {
		l.MemoryHighWater = 0.9
	}
	if l.MaxCPUFraction == 0 {
		l.MaxCPUFraction = 0.9
	}
	if l.NetworkBytesPerSecond == 0 {
		l.NetworkBytesPerSecond = 10 << 20 // 10 MB/s
	}
	if l.NetworkBurstBytes == 0 {
		l.NetworkBurstBytes = 1 << 20 // 1 MB
	}

	if cfg.Registry.Enabled && cfg.Registry.Path == "" {
		cfg.Registry.Path = "bridge.db"
	}
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return errf("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxMessageBytes < 0 {
		return errf("server.max_message_bytes", "must be non-negative")
	}
	if cfg.Server.OpTimeout < 0 {
		return errf("server.op_timeout", "must be non-negative")
	}
	if cfg.Server.MessagesPerSecond <= 0 {
		return errf("server.messages_per_second", "must be positive")
	}
	if cfg.Server.MessageBurst < 1 {
		return errf("server.message_burst", "must be positive")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return errf("server.tls_cert", "tls_cert and tls_key must be set together")
	}
	if cfg.Server.HandshakeRate.Enabled {
		if cfg.Server.HandshakeRate.RequestsPerSecond <= 0 {
			return errf("server.handshake_rate.requests_per_second", "must be positive")
		}
		if cfg.Server.HandshakeRate.BurstSize < 1 {
			return errf("server.handshake_rate.burst_size", "must be positive")
		}
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return errf(fmt.Sprintf("server.trusted_proxies[%d]", i), "invalid CIDR %q: %v", cidr, err)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return errf("logging.level", "must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return errf("logging.format", "must be \"json\" or \"text\", got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return errf("logging.max_size_mb", "must be positive when output is a file path")
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return errf("auth.jwt_secret", "required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return errf("auth.issuer", "required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return errf("auth.audience", "required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return errf("admin.ip_allowlist", "required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return errf(fmt.Sprintf("admin.ip_allowlist[%d]", i), "invalid CIDR %q: %v", cidr, err)
			}
		}
	}

	switch cfg.Adapter.Kind {
	case "simulated":
	case "devicesim":
		if cfg.Adapter.Addr == "" {
			return errf("adapter.addr", "required when adapter.kind is \"devicesim\"")
		}
	default:
		return errf("adapter.kind", "must be \"simulated\" or \"devicesim\", got %q", cfg.Adapter.Kind)
	}

	if err := cfg.Pool.Validate(); err != nil {
		return err
	}
	if err := cfg.Breaker.Validate(); err != nil {
		return err
	}
	if err := cfg.Retry.Validate(); err != nil {
		return err
	}
	if err := cfg.Failover.Validate(); err != nil {
		return err
	}
	if err := cfg.Health.Validate(); err != nil {
		return err
	}
	if err := cfg.KeepAlive.Validate(); err != nil {
		return err
	}
	if err := cfg.Watchdog.Validate(); err != nil {
		return err
	}
	if err := cfg.Shutdown.Validate(); err != nil {
		return err
	}
	if err := cfg.Limits.Validate(); err != nil {
		return err
	}

	if cfg.Registry.Enabled && cfg.Registry.Path == "" {
		return errf("registry.path", "required when registry is enabled")
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Pool.MinSize == cfg.Pool.MaxSize {
		warnings = append(warnings, "pool.min_size equals pool.max_size; the pool cannot grow under load")
	}
	if cfg.Pool.MaxSize > cfg.Limits.MaxConnections {
		warnings = append(warnings, "pool.max_size exceeds limits.max_connections; admission control will cap growth first")
	}
	return warnings
}
