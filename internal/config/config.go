// Package config handles loading and validation of the gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// S4GATEWAY_ prefix:
//
//	server.address → S4GATEWAY_SERVER_ADDRESS
//	rate_limit.failure_policy → S4GATEWAY_RATE_LIMIT_FAILURE_POLICY
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via S4GATEWAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/s4gateway/config.yaml"

// ---------------------------------------------------------------------------
// Enum types: typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate limiter behavior when the cache store is
// unreachable. The default is failopen: admitting traffic is preferred over
// rejecting it when the counters cannot be read.
type FailurePolicy string

const (
	FailurePolicyFailOpen   FailurePolicy = "failopen"
	FailurePolicyFailClosed FailurePolicy = "failclosed"
	FailurePolicyInMemory   FailurePolicy = "inmemory"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyFailOpen, FailurePolicyFailClosed, FailurePolicyInMemory:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin      AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Upstream   UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Catalog    CatalogConfig   `yaml:"catalog"    envPrefix:"CATALOG_"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis      RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	LogSink    LogSinkConfig   `yaml:"log_sink"   envPrefix:"LOG_SINK_"`
	Logging    LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing    TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
	Production bool            `yaml:"production" env:"PRODUCTION"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig tunes the HTTP client used for calls to OData systems.
type UpstreamConfig struct {
	Timeout             string `yaml:"timeout"               env:"TIMEOUT"`
	MaxIdleConns        int    `yaml:"max_idle_conns"        env:"MAX_IDLE_CONNS"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST"`
	IdleConnTimeout     string `yaml:"idle_conn_timeout"     env:"IDLE_CONN_TIMEOUT"`
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
	TLSInsecureVerify   bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// CatalogConfig locates the tenant catalog file and its decryption key.
type CatalogConfig struct {
	File string `yaml:"file" env:"FILE"`

	// EncryptionKey decrypts credential fields stored with the "enc:" prefix.
	// Hex-encoded, 32 bytes (AES-256-GCM).
	EncryptionKey RedactedString `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// RateLimitConfig holds rate limiting settings. Per-key limits live on the
// API keys themselves; this section controls shared behavior.
type RateLimitConfig struct {
	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LogSinkConfig holds the external request-log sink settings. When disabled
// (no URL), request records are dropped after local logging.
type LogSinkConfig struct {
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			Timeout:             "30s",
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     "90s",
			DialTimeout:         "5s",
			TLSHandshakeTimeout: "10s",
		},
		Catalog: CatalogConfig{
			File: "/etc/s4gateway/catalog.yaml",
		},
		RateLimit: RateLimitConfig{
			FailurePolicy: FailurePolicyFailOpen,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "s4gateway",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("S4GATEWAY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/s4gateway/config.yaml and
// can be overridden via S4GATEWAY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "S4GATEWAY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "failOpen"
// or env values like "FAILOPEN" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if !cfg.RateLimit.FailurePolicy.Valid() {
		return fmt.Errorf("rate_limit.failure_policy: invalid value %q", cfg.RateLimit.FailurePolicy)
	}
	if !cfg.Redis.Mode.Valid() {
		return fmt.Errorf("redis.mode: invalid value %q", cfg.Redis.Mode)
	}
	if len(cfg.Redis.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if cfg.Redis.Mode == RedisModeSentinel && cfg.Redis.MasterName == "" {
		return fmt.Errorf("redis.master_name: required in sentinel mode")
	}
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level: invalid value %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format: invalid value %q", cfg.Logging.Format)
	}
	if !cfg.Server.TLS.MinVersion.Valid() {
		return fmt.Errorf("server.tls.min_version: invalid value %q", cfg.Server.TLS.MinVersion)
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls: cert_file and key_file are required when enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled")
	}
	if cfg.Catalog.File == "" {
		return fmt.Errorf("catalog.file: required")
	}
	if k := cfg.Catalog.EncryptionKey.Value(); k != "" && len(k) != 64 {
		return fmt.Errorf("catalog.encryption_key: must be 64 hex characters (32 bytes)")
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := map[string]string{
		"server.read_timeout":            cfg.Server.ReadTimeout,
		"server.write_timeout":           cfg.Server.WriteTimeout,
		"server.idle_timeout":            cfg.Server.IdleTimeout,
		"server.drain_timeout":           cfg.Server.DrainTimeout,
		"admin.read_timeout":             cfg.Admin.ReadTimeout,
		"admin.write_timeout":            cfg.Admin.WriteTimeout,
		"admin.idle_timeout":             cfg.Admin.IdleTimeout,
		"upstream.timeout":               cfg.Upstream.Timeout,
		"upstream.idle_conn_timeout":     cfg.Upstream.IdleConnTimeout,
		"upstream.dial_timeout":          cfg.Upstream.DialTimeout,
		"upstream.tls_handshake_timeout": cfg.Upstream.TLSHandshakeTimeout,
		"redis.dial_timeout":             cfg.Redis.DialTimeout,
		"redis.read_timeout":             cfg.Redis.ReadTimeout,
		"redis.write_timeout":            cfg.Redis.WriteTimeout,
		"log_sink.flush_interval":        cfg.LogSink.FlushInterval,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
	}
	return nil
}

// ParseDuration parses a duration string, returning def when the string is
// empty or invalid.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	return d, nil
}
