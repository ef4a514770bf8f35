// Package config provides configuration types for the GovNext rate limiter.
//
// The schema is file based. Policies are declared per actor class with
// optional per-endpoint overrides; storage selects between an in-process
// store, a shared Redis store, or Redis backed by a persistent SQLite log.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendTiered = "tiered"
)

// Counter modes.
const (
	ModeSliding = "sliding"
	ModeFixed   = "fixed"
)

// Config is the top-level configuration of govnext-ratelimit.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects and configures the counting backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Limiter configures quotas and actor classification.
	Limiter LimiterConfig `yaml:"limiter" mapstructure:"limiter"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DecisionLog configures the file log of denied and degraded decisions.
	DecisionLog DecisionLogConfig `yaml:"decision_log" mapstructure:"decision_log"`

	// DevMode enables debug logging and stdout tracing.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on.
	// Default: "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of debug, info, warn, error.
	// Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Upstream, when set, is reverse proxied behind the rate limit
	// middleware for every path outside the limiter's own API.
	Upstream string `yaml:"upstream" mapstructure:"upstream" validate:"omitempty,url"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// StoreConfig configures where request history and counters live.
type StoreConfig struct {
	// Backend is memory, redis or tiered (redis fast tier, sqlite slow tier).
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis tiered"`

	// MaxEntries caps the entries retained per counting key.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// TTL is the inactivity expiry of a counting key. Must cover the day window.
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// OpTimeout bounds every single store call.
	OpTimeout string `yaml:"op_timeout" mapstructure:"op_timeout" validate:"omitempty,duration"`

	// CleanupInterval is how often the memory store sweeps expired keys.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite" mapstructure:"sqlite"`
}

// RedisConfig configures the shared Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"min=0,max=15"`

	// KeyPrefix namespaces every key written by this deployment.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// SQLiteConfig configures the persistent request log used as slow tier.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`

	// Retention is the age after which log rows are pruned.
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// MaxRowsPerRead caps the rows returned for one window read.
	MaxRowsPerRead int `yaml:"max_rows_per_read" mapstructure:"max_rows_per_read" validate:"omitempty,min=1"`

	// PruneInterval is how often serve prunes old rows.
	PruneInterval string `yaml:"prune_interval" mapstructure:"prune_interval" validate:"omitempty,duration"`
}

// LimiterConfig configures quotas, counting mode and classification.
type LimiterConfig struct {
	// Mode is sliding (exact timestamp history) or fixed (atomic buckets).
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=sliding fixed"`

	// EvaluateTimeout bounds one whole decision.
	EvaluateTimeout string `yaml:"evaluate_timeout" mapstructure:"evaluate_timeout" validate:"omitempty,duration"`

	// Classes holds the default quota of each actor class.
	Classes map[string]QuotaConfig `yaml:"classes" mapstructure:"classes" validate:"omitempty,dive"`

	// Endpoints holds partial overrides keyed by normalized route.
	Endpoints map[string]QuotaConfig `yaml:"endpoints" mapstructure:"endpoints" validate:"omitempty,dive"`

	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
}

// QuotaConfig is one quota entry. A missing period leaves the tier
// unbounded by this entry; zero burst means bursts are not bounded.
type QuotaConfig struct {
	Minute *int64 `yaml:"minute,omitempty" mapstructure:"minute" validate:"omitempty,gt=0"`
	Hour   *int64 `yaml:"hour,omitempty" mapstructure:"hour" validate:"omitempty,gt=0"`
	Day    *int64 `yaml:"day,omitempty" mapstructure:"day" validate:"omitempty,gt=0"`
	Burst  int64  `yaml:"burst,omitempty" mapstructure:"burst" validate:"min=0"`
}

// ClassifierConfig configures how callers are mapped to actor classes.
type ClassifierConfig struct {
	AdminUsers []string `yaml:"admin_users" mapstructure:"admin_users"`
	AdminRoles []string `yaml:"admin_roles" mapstructure:"admin_roles"`

	// Rules are CEL conditions evaluated in order before the role check.
	Rules []ClassRuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// ClassRuleConfig assigns Class to callers matching Condition.
type ClassRuleConfig struct {
	Class     string `yaml:"class" mapstructure:"class" validate:"required,oneof=anonymous authenticated admin"`
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// TraceStdout exports spans to stdout.
	TraceStdout bool `yaml:"trace_stdout" mapstructure:"trace_stdout"`

	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// DecisionLogConfig configures the decision log. An empty Dir disables it.
type DecisionLogConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"min=0"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"min=0"`

	// CacheSize is the number of recent records served by the API.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"min=0"`
}

// SetDevDefaults applies development defaults. Applied before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if !viper.IsSet("telemetry.trace_stdout") {
		c.Telemetry.TraceStdout = true
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.MaxEntries == 0 {
		c.Store.MaxEntries = ratelimit.DefaultMaxEntries
	}
	if c.Store.TTL == "" {
		c.Store.TTL = ratelimit.DefaultSeriesTTL.String()
	}
	if c.Store.OpTimeout == "" {
		c.Store.OpTimeout = ratelimit.DefaultStoreTimeout.String()
	}
	if c.Store.CleanupInterval == "" {
		c.Store.CleanupInterval = "5m"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "govnext"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "./ratelimit.db"
	}
	if c.Store.SQLite.Retention == "" {
		c.Store.SQLite.Retention = "168h"
	}
	if c.Store.SQLite.MaxRowsPerRead == 0 {
		c.Store.SQLite.MaxRowsPerRead = ratelimit.DefaultMaxEntries
	}
	if c.Store.SQLite.PruneInterval == "" {
		c.Store.SQLite.PruneInterval = "1h"
	}

	if c.Limiter.Mode == "" {
		c.Limiter.Mode = ModeSliding
	}
	if c.Limiter.EvaluateTimeout == "" {
		c.Limiter.EvaluateTimeout = ratelimit.DefaultEvaluateTimeout.String()
	}

	defaults := FromPolicyTable(ratelimit.DefaultPolicyTable())
	if len(c.Limiter.Classes) == 0 {
		c.Limiter.Classes = defaults.Classes
	}
	// An explicitly empty endpoints map disables the built-in overrides.
	if c.Limiter.Endpoints == nil && !viper.IsSet("limiter.endpoints") {
		c.Limiter.Endpoints = defaults.Endpoints
	}
	if c.Limiter.Classifier.AdminUsers == nil {
		c.Limiter.Classifier.AdminUsers = append([]string(nil), ratelimit.DefaultAdminUsers...)
	}
	if c.Limiter.Classifier.AdminRoles == nil {
		c.Limiter.Classifier.AdminRoles = append([]string(nil), ratelimit.DefaultAdminRoles...)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "govnext-ratelimit"
	}
}

// PolicyTable converts the limiter section into the resolver's table.
func (c LimiterConfig) PolicyTable() (ratelimit.PolicyTable, error) {
	table := ratelimit.PolicyTable{
		Classes:   make(map[ratelimit.ActorClass]ratelimit.QuotaPolicy, len(c.Classes)),
		Endpoints: make(map[string]ratelimit.QuotaPolicy, len(c.Endpoints)),
	}
	for name, q := range c.Classes {
		class, err := ratelimit.ParseActorClass(name)
		if err != nil {
			return ratelimit.PolicyTable{}, fmt.Errorf("limiter.classes: %w", err)
		}
		table.Classes[class] = q.QuotaPolicy()
	}
	for endpoint, q := range c.Endpoints {
		table.Endpoints[endpoint] = q.QuotaPolicy()
	}
	return table, nil
}

// FromPolicyTable converts a resolver table into its config form.
func FromPolicyTable(t ratelimit.PolicyTable) LimiterConfig {
	out := LimiterConfig{
		Classes:   make(map[string]QuotaConfig, len(t.Classes)),
		Endpoints: make(map[string]QuotaConfig, len(t.Endpoints)),
	}
	for class, p := range t.Classes {
		out.Classes[string(class)] = quotaFromPolicy(p)
	}
	for endpoint, p := range t.Endpoints {
		out.Endpoints[endpoint] = quotaFromPolicy(p)
	}
	return out
}

// QuotaPolicy converts q into a domain policy.
func (q QuotaConfig) QuotaPolicy() ratelimit.QuotaPolicy {
	p := ratelimit.QuotaPolicy{Limits: map[ratelimit.Period]int64{}, BurstLimit: q.Burst}
	if q.Minute != nil {
		p.Limits[ratelimit.PeriodMinute] = *q.Minute
	}
	if q.Hour != nil {
		p.Limits[ratelimit.PeriodHour] = *q.Hour
	}
	if q.Day != nil {
		p.Limits[ratelimit.PeriodDay] = *q.Day
	}
	return p
}

func quotaFromPolicy(p ratelimit.QuotaPolicy) QuotaConfig {
	q := QuotaConfig{Burst: p.BurstLimit}
	if v, ok := p.Limits[ratelimit.PeriodMinute]; ok {
		q.Minute = &v
	}
	if v, ok := p.Limits[ratelimit.PeriodHour]; ok {
		q.Hour = &v
	}
	if v, ok := p.Limits[ratelimit.PeriodDay]; ok {
		q.Day = &v
	}
	return q
}

// Duration parses s, returning def when s is empty or malformed.
// Malformed values are rejected by Validate before they reach callers.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
