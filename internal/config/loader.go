package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// configName is the base name of the configuration file.
const configName = "govnext-ratelimit"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for govnext-ratelimit.yaml/.yml in standard
// locations. The search requires an explicit YAML extension so the binary itself,
// which has the same base name, is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig returns ConfigFileNotFoundError, handled by callers.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GOVNEXT_RATELIMIT_STORE_BACKEND
	viper.SetEnvPrefix("GOVNEXT_RATELIMIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ., $HOME/.govnext and /etc/govnext.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".govnext"),
		"/etc/govnext",
	})
}

// findConfigFileInPaths searches the given directories for govnext-ratelimit.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar keys for environment variable support.
// Example: GOVNEXT_RATELIMIT_STORE_REDIS_ADDR overrides store.redis.addr
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_timeout")
	_ = viper.BindEnv("server.upstream")

	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.max_entries")
	_ = viper.BindEnv("store.ttl")
	_ = viper.BindEnv("store.op_timeout")
	_ = viper.BindEnv("store.cleanup_interval")
	_ = viper.BindEnv("store.redis.addr")
	_ = viper.BindEnv("store.redis.password")
	_ = viper.BindEnv("store.redis.db")
	_ = viper.BindEnv("store.redis.key_prefix")
	_ = viper.BindEnv("store.sqlite.path")
	_ = viper.BindEnv("store.sqlite.retention")
	_ = viper.BindEnv("store.sqlite.max_rows_per_read")
	_ = viper.BindEnv("store.sqlite.prune_interval")

	_ = viper.BindEnv("limiter.mode")
	_ = viper.BindEnv("limiter.evaluate_timeout")
	// Note: classes, endpoints and classifier rules are maps/arrays;
	// use the config file for these.

	_ = viper.BindEnv("telemetry.trace_stdout")
	_ = viper.BindEnv("telemetry.service_name")

	_ = viper.BindEnv("decision_log.dir")
	_ = viper.BindEnv("decision_log.retention_days")
	_ = viper.BindEnv("decision_log.max_file_size_mb")
	_ = viper.BindEnv("decision_log.cache_size")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// WatchConfig reloads the file on every change and hands the validated
// result to onChange. Invalid files are reported to onError and otherwise
// ignored, so the running configuration stays in effect.
func WatchConfig(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("failed to unmarshal config: %w", err))
			return
		}
		cfg.SetDefaults()
		cfg.SetDevDefaults()
		if err := cfg.Validate(); err != nil {
			onError(fmt.Errorf("config validation failed: %w", err))
			return
		}
		onChange(&cfg)
	})
	viper.WatchConfig()
}
