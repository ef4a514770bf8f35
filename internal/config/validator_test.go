package config

import (
	"strings"
	"testing"
)

// validConfig returns a defaulted config for testing.
func validConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	zero := int64(0)
	negative := int64(-3)
	ten := int64(10)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantSub: "must be one of",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Limiter.Mode = "leaky" },
			wantSub: "must be one of",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Store.OpTimeout = "fast" },
			wantSub: "positive duration",
		},
		{
			name:    "zero limit",
			mutate:  func(c *Config) { c.Limiter.Classes["anonymous"] = QuotaConfig{Minute: &zero} },
			wantSub: "greater than 0",
		},
		{
			name:    "negative burst",
			mutate:  func(c *Config) { c.Limiter.Classes["admin"] = QuotaConfig{Minute: &ten, Burst: -1} },
			wantSub: "at least 0",
		},
		{
			name:    "negative endpoint limit",
			mutate:  func(c *Config) { c.Limiter.Endpoints["/x"] = QuotaConfig{Hour: &negative} },
			wantSub: "greater than 0",
		},
		{
			name:    "unknown class",
			mutate:  func(c *Config) { c.Limiter.Classes["robot"] = QuotaConfig{Minute: &ten} },
			wantSub: "unknown actor class",
		},
		{
			name:    "missing anonymous",
			mutate:  func(c *Config) { delete(c.Limiter.Classes, "anonymous") },
			wantSub: "anonymous",
		},
		{
			name:    "relative endpoint",
			mutate:  func(c *Config) { c.Limiter.Endpoints["api/v2/x"] = QuotaConfig{Minute: &ten} },
			wantSub: "endpoint",
		},
		{
			name:    "ttl shorter than a day",
			mutate:  func(c *Config) { c.Store.TTL = "1h" },
			wantSub: "day window",
		},
		{
			name: "invalid rule",
			mutate: func(c *Config) {
				c.Limiter.Classifier.Rules = []ClassRuleConfig{{Class: "admin", Condition: "roles +"}}
			},
			wantSub: "rules[0]",
		},
		{
			name: "rule not yielding bool",
			mutate: func(c *Config) {
				c.Limiter.Classifier.Rules = []ClassRuleConfig{{Class: "admin", Condition: "identifier"}}
			},
			wantSub: "must yield bool",
		},
		{
			name: "rule with unknown class",
			mutate: func(c *Config) {
				c.Limiter.Classifier.Rules = []ClassRuleConfig{{Class: "root", Condition: "true"}}
			},
			wantSub: "must be one of",
		},
		{
			name:    "bad redis db",
			mutate:  func(c *Config) { c.Store.Redis.DB = 16 },
			wantSub: "at most 15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidate_ValidRules(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Limiter.Classifier.Rules = []ClassRuleConfig{
		{Class: "admin", Condition: `"auditor" in roles`},
		{Class: "authenticated", Condition: `ip_in_cidr(ip, "10.0.0.0/8")`},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
