package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/govnext/web-core-sub000/internal/config"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildComponents_MemorySliding(t *testing.T) {
	defer goleak.VerifyNone(t)

	comps, err := buildComponents(context.Background(), testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	comps.StartCleanup(ctx)
	defer func() {
		cancel()
		_ = comps.Close()
	}()

	if comps.memoryHistory == nil || comps.memoryBuckets != nil {
		t.Fatal("sliding memory backend should use the history store")
	}
	if len(comps.health) != 0 {
		t.Errorf("memory backend registered health checks: %v", comps.health)
	}

	req := ratelimit.Request{Identifier: "ip:203.0.113.5", Endpoint: "/api/v2/auth/login"}
	for i := 0; i < 3; i++ {
		if d := comps.engine.Evaluate(context.Background(), req); !d.Allowed {
			t.Fatalf("request %d denied: %+v", i+1, d)
		}
	}
	d := comps.engine.Evaluate(context.Background(), req)
	if d.Allowed || d.LimitingPeriod != ratelimit.PeriodBurst {
		t.Errorf("4th login = %+v, want burst denial", d)
	}
	if comps.ActiveKeys() == 0 {
		t.Error("ActiveKeys = 0 after recorded requests")
	}
}

func TestBuildComponents_MemoryFixed(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.Limiter.Mode = config.ModeFixed

	comps, err := buildComponents(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	defer comps.Close()

	if comps.memoryBuckets == nil || comps.memoryHistory != nil {
		t.Fatal("fixed memory backend should use the bucket store")
	}
	d := comps.engine.Evaluate(context.Background(), ratelimit.Request{Identifier: "user:alice"})
	if !d.Allowed || d.Class != ratelimit.ClassAuthenticated {
		t.Errorf("decision = %+v, want allowed authenticated", d)
	}
}

func TestBuildComponents_InvalidRule(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter.Classifier.Rules = []config.ClassRuleConfig{{Class: "admin", Condition: "identifier +"}}

	if _, err := buildComponents(context.Background(), cfg, quietLogger()); err == nil {
		t.Error("expected error for an uncompilable classifier rule")
	}
}

func TestBuildClassifier(t *testing.T) {
	t.Parallel()

	cfg := config.ClassifierConfig{
		AdminRoles: []string{"Administrator"},
		Rules: []config.ClassRuleConfig{
			{Class: "admin", Condition: `identifier.startsWith("user:svc-")`},
		},
	}
	classifier, err := buildClassifier(cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildClassifier: %v", err)
	}

	tests := []struct {
		req  ratelimit.Request
		want ratelimit.ActorClass
	}{
		{ratelimit.Request{Identifier: "user:svc-batch"}, ratelimit.ClassAdmin},
		{ratelimit.Request{Identifier: "user:bob", Roles: []string{"Administrator"}}, ratelimit.ClassAdmin},
		{ratelimit.Request{Identifier: "user:bob"}, ratelimit.ClassAuthenticated},
		{ratelimit.Request{Identifier: "ip:10.0.0.1"}, ratelimit.ClassAnonymous},
	}
	for _, tt := range tests {
		if got := classifier.Classify(tt.req); got != tt.want {
			t.Errorf("Classify(%+v) = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	tracer, shutdown, err := setupTracing(config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("setupTracing: %v", err)
	}
	if tracer == nil {
		t.Fatal("tracer is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestWritePolicyTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writePolicyTable(&buf, ratelimit.DefaultPolicyTable()); err != nil {
		t.Fatalf("writePolicyTable: %v", err)
	}

	var out struct {
		Limiter struct {
			Classes   map[string]config.QuotaConfig `yaml:"classes"`
			Endpoints map[string]config.QuotaConfig `yaml:"endpoints"`
		} `yaml:"limiter"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, buf.String())
	}

	login, ok := out.Limiter.Endpoints["/api/v2/auth/login"]
	if !ok {
		t.Fatalf("login override missing:\n%s", buf.String())
	}
	if login.Minute == nil || *login.Minute != 5 || login.Day != nil || login.Burst != 3 {
		t.Errorf("login = %+v, want minute 5 burst 3 and no day", login)
	}
	if anon := out.Limiter.Classes["anonymous"]; anon.Day == nil || *anon.Day != 1000 {
		t.Errorf("anonymous = %+v, want day 1000", anon)
	}
}

func TestCheckRequest(t *testing.T) {
	defer func() { checkUser, checkIP, checkClass, checkRoles, checkEndpoint = "", "", "", nil, "" }()

	checkUser, checkEndpoint = " alice ", "/api/v2/financial/pix/"
	req, err := checkRequest()
	if err != nil {
		t.Fatalf("checkRequest: %v", err)
	}
	if req.Identifier != "user:alice" || req.Endpoint != "/api/v2/financial/pix" {
		t.Errorf("req = %+v", req)
	}

	checkUser, checkIP, checkClass = "", "203.0.113.5", "admin"
	req, err = checkRequest()
	if err != nil {
		t.Fatalf("checkRequest: %v", err)
	}
	if req.Identifier != "ip:203.0.113.5" || req.Class != ratelimit.ClassAdmin {
		t.Errorf("req = %+v", req)
	}

	checkClass = "root"
	if _, err := checkRequest(); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestOpenRequestLogAndPrune(t *testing.T) {
	cfg := testConfig()
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "ratelimit.db")

	ctx := context.Background()
	log, err := openRequestLog(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("openRequestLog: %v", err)
	}
	defer log.Close()

	key, err := ratelimit.DeriveKey("user:alice", ratelimit.PeriodDay, "")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, at := range []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-time.Minute)} {
		if err := log.Record(ctx, key, at); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := log.Prune(ctx, now.Add(-config.Duration(cfg.Store.SQLite.Retention, 0)))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if err := log.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "check", "policies", "prune", "stop", "version"}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "govnext-ratelimit "+Version) {
		t.Errorf("version output = %q", buf.String())
	}
}
