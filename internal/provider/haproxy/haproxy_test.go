package haproxy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/provider"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "haproxy",
		Global:   config.GlobalSettings{Port: 8080},
		Services: []config.Service{
			{
				Name: "user_service",
				Upstream: config.Upstream{
					Host: "backend.internal",
					Port: 9000,
				},
				Routes: []config.Route{
					{PathPrefix: "/api/users", Methods: []string{"GET", "POST"}},
				},
			},
		},
	}
}

func generate(t *testing.T, cfg *config.Configuration) string {
	t.Helper()
	out, err := New().Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return out
}

func TestScaleWeight(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{90, 230}, // 90*2.56 = 230.4, rounds down
		{10, 26},  // 10*2.56 = 25.6, rounds up
		{100, 256},
		{50, 128},
		{1, 3},
		{0, 1}, // floor keeps the target reachable
	}
	for _, tt := range tests {
		if got := scaleWeight(tt.in); got != tt.want {
			t.Fatalf("scaleWeight(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGenerate_Basic(t *testing.T) {
	out := generate(t, baseConfig())

	for _, want := range []string{
		"bind *:8080",
		"backend user_service_cluster",
		"server s1 backend.internal:9000",
		"path_beg /api/users",
		"use_backend user_service_cluster",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("cfg missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_TrafficSplitScalesWeights(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].TrafficSplit = &config.TrafficSplitConfig{
		Enabled: true,
		Targets: []config.SplitTarget{
			{Name: "stable", Weight: 90, Upstream: config.Upstream{Host: "stable.internal", Port: 9000}},
			{Name: "canary", Weight: 10, Upstream: config.Upstream{Host: "canary.internal", Port: 9000}},
		},
	}
	out := generate(t, cfg)

	for _, want := range []string{
		"backend user_service_split_0",
		"stable.internal:9000 weight 230",
		"canary.internal:9000 weight 26",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("cfg missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_SplitHeaderRuleOverride(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].TrafficSplit = &config.TrafficSplitConfig{
		Enabled: true,
		Targets: []config.SplitTarget{
			{Name: "stable", Weight: 90, Upstream: config.Upstream{Host: "stable.internal", Port: 9000}},
			{Name: "canary", Weight: 10, Upstream: config.Upstream{Host: "canary.internal", Port: 9000}},
		},
		RoutingRules: &config.SplitRoutingRules{
			HeaderRules: []config.SplitHeaderRule{
				{Header: "X-Beta", Value: "true", Target: "canary"},
			},
		},
	}
	out := generate(t, cfg)

	if !strings.Contains(out, "hdr(X-Beta)") {
		t.Fatalf("cfg missing header ACL:\n%s", out)
	}
	// The override use_backend must precede the weighted fallthrough.
	override := strings.Index(out, "use_backend user_service_canary")
	weighted := strings.Index(out, "use_backend user_service_split_0")
	if override < 0 || weighted < 0 || override > weighted {
		t.Fatalf("expected rule override before weighted split:\n%s", out)
	}
}

func TestGenerate_AdvancedRoutingFallbackBackend(t *testing.T) {
	cfg := baseConfig()
	route := &cfg.Services[0].Routes[0]
	route.AdvancedRouting = &config.AdvancedRoutingConfig{
		Enabled: true,
		HeaderRules: []config.HeaderMatchRule{
			{Header: "X-Beta", MatchType: "exact", Value: "always", Target: "beta"},
		},
		FallbackTarget: "legacy",
	}
	route.AdvancedRoutingTargets = []config.AdvancedRoutingTarget{
		{Name: "beta", Upstream: config.Upstream{Host: "beta.internal", Port: 9000}},
		{Name: "legacy", Upstream: config.Upstream{Host: "legacy.internal", Port: 9000}},
	}
	out := generate(t, cfg)

	if !strings.Contains(out, "backend user_service_legacy") {
		t.Fatalf("fallback backend missing:\n%s", out)
	}
	// Unmatched traffic falls to the declared fallback, not the service
	// default backend.
	ruleIdx := strings.Index(out, "use_backend user_service_beta if")
	fbIdx := strings.Index(out, "use_backend user_service_legacy if")
	if ruleIdx < 0 || fbIdx < 0 || ruleIdx > fbIdx {
		t.Fatalf("expected rule use_backend before fallback use_backend:\n%s", out)
	}
	if strings.Contains(out, "use_backend user_service_cluster if") {
		t.Fatalf("default backend still catches unmatched traffic:\n%s", out)
	}
}

func TestGenerate_BasicAuthUserlist(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].Authentication = &config.AuthenticationConfig{
		Type:       config.AuthTypeBasic,
		BasicUsers: map[string]string{"alice": "secret"},
	}
	out := generate(t, cfg)

	for _, want := range []string{"userlist", "user alice", "http_auth"} {
		if !strings.Contains(out, want) {
			t.Fatalf("cfg missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].Headers = &config.HeaderConfig{
		RequestAdd: map[string]string{"X-B": "2", "X-A": "1"},
	}
	first := generate(t, cfg)
	for i := 0; i < 5; i++ {
		if next := generate(t, cfg); next != first {
			t.Fatalf("generation is not deterministic on run %d", i)
		}
	}
}

func TestValidate_RequiresPort(t *testing.T) {
	cfg := baseConfig()
	cfg.Global.Port = 0
	err := New().Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "global.port") {
		t.Fatalf("expected port error, got: %v", err)
	}
}

func TestParseAndDeploy_Unsupported(t *testing.T) {
	var unsup *provider.UnsupportedFeatureError

	_, err := New().Parse("frontend main")
	if !errors.As(err, &unsup) || unsup.Feature != "parse" {
		t.Fatalf("expected parse UnsupportedFeatureError, got: %v", err)
	}
	err = New().Deploy(context.Background(), baseConfig())
	if !errors.As(err, &unsup) || unsup.Feature != "deploy" {
		t.Fatalf("expected deploy UnsupportedFeatureError, got: %v", err)
	}
}
