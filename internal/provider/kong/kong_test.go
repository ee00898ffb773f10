package kong

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/polygate/internal/config"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "kong",
		Global:   config.GlobalSettings{Port: 8000},
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

func TestGenerate_Basic(t *testing.T) {
	out := generate(t, baseConfig())

	for _, want := range []string{
		`_format_version: "3.0"`,
		"name: user_service",
		"host: user_service_upstream",
		"target: backend.internal:9000",
		"- /api/users",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_GlobalPluginPassthrough(t *testing.T) {
	cfg := baseConfig()
	cfg.Plugins = []config.Plugin{
		{Name: "correlation-id", Enabled: true, Config: map[string]interface{}{"header_name": "X-Req-Id"}},
		{Name: "bot-detection", Enabled: false},
	}
	out := generate(t, cfg)

	if !strings.Contains(out, "name: correlation-id") {
		t.Fatalf("global plugin not emitted:\n%s", out)
	}
	if !strings.Contains(out, "header_name: X-Req-Id") {
		t.Fatalf("plugin config not emitted:\n%s", out)
	}
	if strings.Contains(out, "bot-detection") {
		t.Fatalf("disabled plugin leaked into artifact:\n%s", out)
	}

	back, err := New().Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(back.Plugins) != 1 || back.Plugins[0].Name != "correlation-id" {
		t.Fatalf("plugin not recovered: %+v", back.Plugins)
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

	// Neutral 0-100 weights land on Kong's 0-1000 target scale.
	for _, want := range []string{
		"target: stable.internal:9000",
		"weight: 900",
		"target: canary.internal:9000",
		"weight: 100",
		"name: user_service_split_0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_SplitRuleServices(t *testing.T) {
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

	for _, want := range []string{
		"name: user_service_canary_rule0",
		"X-Beta",
		"regex_priority: 100",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_AdvancedRoutingSharedTargetUpstreamOnce(t *testing.T) {
	cfg := baseConfig()
	route := &cfg.Services[0].Routes[0]
	route.AdvancedRouting = &config.AdvancedRoutingConfig{
		Enabled: true,
		HeaderRules: []config.HeaderMatchRule{
			{Header: "X-Beta", MatchType: "exact", Value: "always", Target: "beta"},
			{Header: "X-Debug", MatchType: "exact", Value: "on", Target: "beta"},
		},
	}
	route.AdvancedRoutingTargets = []config.AdvancedRoutingTarget{
		{Name: "beta", Upstream: config.Upstream{Host: "beta.internal", Port: 9000}},
	}
	out := generate(t, cfg)

	if n := strings.Count(out, "name: user_service_beta\n"); n != 1 {
		t.Fatalf("expected one user_service_beta upstream, found %d:\n%s", n, out)
	}
	for _, want := range []string{
		"name: user_service_beta_adv0",
		"name: user_service_beta_adv1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_AdvancedRoutingFallbackService(t *testing.T) {
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

	// The catch-all route lives on the fallback target's service, so
	// unmatched traffic never reaches the default upstream.
	if !strings.Contains(out, "name: user_service_legacy_advfb") {
		t.Fatalf("fallback service missing:\n%s", out)
	}
	if !strings.Contains(out, "target: legacy.internal:9000") {
		t.Fatalf("fallback upstream missing:\n%s", out)
	}
	if strings.Contains(out, "name: user_service\n") {
		t.Fatalf("base route still attached to the default service:\n%s", out)
	}

	back, err := New().Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for _, svc := range back.Services {
		if strings.Contains(svc.Name, "_advfb") {
			t.Fatalf("derived fallback service leaked into neutral model: %s", svc.Name)
		}
	}
}

func TestGenerate_RateLimitAndAuthPlugins(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].RateLimit = &config.RateLimitConfig{RequestsPerSecond: 50}
	cfg.Services[0].Routes[0].Authentication = &config.AuthenticationConfig{
		Type:    config.AuthTypeAPIKey,
		APIKeys: []string{"secret-key"},
	}
	out := generate(t, cfg)

	for _, want := range []string{
		"name: rate-limiting",
		"second: 50",
		"name: key-auth",
		"key: secret-key",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
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

func TestParse_RoundTrip(t *testing.T) {
	out := generate(t, baseConfig())

	back, err := New().Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(back.Services) != 1 || back.Services[0].Name != "user_service" {
		t.Fatalf("unexpected services: %+v", back.Services)
	}
	eps := back.Services[0].Upstream.Endpoints()
	if len(eps) != 1 || eps[0].Host != "backend.internal" || eps[0].Port != 9000 {
		t.Fatalf("unexpected endpoints: %+v", eps)
	}
}

func TestParse_SkipsDerivedServices(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].TrafficSplit = &config.TrafficSplitConfig{
		Enabled: true,
		Targets: []config.SplitTarget{
			{Name: "stable", Weight: 90, Upstream: config.Upstream{Host: "stable.internal", Port: 9000}},
			{Name: "canary", Weight: 10, Upstream: config.Upstream{Host: "canary.internal", Port: 9000}},
		},
	}
	out := generate(t, cfg)

	back, err := New().Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for _, svc := range back.Services {
		if strings.Contains(svc.Name, "_split_") {
			t.Fatalf("derived split service leaked into neutral model: %s", svc.Name)
		}
	}
}

func TestDeploy_PostsDeclarativeConfig(t *testing.T) {
	var gotPath, gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Kong-Admin-Token")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Global.Kong = &config.KongGlobal{AdminURL: srv.URL, AdminToken: "tok"}

	if err := New().Deploy(context.Background(), cfg); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if gotPath != "/config" {
		t.Fatalf("expected POST /config, got %s", gotPath)
	}
	if gotToken != "tok" {
		t.Fatalf("expected admin token header, got %q", gotToken)
	}
	if !strings.Contains(gotBody, "_format_version") {
		t.Fatalf("expected declarative config body, got: %s", gotBody)
	}
}

func TestDeploy_RequiresAdminURL(t *testing.T) {
	err := New().Deploy(context.Background(), baseConfig())
	if err == nil || !strings.Contains(err.Error(), "admin_url") {
		t.Fatalf("expected admin_url error, got: %v", err)
	}
}
