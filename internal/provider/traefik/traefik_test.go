package traefik

import (
	"strings"
	"testing"

	"github.com/wudi/polygate/internal/config"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "traefik",
		Global:   config.GlobalSettings{Port: 80},
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
		"routers:",
		"user_service_route_0:",
		"PathPrefix(`/api/users`)",
		"Method(`GET`, `POST`)",
		"url: http://backend.internal:9000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_TrafficSplitWeighted(t *testing.T) {
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
		"user_service_split_0:",
		"weighted:",
		"name: user_service_stable",
		"name: user_service_canary",
		"weight: 90",
		"weight: 10",
		"url: http://stable.internal:9000",
		"url: http://canary.internal:9000",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_SplitHeaderOverrideRouter(t *testing.T) {
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

	if !strings.Contains(out, "Header(`X-Beta`, `true`)") {
		t.Fatalf("artifact missing header override rule:\n%s", out)
	}
}

func TestGenerate_AdvancedRoutingFallbackRouter(t *testing.T) {
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

	if !strings.Contains(out, "url: http://legacy.internal:9000") {
		t.Fatalf("fallback child service missing:\n%s", out)
	}
	// The base router catches unmatched traffic; it must point at the
	// declared fallback target, not the service default.
	idx := strings.Index(out, "user_service_route_0:")
	if idx < 0 {
		t.Fatalf("base router missing:\n%s", out)
	}
	block := out[idx:]
	if end := strings.Index(block, "user_service_route_0_adv"); end > 0 {
		block = block[:end]
	}
	if !strings.Contains(block, "service: user_service_legacy") {
		t.Fatalf("base router does not target the fallback service:\n%s", out)
	}
}

func TestGenerate_Middlewares(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].RateLimit = &config.RateLimitConfig{RequestsPerSecond: 100, Burst: 50}
	cfg.Services[0].Routes[0].Retry = &config.RetryConfig{Attempts: 3}
	out := generate(t, cfg)

	for _, want := range []string{
		"rateLimit:",
		"average: 100",
		"burst: 50",
		"retry:",
		"attempts: 3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("artifact missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_HeadersDoNotMutateConfig(t *testing.T) {
	cfg := baseConfig()
	hd := &config.HeaderConfig{
		RequestAdd:    map[string]string{"X-From": "gateway"},
		RequestRemove: []string{"X-Internal"},
	}
	cfg.Services[0].Routes[0].Headers = hd

	generate(t, cfg)

	if len(hd.RequestAdd) != 1 {
		t.Fatalf("generation mutated the neutral model: %+v", hd.RequestAdd)
	}
	if _, ok := hd.RequestAdd["X-Internal"]; ok {
		t.Fatal("removal key leaked into the neutral model")
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
	route := back.Services[0].Routes[0]
	if route.PathPrefix != "/api/users" {
		t.Fatalf("unexpected path prefix: %s", route.PathPrefix)
	}
	if len(route.Methods) != 2 || route.Methods[0] != "GET" {
		t.Fatalf("unexpected methods: %v", route.Methods)
	}
}

func TestParse_SkipsDerivedChildServices(t *testing.T) {
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
		if strings.Contains(svc.Name, "_stable") || strings.Contains(svc.Name, "_split_") {
			t.Fatalf("derived service leaked into neutral model: %s", svc.Name)
		}
	}
}
