package nginx

import (
	"strings"
	"testing"

	"github.com/wudi/polygate/internal/config"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "nginx",
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

func TestGenerate_Basic(t *testing.T) {
	out := generate(t, baseConfig())

	for _, want := range []string{
		"listen 8080;",
		"upstream user_service_cluster {",
		"server backend.internal:9000;",
		"location /api/users {",
		"proxy_pass http://user_service_cluster",
		"if ($request_method !~ ^(GET|POST)$)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("conf missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_TrafficSplitClients(t *testing.T) {
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
		`split_clients "${remote_addr}${request_uri}" $user_service_split_0 {`,
		"90% user_service_stable;",
		"* user_service_canary;", // last band absorbs rounding remainder
		"upstream user_service_stable {",
		"upstream user_service_canary {",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("conf missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_SplitOverrideMapChain(t *testing.T) {
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
		"map $http_x_beta $user_service_route_0_ovr_0 {",
		"true user_service_canary;",
		"default $user_service_split_0;",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("conf missing %q:\n%s", want, out)
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

	if n := strings.Count(out, "upstream user_service_beta {"); n != 1 {
		t.Fatalf("expected one user_service_beta upstream block, found %d:\n%s", n, out)
	}
}

func TestGenerate_RateLimitZone(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].RateLimit = &config.RateLimitConfig{RequestsPerSecond: 30, Burst: 10}
	out := generate(t, cfg)

	for _, want := range []string{
		"limit_req_zone $binary_remote_addr",
		"rate=30r/s;",
		"burst=10 nodelay;",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("conf missing %q:\n%s", want, out)
		}
	}
}

func TestGenerate_MirrorLocations(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].Mirroring = &config.MirroringConfig{
		Enabled: true,
		Targets: []config.MirrorTarget{
			{Name: "shadow", Upstream: config.Upstream{Host: "shadow.internal", Port: 9000}},
		},
	}
	out := generate(t, cfg)

	if !strings.Contains(out, "mirror /_mirror/user_service/0/0;") {
		t.Fatalf("conf missing mirror directive:\n%s", out)
	}
	if !strings.Contains(out, "location /_mirror/user_service/0/0 {") {
		t.Fatalf("conf missing internal mirror location:\n%s", out)
	}
	if !strings.Contains(out, "internal;") {
		t.Fatalf("mirror location is not internal:\n%s", out)
	}
}

func TestGenerate_BodyTransformLua(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].BodyTransform = &config.BodyTransformConfig{
		Request: &config.BodyTransform{
			AddFields: map[string]string{"request_id": "{{uuid}}"},
		},
	}
	out := generate(t, cfg)

	if !strings.Contains(out, "access_by_lua_block") {
		t.Fatalf("conf missing access_by_lua_block:\n%s", out)
	}
	if !strings.Contains(out, "request_id") {
		t.Fatalf("conf missing transform field:\n%s", out)
	}
}

func TestGenerate_ServiceTransformationApplied(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Transformation = &config.TransformationConfig{
		Request: &config.BodyTransform{
			AddFields: map[string]string{"source": "gateway"},
		},
	}
	out := generate(t, cfg)

	// Service-scope transformation reaches routes with no transform of
	// their own.
	if !strings.Contains(out, "access_by_lua_block") {
		t.Fatalf("conf missing access_by_lua_block:\n%s", out)
	}
	if !strings.Contains(out, "source") {
		t.Fatalf("conf missing service transform field:\n%s", out)
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
	if back.Services[0].Routes[0].PathPrefix != "/api/users" {
		t.Fatalf("unexpected route prefix: %s", back.Services[0].Routes[0].PathPrefix)
	}
}
