package apisix

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"net/http"
	"net/http/httptest"

	"github.com/tidwall/gjson"

	"github.com/wudi/polygate/internal/config"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "apisix",
		Global:   config.GlobalSettings{Port: 9080},
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

	if !gjson.Valid(out) {
		t.Fatalf("artifact is not valid JSON:\n%s", out)
	}
	doc := gjson.Parse(out)

	route := doc.Get("routes.0")
	if route.Get("id").String() != "user_service_route_0" {
		t.Fatalf("unexpected route id: %s", route.Get("id").String())
	}
	if route.Get("uri").String() != "/api/users/*" {
		t.Fatalf("unexpected uri: %s", route.Get("uri").String())
	}
	if route.Get("upstream_id").String() != "user_service_cluster" {
		t.Fatalf("unexpected upstream_id: %s", route.Get("upstream_id").String())
	}

	nodes := doc.Get("upstreams.0.nodes")
	if nodes.Get("backend\\.internal:9000").Int() != 1 {
		t.Fatalf("unexpected nodes: %s", nodes.Raw)
	}
}

func TestGenerate_StableIDs(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes = append(cfg.Services[0].Routes,
		config.Route{PathPrefix: "/api/admin", Methods: []string{"GET"}})

	first := generate(t, cfg)
	second := generate(t, cfg)
	if first != second {
		t.Fatal("generation is not deterministic")
	}

	doc := gjson.Parse(first)
	if doc.Get("routes.1.id").String() != "user_service_route_1" {
		t.Fatalf("expected positional route ids, got: %s", doc.Get("routes.1.id").String())
	}
}

func TestGenerate_TrafficSplitPlugin(t *testing.T) {
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
	doc := gjson.Parse(out)

	rules := doc.Get("routes.0.plugins.traffic-split.rules")
	if !rules.Exists() || len(rules.Array()) != 2 {
		t.Fatalf("expected 2 traffic-split rules (override + weighted), got: %s", rules.Raw)
	}

	// First rule is the header override at full weight.
	override := rules.Array()[0]
	vars := override.Get("match.0.vars.0")
	if vars.Array()[0].String() != "http_x_beta" || vars.Array()[2].String() != "true" {
		t.Fatalf("unexpected override vars: %s", vars.Raw)
	}

	// Last rule is the weighted spread in declaration order.
	weighted := rules.Array()[1].Get("weighted_upstreams").Array()
	if len(weighted) != 2 {
		t.Fatalf("expected 2 weighted upstreams, got %d", len(weighted))
	}
	if weighted[0].Get("weight").Int() != 90 || weighted[1].Get("weight").Int() != 10 {
		t.Fatalf("unexpected weights: %s", rules.Array()[1].Raw)
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

	count := 0
	for _, u := range gjson.Get(out, "upstreams.#.id").Array() {
		if u.String() == "user_service_beta" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one user_service_beta upstream, found %d:\n%s", count, out)
	}
}

func TestGenerate_AdvancedRoutingFallbackUpstream(t *testing.T) {
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

	// The base route carries unmatched traffic; it must point at the
	// declared fallback target, not the service default.
	base := gjson.Get(out, `routes.#(id=="user_service_route_0")`)
	if !base.Exists() {
		t.Fatalf("base route missing:\n%s", out)
	}
	if got := base.Get("upstream_id").String(); got != "user_service_legacy" {
		t.Fatalf("base route upstream_id = %q, want user_service_legacy:\n%s", got, out)
	}
	fb := gjson.Get(out, `upstreams.#(id=="user_service_legacy")`)
	if !fb.Exists() {
		t.Fatalf("fallback upstream missing:\n%s", out)
	}
}

func TestGenerate_RateLimitPlugin(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].RateLimit = &config.RateLimitConfig{RequestsPerSecond: 20, Burst: 5}
	out := generate(t, cfg)

	limit := gjson.Get(out, "routes.0.plugins.limit-req")
	if limit.Get("rate").Int() != 20 {
		t.Fatalf("unexpected limit-req config: %s", limit.Raw)
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

func TestParse_Garbage(t *testing.T) {
	if _, err := New().Parse("not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDeploy_PutsResources(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		gotKey = r.Header.Get("X-API-KEY")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Global.Apisix = &config.ApisixGlobal{AdminURL: srv.URL, AdminKey: "edd1c9f0"}

	if err := New().Deploy(context.Background(), cfg); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if gotKey != "edd1c9f0" {
		t.Fatalf("expected admin key header, got %q", gotKey)
	}

	want := []string{
		"PUT /apisix/admin/upstreams/user_service_cluster",
		"PUT /apisix/admin/routes/user_service_route_0",
	}
	for _, w := range want {
		found := false
		for _, p := range paths {
			if p == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing admin call %q in %v", w, paths)
		}
	}
}

func TestDeploy_BodyOmitsID(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]interface{}
		json.NewDecoder(r.Body).Decode(&m)
		if _, ok := m["id"]; ok {
			bodies = append(bodies, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Global.Apisix = &config.ApisixGlobal{AdminURL: srv.URL}

	if err := New().Deploy(context.Background(), cfg); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if len(bodies) > 0 {
		t.Fatalf("resource bodies still carry id: %v", bodies)
	}
}

func TestDeploy_RequiresAdminURL(t *testing.T) {
	err := New().Deploy(context.Background(), baseConfig())
	if err == nil || !strings.Contains(err.Error(), "admin_url") {
		t.Fatalf("expected admin_url error, got: %v", err)
	}
}
