package azure

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/provider"
)

func baseConfig() *config.Configuration {
	return &config.Configuration{
		Version:  "1.0",
		Provider: "azure",
		Global: config.GlobalSettings{
			Port: 443,
			Azure: &config.AzureGlobal{
				ServiceName:    "user-apim",
				Location:       "eastus",
				PublisherEmail: "ops@example.com",
				PublisherName:  "ops",
			},
		},
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
	a := New()
	if err := a.Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	out, err := a.Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return out
}

func TestValidate(t *testing.T) {
	cfg := baseConfig()
	cfg.Global.Azure.ServiceName = ""
	if err := New().Validate(cfg); err == nil || !strings.Contains(err.Error(), "service_name") {
		t.Fatalf("expected service_name error, got: %v", err)
	}

	cfg = baseConfig()
	cfg.Global.Azure.Location = ""
	if err := New().Validate(cfg); err == nil || !strings.Contains(err.Error(), "location") {
		t.Fatalf("expected location error, got: %v", err)
	}

	cfg = baseConfig()
	cfg.Global.Azure = nil
	if err := New().Validate(cfg); err == nil {
		t.Fatal("expected error without azure block")
	}
}

func TestGenerate_ARMResources(t *testing.T) {
	out := generate(t, baseConfig())
	doc := gjson.Parse(out)

	if !strings.Contains(doc.Get("\\$schema").String(), "deploymentTemplate") {
		t.Fatalf("unexpected schema: %s", doc.Get("\\$schema").String())
	}

	types := map[string]bool{}
	doc.Get("resources").ForEach(func(_, r gjson.Result) bool {
		types[r.Get("type").String()] = true
		return true
	})
	for _, want := range []string{
		"Microsoft.ApiManagement/service",
		"Microsoft.ApiManagement/service/apis",
		"Microsoft.ApiManagement/service/apis/operations",
		"Microsoft.ApiManagement/service/apis/policies",
	} {
		if !types[want] {
			t.Fatalf("template missing resource type %q, got %v", want, types)
		}
	}

	if !strings.Contains(out, "http://backend.internal:9000") {
		t.Fatalf("template missing backend service url:\n%s", out)
	}
}

// policyXML pulls the decoded policy document out of the template.
func policyXML(t *testing.T, artifact string) string {
	t.Helper()
	var policy string
	gjson.Get(artifact, "resources").ForEach(func(_, r gjson.Result) bool {
		if r.Get("type").String() == "Microsoft.ApiManagement/service/apis/policies" {
			policy = r.Get("properties.value").String()
			return false
		}
		return true
	})
	if policy == "" {
		t.Fatalf("no policy resource in template:\n%s", artifact)
	}
	return policy
}

func TestGenerate_PolicyXML(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].RateLimit = &config.RateLimitConfig{RequestsPerSecond: 40}
	cfg.Services[0].Routes[0].CORS = &config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://app.example.com"},
	}
	policy := policyXML(t, generate(t, cfg))

	for _, want := range []string{
		`<rate-limit calls="40" renewal-period="1" />`,
		"<cors",
		"https://app.example.com",
		"<policies>",
	} {
		if !strings.Contains(policy, want) {
			t.Fatalf("policy missing %q:\n%s", want, policy)
		}
	}
}

func TestGenerate_SplitPolicyBuckets(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].TrafficSplit = &config.TrafficSplitConfig{
		Enabled: true,
		Targets: []config.SplitTarget{
			{Name: "stable", Weight: 90, Upstream: config.Upstream{Host: "stable.internal", Port: 9000}},
			{Name: "canary", Weight: 10, Upstream: config.Upstream{Host: "canary.internal", Port: 9000}},
		},
	}
	policy := policyXML(t, generate(t, cfg))

	for _, want := range []string{
		`@(new Random().Next(0, 100))`,
		"&lt; 90",
		"&lt; 100",
		"http://stable.internal:9000",
		"http://canary.internal:9000",
	} {
		if !strings.Contains(policy, want) {
			t.Fatalf("policy missing %q:\n%s", want, policy)
		}
	}
	if strings.Index(policy, "stable.internal") > strings.Index(policy, "canary.internal") {
		t.Fatal("expected stable bucket before canary bucket")
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

func TestParse_ProbeStillUnsupported(t *testing.T) {
	artifact := generate(t, baseConfig())

	var unsup *provider.UnsupportedFeatureError
	_, err := New().Parse(artifact)
	if !errors.As(err, &unsup) || unsup.Feature != "parse" {
		t.Fatalf("expected parse UnsupportedFeatureError, got: %v", err)
	}

	// Non-template input takes the same path without probing.
	_, err = New().Parse("not json at all")
	if !errors.As(err, &unsup) {
		t.Fatalf("expected UnsupportedFeatureError, got: %v", err)
	}
}

func TestDeploy_Unsupported(t *testing.T) {
	var unsup *provider.UnsupportedFeatureError
	err := New().Deploy(context.Background(), baseConfig())
	if !errors.As(err, &unsup) || unsup.Feature != "deploy" {
		t.Fatalf("expected deploy UnsupportedFeatureError, got: %v", err)
	}
}
