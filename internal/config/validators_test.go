package config

import (
	"errors"
	"strings"
	"testing"
)

// baseConfig returns a minimal valid configuration that individual tests
// mutate to trigger specific violations.
func baseConfig() *Configuration {
	return &Configuration{
		Version:  "1.0",
		Provider: "envoy",
		Global:   GlobalSettings{Port: 8080},
		Services: []Service{
			{
				Name: "user_service",
				Upstream: Upstream{
					Host: "backend.internal",
					Port: 9000,
				},
				Routes: []Route{
					{PathPrefix: "/api/users", Methods: []string{"GET", "POST"}},
				},
			},
		},
	}
}

func TestValidate_MinimalConfig(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_TopLevelErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{
			name:    "missing version",
			mutate:  func(c *Configuration) { c.Version = "" },
			wantErr: "version is required",
		},
		{
			name:    "missing provider",
			mutate:  func(c *Configuration) { c.Provider = "" },
			wantErr: "provider is required",
		},
		{
			name:    "missing port",
			mutate:  func(c *Configuration) { c.Global.Port = 0 },
			wantErr: "port must be specified",
		},
		{
			name:    "no services",
			mutate:  func(c *Configuration) { c.Services = nil },
			wantErr: "at least one service is required",
		},
		{
			name: "duplicate service name",
			mutate: func(c *Configuration) {
				c.Services = append(c.Services, c.Services[0])
			},
			wantErr: "duplicate service name: user_service",
		},
		{
			name: "service without routes",
			mutate: func(c *Configuration) {
				c.Services[0].Routes = nil
			},
			wantErr: "at least one route is required",
		},
		{
			name: "upstream without backends",
			mutate: func(c *Configuration) {
				c.Services[0].Upstream = Upstream{}
			},
			wantErr: "upstream must have either host/port or targets",
		},
		{
			name: "upstream host without port",
			mutate: func(c *Configuration) {
				c.Services[0].Upstream = Upstream{Host: "backend.internal"}
			},
			wantErr: "upstream port is required",
		},
		{
			name: "upstream target weight zero",
			mutate: func(c *Configuration) {
				c.Services[0].Upstream = Upstream{
					Targets: []UpstreamTarget{{Host: "a", Port: 1}},
				}
			},
			wantErr: "weight must be >= 1",
		},
		{
			name: "invalid lb algorithm",
			mutate: func(c *Configuration) {
				c.Services[0].Upstream.LoadBalancer = &LoadBalancerConfig{Algorithm: "fastest"}
			},
			wantErr: "invalid load balancer algorithm: fastest",
		},
		{
			name: "invalid http method",
			mutate: func(c *Configuration) {
				c.Services[0].Routes[0].Methods = []string{"FETCH"}
			},
			wantErr: "invalid HTTP method: FETCH",
		},
		{
			name: "rate limit rps zero",
			mutate: func(c *Configuration) {
				c.Services[0].Routes[0].RateLimit = &RateLimitConfig{RequestsPerSecond: 0}
			},
			wantErr: "rate_limit requests_per_second must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaError, got %T", err)
			}
		})
	}
}

func TestValidate_Authentication(t *testing.T) {
	tests := []struct {
		name    string
		auth    *AuthenticationConfig
		wantErr string
	}{
		{
			name:    "basic without users",
			auth:    &AuthenticationConfig{Type: AuthTypeBasic},
			wantErr: "basic authentication requires at least one user",
		},
		{
			name:    "api key without keys",
			auth:    &AuthenticationConfig{Type: AuthTypeAPIKey},
			wantErr: "api_key authentication requires at least one key",
		},
		{
			name:    "jwt without block",
			auth:    &AuthenticationConfig{Type: AuthTypeJWT},
			wantErr: "jwt authentication requires a jwt block",
		},
		{
			name:    "jwt without issuer",
			auth:    &AuthenticationConfig{Type: AuthTypeJWT, JWT: &JWTAuthConfig{JWKSURL: "https://idp/jwks"}},
			wantErr: "jwt issuer is required",
		},
		{
			name:    "jwt without key material",
			auth:    &AuthenticationConfig{Type: AuthTypeJWT, JWT: &JWTAuthConfig{Issuer: "https://idp"}},
			wantErr: "jwt requires either jwks_url or secret",
		},
		{
			name:    "unknown type",
			auth:    &AuthenticationConfig{Type: "oauth1"},
			wantErr: "invalid authentication type: oauth1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Services[0].Routes[0].Authentication = tt.auth
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func splitTargets(weights ...int) []SplitTarget {
	names := []string{"stable", "canary", "beta"}
	out := make([]SplitTarget, len(weights))
	for i, w := range weights {
		out[i] = SplitTarget{
			Name:     names[i],
			Weight:   w,
			Upstream: Upstream{Host: names[i] + ".internal", Port: 9000},
		}
	}
	return out
}

func TestValidate_TrafficSplit(t *testing.T) {
	tests := []struct {
		name    string
		split   *TrafficSplitConfig
		wantErr string
	}{
		{
			name:  "valid 90/10",
			split: &TrafficSplitConfig{Enabled: true, Targets: splitTargets(90, 10)},
		},
		{
			name:    "no targets",
			split:   &TrafficSplitConfig{Enabled: true},
			wantErr: "traffic_split requires at least one target",
		},
		{
			name:    "weights sum short",
			split:   &TrafficSplitConfig{Enabled: true, Targets: splitTargets(80, 10)},
			wantErr: "traffic_split weights must sum to 100, got 90",
		},
		{
			name: "duplicate target names",
			split: &TrafficSplitConfig{Enabled: true, Targets: []SplitTarget{
				{Name: "stable", Weight: 50, Upstream: Upstream{Host: "a", Port: 1, Targets: nil}},
				{Name: "stable", Weight: 50, Upstream: Upstream{Host: "b", Port: 1}},
			}},
			wantErr: "duplicate traffic_split target name: stable",
		},
		{
			name:    "weight out of range",
			split:   &TrafficSplitConfig{Enabled: true, Targets: splitTargets(101, -1)},
			wantErr: "weight must be 0-100",
		},
		{
			name: "unknown fallback",
			split: &TrafficSplitConfig{
				Enabled:        true,
				Targets:        splitTargets(90, 10),
				FallbackTarget: "ghost",
			},
			wantErr: "traffic_split fallback_target ghost does not name an existing target",
		},
		{
			name: "rule referencing unknown target",
			split: &TrafficSplitConfig{
				Enabled: true,
				Targets: splitTargets(90, 10),
				RoutingRules: &SplitRoutingRules{
					HeaderRules: []SplitHeaderRule{{Header: "X-Beta", Value: "1", Target: "ghost"}},
				},
			},
			wantErr: "traffic_split header rule references unknown target: ghost",
		},
		{
			name: "rules relax weight sum",
			split: &TrafficSplitConfig{
				Enabled: true,
				Targets: splitTargets(50, 10),
				RoutingRules: &SplitRoutingRules{
					CookieRules: []SplitCookieRule{{Cookie: "beta", Value: "1", Target: "canary"}},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Services[0].Routes[0].TrafficSplit = tt.split
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_Mirroring(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].Mirroring = &MirroringConfig{
		Enabled: true,
		Targets: []MirrorTarget{
			{Name: "shadow", Upstream: Upstream{Host: "shadow.internal", Port: 9000}, SamplePercentage: 150},
		},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sample_percentage must be 0-100") {
		t.Fatalf("expected sample percentage error, got: %v", err)
	}
}

func TestValidate_AdvancedRouting(t *testing.T) {
	targets := []AdvancedRoutingTarget{
		{Name: "premium", Upstream: Upstream{Host: "premium.internal", Port: 9000}},
	}

	tests := []struct {
		name    string
		adv     *AdvancedRoutingConfig
		targets []AdvancedRoutingTarget
		wantErr string
	}{
		{
			name: "valid header rule",
			adv: &AdvancedRoutingConfig{
				Enabled:     true,
				HeaderRules: []HeaderMatchRule{{Header: "X-Tier", MatchType: "exact", Value: "premium", Target: "premium"}},
			},
			targets: targets,
		},
		{
			name:    "no rules",
			adv:     &AdvancedRoutingConfig{Enabled: true},
			targets: targets,
			wantErr: "advanced_routing requires at least one rule",
		},
		{
			name: "bad header match type",
			adv: &AdvancedRoutingConfig{
				Enabled:     true,
				HeaderRules: []HeaderMatchRule{{Header: "X-Tier", MatchType: "suffix", Value: "p", Target: "premium"}},
			},
			targets: targets,
			wantErr: "invalid header rule match_type: suffix",
		},
		{
			name: "bad geo match type",
			adv: &AdvancedRoutingConfig{
				Enabled:  true,
				GeoRules: []GeoMatchRule{{MatchType: "planet", Values: []string{"US"}, Target: "premium"}},
			},
			targets: targets,
			wantErr: "invalid geo rule match_type: planet",
		},
		{
			name: "bad query match type",
			adv: &AdvancedRoutingConfig{
				Enabled:    true,
				QueryRules: []QueryMatchRule{{Param: "v", MatchType: "gt", Value: "2", Target: "premium"}},
			},
			targets: targets,
			wantErr: "invalid query rule match_type: gt",
		},
		{
			name: "undefined rule target",
			adv: &AdvancedRoutingConfig{
				Enabled:     true,
				HeaderRules: []HeaderMatchRule{{Header: "X-Tier", MatchType: "exact", Value: "p", Target: "ghost"}},
			},
			targets: targets,
			wantErr: `advanced routing rule references undefined target "ghost"`,
		},
		{
			name: "undefined fallback",
			adv: &AdvancedRoutingConfig{
				Enabled:        true,
				HeaderRules:    []HeaderMatchRule{{Header: "X-Tier", MatchType: "exact", Value: "p", Target: "premium"}},
				FallbackTarget: "ghost",
			},
			targets: targets,
			wantErr: "advanced routing fallback_target ghost does not name a declared target",
		},
		{
			name: "bad evaluation strategy",
			adv: &AdvancedRoutingConfig{
				Enabled:            true,
				EvaluationStrategy: "best_match",
				HeaderRules:        []HeaderMatchRule{{Header: "X-Tier", MatchType: "exact", Value: "p", Target: "premium"}},
			},
			targets: targets,
			wantErr: "invalid evaluation_strategy: best_match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Services[0].Routes[0].AdvancedRouting = tt.adv
			cfg.Services[0].Routes[0].AdvancedRoutingTargets = tt.targets
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ProtoDescriptors(t *testing.T) {
	tests := []struct {
		name    string
		desc    ProtoDescriptor
		wantErr string
	}{
		{
			name: "valid inline",
			desc: ProtoDescriptor{Name: "user_proto", Source: DescriptorSourceInline, Content: "c3ludGF4"},
		},
		{
			name:    "file without path",
			desc:    ProtoDescriptor{Name: "user_proto", Source: DescriptorSourceFile},
			wantErr: "source file requires path",
		},
		{
			name:    "inline with stray url",
			desc:    ProtoDescriptor{Name: "user_proto", Source: DescriptorSourceInline, Content: "x", URL: "https://x"},
			wantErr: "source inline allows only content",
		},
		{
			name:    "url with stray path",
			desc:    ProtoDescriptor{Name: "user_proto", Source: DescriptorSourceURL, URL: "https://x", Path: "/tmp/x"},
			wantErr: "source url allows only url",
		},
		{
			name:    "unknown source",
			desc:    ProtoDescriptor{Name: "user_proto", Source: "s3"},
			wantErr: "invalid source: s3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.ProtoDescriptors = []ProtoDescriptor{tt.desc}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_GrpcTransformationReferences(t *testing.T) {
	cfg := baseConfig()
	cfg.Services[0].Routes[0].GrpcTransformation = &GrpcTransformation{
		Enabled:         true,
		ProtoDescriptor: "missing_proto",
		Package:         "user.v1",
		Service:         "UserService",
		RequestType:     "CreateUserRequest",
		ResponseType:    "CreateUserResponse",
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), `references undefined proto descriptor "missing_proto"`) {
		t.Fatalf("expected dangling descriptor error, got: %v", err)
	}

	cfg.ProtoDescriptors = []ProtoDescriptor{
		{Name: "missing_proto", Source: DescriptorSourceInline, Content: "c3ludGF4"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected resolved descriptor reference to validate, got: %v", err)
	}
}

func TestValidate_GrpcTransformationFields(t *testing.T) {
	gt := &GrpcTransformation{Enabled: true}
	err := gt.Validate("service user_service route /api/users")
	if err == nil || !strings.Contains(err.Error(), "grpc_transformation proto_descriptor is required") {
		t.Fatalf("expected proto_descriptor error, got: %v", err)
	}

	gt.ProtoDescriptor = "user_proto"
	err = gt.Validate("service user_service route /api/users")
	if err == nil || !strings.Contains(err.Error(), "grpc_transformation package is required") {
		t.Fatalf("expected package error, got: %v", err)
	}
}
