package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
	"github.com/wudi/polygate/internal/provider/apisix"
	"github.com/wudi/polygate/internal/provider/aws"
	"github.com/wudi/polygate/internal/provider/azure"
	"github.com/wudi/polygate/internal/provider/envoy"
	"github.com/wudi/polygate/internal/provider/gcp"
	"github.com/wudi/polygate/internal/provider/haproxy"
	"github.com/wudi/polygate/internal/provider/kong"
	"github.com/wudi/polygate/internal/provider/nginx"
	"github.com/wudi/polygate/internal/provider/traefik"
)

// Orchestrator wires the loader, the adapter registry and the translation
// pipelines together. It is the only package that knows every adapter.
type Orchestrator struct {
	loader   *config.Loader
	registry *provider.Registry
}

// New creates an orchestrator with all providers registered.
func New() *Orchestrator {
	r := provider.NewRegistry(
		envoy.New(),
		kong.New(),
		apisix.New(),
		nginx.New(),
		haproxy.New(),
		traefik.New(),
		aws.New(),
		azure.New(),
		gcp.New(),
	)
	return &Orchestrator{
		loader:   config.NewLoader(),
		registry: r,
	}
}

// Providers returns the registered provider names, sorted.
func (o *Orchestrator) Providers() []string {
	return o.registry.Names()
}

// Load reads and validates a neutral configuration file.
func (o *Orchestrator) Load(path string) (*config.Configuration, error) {
	return o.loader.Load(path)
}

// Generate runs the validate → generate pipeline for the configuration's
// own provider.
func (o *Orchestrator) Generate(cfg *config.Configuration) (string, error) {
	return o.GenerateFor(cfg, cfg.Provider)
}

// GenerateFor runs the pipeline against an explicit provider, leaving the
// configuration untouched.
func (o *Orchestrator) GenerateFor(cfg *config.Configuration, providerName string) (string, error) {
	adapter, err := o.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	target := cfg
	if cfg.Provider != providerName {
		target = cfg.WithProvider(providerName)
	}
	if err := adapter.Validate(target); err != nil {
		return "", err
	}
	artifact, err := adapter.Generate(target)
	if err != nil {
		return "", err
	}
	logging.Info("generated artifact",
		zap.String("provider", providerName),
		zap.Int("bytes", len(artifact)),
		zap.Int("services", len(target.Services)),
	)
	return artifact, nil
}

// GenerateAll runs the pipeline for every registered provider. Providers
// whose preconditions the configuration cannot meet are reported as errors
// in the result, not as a pipeline failure.
func (o *Orchestrator) GenerateAll(cfg *config.Configuration) map[string]Result {
	results := make(map[string]Result, len(o.registry.Names()))
	for _, name := range o.registry.Names() {
		artifact, err := o.GenerateFor(cfg, name)
		results[name] = Result{Artifact: artifact, Err: err}
	}
	return results
}

// Result is one provider's outcome from GenerateAll.
type Result struct {
	Artifact string
	Err      error
}

// Import parses a provider artifact back into neutral YAML.
func (o *Orchestrator) Import(providerName, artifact string) (string, error) {
	adapter, err := o.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	cfg, err := adapter.Parse(artifact)
	if err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("recovered configuration is invalid: %w", err)
	}
	return config.Serialize(cfg)
}

// Deploy pushes the configuration to its provider's control plane.
func (o *Orchestrator) Deploy(ctx context.Context, cfg *config.Configuration) error {
	adapter, err := o.registry.Get(cfg.Provider)
	if err != nil {
		return err
	}
	if err := adapter.Validate(cfg); err != nil {
		return err
	}
	return adapter.Deploy(ctx, cfg)
}

// Summary describes a loaded configuration for the info verb.
type Summary struct {
	Provider string
	Services int
	Routes   int
	Policies map[string]int
}

// Summarize counts services, routes and attached policies.
func Summarize(cfg *config.Configuration) Summary {
	s := Summary{
		Provider: cfg.Provider,
		Services: len(cfg.Services),
		Policies: map[string]int{},
	}
	for _, svc := range cfg.Services {
		s.Routes += len(svc.Routes)
		if svc.Transformation != nil {
			s.Policies["transformation"]++
		}
		for _, route := range svc.Routes {
			countPolicies(s.Policies, &route)
		}
	}
	return s
}

func countPolicies(counts map[string]int, route *config.Route) {
	if route.RateLimit != nil {
		counts["rate_limit"]++
	}
	if route.Authentication != nil {
		counts["authentication"]++
	}
	if route.Headers != nil {
		counts["headers"]++
	}
	if route.CORS != nil && route.CORS.Enabled {
		counts["cors"]++
	}
	if route.WebSocket != nil && route.WebSocket.Enabled {
		counts["websocket"]++
	}
	if route.CircuitBreaker != nil && route.CircuitBreaker.Enabled {
		counts["circuit_breaker"]++
	}
	if route.BodyTransform != nil {
		counts["body_transform"]++
	}
	if route.Timeout != nil {
		counts["timeout"]++
	}
	if route.Retry != nil {
		counts["retry"]++
	}
	if route.GrpcTransformation != nil && route.GrpcTransformation.Enabled {
		counts["grpc_transformation"]++
	}
	if route.TrafficSplit != nil && route.TrafficSplit.Enabled {
		counts["traffic_split"]++
	}
	if route.Mirroring != nil && route.Mirroring.Enabled {
		counts["mirroring"]++
	}
	if route.AdvancedRouting != nil && route.AdvancedRouting.Enabled {
		counts["advanced_routing"]++
	}
}

// PolicyNames returns the summary's policy keys, sorted.
func (s Summary) PolicyNames() []string {
	names := make([]string, 0, len(s.Policies))
	for k := range s.Policies {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
