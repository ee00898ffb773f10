package config

import (
	"fmt"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validHeaderMatchTypes = map[string]bool{
	"exact": true, "prefix": true, "regex": true, "contains": true,
}

var validClaimMatchTypes = map[string]bool{
	"exact": true, "contains": true, "regex": true,
}

var validGeoMatchTypes = map[string]bool{
	"country": true, "region": true, "continent": true,
}

var validQueryMatchTypes = map[string]bool{
	"exact": true, "exists": true, "regex": true,
}

// Validate checks the full configuration for invariant violations. Every
// violation is a SchemaError; the first one found is returned. The Loader
// calls this before handing a Configuration to anyone, so adapters may
// assume a validated model.
func (c *Configuration) Validate() error {
	if c.Version == "" {
		return schemaErrorf("", "version is required")
	}
	if c.Provider == "" {
		return schemaErrorf("", "provider is required")
	}
	if c.Global.Port == 0 {
		return schemaErrorf("global", "port must be specified")
	}
	if len(c.Services) == 0 {
		return schemaErrorf("", "at least one service is required")
	}

	serviceNames := make(map[string]bool)
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return schemaErrorf("", "service %d: name is required", i)
		}
		if serviceNames[svc.Name] {
			return schemaErrorf("", "duplicate service name: %s", svc.Name)
		}
		serviceNames[svc.Name] = true
		if err := svc.validate(c); err != nil {
			return err
		}
	}

	descNames := make(map[string]bool)
	for i := range c.ProtoDescriptors {
		d := &c.ProtoDescriptors[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if descNames[d.Name] {
			return schemaErrorf("", "duplicate proto descriptor name: %s", d.Name)
		}
		descNames[d.Name] = true
	}

	// Resolve gRPC transformation descriptor references now that the full
	// descriptor list is known.
	for i := range c.Services {
		svc := &c.Services[i]
		for j := range svc.Routes {
			gt := svc.Routes[j].GrpcTransformation
			if gt == nil || !gt.Enabled {
				continue
			}
			if !descNames[gt.ProtoDescriptor] {
				return schemaErrorf(fmt.Sprintf("service %s route %s", svc.Name, svc.Routes[j].PathPrefix),
					"grpc_transformation references undefined proto descriptor %q", gt.ProtoDescriptor)
			}
		}
	}

	return nil
}

// validate checks a single service and its routes.
func (s *Service) validate(cfg *Configuration) error {
	scope := fmt.Sprintf("service %s", s.Name)

	switch s.Type {
	case "", ServiceTypeREST, ServiceTypeGRPC:
	default:
		return schemaErrorf(scope, "invalid type: %s (must be rest or grpc)", s.Type)
	}
	switch s.Protocol {
	case "", ProtocolHTTP, ProtocolHTTP2, ProtocolGRPC:
	default:
		return schemaErrorf(scope, "invalid protocol: %s", s.Protocol)
	}

	if err := s.Upstream.validate(scope); err != nil {
		return err
	}

	if len(s.Routes) == 0 {
		return schemaErrorf(scope, "at least one route is required")
	}
	for i := range s.Routes {
		if err := s.Routes[i].validate(scope); err != nil {
			return err
		}
	}
	return nil
}

// validate checks that the upstream resolves to a non-empty backend set.
func (u *Upstream) validate(scope string) error {
	if len(u.Targets) == 0 && u.Host == "" {
		return schemaErrorf(scope, "upstream must have either host/port or targets")
	}
	if len(u.Targets) == 0 && u.Port == 0 {
		return schemaErrorf(scope, "upstream port is required")
	}
	for i, t := range u.Targets {
		if t.Host == "" {
			return schemaErrorf(scope, "upstream target %d: host is required", i)
		}
		if t.Port == 0 {
			return schemaErrorf(scope, "upstream target %d: port is required", i)
		}
		if t.Weight < 1 {
			return schemaErrorf(scope, "upstream target %s: weight must be >= 1", t.Host)
		}
	}
	if hc := u.HealthCheck; hc != nil && hc.Active != nil {
		if hc.Active.Path == "" {
			return schemaErrorf(scope, "active health check path is required")
		}
	}
	if lb := u.LoadBalancer; lb != nil && lb.Algorithm != "" {
		switch lb.Algorithm {
		case "round_robin", "least_conn", "ip_hash", "random":
		default:
			return schemaErrorf(scope, "invalid load balancer algorithm: %s", lb.Algorithm)
		}
	}
	return nil
}

// validate checks a single route and its attached policies.
func (r *Route) validate(serviceScope string) error {
	scope := fmt.Sprintf("%s route %s", serviceScope, r.PathPrefix)

	if r.PathPrefix == "" {
		return schemaErrorf(serviceScope, "route path_prefix is required")
	}
	for _, m := range r.Methods {
		if !validHTTPMethods[m] {
			return schemaErrorf(scope, "invalid HTTP method: %s", m)
		}
	}

	if rl := r.RateLimit; rl != nil && rl.RequestsPerSecond <= 0 {
		return schemaErrorf(scope, "rate_limit requests_per_second must be > 0")
	}

	if auth := r.Authentication; auth != nil {
		if err := auth.Validate(scope); err != nil {
			return err
		}
	}

	if gt := r.GrpcTransformation; gt != nil && gt.Enabled {
		if err := gt.Validate(scope); err != nil {
			return err
		}
	}

	if ts := r.TrafficSplit; ts != nil && ts.Enabled {
		if err := ts.Validate(scope); err != nil {
			return err
		}
	}

	if m := r.Mirroring; m != nil && m.Enabled {
		if err := m.Validate(scope); err != nil {
			return err
		}
	}

	if ar := r.AdvancedRouting; ar != nil && ar.Enabled {
		if err := ar.Validate(scope); err != nil {
			return err
		}
		// Rule targets are resolved against the route's declared targets here,
		// once the route is fully assembled.
		if err := r.validateAdvancedRoutingTargets(scope); err != nil {
			return err
		}
	}

	for i := range r.AdvancedRoutingTargets {
		t := &r.AdvancedRoutingTargets[i]
		if t.Name == "" {
			return schemaErrorf(scope, "advanced routing target %d: name is required", i)
		}
		if err := t.Upstream.validate(fmt.Sprintf("%s target %s", scope, t.Name)); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks authentication settings for the selected type.
func (a *AuthenticationConfig) Validate(scope string) error {
	switch a.Type {
	case AuthTypeBasic:
		if len(a.BasicUsers) == 0 {
			return schemaErrorf(scope, "basic authentication requires at least one user")
		}
	case AuthTypeAPIKey:
		if len(a.APIKeys) == 0 {
			return schemaErrorf(scope, "api_key authentication requires at least one key")
		}
	case AuthTypeJWT:
		if a.JWT == nil {
			return schemaErrorf(scope, "jwt authentication requires a jwt block")
		}
		if a.JWT.Issuer == "" {
			return schemaErrorf(scope, "jwt issuer is required")
		}
		if a.JWT.JWKSURL == "" && a.JWT.Secret == "" {
			return schemaErrorf(scope, "jwt requires either jwks_url or secret")
		}
	default:
		return schemaErrorf(scope, "invalid authentication type: %s", a.Type)
	}
	return nil
}

// Validate checks that all required gRPC transformation fields are present.
func (g *GrpcTransformation) Validate(scope string) error {
	if g.ProtoDescriptor == "" {
		return schemaErrorf(scope, "grpc_transformation proto_descriptor is required")
	}
	if g.Package == "" {
		return schemaErrorf(scope, "grpc_transformation package is required")
	}
	if g.Service == "" {
		return schemaErrorf(scope, "grpc_transformation service is required")
	}
	if g.RequestType == "" {
		return schemaErrorf(scope, "grpc_transformation request_type is required")
	}
	if g.ResponseType == "" {
		return schemaErrorf(scope, "grpc_transformation response_type is required")
	}
	return nil
}

// Validate checks traffic split invariants: at least one target, unique
// target names, weights in range, weight sum of exactly 100 when no routing
// rules are present, and fallback target existence.
func (t *TrafficSplitConfig) Validate(scope string) error {
	if len(t.Targets) == 0 {
		return schemaErrorf(scope, "traffic_split requires at least one target")
	}

	names := make(map[string]bool, len(t.Targets))
	sum := 0
	for _, target := range t.Targets {
		if target.Name == "" {
			return schemaErrorf(scope, "traffic_split target name is required")
		}
		if names[target.Name] {
			return schemaErrorf(scope, "duplicate traffic_split target name: %s", target.Name)
		}
		names[target.Name] = true
		if target.Weight < 0 || target.Weight > 100 {
			return schemaErrorf(scope, "traffic_split target %s: weight must be 0-100, got %d", target.Name, target.Weight)
		}
		sum += target.Weight
		if err := target.Upstream.validate(fmt.Sprintf("%s traffic_split target %s", scope, target.Name)); err != nil {
			return err
		}
	}

	hasRules := t.RoutingRules != nil &&
		(len(t.RoutingRules.HeaderRules) > 0 || len(t.RoutingRules.CookieRules) > 0)
	if !hasRules && sum != 100 {
		return schemaErrorf(scope, "traffic_split weights must sum to 100, got %d", sum)
	}

	if t.RoutingRules != nil {
		for _, rule := range t.RoutingRules.HeaderRules {
			if rule.Header == "" || rule.Target == "" {
				return schemaErrorf(scope, "traffic_split header rule requires header and target")
			}
			if !names[rule.Target] {
				return schemaErrorf(scope, "traffic_split header rule references unknown target: %s", rule.Target)
			}
		}
		for _, rule := range t.RoutingRules.CookieRules {
			if rule.Cookie == "" || rule.Target == "" {
				return schemaErrorf(scope, "traffic_split cookie rule requires cookie and target")
			}
			if !names[rule.Target] {
				return schemaErrorf(scope, "traffic_split cookie rule references unknown target: %s", rule.Target)
			}
		}
	}

	if t.FallbackTarget != "" && !names[t.FallbackTarget] {
		return schemaErrorf(scope, "traffic_split fallback_target %s does not name an existing target", t.FallbackTarget)
	}

	return nil
}

// Validate checks mirroring invariants: at least one target, unique names,
// sample percentages in range.
func (m *MirroringConfig) Validate(scope string) error {
	if len(m.Targets) == 0 {
		return schemaErrorf(scope, "mirroring requires at least one target")
	}
	names := make(map[string]bool, len(m.Targets))
	for _, target := range m.Targets {
		if target.Name == "" {
			return schemaErrorf(scope, "mirror target name is required")
		}
		if names[target.Name] {
			return schemaErrorf(scope, "duplicate mirror target name: %s", target.Name)
		}
		names[target.Name] = true
		if target.SamplePercentage < 0 || target.SamplePercentage > 100 {
			return schemaErrorf(scope, "mirror target %s: sample_percentage must be 0-100", target.Name)
		}
		if err := target.Upstream.validate(fmt.Sprintf("%s mirror target %s", scope, target.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks match types against the kind-specific enums and the
// evaluation strategy. Target references are resolved by the owning route.
func (a *AdvancedRoutingConfig) Validate(scope string) error {
	switch a.EvaluationStrategy {
	case "", EvaluateFirstMatch, EvaluateAllMatch:
	default:
		return schemaErrorf(scope, "invalid evaluation_strategy: %s", a.EvaluationStrategy)
	}
	if len(a.HeaderRules) == 0 && len(a.ClaimRules) == 0 && len(a.GeoRules) == 0 && len(a.QueryRules) == 0 {
		return schemaErrorf(scope, "advanced_routing requires at least one rule")
	}
	for _, r := range a.HeaderRules {
		if r.Header == "" {
			return schemaErrorf(scope, "header rule requires a header name")
		}
		if !validHeaderMatchTypes[r.MatchType] {
			return schemaErrorf(scope, "invalid header rule match_type: %s", r.MatchType)
		}
	}
	for _, r := range a.ClaimRules {
		if r.Claim == "" {
			return schemaErrorf(scope, "claim rule requires a claim name")
		}
		if !validClaimMatchTypes[r.MatchType] {
			return schemaErrorf(scope, "invalid claim rule match_type: %s", r.MatchType)
		}
	}
	for _, r := range a.GeoRules {
		if !validGeoMatchTypes[r.MatchType] {
			return schemaErrorf(scope, "invalid geo rule match_type: %s", r.MatchType)
		}
		if len(r.Values) == 0 {
			return schemaErrorf(scope, "geo rule requires at least one value")
		}
	}
	for _, r := range a.QueryRules {
		if r.Param == "" {
			return schemaErrorf(scope, "query rule requires a param name")
		}
		if !validQueryMatchTypes[r.MatchType] {
			return schemaErrorf(scope, "invalid query rule match_type: %s", r.MatchType)
		}
	}
	return nil
}

// ruleTargets returns every target name referenced by any rule, in rule
// declaration order (header, claim, geo, query).
func (a *AdvancedRoutingConfig) ruleTargets() []string {
	var out []string
	for _, r := range a.HeaderRules {
		out = append(out, r.Target)
	}
	for _, r := range a.ClaimRules {
		out = append(out, r.Target)
	}
	for _, r := range a.GeoRules {
		out = append(out, r.Target)
	}
	for _, r := range a.QueryRules {
		out = append(out, r.Target)
	}
	return out
}

// validateAdvancedRoutingTargets resolves rule target references against the
// route's declared advanced_routing_targets.
func (r *Route) validateAdvancedRoutingTargets(scope string) error {
	declared := make(map[string]bool, len(r.AdvancedRoutingTargets))
	for _, t := range r.AdvancedRoutingTargets {
		if declared[t.Name] {
			return schemaErrorf(scope, "duplicate advanced routing target name: %s", t.Name)
		}
		declared[t.Name] = true
	}
	for _, name := range r.AdvancedRouting.ruleTargets() {
		if name == "" {
			return schemaErrorf(scope, "advanced routing rule requires a target")
		}
		if !declared[name] {
			return schemaErrorf(scope, "advanced routing rule references undefined target %q", name)
		}
	}
	if fb := r.AdvancedRouting.FallbackTarget; fb != "" && !declared[fb] {
		return schemaErrorf(scope, "advanced routing fallback_target %s does not name a declared target", fb)
	}
	return nil
}

// Validate checks that the descriptor source and its payload field agree.
func (d *ProtoDescriptor) Validate() error {
	if d.Name == "" {
		return schemaErrorf("proto_descriptors", "descriptor name is required")
	}
	scope := fmt.Sprintf("proto descriptor %s", d.Name)
	switch d.Source {
	case DescriptorSourceFile:
		if d.Path == "" {
			return schemaErrorf(scope, "source file requires path")
		}
		if d.Content != "" || d.URL != "" {
			return schemaErrorf(scope, "source file allows only path")
		}
	case DescriptorSourceInline:
		if d.Content == "" {
			return schemaErrorf(scope, "source inline requires content")
		}
		if d.Path != "" || d.URL != "" {
			return schemaErrorf(scope, "source inline allows only content")
		}
	case DescriptorSourceURL:
		if d.URL == "" {
			return schemaErrorf(scope, "source url requires url")
		}
		if d.Path != "" || d.Content != "" {
			return schemaErrorf(scope, "source url allows only url")
		}
	default:
		return schemaErrorf(scope, "invalid source: %s (must be file, inline or url)", d.Source)
	}
	return nil
}
