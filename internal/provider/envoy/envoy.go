package envoy

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/luascript"
	"github.com/wudi/polygate/internal/provider"
)

const (
	hcmType         = "type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager"
	routerType      = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"
	corsType        = "type.googleapis.com/envoy.extensions.filters.http.cors.v3.Cors"
	corsPolicyType  = "type.googleapis.com/envoy.extensions.filters.http.cors.v3.CorsPolicy"
	luaType         = "type.googleapis.com/envoy.extensions.filters.http.lua.v3.Lua"
	luaPerRouteType = "type.googleapis.com/envoy.extensions.filters.http.lua.v3.LuaPerRoute"
	jwtAuthnType    = "type.googleapis.com/envoy.extensions.filters.http.jwt_authn.v3.JwtAuthentication"
	extAuthzType    = "type.googleapis.com/envoy.extensions.filters.http.ext_authz.v3.ExtAuthz"
	localRLType     = "type.googleapis.com/envoy.extensions.filters.http.local_ratelimit.v3.LocalRateLimit"
	basicAuthType   = "type.googleapis.com/envoy.extensions.filters.http.basic_auth.v3.BasicAuth"
)

// Adapter translates the neutral model to and from Envoy static_resources
// YAML.
type Adapter struct{}

// New creates the Envoy adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "envoy" }

// Validate checks Envoy-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	if cfg.Global.Metrics.Enabled && cfg.Global.AdminPort == 0 {
		return provider.Errorf("envoy", "metrics require global.admin_port (the Envoy admin listener serves /stats)")
	}
	for _, svc := range cfg.Services {
		for _, route := range svc.Routes {
			gt := route.GrpcTransformation
			if gt == nil || !gt.Enabled {
				continue
			}
			d := cfg.FindProtoDescriptor(gt.ProtoDescriptor)
			if d != nil && d.Source == config.DescriptorSourceURL {
				return provider.Errorf("envoy", "service %s: url proto descriptors must be fetched before generation", svc.Name)
			}
		}
	}
	return nil
}

// Deploy is not supported; Envoy consumes the artifact as a bootstrap file.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "envoy", Feature: "deploy"}
}

// Generate produces the Envoy bootstrap YAML.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	b := bootstrap{}

	if cfg.Global.AdminPort > 0 {
		b.Admin = &adminConfig{Address: mkAddress("0.0.0.0", cfg.Global.AdminPort)}
	}

	var routes []routeEntry
	var clusters []cluster
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		svcRoutes, svcClusters, err := a.buildService(cfg, svc)
		if err != nil {
			return "", err
		}
		routes = append(routes, svcRoutes...)
		clusters = append(clusters, svcClusters...)
	}

	filters, err := a.buildHTTPFilters(cfg)
	if err != nil {
		return "", err
	}
	clusters = append(clusters, a.buildAuxClusters(cfg)...)

	host := cfg.Global.Host
	if host == "" {
		host = "0.0.0.0"
	}

	hcm := hcmConfig{
		AtType:      hcmType,
		StatPrefix:  "ingress_http",
		HTTPFilters: filters,
		RouteConfig: routeConfig{
			Name: "local_routes",
			VirtualHosts: []virtualHost{{
				Name:    "backend",
				Domains: []string{"*"},
				Routes:  routes,
			}},
		},
	}
	if anyWebSocket(cfg) {
		hcm.UpgradeConfigs = []upgradeConfig{{UpgradeType: "websocket"}}
	}

	b.StaticResources = staticResources{
		Listeners: []listener{{
			Name:    "listener_0",
			Address: mkAddress(host, cfg.Global.Port),
			FilterChains: []filterChain{{
				Filters: []networkFilter{{
					Name:        "envoy.filters.network.http_connection_manager",
					TypedConfig: hcm,
				}},
			}},
		}},
		Clusters: clusters,
	}

	out, err := yaml.Marshal(&b)
	if err != nil {
		return "", fmt.Errorf("envoy: marshal failed: %w", err)
	}
	return string(out), nil
}

// buildService emits the route entries and clusters for one service, in
// route declaration order.
func (a *Adapter) buildService(cfg *config.Configuration, svc *config.Service) ([]routeEntry, []cluster, error) {
	var routes []routeEntry
	var clusters []cluster

	mainCluster := clusterName(svc.Name)
	clusters = append(clusters, a.buildCluster(mainCluster, svc, &svc.Upstream))

	for ri := range svc.Routes {
		route := &svc.Routes[ri]

		// Conditional routes from advanced routing rules come first; Envoy
		// picks the first matching entry, which realizes first_match.
		if ar := route.AdvancedRouting; ar != nil && ar.Enabled {
			entries, targetClusters := a.buildAdvancedRouting(svc, route)
			routes = append(routes, entries...)
			clusters = append(clusters, targetClusters...)
		}

		// Traffic split: rule-based overrides, then the weighted entry.
		if ts := route.TrafficSplit; ts != nil && ts.Enabled {
			entries, targetClusters := a.buildTrafficSplit(svc, route)
			routes = append(routes, entries...)
			clusters = append(clusters, targetClusters...)
			continue
		}

		entry := a.buildRouteEntry(svc, route, &routeAction{Cluster: mainCluster})
		if m := route.Mirroring; m != nil && m.Enabled {
			for _, t := range m.Targets {
				mc := targetClusterName(svc.Name, t.Name)
				clusters = append(clusters, a.buildCluster(mc, svc, &t.Upstream))
				entry.Route.RequestMirrorPolicies = append(entry.Route.RequestMirrorPolicies, mirrorPolicy{
					Cluster: mc,
					RuntimeFraction: &runtimeFraction{DefaultValue: fractionalPercent{
						Numerator:   t.SamplePercentage,
						Denominator: "HUNDRED",
					}},
				})
			}
		}
		routes = append(routes, entry)
	}

	return routes, clusters, nil
}

// buildRouteEntry assembles the base route entry with match criteria and all
// attached per-route policies.
func (a *Adapter) buildRouteEntry(svc *config.Service, route *config.Route, action *routeAction) routeEntry {
	entry := routeEntry{
		Match: routeMatch{Prefix: route.PathPrefix},
		Route: action,
	}
	if len(route.Methods) > 0 {
		entry.Match.Headers = append(entry.Match.Headers, headerMatcher{
			Name:           ":method",
			SafeRegexMatch: &safeRegex{Regex: "^(" + strings.Join(route.Methods, "|") + ")$"},
		})
	}

	if to := route.Timeout; to != nil && to.Read > 0 {
		action.Timeout = formatDuration(to.Read)
	}
	if r := route.Retry; r != nil && r.Attempts > 0 {
		retryOn := "5xx"
		if len(r.RetryOn) > 0 {
			retryOn = strings.Join(r.RetryOn, ",")
		}
		action.RetryPolicy = &retryPolicy{
			RetryOn:    retryOn,
			NumRetries: r.Attempts,
		}
		if r.PerTryTimeout > 0 {
			action.RetryPolicy.PerTryTimeout = formatDuration(r.PerTryTimeout)
		}
	}
	if ws := route.WebSocket; ws != nil && ws.Enabled {
		action.UpgradeConfigs = []upgradeConfig{{UpgradeType: "websocket"}}
	}

	if h := route.Headers; h != nil {
		for _, k := range sortedKeys(h.RequestAdd) {
			entry.RequestHeadersToAdd = append(entry.RequestHeadersToAdd, headerValueOption{
				Header: headerValue{Key: k, Value: h.RequestAdd[k]},
			})
		}
		entry.RequestHeadersToRemove = append(entry.RequestHeadersToRemove, h.RequestRemove...)
		for _, k := range sortedKeys(h.ResponseAdd) {
			entry.ResponseHeadersToAdd = append(entry.ResponseHeadersToAdd, headerValueOption{
				Header: headerValue{Key: k, Value: h.ResponseAdd[k]},
			})
		}
		entry.ResponseHeadersToRemove = append(entry.ResponseHeadersToRemove, h.ResponseRemove...)
	}

	var perFilter yaml.MapSlice
	if c := route.CORS; c != nil && c.Enabled {
		policy := corsPolicy{
			AtType:           corsPolicyType,
			AllowMethods:     strings.Join(c.AllowMethods, ","),
			AllowHeaders:     strings.Join(c.AllowHeaders, ","),
			ExposeHeaders:    strings.Join(c.ExposeHeaders, ","),
			AllowCredentials: c.AllowCredentials,
		}
		for _, o := range c.AllowOrigins {
			policy.AllowOriginStringMatch = append(policy.AllowOriginStringMatch, stringMatcher{Exact: o})
		}
		if c.MaxAge > 0 {
			policy.MaxAge = fmt.Sprintf("%d", int(c.MaxAge.Seconds()))
		}
		perFilter = append(perFilter, yaml.MapItem{Key: "envoy.filters.http.cors", Value: policy})
	}
	if rl := route.RateLimit; rl != nil {
		burst := rl.Burst
		if burst <= 0 {
			burst = rl.RequestsPerSecond
		}
		lrl := localRateLimitConfig{
			AtType:     localRLType,
			StatPrefix: "rl_" + svc.Name,
			TokenBucket: &tokenBucket{
				MaxTokens:     burst,
				TokensPerFill: rl.RequestsPerSecond,
				FillInterval:  "1s",
			},
		}
		if rl.ResponseCode > 0 && rl.ResponseCode != 429 {
			lrl.Status = &statusCode{Code: rl.ResponseCode}
		}
		perFilter = append(perFilter, yaml.MapItem{Key: "envoy.filters.http.local_ratelimit", Value: lrl})
	}
	// One Lua per-route slot: the gRPC transcode script and a plain body
	// transform cannot both attach.
	bt := svc.EffectiveBodyTransform(route)
	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		perFilter = append(perFilter, luaPerRoute(grpcTransformScript(gt)))
		if bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
			logging.Warn("envoy: route has both grpc transformation and a body transform, grpc script wins",
				zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
		}
	} else if bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		perFilter = append(perFilter, luaPerRoute(bodyTransformScript(bt)))
	}
	entry.TypedPerFilterConfig = perFilter

	return entry
}

// buildTrafficSplit emits rule-override entries followed by the weighted
// entry. Header rules come before cookie rules; first match wins.
func (a *Adapter) buildTrafficSplit(svc *config.Service, route *config.Route) ([]routeEntry, []cluster) {
	ts := route.TrafficSplit
	var entries []routeEntry
	var clusters []cluster

	seen := map[string]bool{}
	for _, t := range ts.Targets {
		cn := targetClusterName(svc.Name, t.Name)
		if !seen[cn] {
			clusters = append(clusters, a.buildCluster(cn, svc, &t.Upstream))
			seen[cn] = true
		}
	}

	if rr := ts.RoutingRules; rr != nil {
		for _, rule := range rr.HeaderRules {
			e := a.buildRouteEntry(svc, route, &routeAction{Cluster: targetClusterName(svc.Name, rule.Target)})
			e.Match.Headers = append(e.Match.Headers, headerMatcher{Name: strings.ToLower(rule.Header), ExactMatch: rule.Value})
			entries = append(entries, e)
		}
		for _, rule := range rr.CookieRules {
			e := a.buildRouteEntry(svc, route, &routeAction{Cluster: targetClusterName(svc.Name, rule.Target)})
			e.Match.Headers = append(e.Match.Headers, headerMatcher{Name: "cookie", ContainsMatch: rule.Cookie + "=" + rule.Value})
			entries = append(entries, e)
		}
	}

	wc := &weightedClusters{}
	sum := 0
	for _, t := range ts.Targets {
		wc.Clusters = append(wc.Clusters, weightedCluster{Name: targetClusterName(svc.Name, t.Name), Weight: t.Weight})
		sum += t.Weight
	}
	if sum < 100 && ts.FallbackTarget != "" {
		// Remaining traffic falls through to the fallback target.
		wc.Clusters = append(wc.Clusters, weightedCluster{
			Name:   targetClusterName(svc.Name, ts.FallbackTarget),
			Weight: 100 - sum,
		})
		sum = 100
	}
	wc.TotalWeight = sum

	weighted := a.buildRouteEntry(svc, route, &routeAction{WeightedClusters: wc})
	if m := route.Mirroring; m != nil && m.Enabled {
		for _, t := range m.Targets {
			mc := targetClusterName(svc.Name, t.Name)
			if !seen[mc] {
				clusters = append(clusters, a.buildCluster(mc, svc, &t.Upstream))
				seen[mc] = true
			}
			weighted.Route.RequestMirrorPolicies = append(weighted.Route.RequestMirrorPolicies, mirrorPolicy{
				Cluster: mc,
				RuntimeFraction: &runtimeFraction{DefaultValue: fractionalPercent{
					Numerator:   t.SamplePercentage,
					Denominator: "HUNDRED",
				}},
			})
		}
	}
	entries = append(entries, weighted)

	return entries, clusters
}

// buildAdvancedRouting emits one conditional entry per rule, in rule-list
// declaration order (header, claim, geo, query). JWT claims and geography
// have no native route-matching primitive; the jwt_authn and ext_authz
// filters populate x-jwt-claim-* and x-geo-* request headers that the
// entries here match on.
func (a *Adapter) buildAdvancedRouting(svc *config.Service, route *config.Route) ([]routeEntry, []cluster) {
	ar := route.AdvancedRouting
	var entries []routeEntry
	var clusters []cluster

	seen := map[string]bool{}
	addTarget := func(name string) string {
		cn := targetClusterName(svc.Name, name)
		if !seen[cn] {
			for i := range route.AdvancedRoutingTargets {
				t := &route.AdvancedRoutingTargets[i]
				if t.Name == name {
					clusters = append(clusters, a.buildCluster(cn, svc, &t.Upstream))
					seen[cn] = true
					break
				}
			}
		}
		return cn
	}

	for _, rule := range ar.HeaderRules {
		e := a.buildRouteEntry(svc, route, &routeAction{Cluster: addTarget(rule.Target)})
		hm := headerMatcher{Name: strings.ToLower(rule.Header)}
		switch rule.MatchType {
		case "exact":
			hm.ExactMatch = rule.Value
		case "prefix":
			hm.PrefixMatch = rule.Value
		case "contains":
			hm.ContainsMatch = rule.Value
		case "regex":
			hm.SafeRegexMatch = &safeRegex{Regex: rule.Value}
		}
		e.Match.Headers = append(e.Match.Headers, hm)
		entries = append(entries, e)
	}

	for _, rule := range ar.ClaimRules {
		e := a.buildRouteEntry(svc, route, &routeAction{Cluster: addTarget(rule.Target)})
		hm := headerMatcher{Name: "x-jwt-claim-" + strings.ToLower(rule.Claim)}
		switch rule.MatchType {
		case "exact":
			hm.ExactMatch = rule.Value
		case "contains":
			hm.ContainsMatch = rule.Value
		case "regex":
			hm.SafeRegexMatch = &safeRegex{Regex: rule.Value}
		}
		e.Match.Headers = append(e.Match.Headers, hm)
		entries = append(entries, e)
	}

	for _, rule := range ar.GeoRules {
		e := a.buildRouteEntry(svc, route, &routeAction{Cluster: addTarget(rule.Target)})
		hm := headerMatcher{Name: "x-geo-" + rule.MatchType}
		if len(rule.Values) == 1 {
			hm.ExactMatch = rule.Values[0]
		} else {
			hm.SafeRegexMatch = &safeRegex{Regex: "^(" + strings.Join(rule.Values, "|") + ")$"}
		}
		e.Match.Headers = append(e.Match.Headers, hm)
		entries = append(entries, e)
	}

	for _, rule := range ar.QueryRules {
		e := a.buildRouteEntry(svc, route, &routeAction{Cluster: addTarget(rule.Target)})
		qm := queryParamMatcher{Name: rule.Param}
		switch rule.MatchType {
		case "exact":
			qm.StringMatch = &stringMatcher{Exact: rule.Value}
		case "exists":
			qm.PresentMatch = true
		case "regex":
			qm.StringMatch = &stringMatcher{SafeRegex: &safeRegex{Regex: rule.Value}}
		}
		e.Match.QueryParameters = append(e.Match.QueryParameters, qm)
		entries = append(entries, e)
	}

	// Unmatched requests fall through to the fallback target, or the
	// service's default upstream when none is declared.
	if ar.FallbackTarget != "" {
		e := a.buildRouteEntry(svc, route, &routeAction{Cluster: addTarget(ar.FallbackTarget)})
		entries = append(entries, e)
	}

	return entries, clusters
}

// buildCluster emits one cluster for an upstream.
func (a *Adapter) buildCluster(name string, svc *config.Service, up *config.Upstream) cluster {
	c := cluster{
		Name:           name,
		ConnectTimeout: "5s",
		Type:           "STRICT_DNS",
		LbPolicy:       "ROUND_ROBIN",
	}
	if svc.Protocol == config.ProtocolHTTP2 || svc.Protocol == config.ProtocolGRPC {
		c.HTTP2ProtocolOptions = &struct{}{}
	}
	if lb := up.LoadBalancer; lb != nil {
		c.LbPolicy = lbPolicyFor(lb.Algorithm)
	}

	la := loadAssignment{ClusterName: name}
	var eps []lbEndpoint
	for _, t := range up.Endpoints() {
		ep := lbEndpoint{Endpoint: endpoint{Address: mkAddress(t.Host, t.Port)}}
		if len(up.Targets) > 0 {
			ep.LoadBalancingWeight = t.Weight
		}
		eps = append(eps, ep)
	}
	la.Endpoints = []localityLbEndpts{{LbEndpoints: eps}}
	c.LoadAssignment = la

	if hc := up.HealthCheck; hc != nil {
		if act := hc.Active; act != nil {
			check := healthCheck{
				Timeout:            formatDuration(durationOr(act.Timeout, 5*time.Second)),
				Interval:           formatDuration(durationOr(act.Interval, 10*time.Second)),
				HealthyThreshold:   intOr(act.HealthyThreshold, 2),
				UnhealthyThreshold: intOr(act.UnhealthyThreshold, 3),
				HTTPHealthCheck:    &httpHealthCheck{Path: act.Path},
			}
			c.HealthChecks = []healthCheck{check}
		}
		if pas := hc.Passive; pas != nil {
			c.OutlierDetection = &outlierDetection{
				Consecutive5xx: pas.MaxFailures,
			}
			if pas.EjectionDuration > 0 {
				c.OutlierDetection.BaseEjectionTime = formatDuration(pas.EjectionDuration)
			}
		}
	}

	// The first enabled breaker on the service sets the cluster thresholds;
	// Envoy scopes circuit breaking to clusters, not routes.
	for ri := range svc.Routes {
		cb := svc.Routes[ri].CircuitBreaker
		if cb == nil || !cb.Enabled {
			continue
		}
		c.CircuitBreakers = &circuitBreakers{Thresholds: []cbThreshold{{
			MaxConnections:     intOr(cb.MaxConnections, 1024),
			MaxPendingRequests: intOr(cb.MaxPendingRequests, 1024),
		}}}
		od := c.OutlierDetection
		if od == nil {
			od = &outlierDetection{}
			c.OutlierDetection = od
		}
		if od.Consecutive5xx == 0 {
			od.Consecutive5xx = intOr(cb.ConsecutiveErrors, 5)
		}
		if cb.Interval > 0 {
			od.Interval = formatDuration(cb.Interval)
		}
		if od.BaseEjectionTime == "" && cb.BaseEjectionTime > 0 {
			od.BaseEjectionTime = formatDuration(cb.BaseEjectionTime)
		}
		break
	}

	return c
}

// buildAuxClusters emits the fetch clusters the filter chain references:
// one per distinct JWKS endpoint and one for the geo resolver.
func (a *Adapter) buildAuxClusters(cfg *config.Configuration) []cluster {
	var out []cluster
	seen := map[string]bool{}
	for _, svc := range cfg.Services {
		for _, route := range svc.Routes {
			auth := route.Authentication
			if auth == nil || auth.Type != config.AuthTypeJWT || auth.JWT.JWKSURL == "" {
				continue
			}
			name := jwksClusterName(auth.JWT.JWKSURL)
			if seen[name] {
				continue
			}
			seen[name] = true
			jwksHost, jwksPort := splitURLHostPort(auth.JWT.JWKSURL)
			out = append(out, cluster{
				Name:           name,
				ConnectTimeout: "5s",
				Type:           "STRICT_DNS",
				LbPolicy:       "ROUND_ROBIN",
				LoadAssignment: loadAssignment{
					ClusterName: name,
					Endpoints: []localityLbEndpts{{LbEndpoints: []lbEndpoint{{
						Endpoint: endpoint{Address: mkAddress(jwksHost, jwksPort)},
					}}}},
				},
			})
		}
	}
	if anyGeoRules(cfg) {
		out = append(out, cluster{
			Name:           "geo_resolver",
			ConnectTimeout: "1s",
			Type:           "STRICT_DNS",
			LbPolicy:       "ROUND_ROBIN",
			LoadAssignment: loadAssignment{
				ClusterName: "geo_resolver",
				Endpoints: []localityLbEndpts{{LbEndpoints: []lbEndpoint{{
					Endpoint: endpoint{Address: mkAddress("geo-resolver.internal", 9002)},
				}}}},
			},
		})
	}
	return out
}

// jwksClusterName derives a stable cluster name from the JWKS endpoint so
// routes validating against different endpoints get distinct fetch clusters.
func jwksClusterName(rawURL string) string {
	host, port := splitURLHostPort(rawURL)
	return "jwks_" + strings.NewReplacer(".", "_", "-", "_").Replace(fmt.Sprintf("%s_%d", host, port))
}

// splitURLHostPort extracts host and port from a URL, defaulting the port
// from the scheme.
func splitURLHostPort(rawURL string) (string, int) {
	rest := rawURL
	port := 443
	if strings.HasPrefix(rest, "http://") {
		rest = strings.TrimPrefix(rest, "http://")
		port = 80
	} else {
		rest = strings.TrimPrefix(rest, "https://")
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		var p int
		if _, err := fmt.Sscanf(rest[i+1:], "%d", &p); err == nil {
			return rest[:i], p
		}
	}
	return rest, port
}

// buildHTTPFilters assembles the filter chain: jwt_authn, ext_authz, lua,
// basic auth, cors, local rate limit, router (in that order).
func (a *Adapter) buildHTTPFilters(cfg *config.Configuration) ([]httpFilter, error) {
	var filters []httpFilter

	if jf := a.buildJWTAuthn(cfg); jf != nil {
		filters = append(filters, *jf)
	}

	if anyGeoRules(cfg) {
		// Geo lookup is delegated to an external authorization service that
		// annotates requests with x-geo-* headers for route matching.
		filters = append(filters, httpFilter{
			Name: "envoy.filters.http.ext_authz",
			TypedConfig: extAuthzFilterConfig{
				AtType: extAuthzType,
				HTTPService: &extAuthzService{
					ServerURI: httpURI{
						URI:     "http://geo-resolver.internal:9002",
						Cluster: "geo_resolver",
						Timeout: "0.25s",
					},
					AuthorizationResponse: &authorizationResponse{
						AllowedUpstreamHeaders: listMatcher{Patterns: []stringMatcher{{Prefix: "x-geo-"}}},
					},
				},
				FailureModeAllow: true,
			},
		})
	}

	if script := a.buildAuthLua(cfg); script != "" {
		if err := luascript.Check(script, "envoy_auth"); err != nil {
			return nil, err
		}
		filters = append(filters, httpFilter{
			Name: "envoy.filters.http.lua",
			TypedConfig: luaFilterConfig{
				AtType:     luaType,
				InlineCode: script,
			},
		})
	}

	if users := a.collectBasicUsers(cfg); users != "" {
		filters = append(filters, httpFilter{
			Name: "envoy.filters.http.basic_auth",
			TypedConfig: map[string]interface{}{
				"@type": basicAuthType,
				"users": map[string]string{"inline_string": users},
			},
		})
	}

	if anyCORS(cfg) {
		filters = append(filters, httpFilter{
			Name:        "envoy.filters.http.cors",
			TypedConfig: corsFilterConfig{AtType: corsType},
		})
	}

	if anyRateLimit(cfg) {
		// Chain-level placeholder; per-route token buckets live in
		// typed_per_filter_config.
		filters = append(filters, httpFilter{
			Name: "envoy.filters.http.local_ratelimit",
			TypedConfig: localRateLimitConfig{
				AtType:     localRLType,
				StatPrefix: "rl_global",
			},
		})
	}

	filters = append(filters, httpFilter{
		Name:        "envoy.filters.http.router",
		TypedConfig: routerFilterConfig{AtType: routerType},
	})
	return filters, nil
}

// buildJWTAuthn emits one provider per JWT-authenticated route plus a
// wildcard provider when claim-based routing needs payload metadata.
func (a *Adapter) buildJWTAuthn(cfg *config.Configuration) *httpFilter {
	var providers yaml.MapSlice
	var rules []jwtAuthnRule

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		for ri := range svc.Routes {
			route := &svc.Routes[ri]
			needsClaims := route.AdvancedRouting != nil && route.AdvancedRouting.Enabled && len(route.AdvancedRouting.ClaimRules) > 0
			auth := route.Authentication
			hasJWT := auth != nil && auth.Type == config.AuthTypeJWT
			if !hasJWT && !needsClaims {
				continue
			}

			name := fmt.Sprintf("%s_route%d_jwt", svc.Name, ri)
			p := jwtProvider{Forward: true}
			if hasJWT {
				p.Issuer = auth.JWT.Issuer
				p.Audiences = auth.JWT.Audiences
				if auth.JWT.JWKSURL != "" {
					p.RemoteJWKS = &remoteJWKS{
						HTTPURI: httpURI{
							URI:     auth.JWT.JWKSURL,
							Cluster: jwksClusterName(auth.JWT.JWKSURL),
							Timeout: "5s",
						},
						CacheDuration: "300s",
					}
				} else {
					p.LocalJWKS = &localJWKS{InlineString: hmacJWKS(auth.JWT.Secret)}
				}
			} else {
				// Claim routing without route auth: accept any issuer and
				// only extract the payload.
				p.Issuer = ""
			}
			if needsClaims {
				p.PayloadInMetadata = "jwt_payload"
			}

			providers = append(providers, yaml.MapItem{Key: name, Value: p})
			rules = append(rules, jwtAuthnRule{
				Match:    routeMatch{Prefix: route.PathPrefix},
				Requires: jwtRequire{ProviderName: name},
			})
		}
	}

	if len(providers) == 0 {
		return nil
	}
	return &httpFilter{
		Name: "envoy.filters.http.jwt_authn",
		TypedConfig: jwtAuthnFilterConfig{
			AtType:    jwtAuthnType,
			Providers: providers,
			Rules:     rules,
		},
	}
}

// buildAuthLua emits the shared Lua filter script: API-key enforcement and
// JWT-claim header promotion for claim-based routing.
func (a *Adapter) buildAuthLua(cfg *config.Configuration) string {
	var apiKeyRoutes []string
	claimSet := map[string]bool{}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		for ri := range svc.Routes {
			route := &svc.Routes[ri]
			if auth := route.Authentication; auth != nil && auth.Type == config.AuthTypeAPIKey {
				header := auth.APIKeyHeader
				if header == "" {
					header = "x-api-key"
				}
				var keys []string
				for _, k := range auth.APIKeys {
					keys = append(keys, fmt.Sprintf("[%q] = true", k))
				}
				apiKeyRoutes = append(apiKeyRoutes, fmt.Sprintf(
					"  { prefix = %q, header = %q, keys = { %s } },",
					route.PathPrefix, strings.ToLower(header), strings.Join(keys, ", ")))
			}
			if ar := route.AdvancedRouting; ar != nil && ar.Enabled {
				for _, cr := range ar.ClaimRules {
					claimSet[strings.ToLower(cr.Claim)] = true
				}
			}
		}
	}

	if len(apiKeyRoutes) == 0 && len(claimSet) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("local api_key_routes = {\n")
	sb.WriteString(strings.Join(apiKeyRoutes, "\n"))
	if len(apiKeyRoutes) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("}\n")

	claims := make([]string, 0, len(claimSet))
	for c := range claimSet {
		claims = append(claims, c)
	}
	sort.Strings(claims)
	sb.WriteString("local routed_claims = { ")
	for i, c := range claims {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", c)
	}
	sb.WriteString(" }\n")

	sb.WriteString(`
function envoy_on_request(request_handle)
  local path = request_handle:headers():get(":path")
  for _, r in ipairs(api_key_routes) do
    if path ~= nil and path:sub(1, #r.prefix) == r.prefix then
      local key = request_handle:headers():get(r.header)
      if key == nil or not r.keys[key] then
        request_handle:respond({[":status"] = "401"}, "unauthorized")
        return
      end
    end
  end
  local meta = request_handle:streamInfo():dynamicMetadata():get("envoy.filters.http.jwt_authn")
  if meta ~= nil and meta["jwt_payload"] ~= nil then
    local payload = meta["jwt_payload"]
    for _, claim in ipairs(routed_claims) do
      local v = payload[claim]
      if v ~= nil then
        request_handle:headers():replace("x-jwt-claim-" .. claim, tostring(v))
      end
    end
    request_handle:clearRouteCache()
  end
end
`)
	return sb.String()
}

// collectBasicUsers renders all basic-auth users in htpasswd SHA form.
func (a *Adapter) collectBasicUsers(cfg *config.Configuration) string {
	var lines []string
	for _, svc := range cfg.Services {
		for _, route := range svc.Routes {
			auth := route.Authentication
			if auth == nil || auth.Type != config.AuthTypeBasic {
				continue
			}
			for _, user := range sortedKeys(auth.BasicUsers) {
				sum := sha1.Sum([]byte(auth.BasicUsers[user]))
				lines = append(lines, user+":{SHA}"+base64.StdEncoding.EncodeToString(sum[:]))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// luaPerRoute wraps an inline script in the per-route Lua filter override.
func luaPerRoute(script string) yaml.MapItem {
	return yaml.MapItem{Key: "envoy.filters.http.lua", Value: map[string]interface{}{
		"@type":       luaPerRouteType,
		"source_code": map[string]string{"inline_string": script},
	}}
}

// grpcTransformScript emits the per-route Lua body transformation for a
// gRPC route. The transcoded JSON bodies are edited field by field; the
// script assumes a JSON codec is linked into the filter's Lua VM.
func grpcTransformScript(gt *config.GrpcTransformation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- transform for %s.%s (%s -> %s)\n", gt.Package, gt.Service, gt.RequestType, gt.ResponseType)
	fmt.Fprintf(&sb, "local request_type = %q\n", gt.Package+"."+gt.RequestType)
	fmt.Fprintf(&sb, "local response_type = %q\n", gt.Package+"."+gt.ResponseType)
	writeBodyOps(&sb, "envoy_on_request", gt.Request)
	writeBodyOps(&sb, "envoy_on_response", gt.Response)
	return sb.String()
}

// bodyTransformScript emits the per-route Lua body transformation for a
// plain JSON route.
func bodyTransformScript(bt *config.BodyTransformConfig) string {
	var sb strings.Builder
	writeBodyOps(&sb, "envoy_on_request", bt.Request)
	writeBodyOps(&sb, "envoy_on_response", bt.Response)
	return sb.String()
}

func writeBodyOps(sb *strings.Builder, fn string, t *config.BodyTransform) {
	fmt.Fprintf(sb, "function %s(handle)\n", fn)
	sb.WriteString("  local body = handle:body()\n")
	sb.WriteString("  if body == nil then return end\n")
	sb.WriteString("  local data = json_decode(body:getBytes(0, body:length()))\n")
	sb.WriteString("  if data == nil then return end\n")
	if t != nil {
		for _, k := range sortedKeys(t.AddFields) {
			fmt.Fprintf(sb, "  data[%q] = %s\n", k, luaPlaceholder(t.AddFields[k]))
		}
		for _, f := range t.RemoveFields {
			fmt.Fprintf(sb, "  data[%q] = nil\n", f)
		}
		for _, from := range sortedKeys(t.RenameFields) {
			to := t.RenameFields[from]
			fmt.Fprintf(sb, "  data[%q] = data[%q]\n", to, from)
			fmt.Fprintf(sb, "  data[%q] = nil\n", from)
		}
	}
	sb.WriteString("  handle:body():setBytes(json_encode(data))\n")
	sb.WriteString("end\n")
}

// luaPlaceholder renders an added-field value. {{uuid}} and {{timestamp}}
// become runtime expressions so generation stays deterministic.
func luaPlaceholder(v string) string {
	switch v {
	case "{{uuid}}":
		return "uuid_generate()"
	case "{{timestamp}}":
		return "os.time()"
	default:
		return fmt.Sprintf("%q", v)
	}
}

// hmacJWKS wraps a shared secret in a minimal oct-key JWKS document.
func hmacJWKS(secret string) string {
	k := base64.RawURLEncoding.EncodeToString([]byte(secret))
	return fmt.Sprintf(`{"keys":[{"kty":"oct","k":%q}]}`, k)
}

func clusterName(service string) string { return service + "_cluster" }

func targetClusterName(service, target string) string { return service + "_" + target }

func lbPolicyFor(algorithm string) string {
	switch algorithm {
	case "least_conn":
		return "LEAST_REQUEST"
	case "ip_hash":
		return "RING_HASH"
	case "random":
		return "RANDOM"
	default:
		return "ROUND_ROBIN"
	}
}

func algorithmFor(lbPolicy string) string {
	switch lbPolicy {
	case "LEAST_REQUEST":
		return "least_conn"
	case "RING_HASH":
		return "ip_hash"
	case "RANDOM":
		return "random"
	default:
		return "round_robin"
	}
}

func mkAddress(host string, port int) address {
	return address{SocketAddress: socketAddress{Address: host, PortValue: port}}
}

func anyWebSocket(cfg *config.Configuration) bool {
	for _, svc := range cfg.Services {
		for _, r := range svc.Routes {
			if r.WebSocket != nil && r.WebSocket.Enabled {
				return true
			}
		}
	}
	return false
}

func anyCORS(cfg *config.Configuration) bool {
	for _, svc := range cfg.Services {
		for _, r := range svc.Routes {
			if r.CORS != nil && r.CORS.Enabled {
				return true
			}
		}
	}
	return false
}

func anyRateLimit(cfg *config.Configuration) bool {
	for _, svc := range cfg.Services {
		for _, r := range svc.Routes {
			if r.RateLimit != nil {
				return true
			}
		}
	}
	return false
}

func anyGeoRules(cfg *config.Configuration) bool {
	for _, svc := range cfg.Services {
		for _, r := range svc.Routes {
			if r.AdvancedRouting != nil && r.AdvancedRouting.Enabled && len(r.AdvancedRouting.GeoRules) > 0 {
				return true
			}
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
