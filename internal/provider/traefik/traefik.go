package traefik

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
)

// Adapter translates the neutral model to and from Traefik dynamic
// configuration YAML (file provider format).
type Adapter struct{}

// New creates the Traefik adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "traefik" }

// Dynamic configuration schema subset. Map keys are emitted in sorted order,
// which keeps generation deterministic.

type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers     map[string]router     `yaml:"routers,omitempty"`
	Services    map[string]service    `yaml:"services,omitempty"`
	Middlewares map[string]middleware `yaml:"middlewares,omitempty"`
}

type router struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Middlewares []string `yaml:"middlewares,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
}

type service struct {
	LoadBalancer *loadBalancer `yaml:"loadBalancer,omitempty"`
	Weighted     *weighted     `yaml:"weighted,omitempty"`
	Mirroring    *mirroring    `yaml:"mirroring,omitempty"`
}

type loadBalancer struct {
	Servers     []server     `yaml:"servers"`
	HealthCheck *healthCheck `yaml:"healthCheck,omitempty"`
	Sticky      *sticky      `yaml:"sticky,omitempty"`
}

type server struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight,omitempty"`
}

type healthCheck struct {
	Path     string `yaml:"path,omitempty"`
	Interval string `yaml:"interval,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

type sticky struct {
	Cookie stickyCookie `yaml:"cookie"`
}

type stickyCookie struct {
	Name string `yaml:"name,omitempty"`
}

type weighted struct {
	Services []weightedRef `yaml:"services"`
}

type weightedRef struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type mirroring struct {
	Service string   `yaml:"service"`
	Mirrors []mirror `yaml:"mirrors,omitempty"`
}

type mirror struct {
	Name    string `yaml:"name"`
	Percent int    `yaml:"percent,omitempty"`
}

type middleware struct {
	RateLimit      *rateLimitMW  `yaml:"rateLimit,omitempty"`
	BasicAuth      *basicAuthMW  `yaml:"basicAuth,omitempty"`
	Headers        *headersMW    `yaml:"headers,omitempty"`
	Retry          *retryMW      `yaml:"retry,omitempty"`
	CircuitBreaker *circuitMW    `yaml:"circuitBreaker,omitempty"`
	StripPrefix    *stripPrefixMW `yaml:"stripPrefix,omitempty"`
}

type rateLimitMW struct {
	Average int `yaml:"average"`
	Burst   int `yaml:"burst,omitempty"`
}

type basicAuthMW struct {
	Users []string `yaml:"users"`
}

type headersMW struct {
	CustomRequestHeaders          map[string]string `yaml:"customRequestHeaders,omitempty"`
	CustomResponseHeaders         map[string]string `yaml:"customResponseHeaders,omitempty"`
	AccessControlAllowOriginList  []string          `yaml:"accessControlAllowOriginList,omitempty"`
	AccessControlAllowMethods     []string          `yaml:"accessControlAllowMethods,omitempty"`
	AccessControlAllowHeaders     []string          `yaml:"accessControlAllowHeaders,omitempty"`
	AccessControlExposeHeaders    []string          `yaml:"accessControlExposeHeaders,omitempty"`
	AccessControlAllowCredentials bool              `yaml:"accessControlAllowCredentials,omitempty"`
	AccessControlMaxAge           int               `yaml:"accessControlMaxAge,omitempty"`
}

type retryMW struct {
	Attempts int `yaml:"attempts"`
}

type circuitMW struct {
	Expression string `yaml:"expression"`
}

type stripPrefixMW struct {
	Prefixes []string `yaml:"prefixes"`
}

// Validate checks Traefik-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	for _, svc := range cfg.Services {
		if svc.Protocol == config.ProtocolGRPC {
			for _, route := range svc.Routes {
				if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
					return provider.Errorf("traefik", "service %s: gRPC message transformation is not available", svc.Name)
				}
			}
		}
	}
	return nil
}

// Deploy is not supported; Traefik watches its dynamic file itself.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "traefik", Feature: "deploy"}
}

// Generate produces the dynamic configuration document.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	dc := dynamicConfig{HTTP: httpConfig{
		Routers:     map[string]router{},
		Services:    map[string]service{},
		Middlewares: map[string]middleware{},
	}}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		if err := a.buildService(&dc.HTTP, svc); err != nil {
			return "", err
		}
	}

	out, err := yaml.Marshal(&dc)
	if err != nil {
		return "", fmt.Errorf("traefik: marshal failed: %w", err)
	}
	return string(out), nil
}

func (a *Adapter) buildService(h *httpConfig, svc *config.Service) error {
	h.Services[svc.Name] = lbService(svc, &svc.Upstream)

	for ri := range svc.Routes {
		route := &svc.Routes[ri]
		routerName := fmt.Sprintf("%s_route_%d", svc.Name, ri)

		mws := a.buildMiddlewares(h, svc, route, ri)

		target := svc.Name
		if ts := route.TrafficSplit; ts != nil && ts.Enabled {
			target = a.buildTrafficSplit(h, svc, route, ri, ts)
		}
		if m := route.Mirroring; m != nil && m.Enabled && len(m.Targets) > 0 {
			target = a.buildMirroring(h, svc, ri, target, m)
		}
		if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
			if fb := a.buildAdvancedRouting(h, svc, route, ri); fb != "" {
				// The base router catches unmatched traffic; a declared
				// fallback target takes it over from the service default.
				target = fb
			}
		}

		h.Routers[routerName] = router{
			Rule:        routeRule(route),
			Service:     target,
			Middlewares: mws,
		}
	}
	return nil
}

// buildTrafficSplit emits a weighted service over per-target child services,
// plus higher-priority routers for header/cookie overrides. Weights carry
// over unchanged.
func (a *Adapter) buildTrafficSplit(h *httpConfig, svc *config.Service, route *config.Route, ri int, ts *config.TrafficSplitConfig) string {
	var refs []weightedRef
	sum := 0
	for i := range ts.Targets {
		t := &ts.Targets[i]
		childName := fmt.Sprintf("%s_%s", svc.Name, t.Name)
		h.Services[childName] = lbService(svc, &t.Upstream)
		refs = append(refs, weightedRef{Name: childName, Weight: t.Weight})
		sum += t.Weight
	}
	if sum < 100 && ts.FallbackTarget != "" {
		if fb := ts.FindTarget(ts.FallbackTarget); fb != nil {
			refs = append(refs, weightedRef{
				Name:   fmt.Sprintf("%s_%s", svc.Name, fb.Name),
				Weight: 100 - sum,
			})
		}
	}

	splitName := fmt.Sprintf("%s_split_%d", svc.Name, ri)
	h.Services[splitName] = service{Weighted: &weighted{Services: refs}}

	if rr := ts.RoutingRules; rr != nil {
		prio := 100
		for i, rule := range rr.HeaderRules {
			childName := fmt.Sprintf("%s_%s", svc.Name, rule.Target)
			h.Routers[fmt.Sprintf("%s_route_%d_hdr_%d", svc.Name, ri, i)] = router{
				Rule:     routeRule(route) + fmt.Sprintf(" && Header(`%s`, `%s`)", rule.Header, rule.Value),
				Service:  childName,
				Priority: prio,
			}
			prio--
		}
		for i, rule := range rr.CookieRules {
			childName := fmt.Sprintf("%s_%s", svc.Name, rule.Target)
			h.Routers[fmt.Sprintf("%s_route_%d_ck_%d", svc.Name, ri, i)] = router{
				Rule:     routeRule(route) + fmt.Sprintf(" && HeaderRegexp(`Cookie`, `%s=%s`)", rule.Cookie, rule.Value),
				Service:  childName,
				Priority: prio,
			}
			prio--
		}
	}
	return splitName
}

// buildMirroring wraps the primary service in a mirroring service.
func (a *Adapter) buildMirroring(h *httpConfig, svc *config.Service, ri int, primary string, m *config.MirroringConfig) string {
	mir := &mirroring{Service: primary}
	for _, t := range m.Targets {
		childName := fmt.Sprintf("%s_%s", svc.Name, t.Name)
		h.Services[childName] = lbService(svc, &t.Upstream)
		pct := t.SamplePercentage
		if pct == 0 {
			pct = 100
		}
		mir.Mirrors = append(mir.Mirrors, mirror{Name: childName, Percent: pct})
	}
	mirrorName := fmt.Sprintf("%s_mirror_%d", svc.Name, ri)
	h.Services[mirrorName] = service{Mirroring: mir}
	return mirrorName
}

// buildAdvancedRouting emits one higher-priority router per header/query rule.
// Claim and geo predicates have no router matcher and degrade with a warning.
// The returned name is the fallback target's child service when one is
// declared, empty otherwise.
func (a *Adapter) buildAdvancedRouting(h *httpConfig, svc *config.Service, route *config.Route, ri int) string {
	adv := route.AdvancedRouting

	findTarget := func(name string) *config.AdvancedRoutingTarget {
		for i := range route.AdvancedRoutingTargets {
			if route.AdvancedRoutingTargets[i].Name == name {
				return &route.AdvancedRoutingTargets[i]
			}
		}
		return nil
	}

	prio := 200
	emit := func(suffix, matcher, targetName string) {
		target := findTarget(targetName)
		childName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
		h.Services[childName] = lbService(svc, &target.Upstream)
		h.Routers[fmt.Sprintf("%s_route_%d_%s", svc.Name, ri, suffix)] = router{
			Rule:     routeRule(route) + " && " + matcher,
			Service:  childName,
			Priority: prio,
		}
		prio--
	}

	for i, rule := range adv.HeaderRules {
		switch rule.MatchType {
		case "exact", "":
			emit(fmt.Sprintf("adv_hdr_%d", i), fmt.Sprintf("Header(`%s`, `%s`)", rule.Header, rule.Value), rule.Target)
		case "prefix":
			emit(fmt.Sprintf("adv_hdr_%d", i), fmt.Sprintf("HeaderRegexp(`%s`, `^%s`)", rule.Header, rule.Value), rule.Target)
		case "regex", "contains":
			emit(fmt.Sprintf("adv_hdr_%d", i), fmt.Sprintf("HeaderRegexp(`%s`, `%s`)", rule.Header, rule.Value), rule.Target)
		}
	}
	for i, rule := range adv.QueryRules {
		switch rule.MatchType {
		case "exact", "":
			emit(fmt.Sprintf("adv_qry_%d", i), fmt.Sprintf("Query(`%s`, `%s`)", rule.Param, rule.Value), rule.Target)
		case "exists":
			emit(fmt.Sprintf("adv_qry_%d", i), fmt.Sprintf("QueryRegexp(`%s`, `.*`)", rule.Param), rule.Target)
		case "regex":
			emit(fmt.Sprintf("adv_qry_%d", i), fmt.Sprintf("QueryRegexp(`%s`, `%s`)", rule.Param, rule.Value), rule.Target)
		}
	}
	if len(adv.ClaimRules) > 0 || len(adv.GeoRules) > 0 {
		logging.Warn("traefik: claim/geo routing rules have no router matcher, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	if adv.FallbackTarget != "" {
		if target := findTarget(adv.FallbackTarget); target != nil {
			childName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
			h.Services[childName] = lbService(svc, &target.Upstream)
			return childName
		}
		logging.Warn("traefik: advanced-routing fallback names an unknown target, using service default",
			zap.String("service", svc.Name), zap.String("target", adv.FallbackTarget))
	}
	return ""
}

// buildMiddlewares registers route middlewares and returns their names in
// attachment order.
func (a *Adapter) buildMiddlewares(h *httpConfig, svc *config.Service, route *config.Route, ri int) []string {
	var names []string
	add := func(kind string, mw middleware) {
		name := fmt.Sprintf("%s_%s_%d", svc.Name, kind, ri)
		h.Middlewares[name] = mw
		names = append(names, name)
	}

	if rl := route.RateLimit; rl != nil {
		add("ratelimit", middleware{RateLimit: &rateLimitMW{
			Average: rl.RequestsPerSecond,
			Burst:   rl.Burst,
		}})
	}

	if auth := route.Authentication; auth != nil {
		switch auth.Type {
		case config.AuthTypeBasic:
			var users []string
			for _, u := range sortedKeys(auth.BasicUsers) {
				users = append(users, u+":"+auth.BasicUsers[u])
			}
			add("basicauth", middleware{BasicAuth: &basicAuthMW{Users: users}})
		default:
			logging.Warn("traefik: only basic auth has a bundled middleware, auth dropped",
				zap.String("service", svc.Name), zap.String("type", string(auth.Type)))
		}
	}

	if hd := route.Headers; hd != nil {
		// Removal is an empty-value custom header in Traefik.
		mw := headersMW{
			CustomRequestHeaders:  headerMap(hd.RequestAdd, hd.RequestRemove),
			CustomResponseHeaders: headerMap(hd.ResponseAdd, hd.ResponseRemove),
		}
		add("headers", middleware{Headers: &mw})
	}

	if c := route.CORS; c != nil && c.Enabled {
		add("cors", middleware{Headers: &headersMW{
			AccessControlAllowOriginList:  c.AllowOrigins,
			AccessControlAllowMethods:     c.AllowMethods,
			AccessControlAllowHeaders:     c.AllowHeaders,
			AccessControlExposeHeaders:    c.ExposeHeaders,
			AccessControlAllowCredentials: c.AllowCredentials,
			AccessControlMaxAge:           int(c.MaxAge.Seconds()),
		}})
	}

	if r := route.Retry; r != nil && r.Attempts > 0 {
		add("retry", middleware{Retry: &retryMW{Attempts: r.Attempts}})
	}

	if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
		add("breaker", middleware{CircuitBreaker: &circuitMW{
			Expression: "ResponseCodeRatio(500, 600, 0, 600) > 0.30",
		}})
	}

	if bt := svc.EffectiveBodyTransform(route); bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		logging.Warn("traefik: body transformation needs a plugin, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	return names
}

// lbService builds a loadBalancer service from an upstream.
func lbService(svc *config.Service, up *config.Upstream) service {
	lb := &loadBalancer{}
	scheme := "http"
	if svc.Protocol == config.ProtocolGRPC || svc.Protocol == config.ProtocolHTTP2 {
		scheme = "h2c"
	}
	for _, ep := range up.Endpoints() {
		lb.Servers = append(lb.Servers, server{
			URL:    fmt.Sprintf("%s://%s:%d", scheme, ep.Host, ep.Port),
			Weight: ep.Weight,
		})
	}
	if hc := up.HealthCheck; hc != nil && hc.Active != nil {
		lb.HealthCheck = &healthCheck{
			Path:     hc.Active.Path,
			Interval: hc.Active.Interval.String(),
			Timeout:  hc.Active.Timeout.String(),
		}
	}
	if lbc := up.LoadBalancer; lbc != nil && lbc.StickySessions {
		lb.Sticky = &sticky{Cookie: stickyCookie{Name: lbc.CookieName}}
	}
	return service{LoadBalancer: lb}
}

// routeRule renders the base matcher for a route.
func routeRule(route *config.Route) string {
	rule := fmt.Sprintf("PathPrefix(`%s`)", route.PathPrefix)
	if len(route.Methods) > 0 {
		quoted := make([]string, len(route.Methods))
		for i, m := range route.Methods {
			quoted[i] = "`" + m + "`"
		}
		rule += fmt.Sprintf(" && Method(%s)", strings.Join(quoted, ", "))
	}
	return rule
}

func headerMap(add map[string]string, remove []string) map[string]string {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	out := make(map[string]string, len(add)+len(remove))
	for k, v := range add {
		out[k] = v
	}
	for _, k := range remove {
		out[k] = ""
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
