package kong

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/luascript"
	"github.com/wudi/polygate/internal/provider"
	"github.com/wudi/polygate/internal/provider/deployutil"
)

// weightScale converts neutral 0-100 weights to Kong's 0-1000 scale.
const weightScale = 10

// Adapter translates the neutral model to and from Kong declarative YAML.
type Adapter struct {
	deploy *deployutil.Client
}

// New creates the Kong adapter.
func New() *Adapter { return &Adapter{deploy: deployutil.NewClient()} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "kong" }

// Declarative file schema subset.

type kongFile struct {
	FormatVersion string         `yaml:"_format_version"`
	Services      []kongService  `yaml:"services,omitempty"`
	Upstreams     []kongUpstream `yaml:"upstreams,omitempty"`
	Consumers     []kongConsumer `yaml:"consumers,omitempty"`
	Plugins       []kongPlugin   `yaml:"plugins,omitempty"`
}

type kongService struct {
	Name           string       `yaml:"name"`
	Host           string       `yaml:"host"`
	Port           int          `yaml:"port,omitempty"`
	Protocol       string       `yaml:"protocol,omitempty"`
	ConnectTimeout int          `yaml:"connect_timeout,omitempty"` // ms
	WriteTimeout   int          `yaml:"write_timeout,omitempty"`
	ReadTimeout    int          `yaml:"read_timeout,omitempty"`
	Retries        int          `yaml:"retries,omitempty"`
	Tags           []string     `yaml:"tags,omitempty"`
	Routes         []kongRoute  `yaml:"routes,omitempty"`
	Plugins        []kongPlugin `yaml:"plugins,omitempty"`
}

type kongRoute struct {
	Name          string              `yaml:"name"`
	Paths         []string            `yaml:"paths"`
	Methods       []string            `yaml:"methods,omitempty"`
	Headers       map[string][]string `yaml:"headers,omitempty"`
	RegexPriority int                 `yaml:"regex_priority,omitempty"`
	StripPath     bool                `yaml:"strip_path"`
	Plugins       []kongPlugin        `yaml:"plugins,omitempty"`
}

type kongUpstream struct {
	Name         string            `yaml:"name"`
	Algorithm    string            `yaml:"algorithm,omitempty"`
	HashOn       string            `yaml:"hash_on,omitempty"`
	Healthchecks *kongHealthchecks `yaml:"healthchecks,omitempty"`
	Targets      []kongTarget      `yaml:"targets,omitempty"`
}

type kongTarget struct {
	Target string `yaml:"target"`
	Weight int    `yaml:"weight"`
}

type kongHealthchecks struct {
	Active  *kongActiveCheck  `yaml:"active,omitempty"`
	Passive *kongPassiveCheck `yaml:"passive,omitempty"`
}

type kongActiveCheck struct {
	HTTPPath  string          `yaml:"http_path,omitempty"`
	Timeout   int             `yaml:"timeout,omitempty"` // seconds
	Healthy   kongCheckBounds `yaml:"healthy"`
	Unhealthy kongCheckBounds `yaml:"unhealthy"`
}

type kongPassiveCheck struct {
	Unhealthy kongCheckBounds `yaml:"unhealthy"`
}

type kongCheckBounds struct {
	Interval     int `yaml:"interval,omitempty"` // seconds
	Successes    int `yaml:"successes,omitempty"`
	HTTPFailures int `yaml:"http_failures,omitempty"`
}

type kongConsumer struct {
	Username          string             `yaml:"username"`
	KeyauthCredentials []kongKeyauthCred `yaml:"keyauth_credentials,omitempty"`
	BasicauthCredentials []kongBasicCred `yaml:"basicauth_credentials,omitempty"`
	JWTSecrets        []kongJWTSecret    `yaml:"jwt_secrets,omitempty"`
}

type kongKeyauthCred struct {
	Key string `yaml:"key"`
}

type kongBasicCred struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type kongJWTSecret struct {
	Key          string `yaml:"key"` // issuer
	Algorithm    string `yaml:"algorithm,omitempty"`
	Secret       string `yaml:"secret,omitempty"`
	RSAPublicKey string `yaml:"rsa_public_key,omitempty"`
}

type kongPlugin struct {
	Name   string                 `yaml:"name"`
	Config map[string]interface{} `yaml:"config,omitempty"`
}

// Validate checks Kong-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	for _, svc := range cfg.Services {
		for _, route := range svc.Routes {
			if ts := route.TrafficSplit; ts != nil && ts.Enabled && ts.RoutingRules != nil {
				for _, rule := range ts.RoutingRules.HeaderRules {
					if rule.Header == "" {
						return provider.Errorf("kong", "service %s: header rule requires a header name", svc.Name)
					}
				}
			}
		}
	}
	return nil
}

// Generate produces Kong declarative YAML.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	file := kongFile{FormatVersion: "3.0"}

	var tags []string
	if kg, ok := cfg.Global.ProviderBlock("kong").(*config.KongGlobal); ok && kg != nil {
		tags = kg.Tags
	}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		services, upstreams, consumers, err := a.buildService(svc, tags)
		if err != nil {
			return "", err
		}
		file.Services = append(file.Services, services...)
		file.Upstreams = append(file.Upstreams, upstreams...)
		file.Consumers = append(file.Consumers, consumers...)
	}

	if cfg.Global.Metrics.Enabled {
		file.Plugins = append(file.Plugins, kongPlugin{Name: "prometheus"})
	}
	// Opaque plugin attachments pass through as global plugins.
	for _, p := range cfg.Plugins {
		if !p.Enabled {
			continue
		}
		file.Plugins = append(file.Plugins, kongPlugin{Name: p.Name, Config: p.Config})
	}

	out, err := yaml.Marshal(&file)
	if err != nil {
		return "", fmt.Errorf("kong: marshal failed: %w", err)
	}
	return string(out), nil
}

// buildService emits one Kong service (plus rule-target services for header
// based splits) and the backing upstreams and consumers.
func (a *Adapter) buildService(svc *config.Service, tags []string) ([]kongService, []kongUpstream, []kongConsumer, error) {
	var services []kongService
	var upstreams []kongUpstream
	var consumers []kongConsumer

	// Rules and splits may name the same target repeatedly; Kong rejects
	// duplicate upstream names.
	seenUpstreams := map[string]bool{}
	addUpstream := func(ku kongUpstream) {
		if seenUpstreams[ku.Name] {
			return
		}
		seenUpstreams[ku.Name] = true
		upstreams = append(upstreams, ku)
	}

	upstreamName := svc.Name + "_upstream"
	addUpstream(buildUpstream(upstreamName, &svc.Upstream, 0))

	ks := kongService{
		Name:     svc.Name,
		Host:     upstreamName,
		Protocol: kongProtocol(svc.Protocol),
		Tags:     tags,
	}

	for ri := range svc.Routes {
		route := &svc.Routes[ri]
		kr := kongRoute{
			Name:    fmt.Sprintf("%s_route_%d", svc.Name, ri),
			Paths:   []string{route.PathPrefix},
			Methods: route.Methods,
		}

		plugins, routeConsumers, err := a.buildRoutePlugins(svc, route)
		if err != nil {
			return nil, nil, nil, err
		}
		kr.Plugins = plugins
		consumers = append(consumers, routeConsumers...)

		if to := route.Timeout; to != nil {
			if to.Connect > 0 {
				ks.ConnectTimeout = int(to.Connect.Milliseconds())
			}
			if to.Send > 0 {
				ks.WriteTimeout = int(to.Send.Milliseconds())
			}
			if to.Read > 0 {
				ks.ReadTimeout = int(to.Read.Milliseconds())
			}
		}
		if r := route.Retry; r != nil && r.Attempts > 0 {
			ks.Retries = r.Attempts
		}

		if ts := route.TrafficSplit; ts != nil && ts.Enabled {
			// Weighted split: all split targets merge into one upstream on
			// Kong's 0-1000 scale. Rule-based overrides become dedicated
			// services with higher-priority header-matched routes.
			splitUpstream := fmt.Sprintf("%s_split_%d", svc.Name, ri)
			ku := kongUpstream{Name: splitUpstream, Algorithm: "round-robin"}
			for _, t := range ts.Targets {
				for _, ep := range t.Upstream.Endpoints() {
					ku.Targets = append(ku.Targets, kongTarget{
						Target: fmt.Sprintf("%s:%d", ep.Host, ep.Port),
						Weight: t.Weight * weightScale,
					})
				}
			}
			addUpstream(ku)

			splitService := kongService{
				Name:     fmt.Sprintf("%s_split_%d_svc", svc.Name, ri),
				Host:     splitUpstream,
				Protocol: kongProtocol(svc.Protocol),
				Tags:     tags,
				Routes:   []kongRoute{kr},
			}

			if rr := ts.RoutingRules; rr != nil {
				for hi, rule := range rr.HeaderRules {
					target := ts.FindTarget(rule.Target)
					ruleUpstream := fmt.Sprintf("%s_%s", svc.Name, target.Name)
					addUpstream(buildUpstream(ruleUpstream, &target.Upstream, 0))
					services = append(services, kongService{
						Name:     fmt.Sprintf("%s_%s_rule%d", svc.Name, target.Name, hi),
						Host:     ruleUpstream,
						Protocol: kongProtocol(svc.Protocol),
						Tags:     tags,
						Routes: []kongRoute{{
							Name:          fmt.Sprintf("%s_route_%d_hdr_%d", svc.Name, ri, hi),
							Paths:         []string{route.PathPrefix},
							Methods:       route.Methods,
							Headers:       map[string][]string{rule.Header: {rule.Value}},
							RegexPriority: 100 - hi,
						}},
					})
				}
				if len(rr.CookieRules) > 0 {
					logging.Warn("kong: cookie-based split rules have no declarative route match, dropped",
						zap.String("service", svc.Name))
				}
			}
			services = append(services, splitService)
			continue
		}

		if m := route.Mirroring; m != nil && m.Enabled {
			logging.Warn("kong: request mirroring has no open-source plugin, dropped",
				zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
		}

		if ar := route.AdvancedRouting; ar != nil && ar.Enabled {
			ruleServices, ruleUpstreams, handled := a.buildAdvancedRouting(svc, route, ri, tags, kr)
			services = append(services, ruleServices...)
			for _, ru := range ruleUpstreams {
				addUpstream(ru)
			}
			if handled {
				// The declared fallback target owns the base route; unmatched
				// traffic must not reach the service default upstream.
				continue
			}
		}

		ks.Routes = append(ks.Routes, kr)
	}

	if len(ks.Routes) > 0 {
		services = append(services, ks)
	}
	return services, upstreams, consumers, nil
}

// buildAdvancedRouting maps header rules to Kong's native header-matched
// routes. Claim, geo and query rules have no declarative construct in Kong
// routes and degrade with a warning. When a fallback target is declared the
// base route moves onto a catch-all service for that target and the returned
// bool is true.
func (a *Adapter) buildAdvancedRouting(svc *config.Service, route *config.Route, ri int, tags []string, kr kongRoute) ([]kongService, []kongUpstream, bool) {
	ar := route.AdvancedRouting
	var services []kongService
	var upstreams []kongUpstream

	findTarget := func(name string) *config.AdvancedRoutingTarget {
		for i := range route.AdvancedRoutingTargets {
			if route.AdvancedRoutingTargets[i].Name == name {
				return &route.AdvancedRoutingTargets[i]
			}
		}
		return nil
	}

	for hi, rule := range ar.HeaderRules {
		if rule.MatchType != "exact" {
			logging.Warn("kong: only exact header matches are declarative, rule dropped",
				zap.String("service", svc.Name), zap.String("match_type", rule.MatchType))
			continue
		}
		target := findTarget(rule.Target)
		upstreamName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
		upstreams = append(upstreams, buildUpstream(upstreamName, &target.Upstream, 0))
		services = append(services, kongService{
			Name:     fmt.Sprintf("%s_%s_adv%d", svc.Name, target.Name, hi),
			Host:     upstreamName,
			Protocol: kongProtocol(svc.Protocol),
			Tags:     tags,
			Routes: []kongRoute{{
				Name:          fmt.Sprintf("%s_route_%d_adv_%d", svc.Name, ri, hi),
				Paths:         []string{route.PathPrefix},
				Methods:       route.Methods,
				Headers:       map[string][]string{rule.Header: {rule.Value}},
				RegexPriority: 200 - hi,
			}},
		})
	}

	if len(ar.ClaimRules) > 0 || len(ar.GeoRules) > 0 || len(ar.QueryRules) > 0 {
		logging.Warn("kong: claim/geo/query routing rules require custom plugins, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	if ar.FallbackTarget != "" {
		if target := findTarget(ar.FallbackTarget); target != nil {
			upstreamName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
			upstreams = append(upstreams, buildUpstream(upstreamName, &target.Upstream, 0))
			fb := kongService{
				Name:     fmt.Sprintf("%s_%s_advfb", svc.Name, target.Name),
				Host:     upstreamName,
				Protocol: kongProtocol(svc.Protocol),
				Tags:     tags,
				Routes:   []kongRoute{kr},
			}
			if to := route.Timeout; to != nil {
				if to.Connect > 0 {
					fb.ConnectTimeout = int(to.Connect.Milliseconds())
				}
				if to.Send > 0 {
					fb.WriteTimeout = int(to.Send.Milliseconds())
				}
				if to.Read > 0 {
					fb.ReadTimeout = int(to.Read.Milliseconds())
				}
			}
			if r := route.Retry; r != nil && r.Attempts > 0 {
				fb.Retries = r.Attempts
			}
			services = append(services, fb)
			return services, upstreams, true
		}
		logging.Warn("kong: advanced-routing fallback names an unknown target, using service default",
			zap.String("service", svc.Name), zap.String("target", ar.FallbackTarget))
	}
	return services, upstreams, false
}

// buildRoutePlugins maps route policies onto Kong plugins.
func (a *Adapter) buildRoutePlugins(svc *config.Service, route *config.Route) ([]kongPlugin, []kongConsumer, error) {
	var plugins []kongPlugin
	var consumers []kongConsumer

	if rl := route.RateLimit; rl != nil {
		plugins = append(plugins, kongPlugin{
			Name: "rate-limiting",
			Config: map[string]interface{}{
				"second": rl.RequestsPerSecond,
				"policy": "local",
			},
		})
	}

	if auth := route.Authentication; auth != nil {
		switch auth.Type {
		case config.AuthTypeBasic:
			plugins = append(plugins, kongPlugin{Name: "basic-auth"})
			consumer := kongConsumer{Username: svc.Name + "_basic"}
			for _, user := range sortedKeys(auth.BasicUsers) {
				consumer.BasicauthCredentials = append(consumer.BasicauthCredentials, kongBasicCred{
					Username: user,
					Password: auth.BasicUsers[user],
				})
			}
			consumers = append(consumers, consumer)
		case config.AuthTypeAPIKey:
			header := auth.APIKeyHeader
			if header == "" {
				header = "apikey"
			}
			plugins = append(plugins, kongPlugin{
				Name:   "key-auth",
				Config: map[string]interface{}{"key_names": []string{header}},
			})
			consumer := kongConsumer{Username: svc.Name + "_keys"}
			for _, k := range auth.APIKeys {
				consumer.KeyauthCredentials = append(consumer.KeyauthCredentials, kongKeyauthCred{Key: k})
			}
			consumers = append(consumers, consumer)
		case config.AuthTypeJWT:
			plugins = append(plugins, kongPlugin{
				Name:   "jwt",
				Config: map[string]interface{}{"claims_to_verify": []string{"exp"}},
			})
			secret := kongJWTSecret{Key: auth.JWT.Issuer, Algorithm: auth.JWT.Algorithm}
			if auth.JWT.Secret != "" {
				secret.Secret = auth.JWT.Secret
			} else {
				// Kong's jwt plugin verifies against a pinned key, not a JWKS
				// endpoint; the key must be provisioned out of band.
				logging.Warn("kong: jwt plugin cannot fetch JWKS, public key must be provisioned separately",
					zap.String("service", svc.Name), zap.String("jwks_url", auth.JWT.JWKSURL))
			}
			consumers = append(consumers, kongConsumer{
				Username:   svc.Name + "_jwt",
				JWTSecrets: []kongJWTSecret{secret},
			})
		}
	}

	if h := route.Headers; h != nil {
		if cfg := transformerConfig(h.RequestAdd, h.RequestRemove); cfg != nil {
			plugins = append(plugins, kongPlugin{Name: "request-transformer", Config: cfg})
		}
		if cfg := transformerConfig(h.ResponseAdd, h.ResponseRemove); cfg != nil {
			plugins = append(plugins, kongPlugin{Name: "response-transformer", Config: cfg})
		}
	}

	if bt := svc.EffectiveBodyTransform(route); bt != nil {
		if bt.Request.IsActive() {
			plugins = append(plugins, kongPlugin{Name: "request-transformer", Config: bodyTransformerConfig(bt.Request)})
		}
		if bt.Response.IsActive() {
			plugins = append(plugins, kongPlugin{Name: "response-transformer", Config: bodyTransformerConfig(bt.Response)})
		}
	}

	if c := route.CORS; c != nil && c.Enabled {
		corsCfg := map[string]interface{}{
			"origins": c.AllowOrigins,
		}
		if len(c.AllowMethods) > 0 {
			corsCfg["methods"] = c.AllowMethods
		}
		if len(c.AllowHeaders) > 0 {
			corsCfg["headers"] = c.AllowHeaders
		}
		if len(c.ExposeHeaders) > 0 {
			corsCfg["exposed_headers"] = c.ExposeHeaders
		}
		if c.AllowCredentials {
			corsCfg["credentials"] = true
		}
		if c.MaxAge > 0 {
			corsCfg["max_age"] = int(c.MaxAge.Seconds())
		}
		plugins = append(plugins, kongPlugin{Name: "cors", Config: corsCfg})
	}

	if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
		logging.Warn("kong: circuit breaking is not available in open-source Kong, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		script := grpcTransformLua(gt)
		if err := luascript.Check(script, "kong_grpc_transform"); err != nil {
			return nil, nil, err
		}
		plugins = append(plugins, kongPlugin{
			Name:   "pre-function",
			Config: map[string]interface{}{"access": []string{script}},
		})
	}

	return plugins, consumers, nil
}

// grpcTransformLua emits a pre-function body transformation script.
func grpcTransformLua(gt *config.GrpcTransformation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- transform for %s.%s (%s -> %s)\n", gt.Package, gt.Service, gt.RequestType, gt.ResponseType)
	sb.WriteString("local cjson = require \"cjson\"\n")
	sb.WriteString("local body = kong.request.get_raw_body()\n")
	sb.WriteString("if body ~= nil then\n")
	sb.WriteString("  local data = cjson.decode(body)\n")
	if gt.Request != nil {
		for _, k := range sortedKeys(gt.Request.AddFields) {
			fmt.Fprintf(&sb, "  data[%q] = %s\n", k, luaValue(gt.Request.AddFields[k]))
		}
		for _, f := range gt.Request.RemoveFields {
			fmt.Fprintf(&sb, "  data[%q] = nil\n", f)
		}
		for _, from := range sortedKeys(gt.Request.RenameFields) {
			fmt.Fprintf(&sb, "  data[%q] = data[%q]\n", gt.Request.RenameFields[from], from)
			fmt.Fprintf(&sb, "  data[%q] = nil\n", from)
		}
	}
	sb.WriteString("  kong.service.request.set_raw_body(cjson.encode(data))\n")
	sb.WriteString("end\n")
	return sb.String()
}

func luaValue(v string) string {
	switch v {
	case "{{uuid}}":
		return "kong.tools.uuid.uuid()"
	case "{{timestamp}}":
		return "ngx.time()"
	default:
		return fmt.Sprintf("%q", v)
	}
}

// transformerConfig builds a request/response-transformer header config.
func transformerConfig(add map[string]string, remove []string) map[string]interface{} {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	cfg := map[string]interface{}{}
	if len(add) > 0 {
		var pairs []string
		for _, k := range sortedKeys(add) {
			pairs = append(pairs, k+":"+add[k])
		}
		cfg["add"] = map[string]interface{}{"headers": pairs}
	}
	if len(remove) > 0 {
		cfg["remove"] = map[string]interface{}{"headers": remove}
	}
	return cfg
}

// bodyTransformerConfig builds a transformer body config.
func bodyTransformerConfig(t *config.BodyTransform) map[string]interface{} {
	cfg := map[string]interface{}{}
	if len(t.AddFields) > 0 {
		var pairs []string
		for _, k := range sortedKeys(t.AddFields) {
			pairs = append(pairs, k+":"+renderPlaceholder(t.AddFields[k]))
		}
		cfg["add"] = map[string]interface{}{"body": pairs}
	}
	if len(t.RemoveFields) > 0 {
		cfg["remove"] = map[string]interface{}{"body": t.RemoveFields}
	}
	if len(t.RenameFields) > 0 {
		var pairs []string
		for _, from := range sortedKeys(t.RenameFields) {
			pairs = append(pairs, from+":"+t.RenameFields[from])
		}
		cfg["rename"] = map[string]interface{}{"body": pairs}
	}
	return cfg
}

// renderPlaceholder maps neutral placeholders onto Kong template syntax.
func renderPlaceholder(v string) string {
	switch v {
	case "{{uuid}}":
		return "$(uuid)"
	case "{{timestamp}}":
		return "$(os.time())"
	default:
		return v
	}
}

// buildUpstream emits a Kong upstream. scale=0 keeps raw endpoint weights
// (single-service upstreams); a nonzero scale multiplies for split targets.
func buildUpstream(name string, up *config.Upstream, scale int) kongUpstream {
	ku := kongUpstream{Name: name, Algorithm: "round-robin"}
	if lb := up.LoadBalancer; lb != nil {
		switch lb.Algorithm {
		case "least_conn":
			ku.Algorithm = "least-connections"
		case "ip_hash":
			ku.Algorithm = "consistent-hashing"
			ku.HashOn = "ip"
		}
	}
	for _, ep := range up.Endpoints() {
		w := ep.Weight
		if scale > 0 {
			w *= scale
		}
		if w <= 0 {
			w = 100
		}
		ku.Targets = append(ku.Targets, kongTarget{
			Target: fmt.Sprintf("%s:%d", ep.Host, ep.Port),
			Weight: w,
		})
	}
	if hc := up.HealthCheck; hc != nil {
		checks := &kongHealthchecks{}
		if act := hc.Active; act != nil {
			interval := int(act.Interval.Seconds())
			if interval <= 0 {
				interval = 10
			}
			checks.Active = &kongActiveCheck{
				HTTPPath: act.Path,
				Timeout:  int(act.Timeout.Seconds()),
				Healthy: kongCheckBounds{
					Interval:  interval,
					Successes: act.HealthyThreshold,
				},
				Unhealthy: kongCheckBounds{
					Interval:     interval,
					HTTPFailures: act.UnhealthyThreshold,
				},
			}
		}
		if pas := hc.Passive; pas != nil {
			checks.Passive = &kongPassiveCheck{
				Unhealthy: kongCheckBounds{HTTPFailures: pas.MaxFailures},
			}
		}
		ku.Healthchecks = checks
	}
	return ku
}

func kongProtocol(p config.Protocol) string {
	switch p {
	case config.ProtocolGRPC:
		return "grpc"
	default:
		return "http"
	}
}

// Deploy pushes the declarative config to the Kong admin API (/config,
// db-less mode).
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	kg, _ := cfg.Global.ProviderBlock("kong").(*config.KongGlobal)
	if kg == nil || kg.AdminURL == "" {
		return provider.Errorf("kong", "deploy requires global.kong.admin_url")
	}
	artifact, err := a.Generate(cfg)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if kg.AdminToken != "" {
		headers["Kong-Admin-Token"] = kg.AdminToken
	}
	url := strings.TrimSuffix(kg.AdminURL, "/") + "/config"
	return a.deploy.Push(ctx, "POST", url, "application/yaml", artifact, headers)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
