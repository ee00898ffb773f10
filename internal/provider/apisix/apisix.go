package apisix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/luascript"
	"github.com/wudi/polygate/internal/provider"
	"github.com/wudi/polygate/internal/provider/deployutil"
)

// Adapter translates the neutral model to and from APISIX standalone JSON.
type Adapter struct {
	deploy *deployutil.Client
}

// New creates the APISIX adapter.
func New() *Adapter { return &Adapter{deploy: deployutil.NewClient()} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "apisix" }

// Artifact schema: the standalone config document APISIX loads in
// deployment.role=data_plane mode, also accepted resource-by-resource by the
// admin API. IDs derive from service names so regeneration is stable.

type apisixFile struct {
	Routes    []apisixRoute    `json:"routes,omitempty"`
	Upstreams []apisixUpstream `json:"upstreams,omitempty"`
	Consumers []apisixConsumer `json:"consumers,omitempty"`
	Protos    []apisixProto    `json:"protos,omitempty"`
}

type apisixRoute struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	URI        string                 `json:"uri"`
	Methods    []string               `json:"methods,omitempty"`
	Vars       [][]string             `json:"vars,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	UpstreamID string                 `json:"upstream_id,omitempty"`
	Plugins    map[string]interface{} `json:"plugins,omitempty"`
}

type apisixUpstream struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"` // roundrobin, least_conn, chash
	HashOn  string                 `json:"hash_on,omitempty"`
	Key     string                 `json:"key,omitempty"`
	Scheme  string                 `json:"scheme,omitempty"`
	Nodes   map[string]int         `json:"nodes"`
	Retries int                    `json:"retries,omitempty"`
	Timeout *apisixTimeout         `json:"timeout,omitempty"`
	Checks  map[string]interface{} `json:"checks,omitempty"`
}

type apisixTimeout struct {
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Read    float64 `json:"read"`
}

type apisixConsumer struct {
	Username string                 `json:"username"`
	Plugins  map[string]interface{} `json:"plugins,omitempty"`
}

type apisixProto struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Validate checks APISIX-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	for _, svc := range cfg.Services {
		for _, route := range svc.Routes {
			if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
				pd := cfg.FindProtoDescriptor(gt.ProtoDescriptor)
				if pd != nil && pd.Source == config.DescriptorSourceURL {
					return provider.Errorf("apisix", "service %s: url proto descriptors must be fetched before generation", svc.Name)
				}
			}
		}
	}
	return nil
}

// Generate produces the APISIX standalone JSON document.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	file := apisixFile{}

	for si := range cfg.Services {
		svc := &cfg.Services[si]

		mainUpstream := apisixUpstreamFor(svc.Name+"_cluster", svc, &svc.Upstream)
		addUpstream(&file, mainUpstream)

		for ri := range svc.Routes {
			route := &svc.Routes[ri]

			plugins, consumers, err := a.buildPlugins(cfg, svc, route, &file)
			if err != nil {
				return "", err
			}
			file.Consumers = append(file.Consumers, consumers...)

			ar := apisixRoute{
				ID:      fmt.Sprintf("%s_route_%d", svc.Name, ri),
				Name:    fmt.Sprintf("%s_route_%d", svc.Name, ri),
				URI:     routeURI(route.PathPrefix),
				Methods: route.Methods,
				Plugins: plugins,
			}

			if ts := route.TrafficSplit; ts != nil && ts.Enabled {
				if ar.Plugins == nil {
					ar.Plugins = map[string]interface{}{}
				}
				ar.Plugins["traffic-split"] = trafficSplitPlugin(svc, ts)
				// A dummy upstream satisfies the route schema; traffic-split
				// overrides the selection.
				ar.UpstreamID = mainUpstream.ID
			} else if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
				ruleRoutes, ruleUpstreams, fallbackID := a.buildAdvancedRouting(svc, route, ri)
				file.Routes = append(file.Routes, ruleRoutes...)
				for _, ru := range ruleUpstreams {
					addUpstream(&file, ru)
				}
				if fallbackID != "" {
					// Unmatched traffic goes to the declared fallback target,
					// not the service default.
					ar.UpstreamID = fallbackID
				} else {
					ar.UpstreamID = mainUpstream.ID
				}
			} else {
				ar.UpstreamID = mainUpstream.ID
			}

			if m := route.Mirroring; m != nil && m.Enabled && len(m.Targets) > 0 {
				if ar.Plugins == nil {
					ar.Plugins = map[string]interface{}{}
				}
				t := m.Targets[0]
				eps := t.Upstream.Endpoints()
				if len(eps) > 0 {
					mirror := map[string]interface{}{
						"host": fmt.Sprintf("http://%s:%d", eps[0].Host, eps[0].Port),
					}
					if t.SamplePercentage > 0 && t.SamplePercentage < 100 {
						mirror["sample_ratio"] = float64(t.SamplePercentage) / 100
					}
					ar.Plugins["proxy-mirror"] = mirror
				}
				if len(m.Targets) > 1 {
					logging.Warn("apisix: proxy-mirror supports one target, extra mirrors dropped",
						zap.String("service", svc.Name), zap.Int("dropped", len(m.Targets)-1))
				}
			}

			file.Routes = append(file.Routes, ar)
		}
	}

	out, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("apisix: marshal failed: %w", err)
	}
	return string(out) + "\n", nil
}

// addUpstream registers an upstream once; rules and fallbacks may share a
// target and APISIX rejects duplicate ids.
func addUpstream(file *apisixFile, u apisixUpstream) {
	for i := range file.Upstreams {
		if file.Upstreams[i].ID == u.ID {
			return
		}
	}
	file.Upstreams = append(file.Upstreams, u)
}

// trafficSplitPlugin builds the native traffic-split rule set: one match rule
// per header/cookie override, then the weighted spread.
func trafficSplitPlugin(svc *config.Service, ts *config.TrafficSplitConfig) map[string]interface{} {
	var rules []map[string]interface{}

	upstreamFor := func(t *config.SplitTarget) map[string]interface{} {
		return map[string]interface{}{
			"type":  "roundrobin",
			"nodes": nodesFor(&t.Upstream),
		}
	}

	if rr := ts.RoutingRules; rr != nil {
		for _, rule := range rr.HeaderRules {
			target := ts.FindTarget(rule.Target)
			rules = append(rules, map[string]interface{}{
				"match": []map[string]interface{}{{
					"vars": [][]string{{"http_" + headerVar(rule.Header), "==", rule.Value}},
				}},
				"weighted_upstreams": []map[string]interface{}{{
					"upstream": upstreamFor(target), "weight": 100,
				}},
			})
		}
		for _, rule := range rr.CookieRules {
			target := ts.FindTarget(rule.Target)
			rules = append(rules, map[string]interface{}{
				"match": []map[string]interface{}{{
					"vars": [][]string{{"cookie_" + rule.Cookie, "==", rule.Value}},
				}},
				"weighted_upstreams": []map[string]interface{}{{
					"upstream": upstreamFor(target), "weight": 100,
				}},
			})
		}
	}

	var weighted []map[string]interface{}
	sum := 0
	for i := range ts.Targets {
		t := &ts.Targets[i]
		weighted = append(weighted, map[string]interface{}{
			"upstream": upstreamFor(t), "weight": t.Weight,
		})
		sum += t.Weight
	}
	if sum < 100 && ts.FallbackTarget != "" {
		if fb := ts.FindTarget(ts.FallbackTarget); fb != nil {
			weighted = append(weighted, map[string]interface{}{
				"upstream": upstreamFor(fb), "weight": 100 - sum,
			})
		}
	}
	rules = append(rules, map[string]interface{}{"weighted_upstreams": weighted})

	return map[string]interface{}{"rules": rules}
}

// buildAdvancedRouting emits one higher-priority conditional route per rule,
// in declaration order. Header and query predicates map onto route vars;
// claim and geo predicates have no var source in a stock APISIX and degrade.
// The returned id names the fallback target's upstream when one is declared;
// the caller points the base route at it so unmatched traffic falls through.
func (a *Adapter) buildAdvancedRouting(svc *config.Service, route *config.Route, ri int) ([]apisixRoute, []apisixUpstream, string) {
	adv := route.AdvancedRouting
	var routes []apisixRoute
	var upstreams []apisixUpstream

	findTarget := func(name string) *config.AdvancedRoutingTarget {
		for i := range route.AdvancedRoutingTargets {
			if route.AdvancedRoutingTargets[i].Name == name {
				return &route.AdvancedRoutingTargets[i]
			}
		}
		return nil
	}

	prio := 100
	emit := func(suffix string, vars [][]string, targetName string) {
		target := findTarget(targetName)
		upID := fmt.Sprintf("%s_%s", svc.Name, target.Name)
		upstreams = append(upstreams, apisixUpstreamFor(upID, svc, &target.Upstream))
		routes = append(routes, apisixRoute{
			ID:         fmt.Sprintf("%s_route_%d_%s", svc.Name, ri, suffix),
			Name:       fmt.Sprintf("%s_route_%d_%s", svc.Name, ri, suffix),
			URI:        routeURI(route.PathPrefix),
			Methods:    route.Methods,
			Vars:       vars,
			Priority:   prio,
			UpstreamID: upID,
		})
		prio--
	}

	for i, rule := range adv.HeaderRules {
		v := "http_" + headerVar(rule.Header)
		switch rule.MatchType {
		case "exact", "":
			emit(fmt.Sprintf("hdr_%d", i), [][]string{{v, "==", rule.Value}}, rule.Target)
		case "prefix":
			emit(fmt.Sprintf("hdr_%d", i), [][]string{{v, "~~", "^" + rule.Value}}, rule.Target)
		case "regex":
			emit(fmt.Sprintf("hdr_%d", i), [][]string{{v, "~~", rule.Value}}, rule.Target)
		case "contains":
			emit(fmt.Sprintf("hdr_%d", i), [][]string{{v, "~~", rule.Value}}, rule.Target)
		}
	}
	for i, rule := range adv.QueryRules {
		v := "arg_" + rule.Param
		switch rule.MatchType {
		case "exact", "":
			emit(fmt.Sprintf("qry_%d", i), [][]string{{v, "==", rule.Value}}, rule.Target)
		case "exists":
			emit(fmt.Sprintf("qry_%d", i), [][]string{{v, "!", "~~", "^$"}}, rule.Target)
		case "regex":
			emit(fmt.Sprintf("qry_%d", i), [][]string{{v, "~~", rule.Value}}, rule.Target)
		}
	}
	if len(adv.ClaimRules) > 0 || len(adv.GeoRules) > 0 {
		logging.Warn("apisix: claim/geo routing rules need external enrichment, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	fallbackID := ""
	if adv.FallbackTarget != "" {
		if target := findTarget(adv.FallbackTarget); target != nil {
			fallbackID = fmt.Sprintf("%s_%s", svc.Name, target.Name)
			upstreams = append(upstreams, apisixUpstreamFor(fallbackID, svc, &target.Upstream))
		} else {
			logging.Warn("apisix: advanced-routing fallback names an unknown target, using service default",
				zap.String("service", svc.Name), zap.String("target", adv.FallbackTarget))
		}
	}
	return routes, upstreams, fallbackID
}

// buildPlugins maps route policies onto APISIX plugins, registering consumers
// and proto resources as needed.
func (a *Adapter) buildPlugins(cfg *config.Configuration, svc *config.Service, route *config.Route, file *apisixFile) (map[string]interface{}, []apisixConsumer, error) {
	plugins := map[string]interface{}{}
	var consumers []apisixConsumer

	if rl := route.RateLimit; rl != nil {
		code := rl.ResponseCode
		if code == 0 {
			code = 429
		}
		burst := rl.Burst
		if burst == 0 {
			burst = rl.RequestsPerSecond
		}
		plugins["limit-req"] = map[string]interface{}{
			"rate":          rl.RequestsPerSecond,
			"burst":         burst,
			"key_type":      "var",
			"key":           "remote_addr",
			"rejected_code": code,
		}
	}

	if auth := route.Authentication; auth != nil {
		switch auth.Type {
		case config.AuthTypeAPIKey:
			header := auth.APIKeyHeader
			if header == "" {
				header = "apikey"
			}
			plugins["key-auth"] = map[string]interface{}{"header": header}
			for i, key := range auth.APIKeys {
				consumers = append(consumers, apisixConsumer{
					Username: fmt.Sprintf("%s_key_%d", svc.Name, i),
					Plugins:  map[string]interface{}{"key-auth": map[string]interface{}{"key": key}},
				})
			}
		case config.AuthTypeBasic:
			plugins["basic-auth"] = map[string]interface{}{}
			for _, user := range sortedKeys(auth.BasicUsers) {
				consumers = append(consumers, apisixConsumer{
					Username: fmt.Sprintf("%s_%s", svc.Name, user),
					Plugins: map[string]interface{}{"basic-auth": map[string]interface{}{
						"username": user,
						"password": auth.BasicUsers[user],
					}},
				})
			}
		case config.AuthTypeJWT:
			jwtCfg := map[string]interface{}{}
			plugins["jwt-auth"] = jwtCfg
			consumer := map[string]interface{}{"key": auth.JWT.Issuer}
			if auth.JWT.Secret != "" {
				consumer["secret"] = auth.JWT.Secret
				consumer["algorithm"] = orString(auth.JWT.Algorithm, "HS256")
			} else {
				logging.Warn("apisix: jwt-auth verifies pinned keys, JWKS endpoint not carried",
					zap.String("service", svc.Name), zap.String("jwks_url", auth.JWT.JWKSURL))
			}
			consumers = append(consumers, apisixConsumer{
				Username: svc.Name + "_jwt",
				Plugins:  map[string]interface{}{"jwt-auth": consumer},
			})
		}
	}

	if h := route.Headers; h != nil {
		proxyRewrite := map[string]interface{}{}
		headers := map[string]interface{}{}
		if len(h.RequestAdd) > 0 {
			set := map[string]interface{}{}
			for _, k := range sortedKeys(h.RequestAdd) {
				set[k] = h.RequestAdd[k]
			}
			headers["set"] = set
		}
		if len(h.RequestRemove) > 0 {
			headers["remove"] = h.RequestRemove
		}
		if len(headers) > 0 {
			proxyRewrite["headers"] = headers
			plugins["proxy-rewrite"] = proxyRewrite
		}
		if len(h.ResponseAdd) > 0 || len(h.ResponseRemove) > 0 {
			rw := map[string]interface{}{}
			if len(h.ResponseAdd) > 0 {
				set := map[string]interface{}{}
				for _, k := range sortedKeys(h.ResponseAdd) {
					set[k] = h.ResponseAdd[k]
				}
				rw["headers"] = map[string]interface{}{"set": set, "remove": h.ResponseRemove}
			} else {
				rw["headers"] = map[string]interface{}{"remove": h.ResponseRemove}
			}
			plugins["response-rewrite"] = rw
		}
	}

	if c := route.CORS; c != nil && c.Enabled {
		corsCfg := map[string]interface{}{
			"allow_origins": strings.Join(c.AllowOrigins, ","),
		}
		if len(c.AllowMethods) > 0 {
			corsCfg["allow_methods"] = strings.Join(c.AllowMethods, ",")
		}
		if len(c.AllowHeaders) > 0 {
			corsCfg["allow_headers"] = strings.Join(c.AllowHeaders, ",")
		}
		if len(c.ExposeHeaders) > 0 {
			corsCfg["expose_headers"] = strings.Join(c.ExposeHeaders, ",")
		}
		if c.AllowCredentials {
			corsCfg["allow_credential"] = true
		}
		if c.MaxAge > 0 {
			corsCfg["max_age"] = int(c.MaxAge.Seconds())
		}
		plugins["cors"] = corsCfg
	}

	if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
		breaker := map[string]interface{}{
			"break_response_code": 502,
			"unhealthy": map[string]interface{}{
				"http_statuses": []int{500, 502, 503, 504},
				"failures":      orInt(cb.ConsecutiveErrors, 5),
			},
			"healthy": map[string]interface{}{"successes": 3},
		}
		plugins["api-breaker"] = breaker
	}

	if bt := svc.EffectiveBodyTransform(route); bt != nil && bt.Request.IsActive() {
		script := bodyTransformLua(bt.Request)
		if err := luascript.Check(script, "apisix_body_transform"); err != nil {
			return nil, nil, err
		}
		plugins["serverless-pre-function"] = map[string]interface{}{
			"phase":     "rewrite",
			"functions": []string{script},
		}
	}

	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		pd := cfg.FindProtoDescriptor(gt.ProtoDescriptor)
		protoID := gt.ProtoDescriptor
		hasProto := false
		for _, p := range file.Protos {
			if p.ID == protoID {
				hasProto = true
				break
			}
		}
		if !hasProto && pd != nil {
			file.Protos = append(file.Protos, apisixProto{ID: protoID, Content: pd.Content})
		}
		method := strings.TrimSuffix(gt.RequestType, "Request")
		plugins["grpc-transcode"] = map[string]interface{}{
			"proto_id": protoID,
			"service":  gt.Package + "." + gt.Service,
			"method":   method,
		}
	}

	if len(plugins) == 0 {
		return nil, consumers, nil
	}
	return plugins, consumers, nil
}

// bodyTransformLua emits a rewrite-phase body edit function.
func bodyTransformLua(t *config.BodyTransform) string {
	var sb strings.Builder
	sb.WriteString("return function(conf, ctx)\n")
	sb.WriteString("  local core = require(\"apisix.core\")\n")
	sb.WriteString("  local cjson = require(\"cjson.safe\")\n")
	sb.WriteString("  local body = core.request.get_body()\n")
	sb.WriteString("  if not body then return end\n")
	sb.WriteString("  local data = cjson.decode(body)\n")
	sb.WriteString("  if not data then return end\n")
	for _, k := range sortedKeys(t.AddFields) {
		fmt.Fprintf(&sb, "  data[%q] = %s\n", k, luaValue(t.AddFields[k]))
	}
	for _, f := range t.RemoveFields {
		fmt.Fprintf(&sb, "  data[%q] = nil\n", f)
	}
	for _, from := range sortedKeys(t.RenameFields) {
		fmt.Fprintf(&sb, "  data[%q] = data[%q]\n", t.RenameFields[from], from)
		fmt.Fprintf(&sb, "  data[%q] = nil\n", from)
	}
	sb.WriteString("  ngx.req.set_body_data(cjson.encode(data))\n")
	sb.WriteString("end\n")
	return sb.String()
}

func luaValue(v string) string {
	switch v {
	case "{{uuid}}":
		return "require(\"resty.jit-uuid\").generate_v4()"
	case "{{timestamp}}":
		return "ngx.time()"
	default:
		return fmt.Sprintf("%q", v)
	}
}

// apisixUpstreamFor builds one upstream resource with the given stable id.
func apisixUpstreamFor(id string, svc *config.Service, up *config.Upstream) apisixUpstream {
	au := apisixUpstream{
		ID:    id,
		Type:  "roundrobin",
		Nodes: nodesFor(up),
	}
	if svc.Protocol == config.ProtocolGRPC {
		au.Scheme = "grpc"
	}
	if lb := up.LoadBalancer; lb != nil {
		switch lb.Algorithm {
		case "least_conn":
			au.Type = "least_conn"
		case "ip_hash":
			au.Type = "chash"
			au.HashOn = "vars"
			au.Key = "remote_addr"
		}
	}
	if hc := up.HealthCheck; hc != nil {
		checks := map[string]interface{}{}
		if act := hc.Active; act != nil {
			interval := int(act.Interval.Seconds())
			if interval <= 0 {
				interval = 10
			}
			active := map[string]interface{}{
				"type":      "http",
				"http_path": orString(act.Path, "/"),
				"healthy": map[string]interface{}{
					"interval":  interval,
					"successes": orInt(act.HealthyThreshold, 2),
				},
				"unhealthy": map[string]interface{}{
					"interval":      interval,
					"http_failures": orInt(act.UnhealthyThreshold, 3),
				},
			}
			if act.Timeout > 0 {
				active["timeout"] = act.Timeout.Seconds()
			}
			checks["active"] = active
		}
		if pas := hc.Passive; pas != nil {
			checks["passive"] = map[string]interface{}{
				"unhealthy": map[string]interface{}{
					"http_failures": orInt(pas.MaxFailures, 5),
				},
			}
		}
		au.Checks = checks
	}
	return au
}

// nodesFor renders the weighted node map ("host:port" -> weight).
func nodesFor(up *config.Upstream) map[string]int {
	nodes := map[string]int{}
	for _, ep := range up.Endpoints() {
		w := ep.Weight
		if w <= 0 {
			w = 1
		}
		nodes[fmt.Sprintf("%s:%d", ep.Host, ep.Port)] = w
	}
	return nodes
}

// routeURI renders a prefix as an APISIX uri pattern.
func routeURI(prefix string) string {
	if strings.HasSuffix(prefix, "*") {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + "/*"
}

func headerVar(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Deploy pushes each resource to the APISIX admin API.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	ag, _ := cfg.Global.ProviderBlock("apisix").(*config.ApisixGlobal)
	if ag == nil || ag.AdminURL == "" {
		return provider.Errorf("apisix", "deploy requires global.apisix.admin_url")
	}

	artifact, err := a.Generate(cfg)
	if err != nil {
		return err
	}
	var file apisixFile
	if err := json.Unmarshal([]byte(artifact), &file); err != nil {
		return fmt.Errorf("apisix: re-reading generated artifact: %w", err)
	}

	headers := map[string]string{}
	if ag.AdminKey != "" {
		headers["X-API-KEY"] = ag.AdminKey
	}
	base := strings.TrimSuffix(ag.AdminURL, "/") + "/apisix/admin"

	push := func(path string, v interface{}) error {
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		// The admin API derives the id from the URL; a body id is rejected
		// on some versions.
		payload, err := sjson.Delete(string(body), "id")
		if err != nil {
			return err
		}
		return a.deploy.Push(ctx, "PUT", base+path, "application/json", payload, headers)
	}

	for _, p := range file.Protos {
		if err := push("/protos/"+p.ID, p); err != nil {
			return err
		}
	}
	for _, u := range file.Upstreams {
		if err := push("/upstreams/"+u.ID, u); err != nil {
			return err
		}
	}
	for _, c := range file.Consumers {
		if err := push("/consumers/"+c.Username, c); err != nil {
			return err
		}
	}
	for _, r := range file.Routes {
		if err := push("/routes/"+r.ID, r); err != nil {
			return err
		}
	}
	return nil
}
