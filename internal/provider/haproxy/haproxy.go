package haproxy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
	"github.com/wudi/polygate/internal/tmplutil"
)

// Adapter translates the neutral model to a haproxy.cfg. Routing is ACL
// based; weighted splits merge targets into one backend on HAProxy's 0-256
// weight scale.
type Adapter struct{}

// New creates the HAProxy adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "haproxy" }

// Parse is not supported; the cfg grammar is too free-form to reverse
// reliably.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	return nil, &provider.UnsupportedFeatureError{Provider: "haproxy", Feature: "parse"}
}

// Deploy is not supported; HAProxy reloads its cfg from disk.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "haproxy", Feature: "deploy"}
}

// Validate checks HAProxy-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	if cfg.Global.Port == 0 {
		return provider.Errorf("haproxy", "global.port is required for the frontend bind")
	}
	return nil
}

// scaleWeight converts a 0-100 weight to HAProxy's 0-256 scale, round half
// up, never below 1 so a target keeps receiving traffic.
func scaleWeight(w int) int {
	scaled := int(float64(w)*2.56 + 0.5)
	if scaled < 1 {
		return 1
	}
	return scaled
}

type cfgData struct {
	Port      int
	StatsPort int
	Frontend  frontendData
	Userlists []userlist
	Backends  []backendData
}

type frontendData struct {
	ACLs  []string
	Rules []string // http-request / use_backend lines in order
}

type userlist struct {
	Name  string
	Users []string // "user <u> password <p>" or insecure-password
}

type backendData struct {
	Name    string
	Mode    string
	Balance string
	Lines   []string // option/timeout/http-request lines
	Servers []string
}

var cfgTemplate = tmplutil.Must("haproxy.cfg", `# generated haproxy gateway configuration
global
    log stdout format raw local0
    maxconn 4096

defaults
    mode http
    log global
    option httplog
    timeout connect 5s
    timeout client 30s
    timeout server 30s
{{- if gt .StatsPort 0 }}

listen stats
    bind *:{{ .StatsPort }}
    stats enable
    stats uri /stats
{{- end }}
{{- range .Userlists }}

userlist {{ .Name }}
{{- range .Users }}
    {{ . }}
{{- end }}
{{- end }}

frontend gateway
    bind *:{{ .Port }}
{{- range .Frontend.ACLs }}
    {{ . }}
{{- end }}
{{- range .Frontend.Rules }}
    {{ . }}
{{- end }}
{{- range .Backends }}

backend {{ .Name }}
    mode {{ .Mode }}
    balance {{ .Balance }}
{{- range .Lines }}
    {{ . }}
{{- end }}
{{- range .Servers }}
    {{ . }}
{{- end }}
{{- end }}
`)

// Generate renders the haproxy.cfg.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	data := cfgData{
		Port: cfg.Global.Port,
	}
	if cfg.Global.Metrics.Enabled {
		data.StatsPort = cfg.Global.AdminPort
	}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		a.buildService(&data, svc)
	}

	var sb strings.Builder
	if err := cfgTemplate.Execute(&sb, &data); err != nil {
		return "", fmt.Errorf("haproxy: template render failed: %w", err)
	}
	return sb.String(), nil
}

func (a *Adapter) buildService(data *cfgData, svc *config.Service) {
	// h2 upstreams ride proto h2 on server lines; the frontend mode stays http.
	mode := "http"

	mainBackend := svc.Name + "_cluster"
	data.Backends = append(data.Backends, a.buildBackend(mainBackend, mode, svc, &svc.Upstream, nil))

	for ri := range svc.Routes {
		route := &svc.Routes[ri]
		base := fmt.Sprintf("%s_route_%d", svc.Name, ri)

		pathACL := base + "_path"
		data.Frontend.ACLs = append(data.Frontend.ACLs,
			fmt.Sprintf("acl %s path_beg %s", pathACL, route.PathPrefix))
		cond := pathACL

		if len(route.Methods) > 0 {
			methodACL := base + "_method"
			data.Frontend.ACLs = append(data.Frontend.ACLs,
				fmt.Sprintf("acl %s method %s", methodACL, strings.Join(route.Methods, " ")))
			cond += " " + methodACL
		}

		a.buildFrontendPolicies(data, svc, route, base, cond)

		target := mainBackend
		if ts := route.TrafficSplit; ts != nil && ts.Enabled {
			target = a.buildTrafficSplit(data, svc, route, ri, mode, cond)
		} else if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
			target = a.buildAdvancedRouting(data, svc, route, ri, mode, cond, mainBackend)
		}

		a.warnUnsupported(svc, route)

		data.Frontend.Rules = append(data.Frontend.Rules,
			fmt.Sprintf("use_backend %s if %s", target, cond))
	}
}

// buildFrontendPolicies emits auth, rate limit and header rules guarded by
// the route condition.
func (a *Adapter) buildFrontendPolicies(data *cfgData, svc *config.Service, route *config.Route, base, cond string) {
	if rl := route.RateLimit; rl != nil {
		table := base + "_rl"
		data.Frontend.Rules = append(data.Frontend.Rules,
			fmt.Sprintf("http-request track-sc0 src table %s if %s", table, cond),
			fmt.Sprintf("http-request deny deny_status 429 if %s { sc_http_req_rate(0,%s) gt %d }", cond, table, rl.RequestsPerSecond),
		)
		data.Backends = append(data.Backends, backendData{
			Name:    table,
			Mode:    "http",
			Balance: "roundrobin",
			Lines:   []string{"stick-table type ip size 100k expire 10s store http_req_rate(1s)"},
		})
	}

	if auth := route.Authentication; auth != nil {
		switch auth.Type {
		case config.AuthTypeBasic:
			listName := base + "_users"
			ul := userlist{Name: listName}
			for _, u := range sortedKeys(auth.BasicUsers) {
				ul.Users = append(ul.Users, fmt.Sprintf("user %s insecure-password %s", u, auth.BasicUsers[u]))
			}
			data.Userlists = append(data.Userlists, ul)
			authACL := base + "_auth"
			data.Frontend.ACLs = append(data.Frontend.ACLs,
				fmt.Sprintf("acl %s http_auth(%s)", authACL, listName))
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-request auth realm restricted if %s !%s", cond, authACL))
		case config.AuthTypeAPIKey:
			header := auth.APIKeyHeader
			if header == "" {
				header = "X-API-Key"
			}
			keyACL := base + "_key"
			data.Frontend.ACLs = append(data.Frontend.ACLs,
				fmt.Sprintf("acl %s hdr(%s) -m str %s", keyACL, header, strings.Join(route.Authentication.APIKeys, " ")))
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-request deny deny_status 401 if %s !%s", cond, keyACL))
		case config.AuthTypeJWT:
			logging.Warn("haproxy: JWT verification requires the jwt converter set and key provisioning, dropped",
				zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
		}
	}

	if h := route.Headers; h != nil {
		for _, k := range sortedKeys(h.RequestAdd) {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-request set-header %s \"%s\" if %s", k, h.RequestAdd[k], cond))
		}
		for _, k := range h.RequestRemove {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-request del-header %s if %s", k, cond))
		}
		for _, k := range sortedKeys(h.ResponseAdd) {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response set-header %s \"%s\" if %s", k, h.ResponseAdd[k], cond))
		}
		for _, k := range h.ResponseRemove {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response del-header %s if %s", k, cond))
		}
	}

	if c := route.CORS; c != nil && c.Enabled {
		if len(c.AllowOrigins) > 0 {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response set-header Access-Control-Allow-Origin \"%s\" if %s", strings.Join(c.AllowOrigins, " "), cond))
		}
		if len(c.AllowMethods) > 0 {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response set-header Access-Control-Allow-Methods \"%s\" if %s", strings.Join(c.AllowMethods, ", "), cond))
		}
		if len(c.AllowHeaders) > 0 {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response set-header Access-Control-Allow-Headers \"%s\" if %s", strings.Join(c.AllowHeaders, ", "), cond))
		}
		if c.AllowCredentials {
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("http-response set-header Access-Control-Allow-Credentials \"true\" if %s", cond))
		}
	}
}

// buildTrafficSplit merges the split targets into one weighted backend and
// emits higher-precedence ACL routes for header/cookie overrides. Returns
// the backend for the weighted fallthrough.
func (a *Adapter) buildTrafficSplit(data *cfgData, svc *config.Service, route *config.Route, ri int, mode, cond string) string {
	ts := route.TrafficSplit

	if rr := ts.RoutingRules; rr != nil {
		emitOverride := func(kind string, i int, acl, targetName string) {
			target := ts.FindTarget(targetName)
			backendName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
			if !hasBackend(data, backendName) {
				data.Backends = append(data.Backends, a.buildBackend(backendName, mode, svc, &target.Upstream, route))
			}
			aclName := fmt.Sprintf("%s_route_%d_%s_%d", svc.Name, ri, kind, i)
			data.Frontend.ACLs = append(data.Frontend.ACLs, fmt.Sprintf("acl %s %s", aclName, acl))
			data.Frontend.Rules = append(data.Frontend.Rules,
				fmt.Sprintf("use_backend %s if %s %s", backendName, cond, aclName))
		}
		for i, rule := range rr.HeaderRules {
			emitOverride("hdr", i, fmt.Sprintf("hdr(%s) -m str %s", rule.Header, rule.Value), rule.Target)
		}
		for i, rule := range rr.CookieRules {
			emitOverride("ck", i, fmt.Sprintf("cook(%s) -m str %s", rule.Cookie, rule.Value), rule.Target)
		}
	}

	splitBackend := fmt.Sprintf("%s_split_%d", svc.Name, ri)
	backend := backendData{
		Name:    splitBackend,
		Mode:    mode,
		Balance: "roundrobin",
	}
	backendPolicyLines(&backend, route)

	sum := 0
	si := 0
	appendTarget := func(t *config.SplitTarget, weight int) {
		for _, ep := range t.Upstream.Endpoints() {
			si++
			backend.Servers = append(backend.Servers, fmt.Sprintf(
				"server s%d %s:%d weight %d%s",
				si, ep.Host, ep.Port, scaleWeight(weight), serverCheckSuffix(svc, t.Upstream.HealthCheck)))
		}
	}
	for ti := range ts.Targets {
		t := &ts.Targets[ti]
		sum += t.Weight
		appendTarget(t, t.Weight)
	}
	if sum < 100 && ts.FallbackTarget != "" {
		if fb := ts.FindTarget(ts.FallbackTarget); fb != nil {
			appendTarget(fb, 100-sum)
		}
	}
	data.Backends = append(data.Backends, backend)
	return splitBackend
}

// buildAdvancedRouting emits one ACL-guarded use_backend per rule ahead of
// the route's default use_backend, and returns the backend unmatched traffic
// falls to: the declared fallback target, or the service default. Geo and
// claim predicates degrade.
func (a *Adapter) buildAdvancedRouting(data *cfgData, svc *config.Service, route *config.Route, ri int, mode, cond, mainBackend string) string {
	adv := route.AdvancedRouting

	findTarget := func(name string) *config.AdvancedRoutingTarget {
		for i := range route.AdvancedRoutingTargets {
			if route.AdvancedRoutingTargets[i].Name == name {
				return &route.AdvancedRoutingTargets[i]
			}
		}
		return nil
	}

	addBackend := func(targetName string) string {
		target := findTarget(targetName)
		backendName := fmt.Sprintf("%s_%s", svc.Name, target.Name)
		if !hasBackend(data, backendName) {
			data.Backends = append(data.Backends, a.buildBackend(backendName, mode, svc, &target.Upstream, route))
		}
		return backendName
	}

	emit := func(kind string, i int, acl, targetName string) {
		backendName := addBackend(targetName)
		aclName := fmt.Sprintf("%s_route_%d_adv_%s_%d", svc.Name, ri, kind, i)
		data.Frontend.ACLs = append(data.Frontend.ACLs, fmt.Sprintf("acl %s %s", aclName, acl))
		data.Frontend.Rules = append(data.Frontend.Rules,
			fmt.Sprintf("use_backend %s if %s %s", backendName, cond, aclName))
	}

	for i, rule := range adv.HeaderRules {
		switch rule.MatchType {
		case "exact", "":
			emit("hdr", i, fmt.Sprintf("hdr(%s) -m str %s", rule.Header, rule.Value), rule.Target)
		case "prefix":
			emit("hdr", i, fmt.Sprintf("hdr_beg(%s) %s", rule.Header, rule.Value), rule.Target)
		case "contains":
			emit("hdr", i, fmt.Sprintf("hdr_sub(%s) %s", rule.Header, rule.Value), rule.Target)
		case "regex":
			emit("hdr", i, fmt.Sprintf("hdr_reg(%s) %s", rule.Header, rule.Value), rule.Target)
		}
	}
	for i, rule := range adv.QueryRules {
		switch rule.MatchType {
		case "exact", "":
			emit("qry", i, fmt.Sprintf("url_param(%s) -m str %s", rule.Param, rule.Value), rule.Target)
		case "exists":
			emit("qry", i, fmt.Sprintf("url_param(%s) -m found", rule.Param), rule.Target)
		case "regex":
			emit("qry", i, fmt.Sprintf("url_param(%s) -m reg %s", rule.Param, rule.Value), rule.Target)
		}
	}
	if len(adv.ClaimRules) > 0 || len(adv.GeoRules) > 0 {
		logging.Warn("haproxy: claim/geo routing rules need external enrichment, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	if adv.FallbackTarget != "" {
		return addBackend(adv.FallbackTarget)
	}
	return mainBackend
}

func (a *Adapter) warnUnsupported(svc *config.Service, route *config.Route) {
	if m := route.Mirroring; m != nil && m.Enabled {
		logging.Warn("haproxy: request mirroring requires an SPOE agent, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if bt := svc.EffectiveBodyTransform(route); bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		logging.Warn("haproxy: body transformation is not expressible in cfg, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		logging.Warn("haproxy: gRPC message transformation is not expressible in cfg, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
}

// buildBackend emits a backend block for an upstream. Route may be nil for
// backends not owned by a single route.
func (a *Adapter) buildBackend(name, mode string, svc *config.Service, up *config.Upstream, route *config.Route) backendData {
	backend := backendData{
		Name:    name,
		Mode:    mode,
		Balance: balanceFor(up),
	}

	if hc := up.HealthCheck; hc != nil && hc.Active != nil && hc.Active.Path != "" {
		backend.Lines = append(backend.Lines, fmt.Sprintf("option httpchk GET %s", hc.Active.Path))
	}
	if route != nil {
		backendPolicyLines(&backend, route)
	}

	for i, ep := range up.Endpoints() {
		weight := ""
		if ep.Weight > 1 {
			weight = fmt.Sprintf(" weight %d", ep.Weight)
		}
		backend.Servers = append(backend.Servers, fmt.Sprintf(
			"server s%d %s:%d%s%s", i+1, ep.Host, ep.Port, weight, serverCheckSuffix(svc, up.HealthCheck)))
	}
	return backend
}

// backendPolicyLines appends timeout/retry lines owned by the route.
func backendPolicyLines(backend *backendData, route *config.Route) {
	if to := route.Timeout; to != nil {
		if to.Connect > 0 {
			backend.Lines = append(backend.Lines, fmt.Sprintf("timeout connect %dms", to.Connect.Milliseconds()))
		}
		if to.Read > 0 {
			backend.Lines = append(backend.Lines, fmt.Sprintf("timeout server %dms", to.Read.Milliseconds()))
		}
	}
	if r := route.Retry; r != nil && r.Attempts > 0 {
		backend.Lines = append(backend.Lines,
			fmt.Sprintf("retries %d", r.Attempts),
			"option redispatch")
	}
}

// serverCheckSuffix renders health check and protocol options for a server
// line.
func serverCheckSuffix(svc *config.Service, hc *config.HealthCheckConfig) string {
	var sb strings.Builder
	if svc.Protocol == config.ProtocolGRPC || svc.Protocol == config.ProtocolHTTP2 {
		sb.WriteString(" proto h2")
	}
	if hc == nil {
		return sb.String()
	}
	if act := hc.Active; act != nil {
		sb.WriteString(" check")
		if act.Interval > 0 {
			fmt.Fprintf(&sb, " inter %dms", act.Interval.Milliseconds())
		}
		if act.HealthyThreshold > 0 {
			fmt.Fprintf(&sb, " rise %d", act.HealthyThreshold)
		}
		if act.UnhealthyThreshold > 0 {
			fmt.Fprintf(&sb, " fall %d", act.UnhealthyThreshold)
		}
	}
	if pas := hc.Passive; pas != nil {
		fmt.Fprintf(&sb, " observe layer7 error-limit %d on-error mark-down", maxInt(pas.MaxFailures, 1))
	}
	return sb.String()
}

func balanceFor(up *config.Upstream) string {
	if lb := up.LoadBalancer; lb != nil {
		switch lb.Algorithm {
		case "least_conn":
			return "leastconn"
		case "ip_hash":
			return "source"
		}
	}
	return "roundrobin"
}

func hasBackend(data *cfgData, name string) bool {
	for i := range data.Backends {
		if data.Backends[i].Name == name {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
