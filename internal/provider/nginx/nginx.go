package nginx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/luascript"
	"github.com/wudi/polygate/internal/provider"
	"github.com/wudi/polygate/internal/tmplutil"
)

// Adapter translates the neutral model to and from an nginx conf file.
// Traffic splitting uses split_clients, rule overrides use map chains, body
// transforms use OpenResty access_by_lua_block.
type Adapter struct{}

// New creates the nginx adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "nginx" }

// Deploy is not supported; nginx loads its conf from disk.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "nginx", Feature: "deploy"}
}

// Validate checks nginx-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	if cfg.Global.Port == 0 {
		return provider.Errorf("nginx", "global.port is required for the listen directive")
	}
	return nil
}

// View model rendered by confTemplate.

type confData struct {
	Port       int
	MetricsOn  bool
	LimitZones []limitZone
	Maps       []mapBlock
	Splits     []splitBlock
	Upstreams  []upstreamBlock
	Locations  []locationBlock
}

type limitZone struct {
	Name string
	Rate int
}

type mapBlock struct {
	Source  string
	Var     string
	Entries []mapEntry
	Default string
}

type mapEntry struct {
	Key   string
	Value string
}

type splitBlock struct {
	Key     string
	Var     string
	Entries []splitEntry
}

type splitEntry struct {
	Percent string // "90%" or "*"
	Value   string
}

type upstreamBlock struct {
	Name      string
	Algorithm string // empty, least_conn, ip_hash
	Servers   []upstreamServer
}

type upstreamServer struct {
	Address     string
	Weight      int
	MaxFails    int
	FailTimeout string
}

type locationBlock struct {
	Path            string
	Internal        bool
	Grpc            bool
	ProxyPass       string
	MethodsRegex    string
	LimitReq        *limitReq
	AuthBasic       string // realm
	AuthBasicFile   string
	AccessLua       string
	SetHeaders      []mapEntry
	RemoveHeaders   []string // request headers cleared
	AddHeaders      []mapEntry
	HideHeaders     []string
	CORS            []string // raw add_header lines
	ConnectTimeout  string
	SendTimeout     string
	ReadTimeout     string
	Retries         int
	WebSocket       bool
	Mirrors         []string
}

type limitReq struct {
	Zone  string
	Burst int
}

var confTemplate = tmplutil.Must("nginx.conf", `# generated nginx gateway configuration
worker_processes auto;

events {
    worker_connections 1024;
}

http {
{{- range .LimitZones }}
    limit_req_zone $binary_remote_addr zone={{ .Name }}:10m rate={{ .Rate }}r/s;
{{- end }}
{{- range .Maps }}

    map {{ .Source }} {{ .Var }} {
{{- range .Entries }}
        {{ .Key }} {{ .Value }};
{{- end }}
        default {{ .Default }};
    }
{{- end }}
{{- range .Splits }}

    split_clients "{{ .Key }}" {{ .Var }} {
{{- range .Entries }}
        {{ .Percent }} {{ .Value }};
{{- end }}
    }
{{- end }}
{{- range .Upstreams }}

    upstream {{ .Name }} {
{{- if .Algorithm }}
        {{ .Algorithm }};
{{- end }}
{{- range .Servers }}
        server {{ .Address }}{{ if gt .Weight 1 }} weight={{ .Weight }}{{ end }}{{ if gt .MaxFails 0 }} max_fails={{ .MaxFails }} fail_timeout={{ .FailTimeout }}{{ end }};
{{- end }}
    }
{{- end }}

    server {
        listen {{ .Port }};
        server_name _;
{{- if .MetricsOn }}

        location /stub_status {
            stub_status;
        }
{{- end }}
{{- range .Locations }}

        location {{ .Path }} {
{{- if .Internal }}
            internal;
{{- end }}
{{- if .MethodsRegex }}
            if ($request_method !~ ^{{ .MethodsRegex }}$) {
                return 405;
            }
{{- end }}
{{- if .LimitReq }}
            limit_req zone={{ .LimitReq.Zone }}{{ if gt .LimitReq.Burst 0 }} burst={{ .LimitReq.Burst }} nodelay{{ end }};
{{- end }}
{{- if .AuthBasic }}
            auth_basic "{{ .AuthBasic }}";
            auth_basic_user_file {{ .AuthBasicFile }};
{{- end }}
{{- if .AccessLua }}
            access_by_lua_block {
{{ .AccessLua }}            }
{{- end }}
{{- range .SetHeaders }}
            proxy_set_header {{ .Key }} "{{ .Value }}";
{{- end }}
{{- range .RemoveHeaders }}
            proxy_set_header {{ . }} "";
{{- end }}
{{- range .AddHeaders }}
            add_header {{ .Key }} "{{ .Value }}" always;
{{- end }}
{{- range .HideHeaders }}
            proxy_hide_header {{ . }};
{{- end }}
{{- range .CORS }}
            {{ . }}
{{- end }}
{{- if .ConnectTimeout }}
            proxy_connect_timeout {{ .ConnectTimeout }};
{{- end }}
{{- if .SendTimeout }}
            proxy_send_timeout {{ .SendTimeout }};
{{- end }}
{{- if .ReadTimeout }}
            proxy_read_timeout {{ .ReadTimeout }};
{{- end }}
{{- if gt .Retries 0 }}
            proxy_next_upstream error timeout http_502 http_503 http_504;
            proxy_next_upstream_tries {{ .Retries }};
{{- end }}
{{- if .WebSocket }}
            proxy_http_version 1.1;
            proxy_set_header Upgrade $http_upgrade;
            proxy_set_header Connection "upgrade";
{{- end }}
{{- range .Mirrors }}
            mirror {{ . }};
{{- end }}
{{- if .Grpc }}
            grpc_pass {{ .ProxyPass }};
{{- else }}
            proxy_pass {{ .ProxyPass }};
{{- end }}
        }
{{- end }}
    }
}
`)

// Generate renders the nginx conf.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	data := confData{
		Port:      cfg.Global.Port,
		MetricsOn: cfg.Global.Metrics.Enabled,
	}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		if err := a.buildService(&data, svc); err != nil {
			return "", err
		}
	}

	var sb strings.Builder
	if err := confTemplate.Execute(&sb, &data); err != nil {
		return "", fmt.Errorf("nginx: template render failed: %w", err)
	}
	return sb.String(), nil
}

func (a *Adapter) buildService(data *confData, svc *config.Service) error {
	mainCluster := svc.Name + "_cluster"
	data.Upstreams = append(data.Upstreams, buildUpstream(mainCluster, &svc.Upstream))

	for ri := range svc.Routes {
		route := &svc.Routes[ri]
		loc := locationBlock{
			Path: route.PathPrefix,
			Grpc: svc.Protocol == config.ProtocolGRPC,
		}

		scheme := "http"
		if loc.Grpc {
			scheme = "grpc"
		}
		proxyTarget := scheme + "://" + mainCluster

		if len(route.Methods) > 0 {
			loc.MethodsRegex = "(" + strings.Join(route.Methods, "|") + ")"
		}

		if ts := route.TrafficSplit; ts != nil && ts.Enabled {
			variable, err := a.buildTrafficSplit(data, svc, ri, ts)
			if err != nil {
				return err
			}
			proxyTarget = scheme + "://" + variable
		} else if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
			variable := a.buildAdvancedRouting(data, svc, route, ri, mainCluster)
			proxyTarget = scheme + "://" + variable
		}
		loc.ProxyPass = proxyTarget

		if rl := route.RateLimit; rl != nil {
			zone := fmt.Sprintf("%s_rl_%d", svc.Name, ri)
			data.LimitZones = append(data.LimitZones, limitZone{Name: zone, Rate: rl.RequestsPerSecond})
			loc.LimitReq = &limitReq{Zone: zone, Burst: rl.Burst}
		}

		if err := a.applyAuth(&loc, svc, route); err != nil {
			return err
		}

		if h := route.Headers; h != nil {
			for _, k := range sortedKeys(h.RequestAdd) {
				loc.SetHeaders = append(loc.SetHeaders, mapEntry{Key: k, Value: h.RequestAdd[k]})
			}
			loc.RemoveHeaders = h.RequestRemove
			for _, k := range sortedKeys(h.ResponseAdd) {
				loc.AddHeaders = append(loc.AddHeaders, mapEntry{Key: k, Value: h.ResponseAdd[k]})
			}
			loc.HideHeaders = h.ResponseRemove
		}

		if c := route.CORS; c != nil && c.Enabled {
			loc.CORS = corsLines(c)
		}

		if to := route.Timeout; to != nil {
			if to.Connect > 0 {
				loc.ConnectTimeout = formatSeconds(to.Connect)
			}
			if to.Send > 0 {
				loc.SendTimeout = formatSeconds(to.Send)
			}
			if to.Read > 0 {
				loc.ReadTimeout = formatSeconds(to.Read)
			}
		}
		if r := route.Retry; r != nil && r.Attempts > 0 {
			loc.Retries = r.Attempts
		}
		if ws := route.WebSocket; ws != nil && ws.Enabled {
			loc.WebSocket = true
		}

		if bt := svc.EffectiveBodyTransform(route); bt != nil && bt.Request.IsActive() {
			script := bodyTransformLua(bt.Request)
			if err := luascript.Check(script, "nginx_body_transform"); err != nil {
				return err
			}
			loc.AccessLua += indent(script, "                ")
		}

		if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
			logging.Warn("nginx: gRPC message transformation is not expressible in conf, dropped",
				zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
		}

		if m := route.Mirroring; m != nil && m.Enabled {
			for ti := range m.Targets {
				t := &m.Targets[ti]
				mirrorCluster := fmt.Sprintf("%s_%s", svc.Name, t.Name)
				addUpstreamOnce(data, mirrorCluster, &t.Upstream)
				mirrorPath := fmt.Sprintf("/_mirror/%s/%d/%d", svc.Name, ri, ti)
				loc.Mirrors = append(loc.Mirrors, mirrorPath)
				data.Locations = append(data.Locations, locationBlock{
					Path:      mirrorPath,
					Internal:  true,
					ProxyPass: fmt.Sprintf("http://%s$request_uri", mirrorCluster),
				})
				if t.SamplePercentage > 0 && t.SamplePercentage < 100 {
					logging.Warn("nginx: mirror sampling is not expressible with the mirror directive, mirroring all requests",
						zap.String("service", svc.Name), zap.String("target", t.Name))
				}
			}
		}

		if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
			logging.Warn("nginx: circuit breaking maps only to passive max_fails, thresholds dropped",
				zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
		}

		data.Locations = append(data.Locations, loc)
	}
	return nil
}

// buildTrafficSplit emits the split_clients block plus the map chain for
// header/cookie overrides and returns the variable to proxy to.
func (a *Adapter) buildTrafficSplit(data *confData, svc *config.Service, ri int, ts *config.TrafficSplitConfig) (string, error) {
	splitVar := fmt.Sprintf("$%s_split_%d", svc.Name, ri)

	block := splitBlock{
		Key: "${remote_addr}${request_uri}",
		Var: splitVar,
	}
	sum := 0
	for ti := range ts.Targets {
		t := &ts.Targets[ti]
		cluster := fmt.Sprintf("%s_%s", svc.Name, t.Name)
		addUpstreamOnce(data, cluster, &t.Upstream)
		sum += t.Weight
		block.Entries = append(block.Entries, splitEntry{
			Percent: fmt.Sprintf("%d%%", t.Weight),
			Value:   cluster,
		})
	}
	if sum < 100 && ts.FallbackTarget != "" {
		if fb := ts.FindTarget(ts.FallbackTarget); fb != nil {
			block.Entries = append(block.Entries, splitEntry{
				Percent: "*",
				Value:   fmt.Sprintf("%s_%s", svc.Name, fb.Name),
			})
		}
	} else if len(block.Entries) > 0 {
		// The last band absorbs rounding remainder.
		block.Entries[len(block.Entries)-1].Percent = "*"
	}
	data.Splits = append(data.Splits, block)

	variable := splitVar
	if rr := ts.RoutingRules; rr != nil {
		// Map chain: each override defaults to the next, weighted split last.
		// Emitted in reverse so the first declared rule wins.
		type override struct {
			source string
			value  string
			target string
		}
		var overrides []override
		for _, rule := range rr.HeaderRules {
			overrides = append(overrides, override{
				source: "$http_" + headerVar(rule.Header),
				value:  rule.Value,
				target: fmt.Sprintf("%s_%s", svc.Name, rule.Target),
			})
		}
		for _, rule := range rr.CookieRules {
			overrides = append(overrides, override{
				source: "$cookie_" + rule.Cookie,
				value:  rule.Value,
				target: fmt.Sprintf("%s_%s", svc.Name, rule.Target),
			})
		}
		for i := len(overrides) - 1; i >= 0; i-- {
			o := overrides[i]
			mapVar := fmt.Sprintf("$%s_route_%d_ovr_%d", svc.Name, ri, i)
			data.Maps = append(data.Maps, mapBlock{
				Source:  o.source,
				Var:     mapVar,
				Entries: []mapEntry{{Key: fmt.Sprintf("%q", o.value), Value: o.target}},
				Default: variable,
			})
			variable = mapVar
		}
	}
	return variable, nil
}

// buildAdvancedRouting emits a map chain over request attributes and returns
// the variable to proxy to. Header, query and geo predicates are native;
// claim predicates degrade.
func (a *Adapter) buildAdvancedRouting(data *confData, svc *config.Service, route *config.Route, ri int, mainCluster string) string {
	adv := route.AdvancedRouting

	findTarget := func(name string) *config.AdvancedRoutingTarget {
		for i := range route.AdvancedRoutingTargets {
			if route.AdvancedRoutingTargets[i].Name == name {
				return &route.AdvancedRoutingTargets[i]
			}
		}
		return nil
	}

	type ruleMap struct {
		source string
		entry  mapEntry
	}
	var chain []ruleMap

	addTarget := func(targetName string) string {
		t := findTarget(targetName)
		cluster := fmt.Sprintf("%s_%s", svc.Name, t.Name)
		addUpstreamOnce(data, cluster, &t.Upstream)
		return cluster
	}

	for _, rule := range adv.HeaderRules {
		cluster := addTarget(rule.Target)
		key := fmt.Sprintf("%q", rule.Value)
		switch rule.MatchType {
		case "prefix":
			key = "~^" + rule.Value
		case "regex":
			key = "~" + rule.Value
		case "contains":
			key = "~.*" + rule.Value + ".*"
		}
		chain = append(chain, ruleMap{
			source: "$http_" + headerVar(rule.Header),
			entry:  mapEntry{Key: key, Value: cluster},
		})
	}
	for _, rule := range adv.GeoRules {
		cluster := addTarget(rule.Target)
		for _, v := range rule.Values {
			chain = append(chain, ruleMap{
				source: "$geoip_country_code",
				entry:  mapEntry{Key: fmt.Sprintf("%q", v), Value: cluster},
			})
		}
	}
	for _, rule := range adv.QueryRules {
		cluster := addTarget(rule.Target)
		key := fmt.Sprintf("%q", rule.Value)
		switch rule.MatchType {
		case "exists":
			key = "~."
		case "regex":
			key = "~" + rule.Value
		}
		chain = append(chain, ruleMap{
			source: "$arg_" + rule.Param,
			entry:  mapEntry{Key: key, Value: cluster},
		})
	}
	if len(adv.ClaimRules) > 0 {
		logging.Warn("nginx: JWT claim routing requires OpenResty JWT parsing, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}

	fallback := mainCluster
	if adv.FallbackTarget != "" {
		fallback = addTarget(adv.FallbackTarget)
	}

	variable := fallback
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		mapVar := fmt.Sprintf("$%s_route_%d_adv_%d", svc.Name, ri, i)
		data.Maps = append(data.Maps, mapBlock{
			Source:  c.source,
			Var:     mapVar,
			Entries: []mapEntry{c.entry},
			Default: variable,
		})
		variable = mapVar
	}
	return variable
}

// applyAuth maps the authentication policy onto the location.
func (a *Adapter) applyAuth(loc *locationBlock, svc *config.Service, route *config.Route) error {
	auth := route.Authentication
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case config.AuthTypeBasic:
		loc.AuthBasic = "restricted"
		loc.AuthBasicFile = fmt.Sprintf("/etc/nginx/htpasswd_%s", svc.Name)
	case config.AuthTypeAPIKey:
		script := apiKeyLua(auth)
		if err := luascript.Check(script, "nginx_api_key"); err != nil {
			return err
		}
		loc.AccessLua += indent(script, "                ")
	case config.AuthTypeJWT:
		logging.Warn("nginx: JWT verification requires OpenResty resty.jwt, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	return nil
}

// apiKeyLua emits an access-phase key check.
func apiKeyLua(auth *config.AuthenticationConfig) string {
	header := auth.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "local key = ngx.req.get_headers()[%q]\n", header)
	sb.WriteString("local allowed = {\n")
	for _, k := range auth.APIKeys {
		fmt.Fprintf(&sb, "  [%q] = true,\n", k)
	}
	sb.WriteString("}\n")
	sb.WriteString("if key == nil or not allowed[key] then\n")
	sb.WriteString("  return ngx.exit(ngx.HTTP_UNAUTHORIZED)\n")
	sb.WriteString("end\n")
	return sb.String()
}

// bodyTransformLua emits an access-phase body edit script.
func bodyTransformLua(t *config.BodyTransform) string {
	var sb strings.Builder
	sb.WriteString("local cjson = require(\"cjson.safe\")\n")
	sb.WriteString("ngx.req.read_body()\n")
	sb.WriteString("local body = ngx.req.get_body_data()\n")
	sb.WriteString("if body ~= nil then\n")
	sb.WriteString("  local data = cjson.decode(body)\n")
	sb.WriteString("  if data ~= nil then\n")
	for _, k := range sortedKeys(t.AddFields) {
		fmt.Fprintf(&sb, "    data[%q] = %s\n", k, luaValue(t.AddFields[k]))
	}
	for _, f := range t.RemoveFields {
		fmt.Fprintf(&sb, "    data[%q] = nil\n", f)
	}
	for _, from := range sortedKeys(t.RenameFields) {
		fmt.Fprintf(&sb, "    data[%q] = data[%q]\n", t.RenameFields[from], from)
		fmt.Fprintf(&sb, "    data[%q] = nil\n", from)
	}
	sb.WriteString("    ngx.req.set_body_data(cjson.encode(data))\n")
	sb.WriteString("  end\n")
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

// corsLines renders CORS as add_header directives.
func corsLines(c *config.CORSConfig) []string {
	var lines []string
	if len(c.AllowOrigins) > 0 {
		lines = append(lines, fmt.Sprintf("add_header Access-Control-Allow-Origin \"%s\" always;", strings.Join(c.AllowOrigins, " ")))
	}
	if len(c.AllowMethods) > 0 {
		lines = append(lines, fmt.Sprintf("add_header Access-Control-Allow-Methods \"%s\" always;", strings.Join(c.AllowMethods, ", ")))
	}
	if len(c.AllowHeaders) > 0 {
		lines = append(lines, fmt.Sprintf("add_header Access-Control-Allow-Headers \"%s\" always;", strings.Join(c.AllowHeaders, ", ")))
	}
	if len(c.ExposeHeaders) > 0 {
		lines = append(lines, fmt.Sprintf("add_header Access-Control-Expose-Headers \"%s\" always;", strings.Join(c.ExposeHeaders, ", ")))
	}
	if c.AllowCredentials {
		lines = append(lines, "add_header Access-Control-Allow-Credentials \"true\" always;")
	}
	if c.MaxAge > 0 {
		lines = append(lines, fmt.Sprintf("add_header Access-Control-Max-Age \"%d\" always;", int(c.MaxAge.Seconds())))
	}
	return lines
}

// buildUpstream emits an upstream block with passive health parameters.
// addUpstreamOnce appends an upstream block unless one with the same name
// was already emitted; nginx rejects duplicate upstream blocks.
func addUpstreamOnce(data *confData, name string, up *config.Upstream) {
	for i := range data.Upstreams {
		if data.Upstreams[i].Name == name {
			return
		}
	}
	data.Upstreams = append(data.Upstreams, buildUpstream(name, up))
}

func buildUpstream(name string, up *config.Upstream) upstreamBlock {
	block := upstreamBlock{Name: name}
	if lb := up.LoadBalancer; lb != nil {
		switch lb.Algorithm {
		case "least_conn":
			block.Algorithm = "least_conn"
		case "ip_hash":
			block.Algorithm = "ip_hash"
		}
	}
	maxFails := 0
	failTimeout := ""
	if hc := up.HealthCheck; hc != nil {
		if hc.Passive != nil {
			maxFails = hc.Passive.MaxFailures
			if hc.Passive.EjectionDuration > 0 {
				failTimeout = formatSeconds(hc.Passive.EjectionDuration)
			} else {
				failTimeout = "30s"
			}
		}
		if hc.Active != nil {
			logging.Warn("nginx: active health checks need nginx plus or a sidecar prober, passive only",
				zap.String("upstream", name))
		}
	}
	for _, ep := range up.Endpoints() {
		block.Servers = append(block.Servers, upstreamServer{
			Address:     fmt.Sprintf("%s:%d", ep.Host, ep.Port),
			Weight:      ep.Weight,
			MaxFails:    maxFails,
			FailTimeout: failTimeout,
		})
	}
	return block
}

func headerVar(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

func formatSeconds(d interface{ Seconds() float64 }) string {
	s := d.Seconds()
	if s == float64(int(s)) {
		return fmt.Sprintf("%ds", int(s))
	}
	return fmt.Sprintf("%gs", s)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
