package nginx

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
)

// Parse recovers a neutral configuration from an nginx conf. It is a
// line-oriented reader for the directive subset Generate emits; upstream
// blocks named <service>_cluster anchor the service list. Lua blocks, maps
// and split_clients have no unambiguous neutral form and are skipped.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	cfg := &config.Configuration{
		Version:  "1.0",
		Provider: "nginx",
	}

	services := map[string]*config.Service{}
	var order []string

	scanner := bufio.NewScanner(strings.NewReader(artifact))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var curUpstream *upstreamState
	var curLocation *locationState
	luaDepth := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// access_by_lua_block bodies nest braces; skip them wholesale.
		if luaDepth > 0 {
			luaDepth += strings.Count(line, "{") - strings.Count(line, "}")
			continue
		}
		if strings.HasPrefix(line, "access_by_lua_block") {
			luaDepth = strings.Count(line, "{") - strings.Count(line, "}")
			continue
		}

		switch {
		case strings.HasPrefix(line, "upstream "):
			name := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "upstream ")), " {")
			curUpstream = &upstreamState{name: name}

		case strings.HasPrefix(line, "location "):
			path := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, "location ")), " {")
			curLocation = &locationState{route: config.Route{PathPrefix: path}}

		case line == "}":
			if curLocation != nil {
				finishLocation(services, curLocation)
				curLocation = nil
			} else if curUpstream != nil {
				finishUpstream(services, &order, curUpstream)
				curUpstream = nil
			}

		case curUpstream != nil:
			parseUpstreamLine(curUpstream, line)

		case curLocation != nil:
			parseLocationLine(curLocation, line)

		case strings.HasPrefix(line, "listen "):
			if v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, "listen "), ";")); err == nil {
				cfg.Global.Port = v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &config.ParseError{Err: err}
	}

	for _, name := range order {
		svc := services[name]
		if len(svc.Routes) == 0 {
			svc.Routes = []config.Route{{PathPrefix: "/"}}
		}
		cfg.Services = append(cfg.Services, *svc)
	}
	if len(cfg.Services) == 0 {
		return nil, &config.ParseError{Err: fmt.Errorf("no service upstream blocks found")}
	}

	return cfg, nil
}

type upstreamState struct {
	name      string
	algorithm string
	servers   []config.UpstreamTarget
	maxFails  int
	failTO    time.Duration
}

type locationState struct {
	route    config.Route
	cluster  string
	internal bool
}

func parseUpstreamLine(u *upstreamState, line string) {
	line = strings.TrimSuffix(line, ";")
	switch {
	case line == "least_conn":
		u.algorithm = "least_conn"
	case line == "ip_hash":
		u.algorithm = "ip_hash"
	case strings.HasPrefix(line, "server "):
		fields := strings.Fields(strings.TrimPrefix(line, "server "))
		if len(fields) == 0 {
			return
		}
		host, port := splitAddr(fields[0])
		t := config.UpstreamTarget{Host: host, Port: port, Weight: 1}
		for _, f := range fields[1:] {
			switch {
			case strings.HasPrefix(f, "weight="):
				t.Weight, _ = strconv.Atoi(strings.TrimPrefix(f, "weight="))
			case strings.HasPrefix(f, "max_fails="):
				u.maxFails, _ = strconv.Atoi(strings.TrimPrefix(f, "max_fails="))
			case strings.HasPrefix(f, "fail_timeout="):
				u.failTO, _ = time.ParseDuration(strings.TrimPrefix(f, "fail_timeout="))
			}
		}
		u.servers = append(u.servers, t)
	}
}

func finishUpstream(services map[string]*config.Service, order *[]string, u *upstreamState) {
	if !strings.HasSuffix(u.name, "_cluster") {
		logging.Warn("nginx parse: skipping rule-target upstream", zap.String("upstream", u.name))
		return
	}
	svc := &config.Service{
		Name:     strings.TrimSuffix(u.name, "_cluster"),
		Type:     config.ServiceTypeREST,
		Protocol: config.ProtocolHTTP,
	}

	weighted := false
	for _, t := range u.servers {
		if t.Weight > 1 {
			weighted = true
		}
	}
	if len(u.servers) == 1 && !weighted {
		svc.Upstream.Host = u.servers[0].Host
		svc.Upstream.Port = u.servers[0].Port
	} else {
		svc.Upstream.Targets = u.servers
	}
	if u.algorithm != "" {
		svc.Upstream.LoadBalancer = &config.LoadBalancerConfig{Algorithm: u.algorithm}
	}
	if u.maxFails > 0 {
		svc.Upstream.HealthCheck = &config.HealthCheckConfig{Passive: &config.PassiveHealthCheck{
			MaxFailures:      u.maxFails,
			EjectionDuration: u.failTO,
		}}
	}

	services[u.name] = svc
	*order = append(*order, u.name)
}

func parseLocationLine(l *locationState, line string) {
	line = strings.TrimSuffix(line, ";")
	switch {
	case line == "internal":
		l.internal = true

	case strings.HasPrefix(line, "proxy_pass ") || strings.HasPrefix(line, "grpc_pass "):
		target := strings.Fields(line)[1]
		if i := strings.Index(target, "://"); i >= 0 {
			target = target[i+3:]
		}
		target = strings.TrimSuffix(target, "$request_uri")
		l.cluster = target

	case strings.HasPrefix(line, "if ($request_method !~ ^("):
		inner := strings.TrimPrefix(line, "if ($request_method !~ ^(")
		if i := strings.Index(inner, ")"); i > 0 {
			l.route.Methods = strings.Split(inner[:i], "|")
		}

	case strings.HasPrefix(line, "limit_req zone="):
		// The rate lives in the http-level zone; only presence survives.
		l.route.RateLimit = &config.RateLimitConfig{}
		for _, f := range strings.Fields(line) {
			if strings.HasPrefix(f, "burst=") {
				l.route.RateLimit.Burst, _ = strconv.Atoi(strings.TrimPrefix(f, "burst="))
			}
		}

	case strings.HasPrefix(line, "auth_basic "):
		l.route.Authentication = &config.AuthenticationConfig{Type: config.AuthTypeBasic}

	case strings.HasPrefix(line, "proxy_connect_timeout "):
		ensureTimeout(&l.route).Connect = parseConfDuration(strings.Fields(line)[1])
	case strings.HasPrefix(line, "proxy_send_timeout "):
		ensureTimeout(&l.route).Send = parseConfDuration(strings.Fields(line)[1])
	case strings.HasPrefix(line, "proxy_read_timeout "):
		ensureTimeout(&l.route).Read = parseConfDuration(strings.Fields(line)[1])

	case strings.HasPrefix(line, "proxy_next_upstream_tries "):
		n, _ := strconv.Atoi(strings.Fields(line)[1])
		l.route.Retry = &config.RetryConfig{Attempts: n}

	case strings.HasPrefix(line, "add_header Access-Control-"):
		parseCORSLine(&l.route, line)
	}
}

func finishLocation(services map[string]*config.Service, l *locationState) {
	if l.internal || l.cluster == "" || strings.HasPrefix(l.cluster, "$") {
		if strings.HasPrefix(l.cluster, "$") {
			logging.Warn("nginx parse: variable proxy target belongs to a split/map chain, skipping",
				zap.String("location", l.route.PathPrefix))
		}
		return
	}
	svc, ok := services[l.cluster]
	if !ok {
		return
	}
	svc.Routes = append(svc.Routes, l.route)
}

func ensureTimeout(route *config.Route) *config.TimeoutConfig {
	if route.Timeout == nil {
		route.Timeout = &config.TimeoutConfig{}
	}
	return route.Timeout
}

func parseCORSLine(route *config.Route, line string) {
	if route.CORS == nil {
		route.CORS = &config.CORSConfig{Enabled: true}
	}
	c := route.CORS
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 3 {
		return
	}
	value := strings.TrimSuffix(strings.Trim(strings.TrimSuffix(fields[2], " always"), "\""), "\"")
	switch fields[1] {
	case "Access-Control-Allow-Origin":
		c.AllowOrigins = strings.Fields(value)
	case "Access-Control-Allow-Methods":
		c.AllowMethods = splitComma(value)
	case "Access-Control-Allow-Headers":
		c.AllowHeaders = splitComma(value)
	case "Access-Control-Expose-Headers":
		c.ExposeHeaders = splitComma(value)
	case "Access-Control-Allow-Credentials":
		c.AllowCredentials = value == "true"
	case "Access-Control-Max-Age":
		if n, err := strconv.Atoi(value); err == nil {
			c.MaxAge = time.Duration(n) * time.Second
		}
	}
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func splitAddr(addr string) (string, int) {
	host := addr
	port := 0
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		port, _ = strconv.Atoi(addr[i+1:])
	}
	return host, port
}

func parseConfDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
