package traefik

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
)

var (
	pathPrefixRe = regexp.MustCompile("PathPrefix\\(`([^`]*)`\\)")
	methodRe     = regexp.MustCompile("Method\\(([^)]*)\\)")
	backtickRe   = regexp.MustCompile("`([^`]*)`")
)

// Parse recovers a neutral configuration from a Traefik dynamic file.
// Weighted/mirroring wrapper services and conditional routers are lossy and
// collapse to their base service where possible.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	var dc dynamicConfig
	if err := yaml.Unmarshal([]byte(artifact), &dc); err != nil {
		return nil, &config.ParseError{Err: err}
	}

	cfg := &config.Configuration{
		Version:  "1.0",
		Provider: "traefik",
	}

	services := map[string]*config.Service{}
	var names []string
	for name, ts := range dc.HTTP.Services {
		if ts.LoadBalancer == nil {
			logging.Warn("traefik parse: skipping weighted/mirroring wrapper service", zap.String("service", name))
			continue
		}
		if strings.Contains(name, "_") && isDerivedName(name, dc.HTTP.Services) {
			logging.Warn("traefik parse: skipping derived child service", zap.String("service", name))
			continue
		}
		svc := &config.Service{
			Name:     name,
			Type:     config.ServiceTypeREST,
			Protocol: config.ProtocolHTTP,
		}
		svc.Upstream = parseLoadBalancer(ts.LoadBalancer, svc)
		services[name] = svc
		names = append(names, name)
	}
	sort.Strings(names)

	routerNames := make([]string, 0, len(dc.HTTP.Routers))
	for name := range dc.HTTP.Routers {
		routerNames = append(routerNames, name)
	}
	sort.Strings(routerNames)

	for _, rn := range routerNames {
		r := dc.HTTP.Routers[rn]
		svc, ok := services[r.Service]
		if !ok {
			logging.Warn("traefik parse: router targets a wrapper service, skipping", zap.String("router", rn))
			continue
		}
		route := config.Route{}
		if m := pathPrefixRe.FindStringSubmatch(r.Rule); m != nil {
			route.PathPrefix = m[1]
		}
		if m := methodRe.FindStringSubmatch(r.Rule); m != nil {
			for _, q := range backtickRe.FindAllStringSubmatch(m[1], -1) {
				route.Methods = append(route.Methods, q[1])
			}
		}
		attachMiddlewares(&route, r.Middlewares, dc.HTTP.Middlewares)
		svc.Routes = append(svc.Routes, route)
	}

	for _, name := range names {
		svc := services[name]
		if len(svc.Routes) == 0 {
			svc.Routes = []config.Route{{PathPrefix: "/"}}
		}
		cfg.Services = append(cfg.Services, *svc)
	}

	return cfg, nil
}

// isDerivedName reports whether name looks like a child of another service
// in the document (base_suffix with base also present).
func isDerivedName(name string, all map[string]service) bool {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '_' {
			if _, ok := all[name[:i]]; ok {
				return true
			}
		}
	}
	return false
}

func parseLoadBalancer(lb *loadBalancer, svc *config.Service) config.Upstream {
	up := config.Upstream{}

	var targets []config.UpstreamTarget
	weighted := false
	for _, s := range lb.Servers {
		host, port, scheme := splitURL(s.URL)
		if scheme == "h2c" {
			svc.Protocol = config.ProtocolHTTP2
		}
		t := config.UpstreamTarget{Host: host, Port: port, Weight: s.Weight}
		if t.Weight > 1 {
			weighted = true
		}
		if t.Weight == 0 {
			t.Weight = 1
		}
		targets = append(targets, t)
	}
	if len(targets) == 1 && !weighted {
		up.Host = targets[0].Host
		up.Port = targets[0].Port
	} else {
		up.Targets = targets
	}

	if hc := lb.HealthCheck; hc != nil {
		up.HealthCheck = &config.HealthCheckConfig{Active: &config.ActiveHealthCheck{
			Path:     hc.Path,
			Interval: parseDuration(hc.Interval),
			Timeout:  parseDuration(hc.Timeout),
		}}
	}
	if lb.Sticky != nil {
		up.LoadBalancer = &config.LoadBalancerConfig{
			StickySessions: true,
			CookieName:     lb.Sticky.Cookie.Name,
		}
	}
	return up
}

func attachMiddlewares(route *config.Route, names []string, all map[string]middleware) {
	for _, name := range names {
		mw, ok := all[name]
		if !ok {
			continue
		}
		switch {
		case mw.RateLimit != nil:
			route.RateLimit = &config.RateLimitConfig{
				RequestsPerSecond: mw.RateLimit.Average,
				Burst:             mw.RateLimit.Burst,
			}
		case mw.BasicAuth != nil:
			auth := &config.AuthenticationConfig{Type: config.AuthTypeBasic, BasicUsers: map[string]string{}}
			for _, u := range mw.BasicAuth.Users {
				if i := strings.Index(u, ":"); i > 0 {
					auth.BasicUsers[u[:i]] = u[i+1:]
				}
			}
			route.Authentication = auth
		case mw.Retry != nil:
			route.Retry = &config.RetryConfig{Attempts: mw.Retry.Attempts}
		case mw.CircuitBreaker != nil:
			route.CircuitBreaker = &config.CircuitBreakerConfig{Enabled: true}
		case mw.Headers != nil:
			h := mw.Headers
			if len(h.AccessControlAllowOriginList) > 0 {
				route.CORS = &config.CORSConfig{
					Enabled:          true,
					AllowOrigins:     h.AccessControlAllowOriginList,
					AllowMethods:     h.AccessControlAllowMethods,
					AllowHeaders:     h.AccessControlAllowHeaders,
					ExposeHeaders:    h.AccessControlExposeHeaders,
					AllowCredentials: h.AccessControlAllowCredentials,
					MaxAge:           time.Duration(h.AccessControlMaxAge) * time.Second,
				}
				continue
			}
			hc := &config.HeaderConfig{}
			for k, v := range h.CustomRequestHeaders {
				if v == "" {
					hc.RequestRemove = append(hc.RequestRemove, k)
				} else {
					if hc.RequestAdd == nil {
						hc.RequestAdd = map[string]string{}
					}
					hc.RequestAdd[k] = v
				}
			}
			for k, v := range h.CustomResponseHeaders {
				if v == "" {
					hc.ResponseRemove = append(hc.ResponseRemove, k)
				} else {
					if hc.ResponseAdd == nil {
						hc.ResponseAdd = map[string]string{}
					}
					hc.ResponseAdd[k] = v
				}
			}
			sort.Strings(hc.RequestRemove)
			sort.Strings(hc.ResponseRemove)
			route.Headers = hc
		}
	}
}

func splitURL(u string) (host string, port int, scheme string) {
	scheme = "http"
	rest := u
	if i := strings.Index(u, "://"); i >= 0 {
		scheme = u[:i]
		rest = u[i+3:]
	}
	rest = strings.TrimSuffix(rest, "/")
	host = rest
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host = rest[:i]
		for _, ch := range rest[i+1:] {
			if ch < '0' || ch > '9' {
				return rest, 0, scheme
			}
			port = port*10 + int(ch-'0')
		}
	}
	return host, port, scheme
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
