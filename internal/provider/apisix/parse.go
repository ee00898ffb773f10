package apisix

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
)

// Parse recovers a neutral configuration from an APISIX standalone JSON
// document. Upstreams named <service>_cluster anchor the service list; rule
// routes, consumers and Lua plugin bodies are not reconstructed.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	if !gjson.Valid(artifact) {
		return nil, &config.ParseError{Err: fmt.Errorf("invalid JSON document")}
	}
	doc := gjson.Parse(artifact)

	cfg := &config.Configuration{
		Version:  "1.0",
		Provider: "apisix",
	}

	services := map[string]*config.Service{}
	var order []string
	doc.Get("upstreams").ForEach(func(_, u gjson.Result) bool {
		id := u.Get("id").String()
		if !strings.HasSuffix(id, "_cluster") {
			logging.Warn("apisix parse: skipping rule-target upstream", zap.String("upstream", id))
			return true
		}
		name := strings.TrimSuffix(id, "_cluster")
		svc := &config.Service{
			Name:     name,
			Type:     config.ServiceTypeREST,
			Protocol: config.ProtocolHTTP,
		}
		if u.Get("scheme").String() == "grpc" {
			svc.Type = config.ServiceTypeGRPC
			svc.Protocol = config.ProtocolGRPC
		}
		svc.Upstream = parseUpstream(u)
		services[id] = svc
		order = append(order, id)
		return true
	})

	doc.Get("routes").ForEach(func(_, r gjson.Result) bool {
		upID := r.Get("upstream_id").String()
		svc, ok := services[upID]
		if !ok {
			return true
		}
		if len(r.Get("vars").Array()) > 0 {
			logging.Warn("apisix parse: conditional route has no unambiguous neutral form, skipping",
				zap.String("route", r.Get("id").String()))
			return true
		}

		route := config.Route{
			PathPrefix: strings.TrimSuffix(r.Get("uri").String(), "/*"),
		}
		if route.PathPrefix == "" {
			route.PathPrefix = "/"
		}
		for _, m := range r.Get("methods").Array() {
			route.Methods = append(route.Methods, m.String())
		}
		attachPlugins(&route, r.Get("plugins"))
		svc.Routes = append(svc.Routes, route)
		return true
	})

	for _, id := range order {
		svc := services[id]
		if len(svc.Routes) == 0 {
			svc.Routes = []config.Route{{PathPrefix: "/"}}
		}
		cfg.Services = append(cfg.Services, *svc)
	}

	return cfg, nil
}

// parseUpstream recovers the backend set and health checking of an upstream.
func parseUpstream(u gjson.Result) config.Upstream {
	up := config.Upstream{}

	var targets []config.UpstreamTarget
	u.Get("nodes").ForEach(func(k, w gjson.Result) bool {
		host, port := splitNode(k.String())
		targets = append(targets, config.UpstreamTarget{Host: host, Port: port, Weight: int(w.Int())})
		return true
	})
	if len(targets) == 1 && targets[0].Weight <= 1 {
		up.Host = targets[0].Host
		up.Port = targets[0].Port
	} else {
		up.Targets = targets
	}

	switch u.Get("type").String() {
	case "least_conn":
		up.LoadBalancer = &config.LoadBalancerConfig{Algorithm: "least_conn"}
	case "chash":
		up.LoadBalancer = &config.LoadBalancerConfig{Algorithm: "ip_hash"}
	}

	if checks := u.Get("checks"); checks.Exists() {
		hc := &config.HealthCheckConfig{}
		if act := checks.Get("active"); act.Exists() {
			hc.Active = &config.ActiveHealthCheck{
				Path:               act.Get("http_path").String(),
				Interval:           time.Duration(act.Get("healthy.interval").Int()) * time.Second,
				Timeout:            time.Duration(act.Get("timeout").Float() * float64(time.Second)),
				HealthyThreshold:   int(act.Get("healthy.successes").Int()),
				UnhealthyThreshold: int(act.Get("unhealthy.http_failures").Int()),
			}
		}
		if pas := checks.Get("passive"); pas.Exists() {
			hc.Passive = &config.PassiveHealthCheck{
				MaxFailures: int(pas.Get("unhealthy.http_failures").Int()),
			}
		}
		up.HealthCheck = hc
	}

	return up
}

// attachPlugins maps recoverable plugins back onto neutral policies.
func attachPlugins(route *config.Route, plugins gjson.Result) {
	plugins.ForEach(func(name, p gjson.Result) bool {
		switch name.String() {
		case "limit-req":
			route.RateLimit = &config.RateLimitConfig{
				RequestsPerSecond: int(p.Get("rate").Int()),
				Burst:             int(p.Get("burst").Int()),
				ResponseCode:      int(p.Get("rejected_code").Int()),
			}
		case "cors":
			route.CORS = parseCORS(p)
		case "key-auth":
			route.Authentication = &config.AuthenticationConfig{
				Type:         config.AuthTypeAPIKey,
				APIKeyHeader: p.Get("header").String(),
			}
		case "basic-auth":
			route.Authentication = &config.AuthenticationConfig{Type: config.AuthTypeBasic}
		case "jwt-auth":
			route.Authentication = &config.AuthenticationConfig{Type: config.AuthTypeJWT}
		case "traffic-split", "proxy-mirror", "serverless-pre-function", "grpc-transcode":
			logging.Warn("apisix parse: plugin state is not reversed, skipping", zap.String("plugin", name.String()))
		}
		return true
	})
}

func parseCORS(p gjson.Result) *config.CORSConfig {
	c := &config.CORSConfig{Enabled: true}
	if v := p.Get("allow_origins").String(); v != "" {
		c.AllowOrigins = strings.Split(v, ",")
	}
	if v := p.Get("allow_methods").String(); v != "" {
		c.AllowMethods = strings.Split(v, ",")
	}
	if v := p.Get("allow_headers").String(); v != "" {
		c.AllowHeaders = strings.Split(v, ",")
	}
	if v := p.Get("expose_headers").String(); v != "" {
		c.ExposeHeaders = strings.Split(v, ",")
	}
	c.AllowCredentials = p.Get("allow_credential").Bool()
	if v := p.Get("max_age").Int(); v > 0 {
		c.MaxAge = time.Duration(v) * time.Second
	}
	return c
}

func splitNode(node string) (string, int) {
	host := node
	port := 0
	if i := strings.LastIndex(node, ":"); i >= 0 {
		host = node[:i]
		for _, ch := range node[i+1:] {
			if ch < '0' || ch > '9' {
				return node, 0
			}
			port = port*10 + int(ch-'0')
		}
	}
	return host, port
}
