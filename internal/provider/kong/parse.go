package kong

import (
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
)

// Parse recovers a neutral configuration from a Kong declarative file.
// Split and rule services (the *_split_*/*_rule*/*_adv* families emitted by
// Generate) collapse back into their base service where possible; consumers
// and plugin credentials are not recovered.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	var file kongFile
	if err := yaml.Unmarshal([]byte(artifact), &file); err != nil {
		return nil, &config.ParseError{Err: err}
	}

	cfg := &config.Configuration{
		Version:  "1.0",
		Provider: "kong",
	}

	upstreams := map[string]*kongUpstream{}
	for i := range file.Upstreams {
		upstreams[file.Upstreams[i].Name] = &file.Upstreams[i]
	}

	for i := range file.Services {
		ks := &file.Services[i]
		if isDerivedService(ks.Name) {
			logging.Warn("kong parse: skipping derived split/rule service", zap.String("service", ks.Name))
			continue
		}

		svc := config.Service{
			Name:     ks.Name,
			Type:     config.ServiceTypeREST,
			Protocol: config.ProtocolHTTP,
		}
		if ks.Protocol == "grpc" {
			svc.Type = config.ServiceTypeGRPC
			svc.Protocol = config.ProtocolGRPC
		}

		if ku, ok := upstreams[ks.Host]; ok {
			svc.Upstream = parseUpstream(ku)
		} else {
			svc.Upstream = config.Upstream{Host: ks.Host, Port: ks.Port}
		}

		for _, kr := range ks.Routes {
			route := config.Route{Methods: kr.Methods}
			if len(kr.Paths) > 0 {
				route.PathPrefix = kr.Paths[0]
			}
			attachPlugins(&route, kr.Plugins)
			if ks.ConnectTimeout > 0 || ks.WriteTimeout > 0 || ks.ReadTimeout > 0 {
				route.Timeout = &config.TimeoutConfig{
					Connect: time.Duration(ks.ConnectTimeout) * time.Millisecond,
					Send:    time.Duration(ks.WriteTimeout) * time.Millisecond,
					Read:    time.Duration(ks.ReadTimeout) * time.Millisecond,
				}
			}
			if ks.Retries > 0 {
				route.Retry = &config.RetryConfig{Attempts: ks.Retries}
			}
			svc.Routes = append(svc.Routes, route)
		}
		if len(svc.Routes) == 0 {
			svc.Routes = []config.Route{{PathPrefix: "/"}}
		}

		cfg.Services = append(cfg.Services, svc)
	}

	for _, p := range file.Plugins {
		if p.Name == "prometheus" {
			cfg.Global.Metrics.Enabled = true
			continue
		}
		cfg.Plugins = append(cfg.Plugins, config.Plugin{Name: p.Name, Enabled: true, Config: p.Config})
	}

	return cfg, nil
}

func isDerivedService(name string) bool {
	if strings.Contains(name, "_split_") {
		return true
	}
	if i := strings.LastIndex(name, "_rule"); i >= 0 && i+5 < len(name) {
		return true
	}
	if i := strings.LastIndex(name, "_adv"); i >= 0 && i+4 < len(name) {
		return true
	}
	return false
}

// parseUpstream recovers the backend set and health checking of an upstream.
func parseUpstream(ku *kongUpstream) config.Upstream {
	up := config.Upstream{}

	var targets []config.UpstreamTarget
	for _, t := range ku.Targets {
		host, port := splitTarget(t.Target)
		targets = append(targets, config.UpstreamTarget{Host: host, Port: port, Weight: t.Weight})
	}
	if len(targets) == 1 {
		up.Host = targets[0].Host
		up.Port = targets[0].Port
	} else {
		up.Targets = targets
	}

	switch ku.Algorithm {
	case "least-connections":
		up.LoadBalancer = &config.LoadBalancerConfig{Algorithm: "least_conn"}
	case "consistent-hashing":
		up.LoadBalancer = &config.LoadBalancerConfig{Algorithm: "ip_hash"}
	}

	if hc := ku.Healthchecks; hc != nil {
		cfg := &config.HealthCheckConfig{}
		if act := hc.Active; act != nil {
			cfg.Active = &config.ActiveHealthCheck{
				Path:               act.HTTPPath,
				Interval:           time.Duration(act.Healthy.Interval) * time.Second,
				Timeout:            time.Duration(act.Timeout) * time.Second,
				HealthyThreshold:   act.Healthy.Successes,
				UnhealthyThreshold: act.Unhealthy.HTTPFailures,
			}
		}
		if pas := hc.Passive; pas != nil {
			cfg.Passive = &config.PassiveHealthCheck{MaxFailures: pas.Unhealthy.HTTPFailures}
		}
		up.HealthCheck = cfg
	}

	return up
}

// attachPlugins maps recoverable route plugins back to neutral policies.
func attachPlugins(route *config.Route, plugins []kongPlugin) {
	for _, p := range plugins {
		switch p.Name {
		case "rate-limiting":
			if sec, ok := asInt(p.Config["second"]); ok {
				route.RateLimit = &config.RateLimitConfig{RequestsPerSecond: sec}
			}
		case "cors":
			route.CORS = parseCORS(p.Config)
		case "key-auth":
			auth := &config.AuthenticationConfig{Type: config.AuthTypeAPIKey}
			if names, ok := p.Config["key_names"].([]interface{}); ok && len(names) > 0 {
				if s, ok := names[0].(string); ok {
					auth.APIKeyHeader = s
				}
			}
			route.Authentication = auth
		case "basic-auth":
			route.Authentication = &config.AuthenticationConfig{Type: config.AuthTypeBasic}
		case "jwt":
			route.Authentication = &config.AuthenticationConfig{Type: config.AuthTypeJWT}
		default:
			logging.Warn("kong parse: plugin has no neutral form, skipping", zap.String("plugin", p.Name))
		}
	}
}

func parseCORS(m map[string]interface{}) *config.CORSConfig {
	c := &config.CORSConfig{Enabled: true}
	c.AllowOrigins = asStrings(m["origins"])
	c.AllowMethods = asStrings(m["methods"])
	c.AllowHeaders = asStrings(m["headers"])
	c.ExposeHeaders = asStrings(m["exposed_headers"])
	if cred, ok := m["credentials"].(bool); ok {
		c.AllowCredentials = cred
	}
	if age, ok := asInt(m["max_age"]); ok {
		c.MaxAge = time.Duration(age) * time.Second
	}
	return c
}

func asStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func splitTarget(target string) (string, int) {
	host := target
	port := 0
	if i := strings.LastIndex(target, ":"); i >= 0 {
		host = target[:i]
		for _, ch := range target[i+1:] {
			if ch < '0' || ch > '9' {
				return target, 0
			}
			port = port*10 + int(ch-'0')
		}
	}
	return host, port
}
