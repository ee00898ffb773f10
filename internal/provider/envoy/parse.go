package envoy

import (
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
)

// Parse recovers a neutral configuration from an Envoy bootstrap artifact.
// Recovery is lossy by design: filter-level policies (auth scripts, rate
// limits, body transforms) are not reconstructed; backend addresses, route
// paths/methods, health checks and load-balancing policy are.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	var b bootstrap
	if err := yaml.Unmarshal([]byte(artifact), &b); err != nil {
		return nil, &config.ParseError{Err: err}
	}

	cfg := &config.Configuration{
		Version:  "1.0",
		Provider: "envoy",
	}

	if b.Admin != nil {
		cfg.Global.AdminPort = b.Admin.Address.SocketAddress.PortValue
	}
	if len(b.StaticResources.Listeners) > 0 {
		sa := b.StaticResources.Listeners[0].Address.SocketAddress
		cfg.Global.Host = sa.Address
		cfg.Global.Port = sa.PortValue
	}

	// Clusters named <service>_cluster become services; everything else
	// (split targets, mirror targets, jwks fetch clusters) has no
	// unambiguous neutral form and is dropped.
	services := map[string]*config.Service{}
	var order []string
	for i := range b.StaticResources.Clusters {
		c := &b.StaticResources.Clusters[i]
		if !strings.HasSuffix(c.Name, "_cluster") {
			logging.Warn("envoy parse: skipping auxiliary cluster", zap.String("cluster", c.Name))
			continue
		}
		name := strings.TrimSuffix(c.Name, "_cluster")
		svc := &config.Service{
			Name:     name,
			Type:     config.ServiceTypeREST,
			Protocol: config.ProtocolHTTP,
		}
		if c.HTTP2ProtocolOptions != nil {
			svc.Protocol = config.ProtocolHTTP2
		}
		svc.Upstream = parseUpstream(c)
		services[c.Name] = svc
		order = append(order, c.Name)
	}

	// Route entries attach to the service owning their target cluster.
	for _, l := range b.StaticResources.Listeners {
		for _, fc := range l.FilterChains {
			for _, f := range fc.Filters {
				for _, vh := range f.TypedConfig.RouteConfig.VirtualHosts {
					for _, re := range vh.Routes {
						attachRoute(services, re)
					}
				}
			}
		}
	}

	for _, cn := range order {
		svc := services[cn]
		if len(svc.Routes) == 0 {
			// A service must carry at least one route to validate; synthesize
			// a catch-all when the artifact had none for this cluster.
			svc.Routes = []config.Route{{PathPrefix: "/"}}
		}
		cfg.Services = append(cfg.Services, *svc)
	}

	return cfg, nil
}

// parseUpstream recovers the backend set and health checking of a cluster.
func parseUpstream(c *cluster) config.Upstream {
	up := config.Upstream{}

	var targets []config.UpstreamTarget
	weighted := false
	for _, le := range c.LoadAssignment.Endpoints {
		for _, ep := range le.LbEndpoints {
			sa := ep.Endpoint.Address.SocketAddress
			t := config.UpstreamTarget{Host: sa.Address, Port: sa.PortValue, Weight: ep.LoadBalancingWeight}
			if t.Weight > 0 {
				weighted = true
			} else {
				t.Weight = 1
			}
			targets = append(targets, t)
		}
	}
	if len(targets) == 1 && !weighted {
		up.Host = targets[0].Host
		up.Port = targets[0].Port
	} else {
		up.Targets = targets
	}

	var hc *config.HealthCheckConfig
	if len(c.HealthChecks) > 0 {
		h := c.HealthChecks[0]
		hc = &config.HealthCheckConfig{Active: &config.ActiveHealthCheck{
			Interval:           parseDuration(h.Interval),
			Timeout:            parseDuration(h.Timeout),
			HealthyThreshold:   h.HealthyThreshold,
			UnhealthyThreshold: h.UnhealthyThreshold,
		}}
		if h.HTTPHealthCheck != nil {
			hc.Active.Path = h.HTTPHealthCheck.Path
		}
	}
	if od := c.OutlierDetection; od != nil {
		if hc == nil {
			hc = &config.HealthCheckConfig{}
		}
		hc.Passive = &config.PassiveHealthCheck{
			MaxFailures:      od.Consecutive5xx,
			EjectionDuration: parseDuration(od.BaseEjectionTime),
		}
	}
	up.HealthCheck = hc

	if c.LbPolicy != "" && c.LbPolicy != "ROUND_ROBIN" {
		up.LoadBalancer = &config.LoadBalancerConfig{Algorithm: algorithmFor(c.LbPolicy)}
	}

	return up
}

// attachRoute adds a route entry to the service owning its cluster. Entries
// with weighted clusters or matcher-laden overrides belong to split/advanced
// constructs that have no unambiguous reverse mapping and are skipped.
func attachRoute(services map[string]*config.Service, re routeEntry) {
	if re.Route == nil || re.Route.Cluster == "" {
		if re.Route != nil && re.Route.WeightedClusters != nil {
			logging.Warn("envoy parse: weighted route has no unambiguous neutral form, skipping",
				zap.String("prefix", re.Match.Prefix))
		}
		return
	}
	svc, ok := services[re.Route.Cluster]
	if !ok {
		return
	}

	route := config.Route{PathPrefix: re.Match.Prefix}
	for _, hm := range re.Match.Headers {
		if hm.Name == ":method" && hm.SafeRegexMatch != nil {
			route.Methods = parseMethodRegex(hm.SafeRegexMatch.Regex)
		}
	}

	for _, item := range re.TypedPerFilterConfig {
		key, _ := item.Key.(string)
		if key != "envoy.filters.http.cors" {
			continue
		}
		if m, ok := item.Value.(map[string]interface{}); ok {
			route.CORS = parseCORS(m)
		}
	}

	svc.Routes = append(svc.Routes, route)
}

// parseMethodRegex undoes the ^(GET|POST)$ method matcher.
func parseMethodRegex(re string) []string {
	re = strings.TrimPrefix(re, "^(")
	re = strings.TrimSuffix(re, ")$")
	if re == "" {
		return nil
	}
	return strings.Split(re, "|")
}

func parseCORS(m map[string]interface{}) *config.CORSConfig {
	c := &config.CORSConfig{Enabled: true}
	if origins, ok := m["allow_origin_string_match"].([]interface{}); ok {
		for _, o := range origins {
			if om, ok := o.(map[string]interface{}); ok {
				if exact, ok := om["exact"].(string); ok {
					c.AllowOrigins = append(c.AllowOrigins, exact)
				}
			}
		}
	}
	if methods, ok := m["allow_methods"].(string); ok && methods != "" {
		c.AllowMethods = strings.Split(methods, ",")
	}
	if headers, ok := m["allow_headers"].(string); ok && headers != "" {
		c.AllowHeaders = strings.Split(headers, ",")
	}
	if cred, ok := m["allow_credentials"].(bool); ok {
		c.AllowCredentials = cred
	}
	return c
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
