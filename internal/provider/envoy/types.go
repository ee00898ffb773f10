package envoy

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// Subset of the Envoy bootstrap/static_resources schema this adapter emits
// and reads back. Field order in these structs is the emission order.

type bootstrap struct {
	Admin           *adminConfig    `yaml:"admin,omitempty"`
	StaticResources staticResources `yaml:"static_resources"`
}

type adminConfig struct {
	Address address `yaml:"address"`
}

type address struct {
	SocketAddress socketAddress `yaml:"socket_address"`
}

type socketAddress struct {
	Address   string `yaml:"address"`
	PortValue int    `yaml:"port_value"`
}

type staticResources struct {
	Listeners []listener `yaml:"listeners"`
	Clusters  []cluster  `yaml:"clusters"`
}

type listener struct {
	Name         string        `yaml:"name"`
	Address      address       `yaml:"address"`
	FilterChains []filterChain `yaml:"filter_chains"`
}

type filterChain struct {
	Filters []networkFilter `yaml:"filters"`
}

type networkFilter struct {
	Name        string    `yaml:"name"`
	TypedConfig hcmConfig `yaml:"typed_config"`
}

type hcmConfig struct {
	AtType         string          `yaml:"@type"`
	StatPrefix     string          `yaml:"stat_prefix"`
	HTTPFilters    []httpFilter    `yaml:"http_filters"`
	RouteConfig    routeConfig     `yaml:"route_config"`
	UpgradeConfigs []upgradeConfig `yaml:"upgrade_configs,omitempty"`
}

type upgradeConfig struct {
	UpgradeType string `yaml:"upgrade_type"`
}

// httpFilter carries a per-filter typed config. The concrete value is one of
// the *FilterConfig structs below so emission order stays fixed.
type httpFilter struct {
	Name        string      `yaml:"name"`
	TypedConfig interface{} `yaml:"typed_config,omitempty"`
}

type routerFilterConfig struct {
	AtType string `yaml:"@type"`
}

type corsFilterConfig struct {
	AtType string `yaml:"@type"`
}

type luaFilterConfig struct {
	AtType     string `yaml:"@type"`
	InlineCode string `yaml:"inline_code"`
}

type jwtAuthnFilterConfig struct {
	AtType    string         `yaml:"@type"`
	Providers yaml.MapSlice  `yaml:"providers"`
	Rules     []jwtAuthnRule `yaml:"rules"`
}

type jwtProvider struct {
	Issuer            string      `yaml:"issuer"`
	Audiences         []string    `yaml:"audiences,omitempty"`
	RemoteJWKS        *remoteJWKS `yaml:"remote_jwks,omitempty"`
	LocalJWKS         *localJWKS  `yaml:"local_jwks,omitempty"`
	Forward           bool        `yaml:"forward,omitempty"`
	PayloadInMetadata string      `yaml:"payload_in_metadata,omitempty"`
}

type remoteJWKS struct {
	HTTPURI       httpURI `yaml:"http_uri"`
	CacheDuration string  `yaml:"cache_duration,omitempty"`
}

type httpURI struct {
	URI     string `yaml:"uri"`
	Cluster string `yaml:"cluster"`
	Timeout string `yaml:"timeout"`
}

type localJWKS struct {
	InlineString string `yaml:"inline_string"`
}

type jwtAuthnRule struct {
	Match    routeMatch `yaml:"match"`
	Requires jwtRequire `yaml:"requires"`
}

type jwtRequire struct {
	ProviderName string `yaml:"provider_name"`
}

type extAuthzFilterConfig struct {
	AtType           string           `yaml:"@type"`
	HTTPService      *extAuthzService `yaml:"http_service,omitempty"`
	FailureModeAllow bool             `yaml:"failure_mode_allow,omitempty"`
}

type extAuthzService struct {
	ServerURI             httpURI                `yaml:"server_uri"`
	AuthorizationResponse *authorizationResponse `yaml:"authorization_response,omitempty"`
}

type authorizationResponse struct {
	AllowedUpstreamHeaders listMatcher `yaml:"allowed_upstream_headers"`
}

type listMatcher struct {
	Patterns []stringMatcher `yaml:"patterns"`
}

type stringMatcher struct {
	Exact     string     `yaml:"exact,omitempty"`
	Prefix    string     `yaml:"prefix,omitempty"`
	SafeRegex *safeRegex `yaml:"safe_regex,omitempty"`
}

type localRateLimitConfig struct {
	AtType      string       `yaml:"@type"`
	StatPrefix  string       `yaml:"stat_prefix"`
	TokenBucket *tokenBucket `yaml:"token_bucket,omitempty"`
	Status      *statusCode  `yaml:"status,omitempty"`
}

type tokenBucket struct {
	MaxTokens     int    `yaml:"max_tokens"`
	TokensPerFill int    `yaml:"tokens_per_fill"`
	FillInterval  string `yaml:"fill_interval"`
}

type statusCode struct {
	Code int `yaml:"code"`
}

type routeConfig struct {
	Name         string        `yaml:"name"`
	VirtualHosts []virtualHost `yaml:"virtual_hosts"`
}

type virtualHost struct {
	Name    string       `yaml:"name"`
	Domains []string     `yaml:"domains"`
	Routes  []routeEntry `yaml:"routes"`
}

type routeEntry struct {
	Match                   routeMatch          `yaml:"match"`
	Route                   *routeAction        `yaml:"route,omitempty"`
	RequestHeadersToAdd     []headerValueOption `yaml:"request_headers_to_add,omitempty"`
	RequestHeadersToRemove  []string            `yaml:"request_headers_to_remove,omitempty"`
	ResponseHeadersToAdd    []headerValueOption `yaml:"response_headers_to_add,omitempty"`
	ResponseHeadersToRemove []string            `yaml:"response_headers_to_remove,omitempty"`
	TypedPerFilterConfig    yaml.MapSlice       `yaml:"typed_per_filter_config,omitempty"`
}

type corsPolicy struct {
	AtType                 string          `yaml:"@type"`
	AllowOriginStringMatch []stringMatcher `yaml:"allow_origin_string_match,omitempty"`
	AllowMethods           string          `yaml:"allow_methods,omitempty"`
	AllowHeaders           string          `yaml:"allow_headers,omitempty"`
	ExposeHeaders          string          `yaml:"expose_headers,omitempty"`
	AllowCredentials       bool            `yaml:"allow_credentials,omitempty"`
	MaxAge                 string          `yaml:"max_age,omitempty"`
}

type headerValueOption struct {
	Header headerValue `yaml:"header"`
}

type headerValue struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type routeMatch struct {
	Prefix          string              `yaml:"prefix,omitempty"`
	Headers         []headerMatcher     `yaml:"headers,omitempty"`
	QueryParameters []queryParamMatcher `yaml:"query_parameters,omitempty"`
}

type headerMatcher struct {
	Name           string     `yaml:"name"`
	ExactMatch     string     `yaml:"exact_match,omitempty"`
	PrefixMatch    string     `yaml:"prefix_match,omitempty"`
	ContainsMatch  string     `yaml:"contains_match,omitempty"`
	SafeRegexMatch *safeRegex `yaml:"safe_regex_match,omitempty"`
	PresentMatch   bool       `yaml:"present_match,omitempty"`
}

type safeRegex struct {
	Regex string `yaml:"regex"`
}

type queryParamMatcher struct {
	Name         string         `yaml:"name"`
	StringMatch  *stringMatcher `yaml:"string_match,omitempty"`
	PresentMatch bool           `yaml:"present_match,omitempty"`
}

type routeAction struct {
	Cluster               string            `yaml:"cluster,omitempty"`
	WeightedClusters      *weightedClusters `yaml:"weighted_clusters,omitempty"`
	Timeout               string            `yaml:"timeout,omitempty"`
	RetryPolicy           *retryPolicy      `yaml:"retry_policy,omitempty"`
	RequestMirrorPolicies []mirrorPolicy    `yaml:"request_mirror_policies,omitempty"`
	UpgradeConfigs        []upgradeConfig   `yaml:"upgrade_configs,omitempty"`
}

type weightedClusters struct {
	Clusters    []weightedCluster `yaml:"clusters"`
	TotalWeight int               `yaml:"total_weight,omitempty"`
}

type weightedCluster struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type retryPolicy struct {
	RetryOn       string `yaml:"retry_on,omitempty"`
	NumRetries    int    `yaml:"num_retries,omitempty"`
	PerTryTimeout string `yaml:"per_try_timeout,omitempty"`
}

type mirrorPolicy struct {
	Cluster         string           `yaml:"cluster"`
	RuntimeFraction *runtimeFraction `yaml:"runtime_fraction,omitempty"`
}

type runtimeFraction struct {
	DefaultValue fractionalPercent `yaml:"default_value"`
}

type fractionalPercent struct {
	Numerator   int    `yaml:"numerator"`
	Denominator string `yaml:"denominator,omitempty"`
}

type cluster struct {
	Name                 string            `yaml:"name"`
	ConnectTimeout       string            `yaml:"connect_timeout,omitempty"`
	Type                 string            `yaml:"type"`
	LbPolicy             string            `yaml:"lb_policy,omitempty"`
	HTTP2ProtocolOptions *struct{}         `yaml:"http2_protocol_options,omitempty"`
	LoadAssignment       loadAssignment    `yaml:"load_assignment"`
	HealthChecks         []healthCheck     `yaml:"health_checks,omitempty"`
	OutlierDetection     *outlierDetection `yaml:"outlier_detection,omitempty"`
	CircuitBreakers      *circuitBreakers  `yaml:"circuit_breakers,omitempty"`
}

type loadAssignment struct {
	ClusterName string             `yaml:"cluster_name"`
	Endpoints   []localityLbEndpts `yaml:"endpoints"`
}

type localityLbEndpts struct {
	LbEndpoints []lbEndpoint `yaml:"lb_endpoints"`
}

type lbEndpoint struct {
	Endpoint            endpoint `yaml:"endpoint"`
	LoadBalancingWeight int      `yaml:"load_balancing_weight,omitempty"`
}

type endpoint struct {
	Address address `yaml:"address"`
}

type healthCheck struct {
	Timeout            string           `yaml:"timeout"`
	Interval           string           `yaml:"interval"`
	HealthyThreshold   int              `yaml:"healthy_threshold"`
	UnhealthyThreshold int              `yaml:"unhealthy_threshold"`
	HTTPHealthCheck    *httpHealthCheck `yaml:"http_health_check,omitempty"`
}

type httpHealthCheck struct {
	Path string `yaml:"path"`
}

type outlierDetection struct {
	Consecutive5xx   int    `yaml:"consecutive_5xx,omitempty"`
	Interval         string `yaml:"interval,omitempty"`
	BaseEjectionTime string `yaml:"base_ejection_time,omitempty"`
}

type circuitBreakers struct {
	Thresholds []cbThreshold `yaml:"thresholds"`
}

type cbThreshold struct {
	MaxConnections     int `yaml:"max_connections,omitempty"`
	MaxPendingRequests int `yaml:"max_pending_requests,omitempty"`
	MaxRequests        int `yaml:"max_requests,omitempty"`
}

// formatDuration renders a duration in Envoy's "3s"/"0.25s" form.
func formatDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return fmt.Sprintf("%gs", d.Seconds())
}
