package config

import (
	"time"
)

// ServiceType defines the kind of service exposed through the gateway.
type ServiceType string

const (
	ServiceTypeREST ServiceType = "rest"
	ServiceTypeGRPC ServiceType = "grpc"
)

// Protocol defines the upstream protocol for a service.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTP2 Protocol = "http2"
	ProtocolGRPC  Protocol = "grpc"
)

// Configuration is the provider-neutral description of a gateway's desired
// state. It is constructed once by the Loader (or programmatically in tests)
// and is read-only afterwards; adapters never mutate it.
type Configuration struct {
	Version          string            `yaml:"version,omitempty"`
	Provider         string            `yaml:"provider,omitempty"`
	Global           GlobalSettings    `yaml:"global,omitempty"`
	Services         []Service         `yaml:"services,omitempty"`
	Plugins          []Plugin          `yaml:"plugins,omitempty"`
	ProtoDescriptors []ProtoDescriptor `yaml:"proto_descriptors,omitempty"`
}

// WithProvider returns a shallow copy of the configuration targeting a
// different provider. Nested entities are shared, not copied; they are
// immutable so sharing is safe.
func (c *Configuration) WithProvider(provider string) *Configuration {
	cp := *c
	cp.Provider = provider
	return &cp
}

// FindService returns the service with the given name, or nil.
func (c *Configuration) FindService(name string) *Service {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// FindProtoDescriptor returns the descriptor with the given name, or nil.
func (c *Configuration) FindProtoDescriptor(name string) *ProtoDescriptor {
	for i := range c.ProtoDescriptors {
		if c.ProtoDescriptors[i].Name == name {
			return &c.ProtoDescriptors[i]
		}
	}
	return nil
}

// GlobalSettings defines gateway-wide listen and default settings.
type GlobalSettings struct {
	Host      string        `yaml:"host,omitempty"`
	Port      int           `yaml:"port,omitempty"`
	AdminPort int           `yaml:"admin_port,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Logging   LoggingConfig `yaml:"logging,omitempty"`
	Metrics   MetricsConfig `yaml:"metrics,omitempty"`

	// Provider-specific global blocks. At most one applies per generation
	// run; adapters select their own block through ProviderBlock and ignore
	// the rest.
	Kong   *KongGlobal   `yaml:"kong,omitempty"`
	Apisix *ApisixGlobal `yaml:"apisix,omitempty"`
	AWS    *AWSGlobal    `yaml:"aws,omitempty"`
	Azure  *AzureGlobal  `yaml:"azure,omitempty"`
	GCP    *GCPGlobal    `yaml:"gcp,omitempty"`
}

// ProviderBlock returns the provider-specific global block for the named
// provider, or nil if the configuration carries none for it. Keyed access
// keeps an adapter from accidentally reading another provider's block.
func (g *GlobalSettings) ProviderBlock(provider string) interface{} {
	switch provider {
	case "kong":
		if g.Kong != nil {
			return g.Kong
		}
	case "apisix":
		if g.Apisix != nil {
			return g.Apisix
		}
	case "aws":
		if g.AWS != nil {
			return g.AWS
		}
	case "azure":
		if g.Azure != nil {
			return g.Azure
		}
	case "gcp":
		if g.GCP != nil {
			return g.GCP
		}
	}
	return nil
}

// LoggingConfig defines tool logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`        // optional rolling log file
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"` // rotate threshold, default 100
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// MetricsConfig defines metrics emission settings carried into generated
// artifacts (e.g. Envoy admin, Kong prometheus plugin).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// KongGlobal defines Kong-specific global settings.
type KongGlobal struct {
	AdminURL   string   `yaml:"admin_url,omitempty"`
	AdminToken string   `yaml:"admin_token,omitempty"`
	Workspace  string   `yaml:"workspace,omitempty"`
	DBLess     bool     `yaml:"db_less,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

// ApisixGlobal defines APISIX-specific global settings.
type ApisixGlobal struct {
	AdminURL string `yaml:"admin_url,omitempty"`
	AdminKey string `yaml:"admin_key,omitempty"` // sent as X-API-KEY
}

// AWSGlobal defines AWS API Gateway-specific global settings.
type AWSGlobal struct {
	Region          string `yaml:"region,omitempty"`
	Stage           string `yaml:"stage,omitempty"`
	APIName         string `yaml:"api_name,omitempty"`
	EndpointType    string `yaml:"endpoint_type,omitempty"`    // EDGE, REGIONAL, PRIVATE
	IntegrationType string `yaml:"integration_type,omitempty"` // http_proxy, aws_proxy
	LambdaARN       string `yaml:"lambda_arn,omitempty"`       // required for aws_proxy
	APIKeySource    string `yaml:"api_key_source,omitempty"`   // HEADER, AUTHORIZER
}

// AzureGlobal defines Azure API Management-specific global settings.
type AzureGlobal struct {
	SubscriptionID string `yaml:"subscription_id,omitempty"`
	ResourceGroup  string `yaml:"resource_group,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	Location       string `yaml:"location,omitempty"`
	PublisherEmail string `yaml:"publisher_email,omitempty"`
	PublisherName  string `yaml:"publisher_name,omitempty"`
	SKU            string `yaml:"sku,omitempty"` // Developer, Basic, Standard, Premium, Consumption
}

// GCPGlobal defines GCP API Gateway-specific global settings.
type GCPGlobal struct {
	ProjectID      string `yaml:"project_id,omitempty"`
	APIID          string `yaml:"api_id,omitempty"`
	Region         string `yaml:"region,omitempty"`
	ManagedService string `yaml:"managed_service,omitempty"`
}

// Service defines a single service exposed through the gateway.
type Service struct {
	Name           string                `yaml:"name,omitempty"`
	Type           ServiceType           `yaml:"type,omitempty"`
	Protocol       Protocol              `yaml:"protocol,omitempty"`
	Upstream       Upstream              `yaml:"upstream,omitempty"`
	Routes         []Route               `yaml:"routes,omitempty"`
	Transformation *TransformationConfig `yaml:"transformation,omitempty"`
	Azure          *AzureService         `yaml:"azure,omitempty"`
}

// AzureService defines Azure APIM-specific service settings.
type AzureService struct {
	APIID                string `yaml:"api_id,omitempty"`
	DisplayName          string `yaml:"display_name,omitempty"`
	Path                 string `yaml:"path,omitempty"`
	SubscriptionRequired bool   `yaml:"subscription_required,omitempty"`
}

// Upstream defines the backend address set for a service. Either Host/Port
// or Targets must be populated; Targets, when present, supersede Host/Port.
type Upstream struct {
	Host         string              `yaml:"host,omitempty"`
	Port         int                 `yaml:"port,omitempty"`
	Targets      []UpstreamTarget    `yaml:"targets,omitempty"`
	HealthCheck  *HealthCheckConfig  `yaml:"health_check,omitempty"`
	LoadBalancer *LoadBalancerConfig `yaml:"load_balancer,omitempty"`
}

// Endpoints returns the resolved backend set: Targets when present,
// otherwise the single Host/Port pair with weight 1.
func (u *Upstream) Endpoints() []UpstreamTarget {
	if len(u.Targets) > 0 {
		return u.Targets
	}
	if u.Host != "" {
		return []UpstreamTarget{{Host: u.Host, Port: u.Port, Weight: 1}}
	}
	return nil
}

// UpstreamTarget is a single weighted backend address.
type UpstreamTarget struct {
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	Weight int    `yaml:"weight,omitempty"`
}

// HealthCheckConfig defines active and/or passive health checking.
type HealthCheckConfig struct {
	Active  *ActiveHealthCheck  `yaml:"active,omitempty"`
	Passive *PassiveHealthCheck `yaml:"passive,omitempty"`
}

// ActiveHealthCheck defines active probe settings.
type ActiveHealthCheck struct {
	Path               string        `yaml:"path,omitempty"`
	Interval           time.Duration `yaml:"interval,omitempty"`
	Timeout            time.Duration `yaml:"timeout,omitempty"`
	HealthyThreshold   int           `yaml:"healthy_threshold,omitempty"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold,omitempty"`
}

// PassiveHealthCheck defines failure-count based ejection settings.
type PassiveHealthCheck struct {
	MaxFailures      int           `yaml:"max_failures,omitempty"`
	EjectionDuration time.Duration `yaml:"ejection_duration,omitempty"`
}

// LoadBalancerConfig defines load balancing policy for an upstream.
type LoadBalancerConfig struct {
	Algorithm      string `yaml:"algorithm,omitempty"` // round_robin, least_conn, ip_hash, random
	StickySessions bool   `yaml:"sticky_sessions,omitempty"`
	CookieName     string `yaml:"cookie_name,omitempty"`
}

// Route defines a single route of a service. Every policy attachment is
// independently optional; a nil pointer means the feature is absent, never
// "use defaults".
type Route struct {
	PathPrefix string   `yaml:"path_prefix,omitempty"`
	Methods    []string `yaml:"methods,omitempty"`

	RateLimit              *RateLimitConfig         `yaml:"rate_limit,omitempty"`
	Authentication         *AuthenticationConfig    `yaml:"authentication,omitempty"`
	Headers                *HeaderConfig            `yaml:"headers,omitempty"`
	CORS                   *CORSConfig              `yaml:"cors,omitempty"`
	WebSocket              *WebSocketConfig         `yaml:"websocket,omitempty"`
	CircuitBreaker         *CircuitBreakerConfig    `yaml:"circuit_breaker,omitempty"`
	BodyTransform          *BodyTransformConfig     `yaml:"body_transform,omitempty"`
	Timeout                *TimeoutConfig           `yaml:"timeout,omitempty"`
	Retry                  *RetryConfig             `yaml:"retry,omitempty"`
	GrpcTransformation     *GrpcTransformation      `yaml:"grpc_transformation,omitempty"`
	TrafficSplit           *TrafficSplitConfig      `yaml:"traffic_split,omitempty"`
	Mirroring              *MirroringConfig         `yaml:"mirroring,omitempty"`
	AdvancedRouting        *AdvancedRoutingConfig   `yaml:"advanced_routing,omitempty"`
	AdvancedRoutingTargets []AdvancedRoutingTarget  `yaml:"advanced_routing_targets,omitempty"`
}

// RateLimitConfig defines request rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second,omitempty"`
	Burst             int `yaml:"burst,omitempty"`
	ResponseCode      int `yaml:"response_code,omitempty"` // default 429
}

// AuthType enumerates supported authentication schemes.
type AuthType string

const (
	AuthTypeBasic  AuthType = "basic"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeJWT    AuthType = "jwt"
)

// AuthenticationConfig defines route authentication settings. Exactly the
// fields for the selected Type are meaningful.
type AuthenticationConfig struct {
	Type         AuthType          `yaml:"type,omitempty"`
	BasicUsers   map[string]string `yaml:"basic_users,omitempty"` // user -> password (or hash)
	APIKeyHeader string            `yaml:"api_key_header,omitempty"`
	APIKeys      []string          `yaml:"api_keys,omitempty"`
	JWT          *JWTAuthConfig    `yaml:"jwt,omitempty"`
}

// JWTAuthConfig defines JWT verification wiring emitted into artifacts.
type JWTAuthConfig struct {
	Issuer    string   `yaml:"issuer,omitempty"`
	Audiences []string `yaml:"audiences,omitempty"`
	JWKSURL   string   `yaml:"jwks_url,omitempty"`
	Secret    string   `yaml:"secret,omitempty"`    // HS* shared secret alternative
	Algorithm string   `yaml:"algorithm,omitempty"` // RS256, HS256, ...
}

// HeaderConfig defines request/response header manipulation.
type HeaderConfig struct {
	RequestAdd     map[string]string `yaml:"request_add,omitempty"`
	RequestRemove  []string          `yaml:"request_remove,omitempty"`
	ResponseAdd    map[string]string `yaml:"response_add,omitempty"`
	ResponseRemove []string          `yaml:"response_remove,omitempty"`
}

// CORSConfig defines CORS settings.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled,omitempty"`
	AllowOrigins     []string      `yaml:"allow_origins,omitempty"`
	AllowMethods     []string      `yaml:"allow_methods,omitempty"`
	AllowHeaders     []string      `yaml:"allow_headers,omitempty"`
	ExposeHeaders    []string      `yaml:"expose_headers,omitempty"`
	AllowCredentials bool          `yaml:"allow_credentials,omitempty"`
	MaxAge           time.Duration `yaml:"max_age,omitempty"`
}

// WebSocketConfig defines websocket upgrade settings.
type WebSocketConfig struct {
	Enabled     bool          `yaml:"enabled,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

// CircuitBreakerConfig defines circuit breaker thresholds emitted into
// artifacts; the target gateway enforces them at its own runtime.
type CircuitBreakerConfig struct {
	Enabled            bool          `yaml:"enabled,omitempty"`
	MaxConnections     int           `yaml:"max_connections,omitempty"`
	MaxPendingRequests int           `yaml:"max_pending_requests,omitempty"`
	ConsecutiveErrors  int           `yaml:"consecutive_errors,omitempty"`
	Interval           time.Duration `yaml:"interval,omitempty"`
	BaseEjectionTime   time.Duration `yaml:"base_ejection_time,omitempty"`
}

// BodyTransformConfig defines request/response body transformation.
type BodyTransformConfig struct {
	Request  *BodyTransform `yaml:"request,omitempty"`
	Response *BodyTransform `yaml:"response,omitempty"`
}

// BodyTransform defines field-level body edits. Added values may carry
// {{uuid}} and {{timestamp}} placeholders, rendered as target-native runtime
// expressions so generation stays deterministic.
type BodyTransform struct {
	AddFields    map[string]string `yaml:"add_fields,omitempty"`
	RemoveFields []string          `yaml:"remove_fields,omitempty"`
	RenameFields map[string]string `yaml:"rename_fields,omitempty"`
}

// IsActive reports whether the transform carries any edits.
func (b *BodyTransform) IsActive() bool {
	return b != nil && (len(b.AddFields) > 0 || len(b.RemoveFields) > 0 || len(b.RenameFields) > 0)
}

// TransformationConfig defines service-level body transformation applied to
// every route of the service.
type TransformationConfig struct {
	Request  *BodyTransform `yaml:"request,omitempty"`
	Response *BodyTransform `yaml:"response,omitempty"`
}

// EffectiveBodyTransform merges the service-level transformation into the
// route's body transform. Route-level edits win on overlapping fields. The
// result is a fresh value; the model is never mutated. Nil means no
// transformation applies.
func (s *Service) EffectiveBodyTransform(r *Route) *BodyTransformConfig {
	var rb *BodyTransformConfig
	if r != nil {
		rb = r.BodyTransform
	}
	if s.Transformation == nil {
		return rb
	}
	merged := &BodyTransformConfig{
		Request:  mergeBodyTransform(s.Transformation.Request, transformOf(rb, true)),
		Response: mergeBodyTransform(s.Transformation.Response, transformOf(rb, false)),
	}
	if !merged.Request.IsActive() && !merged.Response.IsActive() {
		return nil
	}
	return merged
}

func transformOf(b *BodyTransformConfig, request bool) *BodyTransform {
	if b == nil {
		return nil
	}
	if request {
		return b.Request
	}
	return b.Response
}

func mergeBodyTransform(base, override *BodyTransform) *BodyTransform {
	if !base.IsActive() {
		return override
	}
	if !override.IsActive() {
		return base
	}
	out := &BodyTransform{
		AddFields:    map[string]string{},
		RenameFields: map[string]string{},
	}
	for k, v := range base.AddFields {
		out.AddFields[k] = v
	}
	for k, v := range override.AddFields {
		out.AddFields[k] = v
	}
	out.RemoveFields = append(append([]string{}, base.RemoveFields...), override.RemoveFields...)
	for k, v := range base.RenameFields {
		out.RenameFields[k] = v
	}
	for k, v := range override.RenameFields {
		out.RenameFields[k] = v
	}
	if len(out.AddFields) == 0 {
		out.AddFields = nil
	}
	if len(out.RenameFields) == 0 {
		out.RenameFields = nil
	}
	return out
}

// TimeoutConfig defines per-route timeouts.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect,omitempty"`
	Send    time.Duration `yaml:"send,omitempty"`
	Read    time.Duration `yaml:"read,omitempty"`
}

// RetryConfig defines retry policy values emitted into artifacts.
type RetryConfig struct {
	Attempts      int           `yaml:"attempts,omitempty"`
	PerTryTimeout time.Duration `yaml:"per_try_timeout,omitempty"`
	RetryOn       []string      `yaml:"retry_on,omitempty"` // e.g. 5xx, connect-failure, retriable-4xx
}

// GrpcTransformation defines gRPC message transformation for a route. When
// enabled, ProtoDescriptor, Package, Service, RequestType and ResponseType
// are all required; ProtoDescriptor must name a top-level descriptor.
type GrpcTransformation struct {
	Enabled         bool           `yaml:"enabled,omitempty"`
	ProtoDescriptor string         `yaml:"proto_descriptor,omitempty"`
	Package         string         `yaml:"package,omitempty"`
	Service         string         `yaml:"service,omitempty"`
	RequestType     string         `yaml:"request_type,omitempty"`
	ResponseType    string         `yaml:"response_type,omitempty"`
	Request         *BodyTransform `yaml:"request,omitempty"`
	Response        *BodyTransform `yaml:"response,omitempty"`
}

// DescriptorSource enumerates proto descriptor source kinds.
type DescriptorSource string

const (
	DescriptorSourceFile   DescriptorSource = "file"
	DescriptorSourceInline DescriptorSource = "inline"
	DescriptorSourceURL    DescriptorSource = "url"
)

// ProtoDescriptor references a compiled protobuf descriptor set. Exactly one
// of Path/Content/URL is set, matching Source.
type ProtoDescriptor struct {
	Name    string           `yaml:"name,omitempty"`
	Source  DescriptorSource `yaml:"source,omitempty"`
	Path    string           `yaml:"path,omitempty"`
	Content string           `yaml:"content,omitempty"` // base64 descriptor bytes or proto source
	URL     string           `yaml:"url,omitempty"`
}

// TrafficSplitConfig defines weighted and/or rule-based traffic splitting.
type TrafficSplitConfig struct {
	Enabled        bool               `yaml:"enabled,omitempty"`
	Targets        []SplitTarget      `yaml:"targets,omitempty"`
	RoutingRules   *SplitRoutingRules `yaml:"routing_rules,omitempty"`
	FallbackTarget string             `yaml:"fallback_target,omitempty"`
}

// FindTarget returns the split target with the given name, or nil.
func (t *TrafficSplitConfig) FindTarget(name string) *SplitTarget {
	for i := range t.Targets {
		if t.Targets[i].Name == name {
			return &t.Targets[i]
		}
	}
	return nil
}

// SplitTarget is one weighted destination of a traffic split.
type SplitTarget struct {
	Name     string   `yaml:"name,omitempty"`
	Weight   int      `yaml:"weight,omitempty"` // 0-100
	Upstream Upstream `yaml:"upstream,omitempty"`
}

// SplitRoutingRules defines rule-based overrides evaluated before the
// weighted split. Header rules are evaluated before cookie rules; within
// each list, declaration order wins.
type SplitRoutingRules struct {
	HeaderRules []SplitHeaderRule `yaml:"header_rules,omitempty"`
	CookieRules []SplitCookieRule `yaml:"cookie_rules,omitempty"`
}

// SplitHeaderRule routes requests with a matching header to a named target.
type SplitHeaderRule struct {
	Header string `yaml:"header,omitempty"`
	Value  string `yaml:"value,omitempty"`
	Target string `yaml:"target,omitempty"`
}

// SplitCookieRule routes requests with a matching cookie to a named target.
type SplitCookieRule struct {
	Cookie string `yaml:"cookie,omitempty"`
	Value  string `yaml:"value,omitempty"`
	Target string `yaml:"target,omitempty"`
}

// MirroringConfig defines request mirroring to shadow backends.
type MirroringConfig struct {
	Enabled     bool           `yaml:"enabled,omitempty"`
	Targets     []MirrorTarget `yaml:"targets,omitempty"`
	CopyBody    bool           `yaml:"copy_body,omitempty"`
	CopyHeaders bool           `yaml:"copy_headers,omitempty"`
}

// MirrorTarget is one shadow destination.
type MirrorTarget struct {
	Name             string            `yaml:"name,omitempty"`
	Upstream         Upstream          `yaml:"upstream,omitempty"`
	SamplePercentage int               `yaml:"sample_percentage,omitempty"` // 0-100
	Timeout          time.Duration     `yaml:"timeout,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
}

// EvaluationStrategy enumerates advanced routing evaluation modes.
type EvaluationStrategy string

const (
	EvaluateFirstMatch EvaluationStrategy = "first_match"
	EvaluateAllMatch   EvaluationStrategy = "all_match"
)

// AdvancedRoutingConfig defines request-attribute based backend selection.
// Rule lists are evaluated in declaration order: header, claim, geo, query.
type AdvancedRoutingConfig struct {
	Enabled            bool               `yaml:"enabled,omitempty"`
	HeaderRules        []HeaderMatchRule  `yaml:"header_rules,omitempty"`
	ClaimRules         []ClaimMatchRule   `yaml:"claim_rules,omitempty"`
	GeoRules           []GeoMatchRule     `yaml:"geo_rules,omitempty"`
	QueryRules         []QueryMatchRule   `yaml:"query_rules,omitempty"`
	EvaluationStrategy EvaluationStrategy `yaml:"evaluation_strategy,omitempty"`
	FallbackTarget     string             `yaml:"fallback_target,omitempty"`
}

// HeaderMatchRule matches on a request header.
type HeaderMatchRule struct {
	Header    string `yaml:"header,omitempty"`
	MatchType string `yaml:"match_type,omitempty"` // exact, prefix, regex, contains
	Value     string `yaml:"value,omitempty"`
	Target    string `yaml:"target,omitempty"`
}

// ClaimMatchRule matches on a JWT claim.
type ClaimMatchRule struct {
	Claim     string `yaml:"claim,omitempty"`
	MatchType string `yaml:"match_type,omitempty"` // exact, contains, regex
	Value     string `yaml:"value,omitempty"`
	Target    string `yaml:"target,omitempty"`
}

// GeoMatchRule matches on request origin geography.
type GeoMatchRule struct {
	MatchType string   `yaml:"match_type,omitempty"` // country, region, continent
	Values    []string `yaml:"values,omitempty"`
	Target    string   `yaml:"target,omitempty"`
}

// QueryMatchRule matches on a query parameter.
type QueryMatchRule struct {
	Param     string `yaml:"param,omitempty"`
	MatchType string `yaml:"match_type,omitempty"` // exact, exists, regex
	Value     string `yaml:"value,omitempty"`
	Target    string `yaml:"target,omitempty"`
}

// AdvancedRoutingTarget is a named destination referenced by routing rules.
type AdvancedRoutingTarget struct {
	Name     string   `yaml:"name,omitempty"`
	Upstream Upstream `yaml:"upstream,omitempty"`
}

// Plugin is a provider-opaque plugin attachment carried through to adapters
// that understand it.
type Plugin struct {
	Name    string                 `yaml:"name,omitempty"`
	Enabled bool                   `yaml:"enabled,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty"`
}
