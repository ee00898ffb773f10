package gcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
)

// Adapter translates the neutral model into a GCP API Gateway config:
// Swagger 2.0 YAML with x-google-backend extensions.
type Adapter struct{}

// New creates the GCP adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "gcp" }

// Parse is not supported; the gateway config drops too much state to
// reverse.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	return nil, &provider.UnsupportedFeatureError{Provider: "gcp", Feature: "parse"}
}

// Deploy is not supported; the config deploys through gcloud.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "gcp", Feature: "deploy"}
}

// Validate checks GCP-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	gg, _ := cfg.Global.ProviderBlock("gcp").(*config.GCPGlobal)
	if gg == nil {
		return provider.Errorf("gcp", "global.gcp block is required")
	}
	if gg.ProjectID == "" {
		return provider.Errorf("gcp", "global.gcp.project_id is required")
	}
	for _, r := range gg.ProjectID {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return provider.Errorf("gcp", "global.gcp.project_id %q has characters outside [a-z0-9-]", gg.ProjectID)
		}
	}
	return nil
}

// Generate produces the Swagger 2.0 gateway config YAML.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	gg, _ := cfg.Global.ProviderBlock("gcp").(*config.GCPGlobal)
	if gg == nil {
		return "", provider.Errorf("gcp", "global.gcp block is required")
	}

	title := gg.APIID
	if title == "" {
		title = "gateway"
	}

	doc := &openapi2.T{
		Swagger: "2.0",
		Info: openapi3.Info{
			Title:   title,
			Version: cfg.Version,
		},
		Schemes: []string{"https"},
		Paths:   map[string]*openapi2.PathItem{},
	}
	doc.Extensions = map[string]interface{}{}
	if gg.ManagedService != "" {
		doc.Extensions["x-google-management"] = map[string]interface{}{
			"metrics": []interface{}{},
		}
		doc.Extensions["x-google-api-name"] = gg.ManagedService
	}

	securityDefs := map[string]*openapi2.SecurityScheme{}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		for ri := range svc.Routes {
			route := &svc.Routes[ri]
			item, err := a.buildPathItem(svc, route, securityDefs)
			if err != nil {
				return "", err
			}
			doc.Paths[routePath(route.PathPrefix)] = item
		}
	}

	if len(securityDefs) > 0 {
		doc.SecurityDefinitions = securityDefs
	}

	// Swagger YAML is the gcloud-facing form; the document marshals through
	// its JSON shape so extension ordering stays stable.
	jsonBytes, err := doc.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("gcp: marshal failed: %w", err)
	}
	out, err := yaml.JSONToYAML(jsonBytes)
	if err != nil {
		return "", fmt.Errorf("gcp: yaml conversion failed: %w", err)
	}
	return string(out), nil
}

// buildPathItem builds one path with x-google-backend integrations.
func (a *Adapter) buildPathItem(svc *config.Service, route *config.Route, securityDefs map[string]*openapi2.SecurityScheme) (*openapi2.PathItem, error) {
	item := &openapi2.PathItem{}

	eps := svc.Upstream.Endpoints()
	if len(eps) == 0 {
		return nil, provider.Errorf("gcp", "service %s has no upstream endpoints", svc.Name)
	}
	backend := map[string]interface{}{
		"address":         fmt.Sprintf("http://%s:%d", eps[0].Host, eps[0].Port),
		"path_translation": "APPEND_PATH_TO_ADDRESS",
	}
	if to := route.Timeout; to != nil && to.Read > 0 {
		backend["deadline"] = to.Read.Seconds()
	}
	if len(eps) > 1 {
		logging.Warn("gcp: x-google-backend takes a single address, extra endpoints dropped",
			zap.String("service", svc.Name), zap.Int("dropped", len(eps)-1))
	}

	methods := route.Methods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	}

	for _, method := range methods {
		op := &openapi2.Operation{
			OperationID: fmt.Sprintf("%s_%s_%s", svc.Name, strings.ToLower(method), opSlug(route.PathPrefix)),
			Responses: map[string]*openapi2.Response{
				"200": {Description: "OK"},
			},
			Extensions: map[string]interface{}{
				"x-google-backend": backend,
			},
		}
		a.applyAuth(op, securityDefs, svc, route)
		setOperation(item, method, op)
	}

	a.warnUnsupported(svc, route)
	return item, nil
}

// applyAuth attaches security definitions to the operation.
func (a *Adapter) applyAuth(op *openapi2.Operation, defs map[string]*openapi2.SecurityScheme, svc *config.Service, route *config.Route) {
	auth := route.Authentication
	if auth == nil {
		return
	}
	switch auth.Type {
	case config.AuthTypeAPIKey:
		defs["api_key"] = &openapi2.SecurityScheme{
			Type: "apiKey",
			In:   "query",
			Name: "key",
		}
		op.Security = &openapi2.SecurityRequirements{{"api_key": []string{}}}
	case config.AuthTypeJWT:
		name := fmt.Sprintf("%s_jwt", svc.Name)
		scheme := &openapi2.SecurityScheme{
			Type: "oauth2",
			Flow: "implicit",
			// AuthorizationURL is required by the swagger schema even though
			// the gateway only reads the extensions.
			AuthorizationURL: orString(auth.JWT.Issuer, "https://example.com"),
			Extensions: map[string]interface{}{
				"x-google-issuer":    auth.JWT.Issuer,
				"x-google-jwks_uri":  auth.JWT.JWKSURL,
				"x-google-audiences": strings.Join(auth.JWT.Audiences, ","),
			},
		}
		defs[name] = scheme
		op.Security = &openapi2.SecurityRequirements{{name: []string{}}}
	case config.AuthTypeBasic:
		defs["basic"] = &openapi2.SecurityScheme{Type: "basic"}
		op.Security = &openapi2.SecurityRequirements{{"basic": []string{}}}
	}
}

func (a *Adapter) warnUnsupported(svc *config.Service, route *config.Route) {
	if ts := route.TrafficSplit; ts != nil && ts.Enabled {
		logging.Warn("gcp: traffic splitting lives in Cloud Run/LB config outside the gateway spec, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if m := route.Mirroring; m != nil && m.Enabled {
		logging.Warn("gcp: request mirroring is not available, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
		logging.Warn("gcp: attribute-based routing is not expressible in a gateway config, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if rl := route.RateLimit; rl != nil {
		logging.Warn("gcp: quota enforcement needs x-google-management metrics and a managed service, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		logging.Warn("gcp: gRPC message transformation is not available, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if bt := svc.EffectiveBodyTransform(route); bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		logging.Warn("gcp: body transformation is not available, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
}

func setOperation(item *openapi2.PathItem, method string, op *openapi2.Operation) {
	switch strings.ToUpper(method) {
	case "GET":
		item.Get = op
	case "POST":
		item.Post = op
	case "PUT":
		item.Put = op
	case "DELETE":
		item.Delete = op
	case "PATCH":
		item.Patch = op
	case "HEAD":
		item.Head = op
	case "OPTIONS":
		item.Options = op
	}
}

func routePath(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/**"
}

func opSlug(prefix string) string {
	s := strings.Trim(prefix, "/")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" {
		return "root"
	}
	return s
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
