package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
)

// Adapter translates the neutral model into an AWS API Gateway import
// document: OpenAPI 3 JSON with x-amazon-apigateway-* extensions.
type Adapter struct{}

// New creates the AWS adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "aws" }

// Parse is not supported; the import document drops too much provider state
// to reverse.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	return nil, &provider.UnsupportedFeatureError{Provider: "aws", Feature: "parse"}
}

// Deploy is not supported; the artifact imports via the AWS CLI or console.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "aws", Feature: "deploy"}
}

// Validate checks AWS-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	ag, _ := cfg.Global.ProviderBlock("aws").(*config.AWSGlobal)
	if ag == nil {
		return provider.Errorf("aws", "global.aws block is required")
	}
	if ag.Region == "" {
		return provider.Errorf("aws", "global.aws.region is required")
	}
	if ag.IntegrationType == "aws_proxy" {
		if ag.LambdaARN == "" {
			return provider.Errorf("aws", "global.aws.lambda_arn is required for aws_proxy integrations")
		}
		if !strings.HasPrefix(ag.LambdaARN, "arn:aws:lambda:") {
			return provider.Errorf("aws", "global.aws.lambda_arn %q is not a lambda ARN", ag.LambdaARN)
		}
	}
	return nil
}

// Generate produces the OpenAPI 3 import JSON.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	ag, _ := cfg.Global.ProviderBlock("aws").(*config.AWSGlobal)
	if ag == nil {
		return "", provider.Errorf("aws", "global.aws block is required")
	}

	title := ag.APIName
	if title == "" {
		title = "gateway"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.1",
		Info: &openapi3.Info{
			Title:   title,
			Version: cfg.Version,
		},
		Paths: openapi3.NewPaths(),
	}
	doc.Extensions = map[string]interface{}{}
	if ag.EndpointType != "" {
		doc.Extensions["x-amazon-apigateway-endpoint-configuration"] = map[string]interface{}{
			"types": []string{strings.ToUpper(ag.EndpointType)},
		}
	}
	if ag.APIKeySource != "" {
		doc.Extensions["x-amazon-apigateway-api-key-source"] = strings.ToUpper(ag.APIKeySource)
	}

	var securitySchemes openapi3.SecuritySchemes

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		for ri := range svc.Routes {
			route := &svc.Routes[ri]
			item, schemes, err := a.buildPathItem(ag, svc, route)
			if err != nil {
				return "", err
			}
			for name, ref := range schemes {
				if securitySchemes == nil {
					securitySchemes = openapi3.SecuritySchemes{}
				}
				securitySchemes[name] = ref
			}
			doc.Paths.Set(routePath(route.PathPrefix), item)
		}
	}

	if securitySchemes != nil {
		doc.Components = &openapi3.Components{SecuritySchemes: securitySchemes}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("aws: marshal failed: %w", err)
	}
	return string(out) + "\n", nil
}

// buildPathItem builds one path with its per-method operations and
// integrations.
func (a *Adapter) buildPathItem(ag *config.AWSGlobal, svc *config.Service, route *config.Route) (*openapi3.PathItem, openapi3.SecuritySchemes, error) {
	item := &openapi3.PathItem{}
	schemes := openapi3.SecuritySchemes{}

	methods := route.Methods
	anyMethod := len(methods) == 0
	if anyMethod {
		methods = []string{"GET"} // placeholder slot for the ANY operation
	}

	for _, method := range methods {
		op := &openapi3.Operation{
			OperationID: fmt.Sprintf("%s_%s_%s", svc.Name, strings.ToLower(method), opSlug(route.PathPrefix)),
			Responses:   openapi3.NewResponses(),
			Extensions:  map[string]interface{}{},
		}

		integration, err := a.buildIntegration(ag, svc, route, method)
		if err != nil {
			return nil, nil, err
		}
		op.Extensions["x-amazon-apigateway-integration"] = integration

		a.applyAuth(op, schemes, svc, route)

		if anyMethod {
			item.Extensions = map[string]interface{}{"x-amazon-apigateway-any-method": op}
			break
		}
		setOperation(item, method, op)
	}

	if c := route.CORS; c != nil && c.Enabled {
		item.Options = corsOptions(c)
	}

	a.warnUnsupported(svc, route)
	return item, schemes, nil
}

// buildIntegration builds the x-amazon-apigateway-integration object,
// embedding the traffic-split VTL selector when the route splits.
func (a *Adapter) buildIntegration(ag *config.AWSGlobal, svc *config.Service, route *config.Route, method string) (map[string]interface{}, error) {
	integration := map[string]interface{}{}

	if ag.IntegrationType == "aws_proxy" {
		integration["type"] = "aws_proxy"
		integration["httpMethod"] = "POST"
		integration["uri"] = fmt.Sprintf(
			"arn:aws:apigateway:%s:lambda:path/2015-03-31/functions/%s/invocations",
			ag.Region, ag.LambdaARN)
		integration["payloadFormatVersion"] = "1.0"
	} else {
		eps := svc.Upstream.Endpoints()
		if len(eps) == 0 {
			return nil, provider.Errorf("aws", "service %s has no upstream endpoints", svc.Name)
		}
		integration["type"] = "http_proxy"
		integration["httpMethod"] = method
		integration["uri"] = fmt.Sprintf("http://%s:%d%s", eps[0].Host, eps[0].Port, route.PathPrefix)
		integration["connectionType"] = "INTERNET"
		if len(eps) > 1 {
			logging.Warn("aws: http_proxy integration takes a single URI, extra endpoints dropped",
				zap.String("service", svc.Name), zap.Int("dropped", len(eps)-1))
		}
	}

	if to := route.Timeout; to != nil && to.Read > 0 {
		integration["timeoutInMillis"] = int(to.Read.Milliseconds())
	}

	requestTemplates := map[string]interface{}{}
	if ts := route.TrafficSplit; ts != nil && ts.Enabled {
		requestTemplates["application/json"] = splitVTL(ts)
	}
	if len(requestTemplates) > 0 {
		integration["requestTemplates"] = requestTemplates
	}

	if h := route.Headers; h != nil && len(h.RequestAdd) > 0 {
		params := map[string]interface{}{}
		for _, k := range sortedKeys(h.RequestAdd) {
			params[fmt.Sprintf("integration.request.header.%s", k)] = fmt.Sprintf("'%s'", h.RequestAdd[k])
		}
		integration["requestParameters"] = params
	}

	return integration, nil
}

// splitVTL renders the deterministic split selector. Header and cookie
// overrides come first as $input.params conditionals; after them the
// request's epoch bucket lands in cumulative bands, inclusive lower /
// exclusive upper bound, in target declaration order.
func splitVTL(ts *config.TrafficSplitConfig) string {
	var sb strings.Builder
	sb.WriteString("#set($bucket = $context.requestTimeEpoch % 100)\n")

	kw := func(first bool) string {
		if first {
			return "#if"
		}
		return "#elseif"
	}
	first := true
	if rr := ts.RoutingRules; rr != nil {
		for _, rule := range rr.HeaderRules {
			fmt.Fprintf(&sb, "%s($input.params('%s') == '%s')\n", kw(first), rule.Header, rule.Value)
			fmt.Fprintf(&sb, "#set($context.requestOverride.header.x-split-target = '%s')\n", rule.Target)
			first = false
		}
		for _, rule := range rr.CookieRules {
			fmt.Fprintf(&sb, "%s($input.params('Cookie').contains('%s=%s'))\n", kw(first), rule.Cookie, rule.Value)
			fmt.Fprintf(&sb, "#set($context.requestOverride.header.x-split-target = '%s')\n", rule.Target)
			first = false
		}
	}

	upper := 0
	for i := range ts.Targets {
		t := &ts.Targets[i]
		upper += t.Weight
		fmt.Fprintf(&sb, "%s($bucket < %d)\n", kw(first), upper)
		fmt.Fprintf(&sb, "#set($context.requestOverride.header.x-split-target = '%s')\n", t.Name)
		first = false
	}
	if upper < 100 && ts.FallbackTarget != "" {
		sb.WriteString("#else\n")
		fmt.Fprintf(&sb, "#set($context.requestOverride.header.x-split-target = '%s')\n", ts.FallbackTarget)
	}
	sb.WriteString("#end\n")
	sb.WriteString("$input.json('$')\n")
	return sb.String()
}

// applyAuth attaches security schemes to the operation.
func (a *Adapter) applyAuth(op *openapi3.Operation, schemes openapi3.SecuritySchemes, svc *config.Service, route *config.Route) {
	auth := route.Authentication
	if auth == nil {
		return
	}
	switch auth.Type {
	case config.AuthTypeAPIKey:
		header := auth.APIKeyHeader
		if header == "" {
			header = "x-api-key"
		}
		scheme := openapi3.NewSecurityScheme()
		scheme.Type = "apiKey"
		scheme.In = "header"
		scheme.Name = header
		schemes["api_key"] = &openapi3.SecuritySchemeRef{Value: scheme}
		req := openapi3.NewSecurityRequirements().With(openapi3.SecurityRequirement{"api_key": []string{}})
		op.Security = req
	case config.AuthTypeJWT:
		scheme := openapi3.NewSecurityScheme()
		scheme.Type = "apiKey"
		scheme.In = "header"
		scheme.Name = "Authorization"
		scheme.Extensions = map[string]interface{}{
			"x-amazon-apigateway-authtype": "custom",
			"x-amazon-apigateway-authorizer": map[string]interface{}{
				"type": "jwt",
				"jwtConfiguration": map[string]interface{}{
					"issuer":   auth.JWT.Issuer,
					"audience": auth.JWT.Audiences,
				},
				"identitySource": "$request.header.Authorization",
			},
		}
		name := fmt.Sprintf("%s_jwt", svc.Name)
		schemes[name] = &openapi3.SecuritySchemeRef{Value: scheme}
		op.Security = openapi3.NewSecurityRequirements().With(openapi3.SecurityRequirement{name: []string{}})
	case config.AuthTypeBasic:
		logging.Warn("aws: API Gateway has no basic auth, dropped",
			zap.String("service", svc.Name))
	}
}

// corsOptions emits the mock OPTIONS preflight operation.
func corsOptions(c *config.CORSConfig) *openapi3.Operation {
	headers := map[string]interface{}{
		"method.response.header.Access-Control-Allow-Origin": fmt.Sprintf("'%s'", strings.Join(c.AllowOrigins, " ")),
	}
	if len(c.AllowMethods) > 0 {
		headers["method.response.header.Access-Control-Allow-Methods"] = fmt.Sprintf("'%s'", strings.Join(c.AllowMethods, ","))
	}
	if len(c.AllowHeaders) > 0 {
		headers["method.response.header.Access-Control-Allow-Headers"] = fmt.Sprintf("'%s'", strings.Join(c.AllowHeaders, ","))
	}

	op := &openapi3.Operation{
		Responses: openapi3.NewResponses(),
		Extensions: map[string]interface{}{
			"x-amazon-apigateway-integration": map[string]interface{}{
				"type": "mock",
				"requestTemplates": map[string]interface{}{
					"application/json": "{\"statusCode\": 200}",
				},
				"responses": map[string]interface{}{
					"default": map[string]interface{}{
						"statusCode":         "200",
						"responseParameters": headers,
					},
				},
			},
		},
	}
	return op
}

func (a *Adapter) warnUnsupported(svc *config.Service, route *config.Route) {
	if route.RateLimit != nil {
		logging.Warn("aws: throttling lives in usage plans outside the import document, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if m := route.Mirroring; m != nil && m.Enabled {
		logging.Warn("aws: request mirroring is not available, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
		logging.Warn("aws: attribute-based routing is not expressible in an import document, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		logging.Warn("aws: gRPC message transformation is not available, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
	if bt := svc.EffectiveBodyTransform(route); bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		logging.Warn("aws: body mapping templates are not generated for proxy integrations, dropped",
			zap.String("service", svc.Name), zap.String("route", route.PathPrefix))
	}
}

func setOperation(item *openapi3.PathItem, method string, op *openapi3.Operation) {
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

// routePath renders the prefix with a greedy proxy capture.
func routePath(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/{proxy+}"
}

func opSlug(prefix string) string {
	s := strings.Trim(prefix, "/")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" {
		return "root"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
