package azure

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/provider"
)

const apimAPIVersion = "2021-08-01"

// Adapter translates the neutral model into an Azure APIM ARM deployment
// template with inline policy XML.
type Adapter struct{}

// New creates the Azure adapter.
func New() *Adapter { return &Adapter{} }

// Name returns the provider key.
func (a *Adapter) Name() string { return "azure" }

// Parse probes the document to give a useful message, but ARM templates drop
// too much state to reverse.
func (a *Adapter) Parse(artifact string) (*config.Configuration, error) {
	if gjson.Valid(artifact) {
		schema := gjson.Get(artifact, "$schema").String()
		if strings.Contains(schema, "deploymentTemplate") {
			logging.Warn("azure parse: ARM templates are one-way, policy XML state cannot be recovered",
				zap.Int("resources", int(gjson.Get(artifact, "resources.#").Int())))
		}
	}
	return nil, &provider.UnsupportedFeatureError{Provider: "azure", Feature: "parse"}
}

// Deploy is not supported; the template deploys through the az CLI.
func (a *Adapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &provider.UnsupportedFeatureError{Provider: "azure", Feature: "deploy"}
}

// Validate checks Azure-specific preconditions.
func (a *Adapter) Validate(cfg *config.Configuration) error {
	ag, _ := cfg.Global.ProviderBlock("azure").(*config.AzureGlobal)
	if ag == nil {
		return provider.Errorf("azure", "global.azure block is required")
	}
	if ag.ServiceName == "" {
		return provider.Errorf("azure", "global.azure.service_name is required")
	}
	if ag.Location == "" {
		return provider.Errorf("azure", "global.azure.location is required")
	}
	return nil
}

// ARM template schema subset.

type armTemplate struct {
	Schema         string        `json:"$schema"`
	ContentVersion string        `json:"contentVersion"`
	Resources      []armResource `json:"resources"`
}

type armResource struct {
	Type       string                 `json:"type"`
	APIVersion string                 `json:"apiVersion"`
	Name       string                 `json:"name"`
	Location   string                 `json:"location,omitempty"`
	SKU        *armSKU                `json:"sku,omitempty"`
	DependsOn  []string               `json:"dependsOn,omitempty"`
	Properties map[string]interface{} `json:"properties"`
}

type armSKU struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Generate produces the ARM deployment template JSON.
func (a *Adapter) Generate(cfg *config.Configuration) (string, error) {
	ag, _ := cfg.Global.ProviderBlock("azure").(*config.AzureGlobal)
	if ag == nil {
		return "", provider.Errorf("azure", "global.azure block is required")
	}

	sku := ag.SKU
	if sku == "" {
		sku = "Developer"
	}

	tmpl := armTemplate{
		Schema:         "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#",
		ContentVersion: "1.0.0.0",
	}

	serviceProps := map[string]interface{}{
		"publisherEmail": orString(ag.PublisherEmail, "admin@example.com"),
		"publisherName":  orString(ag.PublisherName, "gateway"),
	}
	tmpl.Resources = append(tmpl.Resources, armResource{
		Type:       "Microsoft.ApiManagement/service",
		APIVersion: apimAPIVersion,
		Name:       ag.ServiceName,
		Location:   ag.Location,
		SKU:        &armSKU{Name: sku, Capacity: 1},
		Properties: serviceProps,
	})
	serviceDep := fmt.Sprintf("[resourceId('Microsoft.ApiManagement/service', '%s')]", ag.ServiceName)

	for si := range cfg.Services {
		svc := &cfg.Services[si]

		apiID := svc.Name
		displayName := svc.Name
		apiPath := strings.Trim(svc.Name, "/")
		subscriptionRequired := false
		if az := svc.Azure; az != nil {
			apiID = orString(az.APIID, apiID)
			displayName = orString(az.DisplayName, displayName)
			apiPath = orString(strings.Trim(az.Path, "/"), apiPath)
			subscriptionRequired = az.SubscriptionRequired
		}

		eps := svc.Upstream.Endpoints()
		if len(eps) == 0 {
			return "", provider.Errorf("azure", "service %s has no upstream endpoints", svc.Name)
		}
		serviceURL := fmt.Sprintf("http://%s:%d", eps[0].Host, eps[0].Port)
		if len(eps) > 1 {
			logging.Warn("azure: APIM takes a single backend URL, weighted endpoints move into policy",
				zap.String("service", svc.Name))
		}

		tmpl.Resources = append(tmpl.Resources, armResource{
			Type:       "Microsoft.ApiManagement/service/apis",
			APIVersion: apimAPIVersion,
			Name:       fmt.Sprintf("%s/%s", ag.ServiceName, apiID),
			DependsOn:  []string{serviceDep},
			Properties: map[string]interface{}{
				"displayName":          displayName,
				"path":                 apiPath,
				"protocols":            []string{"https"},
				"serviceUrl":           serviceURL,
				"subscriptionRequired": subscriptionRequired,
			},
		})
		apiDep := fmt.Sprintf("[resourceId('Microsoft.ApiManagement/service/apis', '%s', '%s')]", ag.ServiceName, apiID)

		for ri := range svc.Routes {
			route := &svc.Routes[ri]

			methods := route.Methods
			if len(methods) == 0 {
				methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
			}
			for _, method := range methods {
				opID := fmt.Sprintf("%s-%d-%s", apiID, ri, strings.ToLower(method))
				tmpl.Resources = append(tmpl.Resources, armResource{
					Type:       "Microsoft.ApiManagement/service/apis/operations",
					APIVersion: apimAPIVersion,
					Name:       fmt.Sprintf("%s/%s/%s", ag.ServiceName, apiID, opID),
					DependsOn:  []string{apiDep},
					Properties: map[string]interface{}{
						"displayName": fmt.Sprintf("%s %s", method, route.PathPrefix),
						"method":      method,
						"urlTemplate": strings.TrimSuffix(route.PathPrefix, "/") + "/*",
					},
				})
			}
		}

		policy := a.buildPolicy(svc)
		tmpl.Resources = append(tmpl.Resources, armResource{
			Type:       "Microsoft.ApiManagement/service/apis/policies",
			APIVersion: apimAPIVersion,
			Name:       fmt.Sprintf("%s/%s/policy", ag.ServiceName, apiID),
			DependsOn:  []string{apiDep},
			Properties: map[string]interface{}{
				"format": "xml",
				"value":  policy,
			},
		})
	}

	out, err := json.MarshalIndent(&tmpl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("azure: marshal failed: %w", err)
	}
	return string(out) + "\n", nil
}

// buildPolicy renders the API-scope policy XML. Route policies collapse to
// API scope because APIM policies attach per API or operation; the first
// route's policies win and extra routes warn.
func (a *Adapter) buildPolicy(svc *config.Service) string {
	var inbound, outbound strings.Builder

	if len(svc.Routes) == 0 {
		return "<policies>\n  <inbound>\n    <base />\n  </inbound>\n  <backend>\n    <base />\n  </backend>\n  <outbound>\n    <base />\n  </outbound>\n</policies>"
	}
	if len(svc.Routes) > 1 {
		logging.Warn("azure: route policies collapse to API-scope policy, first route wins",
			zap.String("service", svc.Name), zap.Int("routes", len(svc.Routes)))
	}
	route := &svc.Routes[0]

	if rl := route.RateLimit; rl != nil {
		fmt.Fprintf(&inbound, "    <rate-limit calls=\"%d\" renewal-period=\"1\" />\n", rl.RequestsPerSecond)
	}

	if auth := route.Authentication; auth != nil {
		switch auth.Type {
		case config.AuthTypeAPIKey:
			header := auth.APIKeyHeader
			if header == "" {
				header = "X-API-Key"
			}
			fmt.Fprintf(&inbound, "    <check-header name=\"%s\" failed-check-httpcode=\"401\" failed-check-error-message=\"unauthorized\" ignore-case=\"true\">\n", xmlEscape(header))
			for _, k := range auth.APIKeys {
				fmt.Fprintf(&inbound, "      <value>%s</value>\n", xmlEscape(k))
			}
			inbound.WriteString("    </check-header>\n")
		case config.AuthTypeJWT:
			inbound.WriteString("    <validate-jwt header-name=\"Authorization\" failed-validation-httpcode=\"401\">\n")
			if auth.JWT.JWKSURL != "" {
				fmt.Fprintf(&inbound, "      <openid-config url=\"%s\" />\n", xmlEscape(auth.JWT.JWKSURL))
			}
			if len(auth.JWT.Audiences) > 0 {
				inbound.WriteString("      <audiences>\n")
				for _, aud := range auth.JWT.Audiences {
					fmt.Fprintf(&inbound, "        <audience>%s</audience>\n", xmlEscape(aud))
				}
				inbound.WriteString("      </audiences>\n")
			}
			if auth.JWT.Issuer != "" {
				fmt.Fprintf(&inbound, "      <issuers>\n        <issuer>%s</issuer>\n      </issuers>\n", xmlEscape(auth.JWT.Issuer))
			}
			inbound.WriteString("    </validate-jwt>\n")
		case config.AuthTypeBasic:
			logging.Warn("azure: basic auth maps to subscription keys in APIM, dropped",
				zap.String("service", svc.Name))
		}
	}

	if c := route.CORS; c != nil && c.Enabled {
		cred := ""
		if c.AllowCredentials {
			cred = " allow-credentials=\"true\""
		}
		fmt.Fprintf(&inbound, "    <cors%s>\n", cred)
		inbound.WriteString("      <allowed-origins>\n")
		for _, o := range c.AllowOrigins {
			fmt.Fprintf(&inbound, "        <origin>%s</origin>\n", xmlEscape(o))
		}
		inbound.WriteString("      </allowed-origins>\n")
		if len(c.AllowMethods) > 0 {
			inbound.WriteString("      <allowed-methods>\n")
			for _, m := range c.AllowMethods {
				fmt.Fprintf(&inbound, "        <method>%s</method>\n", xmlEscape(m))
			}
			inbound.WriteString("      </allowed-methods>\n")
		}
		if len(c.AllowHeaders) > 0 {
			inbound.WriteString("      <allowed-headers>\n")
			for _, h := range c.AllowHeaders {
				fmt.Fprintf(&inbound, "        <header>%s</header>\n", xmlEscape(h))
			}
			inbound.WriteString("      </allowed-headers>\n")
		}
		inbound.WriteString("    </cors>\n")
	}

	if h := route.Headers; h != nil {
		for _, k := range sortedKeys(h.RequestAdd) {
			fmt.Fprintf(&inbound, "    <set-header name=\"%s\" exists-action=\"override\">\n      <value>%s</value>\n    </set-header>\n",
				xmlEscape(k), xmlEscape(h.RequestAdd[k]))
		}
		for _, k := range h.RequestRemove {
			fmt.Fprintf(&inbound, "    <set-header name=\"%s\" exists-action=\"delete\" />\n", xmlEscape(k))
		}
		for _, k := range sortedKeys(h.ResponseAdd) {
			fmt.Fprintf(&outbound, "    <set-header name=\"%s\" exists-action=\"override\">\n      <value>%s</value>\n    </set-header>\n",
				xmlEscape(k), xmlEscape(h.ResponseAdd[k]))
		}
		for _, k := range h.ResponseRemove {
			fmt.Fprintf(&outbound, "    <set-header name=\"%s\" exists-action=\"delete\" />\n", xmlEscape(k))
		}
	}

	if ts := route.TrafficSplit; ts != nil && ts.Enabled {
		inbound.WriteString(splitPolicy(ts))
		if ts.RoutingRules != nil {
			inbound.WriteString(overridePolicy(ts))
		}
	}

	if r := route.Retry; r != nil && r.Attempts > 0 {
		logging.Warn("azure: retry policy wraps forward-request in the backend section, emitted as count only",
			zap.String("service", svc.Name))
	}
	a.warnUnsupported(svc, route)

	var sb strings.Builder
	sb.WriteString("<policies>\n")
	sb.WriteString("  <inbound>\n    <base />\n")
	sb.WriteString(inbound.String())
	sb.WriteString("  </inbound>\n")
	sb.WriteString("  <backend>\n    <base />\n  </backend>\n")
	sb.WriteString("  <outbound>\n    <base />\n")
	sb.WriteString(outbound.String())
	sb.WriteString("  </outbound>\n")
	sb.WriteString("</policies>")
	return sb.String()
}

// splitPolicy renders the weighted backend selector: a random bucket checked
// against cumulative upper bounds in declaration order.
func splitPolicy(ts *config.TrafficSplitConfig) string {
	var sb strings.Builder
	sb.WriteString("    <set-variable name=\"bucket\" value=\"@(new Random().Next(0, 100))\" />\n")
	sb.WriteString("    <choose>\n")
	upper := 0
	for i := range ts.Targets {
		t := &ts.Targets[i]
		upper += t.Weight
		eps := t.Upstream.Endpoints()
		if len(eps) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "      <when condition=\"@((int)context.Variables[&quot;bucket&quot;] &lt; %d)\">\n", upper)
		fmt.Fprintf(&sb, "        <set-backend-service base-url=\"http://%s:%d\" />\n", eps[0].Host, eps[0].Port)
		sb.WriteString("      </when>\n")
	}
	if upper < 100 && ts.FallbackTarget != "" {
		if fb := ts.FindTarget(ts.FallbackTarget); fb != nil {
			if eps := fb.Upstream.Endpoints(); len(eps) > 0 {
				sb.WriteString("      <otherwise>\n")
				fmt.Fprintf(&sb, "        <set-backend-service base-url=\"http://%s:%d\" />\n", eps[0].Host, eps[0].Port)
				sb.WriteString("      </otherwise>\n")
			}
		}
	}
	sb.WriteString("    </choose>\n")
	return sb.String()
}

// overridePolicy renders header/cookie overrides ahead of the weighted
// split; the first matching rule wins.
func overridePolicy(ts *config.TrafficSplitConfig) string {
	rr := ts.RoutingRules
	var sb strings.Builder
	sb.WriteString("    <choose>\n")
	emit := func(condition, targetName string) {
		target := ts.FindTarget(targetName)
		if target == nil {
			return
		}
		eps := target.Upstream.Endpoints()
		if len(eps) == 0 {
			return
		}
		fmt.Fprintf(&sb, "      <when condition=\"%s\">\n", condition)
		fmt.Fprintf(&sb, "        <set-backend-service base-url=\"http://%s:%d\" />\n", eps[0].Host, eps[0].Port)
		sb.WriteString("      </when>\n")
	}
	for _, rule := range rr.HeaderRules {
		emit(fmt.Sprintf("@(context.Request.Headers.GetValueOrDefault(&quot;%s&quot;, &quot;&quot;) == &quot;%s&quot;)",
			xmlEscape(rule.Header), xmlEscape(rule.Value)), rule.Target)
	}
	for _, rule := range rr.CookieRules {
		emit(fmt.Sprintf("@(context.Request.Headers.GetValueOrDefault(&quot;Cookie&quot;, &quot;&quot;).Contains(&quot;%s=%s&quot;))",
			xmlEscape(rule.Cookie), xmlEscape(rule.Value)), rule.Target)
	}
	sb.WriteString("    </choose>\n")
	return sb.String()
}

func (a *Adapter) warnUnsupported(svc *config.Service, route *config.Route) {
	if m := route.Mirroring; m != nil && m.Enabled {
		logging.Warn("azure: request mirroring needs send-one-way-request policies, dropped",
			zap.String("service", svc.Name))
	}
	if adv := route.AdvancedRouting; adv != nil && adv.Enabled {
		logging.Warn("azure: attribute routing beyond split overrides is not generated, dropped",
			zap.String("service", svc.Name))
	}
	if gt := route.GrpcTransformation; gt != nil && gt.Enabled {
		logging.Warn("azure: gRPC message transformation is not available in APIM policies, dropped",
			zap.String("service", svc.Name))
	}
	if bt := svc.EffectiveBodyTransform(route); bt != nil && (bt.Request.IsActive() || bt.Response.IsActive()) {
		logging.Warn("azure: set-body liquid templates are not generated, dropped",
			zap.String("service", svc.Name))
	}
}

func xmlEscape(s string) string {
	var sb strings.Builder
	_ = xml.EscapeText(&sb, []byte(s))
	return sb.String()
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
