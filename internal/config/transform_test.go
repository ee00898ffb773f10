package config

import (
	"reflect"
	"testing"
)

func TestEffectiveBodyTransform(t *testing.T) {
	svc := &Service{
		Transformation: &TransformationConfig{
			Request: &BodyTransform{
				AddFields:    map[string]string{"source": "gateway", "env": "prod"},
				RemoveFields: []string{"debug"},
			},
		},
	}
	route := &Route{
		BodyTransform: &BodyTransformConfig{
			Request: &BodyTransform{
				AddFields:    map[string]string{"env": "staging"},
				RemoveFields: []string{"trace"},
			},
		},
	}

	got := svc.EffectiveBodyTransform(route)
	if got == nil || got.Request == nil {
		t.Fatalf("expected merged transform, got %+v", got)
	}
	// Route-level edits win on overlapping fields.
	wantAdd := map[string]string{"source": "gateway", "env": "staging"}
	if !reflect.DeepEqual(got.Request.AddFields, wantAdd) {
		t.Fatalf("unexpected add fields: %v", got.Request.AddFields)
	}
	wantRemove := []string{"debug", "trace"}
	if !reflect.DeepEqual(got.Request.RemoveFields, wantRemove) {
		t.Fatalf("unexpected remove fields: %v", got.Request.RemoveFields)
	}

	// The model itself stays untouched.
	if svc.Transformation.Request.AddFields["env"] != "prod" {
		t.Fatal("service transformation mutated")
	}
	if route.BodyTransform.Request.AddFields["source"] != "" {
		t.Fatal("route transform mutated")
	}
}

func TestEffectiveBodyTransform_ServiceOnly(t *testing.T) {
	svc := &Service{
		Transformation: &TransformationConfig{
			Response: &BodyTransform{RemoveFields: []string{"internal_id"}},
		},
	}
	route := &Route{}

	got := svc.EffectiveBodyTransform(route)
	if got == nil || !got.Response.IsActive() {
		t.Fatalf("expected service response transform to apply, got %+v", got)
	}
	if got.Request.IsActive() {
		t.Fatalf("unexpected request transform: %+v", got.Request)
	}
}

func TestEffectiveBodyTransform_None(t *testing.T) {
	svc := &Service{}
	if got := svc.EffectiveBodyTransform(&Route{}); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}

	svc.Transformation = &TransformationConfig{}
	if got := svc.EffectiveBodyTransform(&Route{}); got != nil {
		t.Fatalf("expected nil for empty transformation, got %+v", got)
	}
}
