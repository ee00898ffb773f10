package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/wudi/polygate/internal/config"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string                                      { return s.name }
func (s *stubAdapter) Validate(cfg *config.Configuration) error          { return nil }
func (s *stubAdapter) Generate(cfg *config.Configuration) (string, error) { return "", nil }
func (s *stubAdapter) Parse(artifact string) (*config.Configuration, error) {
	return nil, &UnsupportedFeatureError{Provider: s.name, Feature: "parse"}
}
func (s *stubAdapter) Deploy(ctx context.Context, cfg *config.Configuration) error {
	return &UnsupportedFeatureError{Provider: s.name, Feature: "deploy"}
}

func TestRegistry_GetAndNames(t *testing.T) {
	r := NewRegistry(&stubAdapter{name: "beta"}, &stubAdapter{name: "alpha"})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("expected sorted names, got %v", names)
	}

	a, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Name() != "alpha" {
		t.Fatalf("wrong adapter: %s", a.Name())
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(&stubAdapter{name: "alpha"})

	_, err := r.Get("nginx2")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), `provider "nginx2" is not registered`) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "alpha") {
		t.Fatalf("error does not list registered providers: %v", err)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate adapter name")
		}
	}()
	NewRegistry(&stubAdapter{name: "alpha"}, &stubAdapter{name: "alpha"})
}

func TestErrorMessages(t *testing.T) {
	err := Errorf("kong", "admin URL %q is invalid", "x")
	if err.Error() != `kong: admin URL "x" is invalid` {
		t.Fatalf("unexpected ValidationError text: %v", err)
	}

	unsup := &UnsupportedFeatureError{Provider: "haproxy", Feature: "parse"}
	if unsup.Error() != "haproxy does not support parse" {
		t.Fatalf("unexpected UnsupportedFeatureError text: %v", unsup)
	}
}
