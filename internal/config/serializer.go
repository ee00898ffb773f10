package config

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// Serialize renders a configuration back into neutral YAML. Used by the
// import pipeline after an adapter parses a native artifact.
func Serialize(cfg *Configuration) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize configuration: %w", err)
	}
	return string(out), nil
}
