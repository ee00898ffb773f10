package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles neutral configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a neutral configuration file.
func (l *Loader) Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses a neutral configuration from YAML bytes. Malformed YAML
// yields a ParseError; invariant violations yield a SchemaError. The
// returned Configuration is fully validated and must be treated as
// immutable by callers.
func (l *Loader) Parse(data []byte) (*Configuration, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := &Configuration{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &ParseError{Err: err}
	}

	if err := cfg.Validate(); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			return nil, err
		}
		return nil, &SchemaError{Msg: err.Error()}
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
