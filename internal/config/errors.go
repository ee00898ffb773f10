package config

import "fmt"

// ParseError indicates a malformed input document. The underlying parser
// error is surfaced verbatim.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError indicates a structurally valid document that violates a model
// invariant: a missing required key, an out-of-range value, a dangling
// reference. Raised eagerly at construction time, never at generation time.
type SchemaError struct {
	Scope string // e.g. "service user_service", "route /api/users"
	Msg   string
}

func (e *SchemaError) Error() string {
	if e.Scope == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Scope, e.Msg)
}

// schemaErrorf builds a SchemaError with a formatted message.
func schemaErrorf(scope, format string, args ...interface{}) error {
	return &SchemaError{Scope: scope, Msg: fmt.Sprintf(format, args...)}
}
