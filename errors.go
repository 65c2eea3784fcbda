package riotapi

import (
	"errors"
	"fmt"

	"github.com/lolapi/riotapi-go/internal/reqengine"
)

// TransportError and APIError are produced by the request engine; aliased
// here so callers never need to import an internal package to use
// errors.As/errors.Is against them.
type (
	TransportError = reqengine.TransportError
	APIError       = reqengine.APIError
)

// DecodeError indicates the response body could not be decoded into the
// caller's requested type, distinct from a non-2xx APIError.
type DecodeError struct {
	Err        error
	StatusCode int
	Retries    uint8
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("riotapi: failed to decode response (status %d): %v", e.StatusCode, e.Err)
}

func (e DecodeError) Unwrap() error { return e.Err }

// ConfigError is returned by Config's validated setters when a supplied
// value is out of range. It is returned, not panicked, following Go's
// convention of surfacing bad input as an error rather than a panic —
// MustNewConfig recovers the original's fail-fast ergonomics for callers
// who want them.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("riotapi: invalid config field %q (%v): %s", e.Field, e.Value, e.Reason)
}

// ErrNoAPIKey is returned by NewConfig when the API key is empty.
var ErrNoAPIKey = errors.New("riotapi: API key is required")
