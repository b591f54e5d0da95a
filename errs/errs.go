// Package errs provides structured error types and helpers for pgoutbox services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a broad error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConfiguration indicates missing or malformed configuration. Fatal at startup.
	CodeConfiguration Code = "configuration"
	// CodeNetwork indicates a transport or protocol failure on a database connection.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource or unregistered type.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeDecode indicates a payload or row that could not be decoded.
	CodeDecode Code = "decode_failed"
	// CodeUnavailable indicates the resource is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures component-agnostic failure classifications.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalConnectionFailed indicates the database connection could not be established or dropped.
	CanonicalConnectionFailed CanonicalCode = "connection_failed"
	// CanonicalFraming indicates the replication wire stream violated the protocol.
	CanonicalFraming CanonicalCode = "framing"
	// CanonicalSlotUnavailable indicates the replication slot cannot be created or used.
	CanonicalSlotUnavailable CanonicalCode = "slot_unavailable"
	// CanonicalPublicationMissing indicates the configured publication does not exist.
	CanonicalPublicationMissing CanonicalCode = "publication_missing"
	// CanonicalUnknownEventType indicates an event type tag absent from the registry.
	CanonicalUnknownEventType CanonicalCode = "unknown_event_type"
	// CanonicalConcurrencyConflict indicates an optimistic concurrency token mismatch.
	CanonicalConcurrencyConflict CanonicalCode = "concurrency_conflict"
)

// E captures structured error information produced across the pgoutbox stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Canonical   CanonicalCode
	Metadata    map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Canonical:   CanonicalUnknown,
		Metadata:    nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in err's chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// CanonicalOf returns the canonical code of the first envelope in err's chain.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Canonical
	}
	return CanonicalUnknown
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// IsConfiguration reports whether err is a configuration failure that must not be retried.
func IsConfiguration(err error) bool {
	return Is(err, CodeConfiguration)
}

// Configuration returns a standardized configuration error for the component.
func Configuration(component, msg string) *E {
	return New(component, CodeConfiguration, WithMessage(msg))
}
