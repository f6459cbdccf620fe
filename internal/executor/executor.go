// Package executor defines the injected capability that performs one item's
// AI work. The engine never knows how a provider call is made; it only sees
// a payload or a typed failure, plus the usage figures the metrics collector
// wants.
package executor

import (
	"context"
	"encoding/json"
	"errors"
)

// Executor performs one enrichment call. Implementations must honor ctx
// cancellation; the engine wraps every call in a per-item timeout.
// Never call a provider directly from the engine; always inject this interface.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
	// Name returns the provider identifier recorded on metrics (e.g. "mock").
	Name() string
}

// Request is one word+feature pair with optional free-form context.
type Request struct {
	Word    string
	Feature string
	Context json.RawMessage
}

// Result is a successful enrichment plus the usage figures for cost tracking.
type Result struct {
	Payload    json.RawMessage
	Cost       float64
	TokensUsed int
	Fallback   bool
	Cached     bool
}

// ErrorKind separates failures the engine may retry from ones it must not.
type ErrorKind string

const (
	// KindTransient covers timeouts, rate limits, and provider outages.
	// Transient failures count toward retry eligibility.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers provider-rejected input. Stored on the item,
	// never retried.
	KindPermanent ErrorKind = "permanent"
)

// Error is a typed provider failure.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Retryable reports whether the failure counts toward retry eligibility.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// Transient builds a retryable provider error.
func Transient(code, message string) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message}
}

// Permanent builds a non-retryable provider error.
func Permanent(code, message string) *Error {
	return &Error{Kind: KindPermanent, Code: code, Message: message}
}

// IsTransient reports whether err is a retryable executor failure. Errors
// that are not typed executor errors (including context deadline expiry)
// count as transient: the provider never reported a verdict on the input.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return true
}
