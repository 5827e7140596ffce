// Package llm holds the provider abstraction for vision/text language models,
// the error taxonomy shared by every inference call, structured-JSON
// extraction from mixed model output, and the ordered fallback runner that
// tries providers until one returns a validated result.
package llm

import (
	"context"
	"fmt"
)

// Message roles accepted by InvokeText.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one turn of a text conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindConfig             ErrorKind = "config"
	KindInvalidCredentials ErrorKind = "invalid_api_key"
	KindEmpty              ErrorKind = "empty"
	KindInvalidJSON        ErrorKind = "invalid_json"
	KindProcessing         ErrorKind = "processing_error"
)

// Error is the tagged error attached to a failed Result.
type Error struct {
	Kind     ErrorKind
	Message  string
	Provider string
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// Result is either a decoded JSON value or a tagged error.
type Result struct {
	Value any
	Err   *Error
}

func valueResult(v any) Result  { return Result{Value: v} }
func errResult(e *Error) Result { return Result{Err: e} }

// Provider is one vision/text model backend. Implementations construct their
// client lazily on first use and must be safe for concurrent calls.
type Provider interface {
	Name() string
	// IsConfigured is true iff the provider can be used without further I/O
	// (credentials present; unconditionally true for credential-less backends).
	IsConfigured() bool
	InvokeVision(ctx context.Context, prompt string, image []byte) Result
	InvokeText(ctx context.Context, messages []Message) Result
}

// EngineError records one provider's failure inside an exhausted fallback chain.
type EngineError struct {
	Engine  string    `json:"engine"`
	Message string    `json:"error"`
	Kind    ErrorKind `json:"error_type,omitempty"`
}

// AllFailedError is returned when no provider in the chain produced a
// validated result.
type AllFailedError struct {
	EngineErrors []EngineError `json:"engine_errors"`
}

func (e *AllFailedError) Error() string { return "All LLM providers failed" }
