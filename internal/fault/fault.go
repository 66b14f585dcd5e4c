// Package fault defines the failure taxonomy shared across the assistant
// pipeline. A [Kind] classifies a failure for retry, routing, and metrics
// decisions so callers never have to inspect error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable failure classification. Kinds serialize as lowercase
// snake case and appear verbatim in logs, metrics labels, and state keys.
type Kind string

const (
	Unknown Kind = ""

	// Configuration and startup.
	Config        Kind = "config"
	ModelNotFound Kind = "model_not_found"
	ModelInit     Kind = "model_init"

	// Local model execution.
	ModelGeneration   Kind = "model_generation"
	Tokenization      Kind = "tokenization"
	ResourceExhausted Kind = "resource_exhausted"

	// Remote service execution.
	NetworkTimeout     Kind = "network_timeout"
	ServiceUnavailable Kind = "service_unavailable"
	AuthFailed         Kind = "auth_failed"
	RateLimited        Kind = "rate_limited"
	Validation         Kind = "validation_error"
	ResponseMalformed  Kind = "response_malformed"

	// Voice I/O.
	STT         Kind = "stt_error"
	TTS         Kind = "tts_error"
	AudioDevice Kind = "audio_device"

	// Memory engine.
	MemoryRetrieval     Kind = "memory_retrieval"
	MemoryStorage       Kind = "memory_storage"
	MemorySummarization Kind = "memory_summarization"
	MemoryQuota         Kind = "memory_quota"

	// Cross-cutting.
	Persistence Kind = "persistence"
	Timeout     Kind = "timeout"
	Cancelled   Kind = "cancelled"
)

// Transient reports whether a failure of this kind may succeed on retry.
// Auth and validation failures are permanent per request.
func (k Kind) Transient() bool {
	switch k {
	case NetworkTimeout, ServiceUnavailable, RateLimited:
		return true
	}
	return false
}

// Error carries a classified failure. Op names the operation that failed
// in "package: operation" form.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, walking the wrap chain.
// Context errors map to Timeout and Cancelled; everything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}
