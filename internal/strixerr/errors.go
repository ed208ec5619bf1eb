// Package strixerr defines the typed error kinds shared across every
// component of the scan pipeline, so call sites can switch on a stable
// Kind while still composing with errors.Is/errors.As through the
// standard wrapping chain.
package strixerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories named in the error handling design.
type Kind string

const (
	KindConfig                Kind = "config"
	KindSandboxUnavailable    Kind = "sandbox_unavailable"
	KindSandboxTimeout        Kind = "sandbox_timeout"
	KindLLMRateLimited        Kind = "llm_rate_limited"
	KindLLMFatal              Kind = "llm_fatal"
	KindToolError             Kind = "tool_error"
	KindAgentStuck            Kind = "agent_stuck"
	KindAgentExhausted        Kind = "agent_exhausted"
	KindCancelled             Kind = "cancelled"
	KindInvalidSubmission     Kind = "invalid_submission"
	KindVerificationExhausted Kind = "verification_exhausted"
)

// Error is the single typed error value used throughout the module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing cause, preserving it for
// errors.Is/errors.As while attaching a stable Kind for callers that
// need to branch on error category.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the unwrap chain. The
// zero Kind is returned if neither err nor anything in its chain is a
// *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err's chain contains a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
