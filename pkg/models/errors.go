package models

import "errors"

// ErrorKind classifies observable failures. All non-unknown kinds are
// deterministic: the same inputs produce the same kind.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindPermission    ErrorKind = "permission"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindSandboxDenied ErrorKind = "sandbox_denied"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindHumanRequired ErrorKind = "human_required"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindBudget        ErrorKind = "budget"
	ErrorKindIO            ErrorKind = "io"
	ErrorKindConfig        ErrorKind = "config_error"
	ErrorKindContextLength ErrorKind = "context_length_exceeded"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// ErrContextLengthExceeded is returned (possibly wrapped) by chat backends
// when the prompt no longer fits the model context window. The loop
// controller dispatches its recovery state machine on this sentinel.
var ErrContextLengthExceeded = errors.New("context length exceeded")

// RunError carries a terminal error kind together with a human-readable
// message and optional structured details.
type RunError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// NewRunError builds a RunError with the given kind and message.
func NewRunError(kind ErrorKind, message string) *RunError {
	return &RunError{Kind: kind, Message: message}
}

// KindOf extracts the error kind from err, defaulting to unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, ErrContextLengthExceeded) {
		return ErrorKindContextLength
	}
	return ErrorKindUnknown
}
