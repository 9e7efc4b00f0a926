package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a failed action into the platform error taxonomy. Every
// error surfaced to a user carries exactly one kind.
type Kind string

const (
	// KindConfiguration marks required addresses or fees missing before any
	// network call. Never retried.
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	// KindValidation marks a local invariant violated before submission.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindBuild marks the engine failing to produce an unsigned
	// transaction. Fatal for the attempt; a fresh attempt starts from Build.
	KindBuild Kind = "BUILD_FAILED"
	// KindSigning marks user cancellation or an invalid signing credential.
	// Safe to retry the entire pipeline: unsigned transactions are not
	// reused across attempts.
	KindSigning Kind = "SIGNING_FAILED"
	// KindSubmission marks a broadcast the ledger did not confirm. It is
	// ambiguous whether the effect landed; callers should re-query ground
	// truth instead of blindly retrying.
	KindSubmission Kind = "SUBMISSION_FAILED"
)

// Retryable reports whether resubmitting the whole pipeline after this kind
// of failure is known to be safe.
func (k Kind) Retryable() bool {
	return k == KindSigning || k == KindBuild
}

// Error is the uniform error shape surfaced at the action boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewConfigurationError reports missing required configuration.
func NewConfigurationError(message string) *Error {
	return newError(KindConfiguration, message, nil)
}

// NewValidationError wraps a local invariant violation.
func NewValidationError(err error) *Error {
	return newError(KindValidation, "invalid input", err)
}

// ClassifyKind extracts the taxonomy kind from an error chain, defaulting to
// submission failure for unclassified errors that escaped the pipeline.
func ClassifyKind(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindSubmission
}
