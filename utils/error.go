package utils

import (
	"errors"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies a failure for the pipeline's retry discipline.
type ErrorKind string

const (
	// ErrorKindTransient covers network faults, timeouts, rate limits and 5xx
	// responses. Retried up to the stage's budget.
	ErrorKindTransient ErrorKind = "TRANSIENT"
	// ErrorKindPermanentInput covers malformed or unextractable receipts.
	// Requires re-upload; never retried.
	ErrorKindPermanentInput ErrorKind = "PERMANENT_INPUT"
	// ErrorKindPermanentValidation covers business-rule violations.
	// Requires correction; never retried.
	ErrorKindPermanentValidation ErrorKind = "PERMANENT_VALIDATION"
	// ErrorKindPermanentIntegration covers rejections by the accounting system
	// unrelated to rate/network (revoked credential, rejected record).
	ErrorKindPermanentIntegration ErrorKind = "PERMANENT_INTEGRATION"
	// ErrorKindConflict covers lease/version conflicts. Resolved by caller retry,
	// not user-visible.
	ErrorKindConflict ErrorKind = "CONFLICT"
	// ErrorKindExhaustedRetries marks transient failures persisted past budget.
	ErrorKindExhaustedRetries ErrorKind = "EXHAUSTED_RETRIES"
)

// ClassifiedError attaches an ErrorKind (and an optional server retry hint)
// to an underlying error.
type ClassifiedError struct {
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func Classified(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

func TransientError(err error) *ClassifiedError {
	return Classified(ErrorKindTransient, err)
}

func PermanentInputError(err error) *ClassifiedError {
	return Classified(ErrorKindPermanentInput, err)
}

func PermanentIntegrationError(err error) *ClassifiedError {
	return Classified(ErrorKindPermanentIntegration, err)
}

func ConflictError(err error) *ClassifiedError {
	return Classified(ErrorKindConflict, err)
}

// KindOf reports the classification of err. Unclassified errors are treated as
// Transient: every external call in the pipeline classifies its own failures,
// so anything unlabeled reaching here came from infrastructure (DB, Redis)
// where retrying is the safe default.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKindTransient
}

func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}

func IsPermanent(err error) bool {
	switch KindOf(err) {
	case ErrorKindPermanentInput, ErrorKindPermanentValidation, ErrorKindPermanentIntegration:
		return true
	}
	return false
}

// RetryAfterHint returns the server-provided retry-after, if the error carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}
