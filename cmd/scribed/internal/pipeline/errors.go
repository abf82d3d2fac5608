package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry decisions and reporting.
type ErrorKind string

const (
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimit   ErrorKind = "rate_limit"
	ErrKindNetwork     ErrorKind = "network"
	ErrKindServer      ErrorKind = "server_error"
	ErrKindAuth        ErrorKind = "auth"
	ErrKindMalformed   ErrorKind = "malformed_input"
	ErrKindQuota       ErrorKind = "quota_exhausted"
	ErrKindExtraction  ErrorKind = "extraction"
	ErrKindPersistence ErrorKind = "persistence"
	ErrKindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether failures of this kind are worth another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindRateLimit, ErrKindNetwork, ErrKindServer, ErrKindPersistence:
		return true
	default:
		return false
	}
}

// ErrEmptyInput is returned by the splitter when no strategy can produce a
// plan with at least one segment. The caller must fail the job, not retry.
var ErrEmptyInput = errors.New("empty or unreadable input")

// ErrCancelled marks a job interrupted by shutdown. The job stays in a
// non-terminal state and is recovered on restart.
var ErrCancelled = errors.New("job cancelled")

// TransientError wraps a failure that may succeed on retry.
type TransientError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix. It short-circuits
// the retry loop immediately.
type PermanentError struct {
	Kind ErrorKind
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s: %v", e.Kind, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient builds a TransientError.
func Transient(kind ErrorKind, err error) error {
	return &TransientError{Kind: kind, Err: err}
}

// Permanent builds a PermanentError.
func Permanent(kind ErrorKind, err error) error {
	return &PermanentError{Kind: kind, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// KindOf extracts the ErrorKind from a wrapped transient or permanent error,
// falling back to ErrKindUnknown.
func KindOf(err error) ErrorKind {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindUnknown
}

// MergeError indicates an invariant violation in collected segment data,
// e.g. impossible timestamp ordering. Jobs failing with a MergeError are
// terminal and flagged for manual inspection.
type MergeError struct {
	JobID  string
	Detail string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge invariant violation for job %s: %s", e.JobID, e.Detail)
}
