package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors shared by the queue, crawlers and API.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrNotReady    = errors.New("queue not initialized")
	ErrNoProcessor = errors.New("no processor registered")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FormatError reports a library identifier that is not "owner/project".
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid full name format: %q (expected owner/project)", e.Value)
}

// TransientError marks a failure worth retrying (timeouts, 5xx, rate limits).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	var v *ValidationError
	var f *FormatError
	switch {
	case errors.As(err, &p), errors.As(err, &v), errors.As(err, &f):
		return true
	case errors.Is(err, ErrNotFound):
		return true
	}
	return false
}

// IsTransient reports whether err looks retryable: explicit TransientError,
// deadline or network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
