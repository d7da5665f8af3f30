package broker

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a terminal failure for retry policy.
type Kind int

const (
	// KindRetryable covers timeouts and transient terminal hiccups.
	KindRetryable Kind = iota
	// KindRejected covers orders the terminal refused (bad stops, bad
	// volume). Retrying the same request cannot succeed.
	KindRejected
	// KindFatal covers lost connectivity and not-logged-in states.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is a classified terminal failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure of op.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Rejected wraps err as a terminal order rejection of op.
func Rejected(op string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// Fatal wraps err as a connectivity-level failure of op.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf extracts the failure kind. Deadline and cancellation errors count as
// retryable; anything unclassified is treated as fatal so callers back off.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRetryable
	}
	return KindFatal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool { return err != nil && KindOf(err) == KindRetryable }
