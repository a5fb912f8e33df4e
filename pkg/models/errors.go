package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies turn failures across the public boundary. The
// runtime never leaks raw errors to callers; it wraps them in a
// RuntimeError carrying one of these kinds.
type ErrorKind string

const (
	KindAuthFailed       ErrorKind = "auth_failed"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindRateLimited      ErrorKind = "rate_limited"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindContentBlocked   ErrorKind = "content_blocked"
	KindSessionNotFound  ErrorKind = "session_not_found"
	KindTemplateNotFound ErrorKind = "template_not_found"
	KindHandoffLoop      ErrorKind = "handoff_loop"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// Recoverable reports whether the caller can usefully retry after this
// kind of failure, possibly after changing something (re-auth, rewrite,
// backoff).
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindAuthFailed, KindRateLimited, KindContentBlocked,
		KindSessionNotFound, KindTimeout, KindInternal:
		return true
	}
	return false
}

// RuntimeError is the typed failure surfaced by the runtime.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RuntimeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// NewError builds a RuntimeError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}
