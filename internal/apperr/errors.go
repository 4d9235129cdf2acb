// Package apperr is the error taxonomy shared by the session and
// provisioning code. Errors carry a Kind that callers branch on with
// errors.Is, plus an optional Code for provider-specific reasons.
package apperr

import (
	"context"
	"errors"
	"net"
)

type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindNetworkUnavailable Kind = "network_unavailable"
	KindTransient          Kind = "transient"
	KindPermissionDenied   Kind = "permission_denied"
	KindConflict           Kind = "conflict"
	KindAlreadyProcessed   Kind = "already_processed"
	KindInvalid            Kind = "invalid"
	KindNotFound           Kind = "not_found"
	KindUnauthenticated    Kind = "unauthenticated"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrNetworkUnavailable = &Error{Kind: KindNetworkUnavailable}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrAlreadyProcessed   = &Error{Kind: KindAlreadyProcessed}
	ErrInvalid            = &Error{Kind: KindInvalid}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
)

type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches a coded target by code and an uncoded target by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Coded(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func WithMetadata(kind Kind, message string, metadata map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Metadata: metadata}
}

// KindOf returns the kind of the first *Error in err's chain. Bare network
// errors report KindNetworkUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkUnavailable
	}
	return KindUnknown
}

// Retryable reports whether a retry could plausibly succeed. Errors that
// were never classified are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindNetworkUnavailable, KindTransient, KindUnknown:
		return true
	default:
		return false
	}
}

// Message is the short text shown to a person for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		switch appErr.Kind {
		case KindConflict, KindAlreadyProcessed, KindInvalid, KindNotFound, KindPermissionDenied, KindUnauthenticated:
			return appErr.Message
		}
	}
	switch KindOf(err) {
	case KindNetworkUnavailable:
		return "network unavailable, try again when you are back online"
	case KindTransient:
		return "service temporarily unavailable, try again"
	case KindPermissionDenied:
		return "not authorized"
	case KindUnauthenticated:
		return "session expired, sign in again"
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid request"
	case KindConflict:
		return "conflicting account state"
	case KindAlreadyProcessed:
		return "request already processed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "something went wrong"
}
