package marketplace

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies upstream failures.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindBotBlock   Kind = "bot_block"
	KindNotFound   Kind = "not_found"
	KindBadRequest Kind = "bad_request"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindNetwork    Kind = "network"
	KindData       Kind = "data"
	KindProtocol   Kind = "protocol"
)

// Sentinels usable with errors.Is.
var (
	ErrAuth       = &Error{Kind: KindAuth}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrBotBlock   = &Error{Kind: KindBotBlock}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrBadRequest = &Error{Kind: KindBadRequest}
	ErrRateLimit  = &Error{Kind: KindRateLimit}
	ErrServer     = &Error{Kind: KindServer}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrData       = &Error{Kind: KindData}
	ErrProtocol   = &Error{Kind: KindProtocol}
)

const maxBodyExcerpt = 500

// Error is a classified upstream failure.
type Error struct {
	Kind        Kind
	Status      int
	EndpointTag string
	Message     string
	Body        string
	RetryAfter  time.Duration
	// Cooldown is set when a circuit breaker rejected the call.
	Cooldown  time.Duration
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := string(e.Kind)
	if e.Status > 0 {
		prefix = fmt.Sprintf("%s %d", e.Kind, e.Status)
	}
	if e.EndpointTag != "" {
		prefix = e.EndpointTag + ": " + prefix
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap exposes the transport or decode error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// Retryable reports whether the caller may retry the same call.
func (e *Error) Retryable() bool {
	return e != nil && e.retryable
}

func newError(kind Kind, status int, tag, message string) *Error {
	err := &Error{Kind: kind, Status: status, EndpointTag: tag, Message: message}
	switch kind {
	case KindRateLimit, KindServer, KindNetwork:
		err.retryable = true
	}
	return err
}

// IsRetryable reports whether err is a retryable marketplace error.
func IsRetryable(err error) bool {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Retryable()
	}
	return false
}

// KindOf returns the kind of a marketplace error, or "" for other errors.
func KindOf(err error) Kind {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind
	}
	return ""
}

// DataError reports an unexpected payload shape or an integrity mismatch.
func DataError(tag, format string, args ...any) *Error {
	return newError(KindData, 0, tag, fmt.Sprintf(format, args...))
}

// ProtocolError reports a misuse or an unhandled upstream status.
func ProtocolError(tag, format string, args ...any) *Error {
	return newError(KindProtocol, 0, tag, fmt.Sprintf(format, args...))
}

func excerpt(body string) string {
	if len(body) <= maxBodyExcerpt {
		return body
	}
	return body[:maxBodyExcerpt]
}
