package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies upstream failures for retry and failover decisions.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindBadRequest
	KindMissingCredential
	KindRateLimited
	KindTimeout
	KindTransport
	KindUpstream
	KindMalformedResponse
	KindCanceled
)

var kindNames = [...]string{
	KindUnknown:           "internal_error",
	KindBadRequest:        "bad_request",
	KindMissingCredential: "missing_credential",
	KindRateLimited:       "rate_limited",
	KindTimeout:           "timeout",
	KindTransport:         "transport_error",
	KindUpstream:          "upstream_error",
	KindMalformedResponse: "malformed_response",
	KindCanceled:          "canceled",
}

// String returns the machine-readable code used in API error bodies.
func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrBadRequest        = &Error{Kind: KindBadRequest}
	ErrMissingCredential = &Error{Kind: KindMissingCredential}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrUpstream          = &Error{Kind: KindUpstream}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrCanceled          = &Error{Kind: KindCanceled}
)

// Error is the structured error returned by every provider.
type Error struct {
	Kind     ErrorKind
	Provider string

	// StatusCode is the upstream HTTP status, 0 when none was received.
	StatusCode int
	Message    string

	// RetryAfter is the upstream's hint for rate-limited responses.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Provider != "" {
		sb.WriteString(e.Provider)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status=%d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	} else if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus implements StatusCoder. It is the status the gateway answers
// with, not necessarily the one the upstream sent.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadRequest:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		if e.StatusCode >= 400 && e.StatusCode < 600 {
			return e.StatusCode
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether another attempt against the same provider may
// succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindTransport:
		return true
	case KindUpstream:
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
	return false
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// FromHTTPStatus classifies a non-2xx upstream status.
func FromHTTPStatus(provider string, status int, msg string) *Error {
	e := &Error{Provider: provider, StatusCode: status, Message: msg}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		e.Kind = KindBadRequest
	default:
		e.Kind = KindUpstream
	}
	return e
}

// Classify converts any error into an *Error. Errors that already are
// *Error pass through unchanged.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Provider: provider, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return &Error{Kind: KindTransport, Provider: provider, Err: err}
}

// KindOf returns the kind of err, classifying foreign errors on the fly.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	return Classify("", err).Kind
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify("", err).Retryable()
}

// RetryAfterOf returns the upstream retry hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header value (delta-seconds or an
// HTTP date). Unparseable or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// FromContext classifies err by ctx.Err() when ctx is already done, keeping
// err as the cause. Not every SDK wraps context errors with %w.
func FromContext(ctx context.Context, provider string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		pe := Classify(provider, ctxErr)
		if err != nil {
			pe.Err = err
		}
		return pe
	}
	return Classify(provider, err)
}
