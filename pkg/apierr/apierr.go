// Package apierr provides the five-kind structured error taxonomy used
// throughout the proxy and its HTTP status / JSON body mapping.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is one of the five error kinds that drive HTTP status mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindEntityNotFound
	KindEntityAlreadyExists
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConfiguration
	KindUpstreamTransient
	KindUpstreamPermanent
)

// Error is the structured error type raised by domain services. Handlers map
// it to an HTTP response via Write; anything that is not an *Error surfaces
// as a generic 500.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds an EntityNotFound error.
func NotFound(format string, args ...any) *Error { return newErr(KindEntityNotFound, format, args...) }

// AlreadyExists builds an EntityAlreadyExists error.
func AlreadyExists(format string, args ...any) *Error {
	return newErr(KindEntityAlreadyExists, format, args...)
}

// Validation builds a ValidationError.
func Validation(format string, args ...any) *Error { return newErr(KindValidation, format, args...) }

// Authentication builds an Authentication error (missing/invalid credentials).
func Authentication(format string, args ...any) *Error {
	return newErr(KindAuthentication, format, args...)
}

// Authorization builds an Authorization error (principal lacks a required group).
func Authorization(format string, args ...any) *Error {
	return newErr(KindAuthorization, format, args...)
}

// Configuration builds a Configuration error (e.g. missing API key for a provider).
func Configuration(format string, args ...any) *Error {
	return newErr(KindConfiguration, format, args...)
}

// UpstreamTransient builds an error for retried-then-failed 5xx/timeout responses.
func UpstreamTransient(cause error, format string, args ...any) *Error {
	e := newErr(KindUpstreamTransient, format, args...)
	e.Cause = cause
	return e
}

// UpstreamPermanent builds an error for non-retryable 4xx upstream responses.
func UpstreamPermanent(cause error, format string, args ...any) *Error {
	e := newErr(KindUpstreamPermanent, format, args...)
	e.Cause = cause
	return e
}

// StatusFor maps err to the HTTP status it should surface as, per §7.
func StatusFor(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case KindEntityNotFound:
			return fasthttp.StatusNotFound
		case KindEntityAlreadyExists:
			return fasthttp.StatusConflict
		case KindValidation:
			return fasthttp.StatusBadRequest
		case KindAuthentication:
			return fasthttp.StatusUnauthorized
		case KindAuthorization:
			return fasthttp.StatusForbidden
		case KindUpstreamTransient:
			return fasthttp.StatusBadGateway
		case KindUpstreamPermanent, KindConfiguration:
			return fasthttp.StatusInternalServerError
		}
	}
	return fasthttp.StatusInternalServerError
}

// SafeMessage returns a message safe to expose to clients: the structured
// message for a known *Error, or a generic message for anything else (never
// leaking internal error text for unclassified failures).
func SafeMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}

type envelope struct {
	Detail string `json:"detail"`
}

// Write writes {"detail": message} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: message})
	ctx.SetBody(body)
}

// WriteError resolves err's status and safe message and writes the response.
// 429 responses additionally carry Retry-After.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status := StatusFor(err)
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, status, SafeMessage(err))
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out")
}
