package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how the boundary should treat them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindExternal      Kind = "external"
	KindInternal      Kind = "internal"
)

// Code is the machine-readable reason surfaced to callers.
type Code string

const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeInvalidPlan        Code = "INVALID_PLAN"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeInvalidPayload     Code = "INVALID_PAYLOAD"
	CodeInsufficientPoints Code = "INSUFFICIENT_POINTS"
	CodeNotPointsEligible  Code = "NOT_POINTS_ELIGIBLE"
	CodeProductUnavailable Code = "PRODUCT_UNAVAILABLE"
	CodeOutOfStock         Code = "OUT_OF_STOCK"
	CodePremiumRequired    Code = "PREMIUM_REQUIRED"

	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUserDisabled    Code = "USER_DISABLED"

	CodeNotFound Code = "NOT_FOUND"

	CodeDuplicateEvent    Code = "DUPLICATE_EVENT"
	CodeRefundNotAllowed  Code = "REFUND_NOT_ALLOWED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeSessionExpired    Code = "SESSION_EXPIRED"
	CodeNotPaid           Code = "NOT_PAID"
	CodeConcurrentUpdate  Code = "CONCURRENT_UPDATE"
	CodeNoMembership      Code = "NO_MEMBERSHIP"
	CodeRateLimited       Code = "RATE_LIMITED"

	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"

	CodeInternal Code = "INTERNAL"
)

var kindStatus = map[Kind]int{
	KindValidation:    http.StatusBadRequest,
	KindAuthorization: http.StatusForbidden,
	KindNotFound:      http.StatusNotFound,
	KindConflict:      http.StatusConflict,
	KindExternal:      http.StatusBadGateway,
	KindInternal:      http.StatusInternalServerError,
}

// Error is the structured error carried from services to the HTTP boundary.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Status overrides the kind's default HTTP status when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the status the boundary should answer with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code Code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	e := newErr(KindAuthorization, CodeUnauthenticated, format, args...)
	e.Status = http.StatusUnauthorized
	return e
}

func Forbidden(code Code, format string, args ...any) *Error {
	return newErr(KindAuthorization, code, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, CodeNotFound, format, args...)
}

func Conflict(code Code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

// External wraps a failed call to a payment provider or other dependency.
func External(code Code, err error, format string, args ...any) *Error {
	e := newErr(KindExternal, code, format, args...)
	e.Err = err
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrInsufficientPoints  = &Error{Kind: KindConflict, Code: CodeInsufficientPoints}
	ErrRefundNotAllowed    = &Error{Kind: KindConflict, Code: CodeRefundNotAllowed}
	ErrInvalidTransition   = &Error{Kind: KindConflict, Code: CodeInvalidTransition}
	ErrInvalidSignature    = &Error{Kind: KindValidation, Code: CodeInvalidSignature}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrUserDisabled        = &Error{Kind: KindAuthorization, Code: CodeUserDisabled}
	ErrProviderError       = &Error{Kind: KindExternal, Code: CodeProviderError}
	ErrProviderUnavailable = &Error{Kind: KindExternal, Code: CodeProviderUnavailable}
	ErrSessionExpired      = &Error{Kind: KindConflict, Code: CodeSessionExpired}
	ErrConcurrentUpdate    = &Error{Kind: KindConflict, Code: CodeConcurrentUpdate}
)

// From converts any error into an *Error, defaulting to an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}
