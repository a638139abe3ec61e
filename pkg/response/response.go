package response

import "github.com/fatflowers/memberledger/pkg/apperr"

// Generic response envelope codes
type APIResponseCode int

const (
	APIResponseCodeOK            APIResponseCode = 0
	APIResponseCodeBadRequest    APIResponseCode = 40000
	APIResponseCodeUnauthorized  APIResponseCode = 40100
	APIResponseCodeForbidden     APIResponseCode = 40300
	APIResponseCodeNotFound      APIResponseCode = 40400
	APIResponseCodeConflict      APIResponseCode = 40900
	APIResponseCodeError         APIResponseCode = 50000
	APIResponseCodeUpstreamError APIResponseCode = 50200
)

var codeToMsg = map[APIResponseCode]string{
	APIResponseCodeOK:            "ok",
	APIResponseCodeBadRequest:    "bad request",
	APIResponseCodeUnauthorized:  "unauthorized",
	APIResponseCodeForbidden:     "forbidden",
	APIResponseCodeNotFound:      "not found",
	APIResponseCodeConflict:      "conflict",
	APIResponseCodeError:         "unexpected error",
	APIResponseCodeUpstreamError: "upstream error",
}

var kindToCode = map[apperr.Kind]APIResponseCode{
	apperr.KindValidation: APIResponseCodeBadRequest,
	apperr.KindNotFound:   APIResponseCodeNotFound,
	apperr.KindConflict:   APIResponseCodeConflict,
	apperr.KindExternal:   APIResponseCodeUpstreamError,
	apperr.KindInternal:   APIResponseCodeError,
}

// APIResponse is the generic response envelope used by HTTP APIs.
// Use OKT / ErrorT / FromError helpers to construct instances.
type APIResponse[T any] struct {
	Code    APIResponseCode `json:"code"`
	Reason  apperr.Code     `json:"reason,omitempty"`
	Message string          `json:"message"`
	Data    T               `json:"data"`
}

// OKT returns a successful response with data.
func OKT[T any](data T) *APIResponse[T] {
	return &APIResponse[T]{Code: APIResponseCodeOK, Message: codeToMsg[APIResponseCodeOK], Data: data}
}

// ErrorT returns an error response with message and optional data.
func ErrorT[T any](code APIResponseCode, data T) *APIResponse[T] {
	return &APIResponse[T]{Code: code, Message: codeToMsg[code], Data: data}
}

// FromError builds the envelope and HTTP status for err.
func FromError(err error) (int, *APIResponse[any]) {
	e := apperr.From(err)
	code, ok := kindToCode[e.Kind]
	if e.Kind == apperr.KindAuthorization {
		code = APIResponseCodeForbidden
		if e.Code == apperr.CodeUnauthenticated {
			code = APIResponseCodeUnauthorized
		}
		ok = true
	}
	if !ok {
		code = APIResponseCodeError
	}
	msg := e.Message
	if e.Kind == apperr.KindInternal {
		msg = codeToMsg[APIResponseCodeError]
	}
	return e.HTTPStatus(), &APIResponse[any]{Code: code, Reason: e.Code, Message: msg}
}
