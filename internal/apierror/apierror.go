// Package apierror defines the error taxonomy shared by the server, the kiosk
// agent and the fiscal provider layer, plus the structured envelope every
// user-visible failure is rendered as. Internal details (stack traces, SQL
// errors, raw printer responses) never reach a client through this package.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and presentation decisions.
type Kind string

const (
	KindConfiguration    Kind = "configuration_error"
	KindConnectivity     Kind = "connectivity_error"
	KindValidation       Kind = "validation_error"
	KindDuplicate        Kind = "duplicate"
	KindProtocol         Kind = "protocol_error"
	KindShiftExpired     Kind = "shift_expired"
	KindExhaustedRetries Kind = "exhausted_retries"
	KindNotFound         Kind = "not_found"
	KindUnauthorized     Kind = "unauthorized"
	KindInternal         Kind = "internal_error"
)

// Error is the single typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can write errors.Is(err, apierror.ErrShiftExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrConnectivity     = &Error{Kind: KindConnectivity}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrDuplicate        = &Error{Kind: KindDuplicate}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrShiftExpired     = &Error{Kind: KindShiftExpired}
	ErrExhaustedRetries = &Error{Kind: KindExhaustedRetries}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Configuration(msg string) *Error { return New(KindConfiguration, msg) }

func Connectivity(err error, msg string) *Error { return Wrap(KindConnectivity, err, msg) }

func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func Duplicate(msg string) *Error { return New(KindDuplicate, msg) }

func Protocol(msg string) *Error { return New(KindProtocol, msg) }

func ShiftExpired(msg string) *Error { return New(KindShiftExpired, msg) }

func ExhaustedRetries(err error, attempts int) *Error {
	return Wrap(KindExhaustedRetries, err, fmt.Sprintf("gave up after %d attempts", attempts))
}

func NotFound(msg string) *Error { return New(KindNotFound, msg) }

func Unauthorized(msg string) *Error { return New(KindUnauthorized, msg) }

// KindOf returns the kind of the first *Error in err's chain. Bare context
// deadlines count as connectivity failures; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	return KindInternal
}

// IsRetryable reports whether a retry loop may attempt the operation again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindProtocol, KindShiftExpired:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code the API answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConfiguration:
		return http.StatusConflict
	case KindDuplicate:
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConnectivity, KindProtocol, KindShiftExpired:
		return http.StatusBadGateway
	case KindExhaustedRetries:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Response is the canonical envelope for every 4xx/5xx body.
type Response struct {
	Success bool              `json:"success"`
	Error   Kind              `json:"error"`
	Detail  string            `json:"detail"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ToResponse renders err for a client. Internal errors get a generic detail.
func ToResponse(err error) (int, Response) {
	kind := KindOf(err)
	resp := Response{Error: kind}
	var e *Error
	if errors.As(err, &e) {
		resp.Detail = e.Message
		resp.Fields = e.Fields
	}
	if kind == KindInternal || resp.Detail == "" {
		resp.Detail = defaultDetail(kind)
	}
	return HTTPStatus(kind), resp
}

func defaultDetail(kind Kind) string {
	switch kind {
	case KindConnectivity:
		return "upstream unreachable"
	case KindNotFound:
		return "resource not found"
	case KindUnauthorized:
		return "authentication required"
	default:
		return "internal server error"
	}
}

// FromResponse rebuilds a typed error from an envelope received over HTTP.
func FromResponse(status int, resp Response) *Error {
	kind := resp.Error
	if kind == "" {
		switch {
		case status == http.StatusUnauthorized:
			kind = KindUnauthorized
		case status == http.StatusNotFound:
			kind = KindNotFound
		case status >= 500:
			kind = KindConnectivity
		default:
			kind = KindValidation
		}
	}
	return &Error{Kind: kind, Message: resp.Detail, Fields: resp.Fields}
}
