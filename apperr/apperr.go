// Package apperr defines the error kinds surfaced at the service boundary.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConfiguration
	KindUpstream
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindUpstream:
		return "upstream"
	case KindDelivery:
		return "delivery"
	}
	return "unknown"
}

// Error carries a Kind alongside the message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Configuration(msg string) error {
	return &Error{Kind: KindConfiguration, Msg: msg}
}

func Upstream(cause error, msg string) error {
	return &Error{Kind: KindUpstream, Msg: msg, cause: cause}
}

func Delivery(cause error, msg string) error {
	return &Error{Kind: KindDelivery, Msg: msg, cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps an error to the response code used by the ingestion API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
