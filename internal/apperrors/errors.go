package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeGateway       Code = "GATEWAY"
	CodeSignature     Code = "SIGNATURE"
)

// Error is a coded application error. The code drives the HTTP status the
// handlers return; Message is safe to show to callers, Err is not.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) error {
	return &Error{Code: CodeValidation, Message: msg}
}

func Authorization(msg string) error {
	return &Error{Code: CodeAuthorization, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func Gateway(msg string, err error) error {
	return &Error{Code: CodeGateway, Message: msg, Err: err}
}

func Signature(msg string, err error) error {
	return &Error{Code: CodeSignature, Message: msg, Err: err}
}

func IsCode(err error, code Code) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// HTTPStatus maps an error to the response status. Authorization failures
// render as 404 to avoid revealing that the resource exists. Anything
// without a code is a 500.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case CodeValidation, CodeSignature:
		return http.StatusBadRequest
	case CodeAuthorization, CodeNotFound:
		return http.StatusNotFound
	case CodeGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe message for an error, hiding
// internal detail for uncoded errors.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}
