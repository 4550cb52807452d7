package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInvalidReference   = "INVALID_REFERENCE"
	CodeInvalidContent     = "INVALID_CONTENT"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeDeliveryFailure    = "DELIVERY_FAILURE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is the error value every service returns to the adapters.
// Code is stable and machine readable, Status is the HTTP mapping.
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func InvalidReference(message string, err error) *AppError {
	return New(CodeInvalidReference, message, http.StatusBadRequest, err)
}

func InvalidContent(message string) *AppError {
	return New(CodeInvalidContent, message, http.StatusBadRequest, nil)
}

func NotFound(resource string, err error) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, http.StatusConflict, err)
}

func PersistenceFailure(message string, err error) *AppError {
	return New(CodePersistenceFailure, message, http.StatusInternalServerError, err)
}

// DeliveryFailure is only ever logged: by the time a publish fails the
// message is already durable.
func DeliveryFailure(message string, err error) *AppError {
	return New(CodeDeliveryFailure, message, http.StatusInternalServerError, err)
}

func BadRequest(message string, err error) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest, err)
}

func Unauthorized(message string, err error) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized, err)
}

// Is reports whether err carries an AppError with the given code.
// Internal is for failures that are neither storage nor delivery related,
// e.g. hashing or signing.
func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Status returns the HTTP status for err, 500 for anything that is not an AppError.
func Status(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// PublicMessage is what may be shown to a client: the AppError message,
// or a generic text for unexpected errors.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
