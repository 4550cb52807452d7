package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"market-chat/internal/apperr"
)

type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Response{Success: true, Data: data})
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Error renders err. Validation errors become BAD_REQUEST with per-field
// details, AppErrors keep their code and status, anything else is a 500
// whose cause is logged but not exposed.
func Error(w http.ResponseWriter, log *slog.Logger, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		details := make([]FieldError, 0, len(validationErrs))
		for _, fe := range validationErrs {
			details = append(details, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		write(w, http.StatusBadRequest, Response{Error: &ErrorInfo{
			Code:    apperr.CodeBadRequest,
			Message: "validation failed",
			Details: details,
		}})
		return
	}

	code := apperr.CodeInternal
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError && log != nil {
		log.Error("request failed", "code", code, "error", err)
	}
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: apperr.PublicMessage(err)}})
}

func write(w http.ResponseWriter, status int, body Response) {
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
