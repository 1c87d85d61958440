package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrUnknownModel = errors.New("unknown model")
	ErrTaskTerminal = errors.New("task already terminal")
)

// RequestError carries the machine-readable triple every non-2xx response
// must preserve: code, human detail, and a user action hint.
type RequestError struct {
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	UserAction string `json:"user_action"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewValidationError reports a fixed-parameter violation. Never retried
// automatically; the caller must correct the input.
func NewValidationError(detail string) *RequestError {
	return &RequestError{
		Code:       "validation_error",
		Detail:     detail,
		UserAction: "Correct the request parameters and resubmit.",
	}
}

// NewOverloadError reports a degraded-queue breach. Safe to retry after
// backoff.
func NewOverloadError(detail string) *RequestError {
	return &RequestError{
		Code:       "queue_overloaded",
		Detail:     detail,
		UserAction: "The system is under heavy load. Retry after a short delay.",
	}
}
