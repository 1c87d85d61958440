package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRequestError maps the error code to its HTTP status and preserves
// the code/detail/user_action triple.
func writeRequestError(w http.ResponseWriter, err *domain.RequestError) {
	status := http.StatusInternalServerError
	switch err.Code {
	case "validation_error":
		status = http.StatusUnprocessableEntity
	case "queue_overloaded":
		status = http.StatusServiceUnavailable
	case "not_found":
		status = http.StatusNotFound
	case "unauthorized":
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, err)
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, &domain.RequestError{
		Code:       "internal_error",
		Detail:     "an internal error prevented the request from being processed",
		UserAction: "Retry later; contact the operator if the problem persists.",
	})
}
