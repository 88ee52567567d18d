package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/TrackSync/internal/apperr"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// FromError maps an apperr kind onto an HTTP status. Unknown errors are
// logged and hidden behind a generic 500.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindNotFound:
		Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case apperr.KindAlreadyExists, apperr.KindConflict:
		Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case apperr.KindConsistency, apperr.KindConfiguration:
		Error(w, http.StatusUnprocessableEntity, "INVALID_STATE", err.Error(), nil)
	case apperr.KindProviderTransient, apperr.KindProviderPermanent:
		Error(w, http.StatusBadGateway, "PROVIDER_ERROR", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
