package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"shapelake/internal/domain"
)

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// writeError maps a domain error onto an HTTP status and error kind.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	kind := ""

	switch {
	case errors.As(err, new(*domain.NotFoundError)):
		status = http.StatusNotFound
	case errors.As(err, new(*domain.ValidationError)):
		status = http.StatusBadRequest
	case errors.As(err, new(*domain.SessionBusyError)):
		status = http.StatusConflict
		kind = "session_busy"
	case errors.As(err, new(*domain.ConflictError)):
		status = http.StatusConflict
	case errors.As(err, new(*domain.MissingComponentError)):
		status = http.StatusConflict
		kind = domain.ErrorKindMissingComponent
	case errors.As(err, new(*domain.SchemaConflictError)):
		status = http.StatusConflict
		kind = domain.ErrorKindSchemaConflict
	default:
		logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Code: status, Kind: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
