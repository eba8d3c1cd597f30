package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dzianisv/opencode/internal/storage"
)

// ErrorResponse is the JSON shape of every API failure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code plus a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeInvalidRequest = "INVALID_REQUEST"
	errCodeNotFound       = "NOT_FOUND"
	errCodeInternal       = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeServiceError maps service failures onto HTTP statuses; a missing
// document is the caller's problem, everything else is ours.
func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errCodeNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
