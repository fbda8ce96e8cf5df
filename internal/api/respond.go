// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"

	"grimm.is/gatehouse/internal/errors"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// WriteError writes a plain error message.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorResponse{Error: msg})
}

// WriteErr maps a domain error onto an HTTP status from its kind.
func WriteErr(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	WriteJSON(w, kindStatus(kind), errorResponse{Error: err.Error(), Kind: kind.String()})
}

func kindStatus(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidInput:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindPolicyDenied:
		return http.StatusForbidden
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindEnforcerTransient:
		return http.StatusServiceUnavailable
	case errors.KindEnforcerPermanent, errors.KindInconsistent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
