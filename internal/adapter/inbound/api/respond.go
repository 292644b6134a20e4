// Package api provides the control-plane HTTP surface: run submission,
// event streaming, approvals, catalog and policy administration, and the
// runtime tool-call callback.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/service"
)

// maxRequestBodySize caps control-plane request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// errorBody is the JSON error shape for every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// respondJSON writes v with the given status. Encoding failures are logged
// by the caller's middleware via the 500 fallback.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the standard error shape.
func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// respondServiceError maps service-layer sentinels onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, outbound.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrRuntimeMissing):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrRunTerminal):
		respondError(w, http.StatusConflict, "validation_error", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// readJSON decodes the request body into v, enforcing the size cap and
// rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errors.New("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}
