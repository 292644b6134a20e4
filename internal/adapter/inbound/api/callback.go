package api

import (
	"net/http"
	"strings"

	"github.com/RhysSullivan/codegate/pkg/wire"
)

// toolCallback serves POST /v1/runtime/tool-call: the mediation endpoint
// remote workers call for every tools.* invocation. Authentication is the
// run-scoped callback token, not a control-plane API key. The response is
// always an envelope with status 200; transport-level statuses are reserved
// for requests that never reached the pipeline.
func (h *Handler) toolCallback(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		respondError(w, http.StatusUnauthorized, "unauthorized", "callback token required")
		return
	}
	tokenRunID, err := h.tokens.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "invalid callback token")
		return
	}

	var req wire.ToolCallRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if req.RunID == "" {
		req.RunID = tokenRunID
	}
	if req.RunID != tokenRunID {
		respondError(w, http.StatusForbidden, "unauthorized", "token is not scoped to this run")
		return
	}
	if req.CallID == "" || req.ToolPath == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "callId and toolPath are required")
		return
	}

	// Non-blocking mode: long calls answer pending and the worker retries
	// the same callId until the recorded envelope replays.
	env := h.invoker.HandleToolCall(r.Context(), req, false)
	respondJSON(w, http.StatusOK, env)
}
