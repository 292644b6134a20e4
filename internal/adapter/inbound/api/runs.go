package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/RhysSullivan/codegate/internal/domain/ratelimit"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/service"
)

// submitRunRequest is the body of POST /v1/runs.
type submitRunRequest struct {
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Code        string            `json:"code"`
	RuntimeKind string            `json:"runtimeKind,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	act := actorFrom(r.Context())

	if h.limiter != nil {
		key := ratelimit.ActorKey(act.ID)
		result, err := h.limiter.Allow(r.Context(), key, h.limitConfig)
		if err == nil && !result.Allowed {
			seconds := int(math.Ceil(result.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			respondError(w, http.StatusTooManyRequests, "validation_error",
				fmt.Sprintf("submission rate limit exceeded, retry in %ds", seconds))
			return
		}
	}

	var req submitRunRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = act.WorkspaceID
	}

	rec, err := h.runs.Submit(r.Context(), service.SubmitRequest{
		WorkspaceID: workspaceID,
		Actor:       act,
		ClientID:    req.ClientID,
		Code:        req.Code,
		RuntimeKind: run.Kind(req.RuntimeKind),
		TimeoutMs:   req.TimeoutMs,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	status := run.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown status "+string(status))
		return
	}
	records, err := h.store.Runs().ListRuns(r.Context(), workspaceFor(r), status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Cancel(r.Context(), r.PathValue("id"), actorFrom(r.Context())); err != nil {
		respondServiceError(w, err)
		return
	}
	rec, err := h.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// runEvents streams a run's event feed. Default is SSE from afterSeq (0)
// until the terminal event; ?wait=false returns the persisted events as one
// JSON array instead.
func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if r.URL.Query().Get("wait") == "false" {
		events, err := h.runs.Events(r.Context(), runID)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	var afterSeq uint64
	if s := r.URL.Query().Get("afterSeq"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "afterSeq must be an integer")
			return
		}
		afterSeq = v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// Existence check before committing to the stream.
	if _, err := h.runs.Get(r.Context(), runID); err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	seq := afterSeq
	for {
		ev, err := h.runs.WaitForNext(r.Context(), runID, seq)
		if err != nil {
			if errors.Is(err, service.ErrRunNotFound) {
				return
			}
			// Client gone or run drained.
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()

		seq = ev.Seq
		if ev.Type.IsTerminal() {
			return
		}
	}
}
