package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	act := actorFrom(r.Context())
	tools, err := h.registry.ListVisible(r.Context(), workspaceFor(r), act.ID,
		r.URL.Query().Get("clientId"), r.URL.Query().Get("query"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *Handler) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.Sources().ListSources(r.Context(), workspaceFor(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	// Manifests can be large; listings return metadata only.
	for _, src := range sources {
		src.Config = nil
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// sourceRequest is the body of POST /v1/tool-sources. A request carrying an
// existing id updates that source (upsert semantics).
type sourceRequest struct {
	ID          string `json:"id,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Endpoint    string `json:"endpoint,omitempty"`
	// Config is the manifest text, YAML or JSON.
	Config  string `json:"config,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (h *Handler) putSource(w http.ResponseWriter, r *http.Request) {
	act := actorFrom(r.Context())
	var req sourceRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = act.WorkspaceID
	}

	now := time.Now().UTC()
	src := &source.Source{
		ID:          req.ID,
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Kind:        source.Kind(req.Kind),
		Endpoint:    req.Endpoint,
		Config:      []byte(req.Config),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}

	status := http.StatusCreated
	if src.ID == "" {
		src.ID = uuid.New().String()
	} else if existing, err := h.store.Sources().GetSource(r.Context(), src.ID); err == nil {
		src.CreatedAt = existing.CreatedAt
		src.SourceHash = existing.SourceHash
		if req.Config == "" {
			src.Config = existing.Config
		}
		status = http.StatusOK
	}

	if err := src.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := h.store.Sources().PutSource(r.Context(), src); err != nil {
		respondServiceError(w, err)
		return
	}
	h.registry.Invalidate(src.WorkspaceID)

	src.Config = nil
	respondJSON(w, status, src)
}

func (h *Handler) deleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	src, err := h.store.Sources().GetSource(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.store.Sources().DeleteSource(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.store.Artifacts().DeleteArtifact(r.Context(), id); err != nil && !errors.Is(err, outbound.ErrNotFound) {
		h.logger.Warn("failed to drop source artifact", "source_id", id, "error", err)
	}
	h.registry.Invalidate(src.WorkspaceID)
	w.WriteHeader(http.StatusNoContent)
}
