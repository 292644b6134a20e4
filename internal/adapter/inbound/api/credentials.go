package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/domain/credential"
)

func (h *Handler) listCredentials(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.Credentials().ListCredentials(r.Context(), workspaceFor(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	// Secret material never leaves the store through read endpoints.
	redacted := make([]*credential.Record, 0, len(records))
	for _, rec := range records {
		redacted = append(redacted, rec.Redacted())
	}
	respondJSON(w, http.StatusOK, map[string]any{"credentials": redacted})
}

// credentialRequest is the body of POST /v1/credentials.
type credentialRequest struct {
	ID                string            `json:"id,omitempty"`
	WorkspaceID       string            `json:"workspaceId,omitempty"`
	SourceKey         string            `json:"sourceKey"`
	Scope             string            `json:"scope"`
	OwnerID           string            `json:"ownerId,omitempty"`
	Type              string            `json:"type"`
	Token             string            `json:"token,omitempty"`
	Username          string            `json:"username,omitempty"`
	Password          string            `json:"password,omitempty"`
	AdditionalHeaders map[string]string `json:"additionalHeaders,omitempty"`
}

func (h *Handler) putCredential(w http.ResponseWriter, r *http.Request) {
	act := actorFrom(r.Context())
	var req credentialRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if req.SourceKey == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "sourceKey is required")
		return
	}
	ctype := credential.Type(req.Type)
	if !ctype.IsValid() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown credential type "+req.Type)
		return
	}
	scope := credential.Scope(req.Scope)
	switch scope {
	case credential.ScopeActor, credential.ScopeOrganization, credential.ScopeWorkspace:
	default:
		respondError(w, http.StatusBadRequest, "validation_error", "unknown credential scope "+req.Scope)
		return
	}
	switch ctype {
	case credential.TypeBasic:
		if req.Username == "" || req.Password == "" {
			respondError(w, http.StatusBadRequest, "validation_error", "basic credentials need username and password")
			return
		}
	default:
		if req.Token == "" {
			respondError(w, http.StatusBadRequest, "validation_error", "token is required")
			return
		}
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = act.WorkspaceID
	}
	ownerID := req.OwnerID
	if scope == credential.ScopeActor && ownerID == "" {
		ownerID = act.ID
	}

	now := time.Now().UTC()
	rec := &credential.Record{
		ID:                req.ID,
		WorkspaceID:       workspaceID,
		SourceKey:         req.SourceKey,
		Scope:             scope,
		OwnerID:           ownerID,
		Type:              ctype,
		Token:             req.Token,
		Username:          req.Username,
		Password:          req.Password,
		AdditionalHeaders: req.AdditionalHeaders,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	status := http.StatusCreated
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	} else if existing, err := h.store.Credentials().GetCredential(r.Context(), rec.ID); err == nil {
		rec.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	}

	if err := h.store.Credentials().PutCredential(r.Context(), rec); err != nil {
		respondServiceError(w, err)
		return
	}
	h.credentials.Invalidate(rec.WorkspaceID, rec.SourceKey)
	respondJSON(w, status, rec.Redacted())
}

func (h *Handler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.store.Credentials().GetCredential(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.store.Credentials().DeleteCredential(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	h.credentials.Invalidate(rec.WorkspaceID, rec.SourceKey)
	w.WriteHeader(http.StatusNoContent)
}
