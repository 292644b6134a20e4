package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/domain/policy"
)

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.Policies().ListPolicies(r.Context(), workspaceFor(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": rules})
}

// policyRequest is the body of POST /v1/policies. A request carrying an
// existing id updates that rule.
type policyRequest struct {
	ID          string             `json:"id,omitempty"`
	Name        string             `json:"name,omitempty"`
	WorkspaceID string             `json:"workspaceId,omitempty"`
	ActorID     string             `json:"actorId,omitempty"`
	ClientID    string             `json:"clientId,omitempty"`
	ToolMatch   string             `json:"toolMatch"`
	Conditions  []policy.Condition `json:"conditions,omitempty"`
	Expression  string             `json:"expression,omitempty"`
	Effect      string             `json:"effect"`
	Approval    string             `json:"approval,omitempty"`
	Priority    int                `json:"priority"`
	Reason      string             `json:"reason,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
}

func (h *Handler) putPolicy(w http.ResponseWriter, r *http.Request) {
	act := actorFrom(r.Context())
	var req policyRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	effect := policy.Effect(req.Effect)
	if !effect.IsValid() {
		respondError(w, http.StatusBadRequest, "validation_error", "effect must be \"allow\" or \"deny\"")
		return
	}
	override := policy.ApprovalOverride(req.Approval)
	if req.Approval == "" {
		override = policy.ApprovalInherit
	}
	if !override.IsValid() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown approval override "+req.Approval)
		return
	}
	if err := policy.ValidateToolMatch(req.ToolMatch); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	for _, c := range req.Conditions {
		if err := c.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = act.WorkspaceID
	}

	now := time.Now().UTC()
	rule := &policy.Rule{
		ID:          req.ID,
		Name:        req.Name,
		WorkspaceID: workspaceID,
		ActorID:     req.ActorID,
		ClientID:    req.ClientID,
		ToolMatch:   req.ToolMatch,
		Conditions:  req.Conditions,
		Expression:  req.Expression,
		Effect:      effect,
		Approval:    override,
		Priority:    req.Priority,
		Reason:      req.Reason,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	status := http.StatusCreated
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	} else if existing, err := h.store.Policies().GetPolicy(r.Context(), rule.ID); err == nil {
		rule.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	}

	if err := h.store.Policies().PutPolicy(r.Context(), rule); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.policies.Reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "policy reload failed: "+err.Error())
		return
	}
	respondJSON(w, status, rule)
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Policies().DeletePolicy(r.Context(), r.PathValue("id")); err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.policies.Reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "policy reload failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
