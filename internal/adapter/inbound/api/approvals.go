package api

import (
	"net/http"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
)

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.RecordStatus(r.URL.Query().Get("status"))
	records, err := h.store.Approvals().ListApprovals(r.Context(), workspaceFor(r), status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"approvals": records})
}

// resolveApprovalRequest is the body of POST /v1/approvals/{id}.
type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := readJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	var approved bool
	switch req.Decision {
	case "approve", "approved":
		approved = true
	case "deny", "denied":
		approved = false
	default:
		respondError(w, http.StatusBadRequest, "validation_error",
			"decision must be \"approve\" or \"deny\"")
		return
	}

	act := actorFrom(r.Context())
	approvalID := r.PathValue("id")

	outcome, err := h.runs.ResolveApproval(r.Context(), approvalID, act, approval.Decision{
		Approved:   approved,
		Reason:     req.Reason,
		ReviewerID: act.ID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	switch outcome {
	case approval.Unauthorized:
		respondError(w, http.StatusForbidden, "unauthorized", "only the requester may resolve this approval")
		return
	case approval.NotFound:
		respondError(w, http.StatusConflict, "not_found", "no pending approval with that id")
		return
	}

	rec, err := h.store.Approvals().GetApproval(r.Context(), approvalID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	runRec, err := h.runs.Get(r.Context(), rec.RunID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"approval": rec, "run": runRec})
}
