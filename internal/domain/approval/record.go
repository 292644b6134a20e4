package approval

import "time"

// RecordStatus is the lifecycle of a persisted approval record.
type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordDenied   RecordStatus = "denied"
)

// Record is the persisted form of an approval: written when a call parks,
// updated when a reviewer decides or the run ends. The control plane lists
// and resolves approvals through these records.
type Record struct {
	ID           string       `json:"id"`
	WorkspaceID  string       `json:"workspaceId"`
	RunID        string       `json:"runId"`
	CallID       string       `json:"callId"`
	ToolPath     string       `json:"toolPath"`
	RequesterID  string       `json:"requesterId"`
	InputPreview string       `json:"inputPreview,omitempty"`
	Title        string       `json:"title,omitempty"`
	Details      string       `json:"details,omitempty"`
	Link         string       `json:"link,omitempty"`
	CodeSnippet  string       `json:"codeSnippet,omitempty"`
	Status       RecordStatus `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	ReviewerID   string       `json:"reviewerId,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
}

// RecordFromRequest builds the pending persisted record for a parked call.
func RecordFromRequest(req *Request, workspaceID string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:           req.ID,
		WorkspaceID:  workspaceID,
		RunID:        req.RunID,
		CallID:       req.CallID,
		ToolPath:     req.ToolPath,
		RequesterID:  req.RequesterID,
		InputPreview: req.InputPreview,
		Title:        req.Title,
		Details:      req.Details,
		Link:         req.Link,
		CodeSnippet:  req.CodeSnippet,
		Status:       RecordPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
