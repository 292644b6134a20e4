// Package audit contains the domain types for the invocation receipt
// journal: one record per mediated tool call, hash-chained so tampering is
// detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Decision values recorded on receipts.
const (
	DecisionAllow    = "allow"
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionFailed   = "failed"
)

// Record is one journal entry. PrevHash links each record to its
// predecessor; the first record in a journal links to the empty string.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	WorkspaceID string    `json:"workspaceId"`
	RunID       string    `json:"runId"`
	CallID      string    `json:"callId"`
	ToolPath    string    `json:"toolPath"`
	ActorID     string    `json:"actorId"`
	Decision    string    `json:"decision"`
	DurationMs  int64     `json:"durationMs"`
	Error       string    `json:"error,omitempty"`

	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// ComputeHash seals the record against its predecessor. The hash covers
// every field except Hash itself.
func (r *Record) ComputeHash() string {
	cp := *r
	cp.Hash = ""
	data, _ := json.Marshal(cp)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal sets PrevHash and Hash, chaining the record to the previous hash.
func (r *Record) Seal(prevHash string) {
	r.PrevHash = prevHash
	r.Hash = r.ComputeHash()
}

// Verify checks that the record's hash matches its contents and chains to
// the expected predecessor.
func (r *Record) Verify(prevHash string) bool {
	return r.PrevHash == prevHash && r.Hash == r.ComputeHash()
}
