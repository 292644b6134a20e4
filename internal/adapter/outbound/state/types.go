// Package state provides the JSON-file StateStore backend. One state.json
// document holds every collection; writes are atomic (tmp, fsync, rename)
// behind an in-process mutex and a cross-process flock.
package state

import (
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/credential"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

// document is the top-level structure persisted in state.json.
type document struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	Runs        map[string]*run.Run                `json:"runs"`
	RunEvents   map[string][]run.Event             `json:"runEvents"`
	Approvals   map[string]*approval.Record        `json:"approvals"`
	Sources     map[string]*source.Source          `json:"sources"`
	Credentials map[string]*credential.Record      `json:"credentials"`
	Policies    map[string]*policy.Rule            `json:"policies"`
	Artifacts   map[string]*outbound.Artifact      `json:"artifacts"`
	Tokens      map[string]*outbound.CallbackToken `json:"callbackTokens"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// newDocument returns an empty schema-version-1 document.
func newDocument() *document {
	now := time.Now().UTC()
	return &document{
		Version:     "1",
		Runs:        make(map[string]*run.Run),
		RunEvents:   make(map[string][]run.Event),
		Approvals:   make(map[string]*approval.Record),
		Sources:     make(map[string]*source.Source),
		Credentials: make(map[string]*credential.Record),
		Policies:    make(map[string]*policy.Rule),
		Artifacts:   make(map[string]*outbound.Artifact),
		Tokens:      make(map[string]*outbound.CallbackToken),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// normalize fills nil maps left by older files so lookups never panic.
func (d *document) normalize() {
	if d.Runs == nil {
		d.Runs = make(map[string]*run.Run)
	}
	if d.RunEvents == nil {
		d.RunEvents = make(map[string][]run.Event)
	}
	if d.Approvals == nil {
		d.Approvals = make(map[string]*approval.Record)
	}
	if d.Sources == nil {
		d.Sources = make(map[string]*source.Source)
	}
	if d.Credentials == nil {
		d.Credentials = make(map[string]*credential.Record)
	}
	if d.Policies == nil {
		d.Policies = make(map[string]*policy.Rule)
	}
	if d.Artifacts == nil {
		d.Artifacts = make(map[string]*outbound.Artifact)
	}
	if d.Tokens == nil {
		d.Tokens = make(map[string]*outbound.CallbackToken)
	}
}
