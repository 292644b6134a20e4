// Package credential contains domain types for stored credentials and the
// header material injected into provider calls.
package credential

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Type identifies how a credential is turned into request headers.
type Type string

const (
	// TypeBearer injects "authorization: Bearer <token>".
	TypeBearer Type = "bearer"

	// TypeAPIKey injects the token under a configurable header name.
	TypeAPIKey Type = "apiKey"

	// TypeBasic injects "authorization: Basic base64(user:pass)".
	TypeBasic Type = "basic"
)

// IsValid returns true if the credential type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypeBearer, TypeAPIKey, TypeBasic:
		return true
	default:
		return false
	}
}

// Scope identifies who a credential belongs to. Resolution falls back from
// the narrowest scope to the widest.
type Scope string

const (
	ScopeActor        Scope = "actor"
	ScopeOrganization Scope = "organization"
	ScopeWorkspace    Scope = "workspace"
)

// FallbackOrder is the resolution order: actor-scoped first, then
// organization, then workspace.
var FallbackOrder = []Scope{ScopeActor, ScopeOrganization, ScopeWorkspace}

// AuthSpec describes the credential requirement a tool source declares.
// Descriptors carry it so the resolver knows which header shape to build.
type AuthSpec struct {
	// Type selects the header shape.
	Type Type `json:"type"`

	// HeaderName overrides the header used for apiKey credentials.
	// Defaults to "x-api-key" when empty.
	HeaderName string `json:"headerName,omitempty"`
}

// DefaultAPIKeyHeader is used when an apiKey AuthSpec omits HeaderName.
const DefaultAPIKeyHeader = "x-api-key"

// Record is a stored credential. Secret material lives in Token (bearer and
// apiKey) or Username/Password (basic). Read endpoints must never return
// these fields; list responses expose metadata only.
type Record struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	SourceKey   string    `json:"sourceKey"`
	Scope       Scope     `json:"scope"`
	OwnerID     string    `json:"ownerId,omitempty"`
	Type        Type      `json:"type"`
	Token       string    `json:"token,omitempty"`
	Username    string    `json:"username,omitempty"`
	Password    string    `json:"password,omitempty"`
	// AdditionalHeaders are appended verbatim after the auth header.
	AdditionalHeaders map[string]string `json:"additionalHeaders,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Redacted returns a copy safe for API responses: secret fields cleared.
func (r *Record) Redacted() *Record {
	cp := *r
	cp.Token = ""
	cp.Username = ""
	cp.Password = ""
	cp.AdditionalHeaders = nil
	return &cp
}

// Headers materializes the credential into request headers according to the
// source's AuthSpec. Header names are lowercase. AdditionalHeaders are
// appended after the auth header and never override it.
func (r *Record) Headers(spec *AuthSpec) (map[string]string, error) {
	typ := r.Type
	if spec != nil && spec.Type != "" {
		typ = spec.Type
	}

	var out map[string]string
	switch typ {
	case TypeBearer:
		out = map[string]string{"authorization": "Bearer " + r.Token}
	case TypeAPIKey:
		name := DefaultAPIKeyHeader
		if spec != nil && spec.HeaderName != "" {
			name = spec.HeaderName
		}
		out = map[string]string{name: r.Token}
	case TypeBasic:
		raw := r.Username + ":" + r.Password
		out = map[string]string{"authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))}
	default:
		return nil, fmt.Errorf("unknown credential type %q", typ)
	}

	for name, value := range r.AdditionalHeaders {
		key := strings.ToLower(name)
		if _, taken := out[key]; taken {
			continue
		}
		out[key] = value
	}
	return out, nil
}
