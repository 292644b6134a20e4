package credential

import (
	"encoding/base64"
	"testing"
)

func TestHeadersBearer(t *testing.T) {
	rec := &Record{Type: TypeBearer, Token: "tok-123"}

	headers, err := rec.Headers(&AuthSpec{Type: TypeBearer})
	if err != nil {
		t.Fatalf("Headers failed: %v", err)
	}
	if got := headers["authorization"]; got != "Bearer tok-123" {
		t.Errorf("authorization = %q, want %q", got, "Bearer tok-123")
	}
}

func TestHeadersAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		spec       *AuthSpec
		wantHeader string
	}{
		{"default header", &AuthSpec{Type: TypeAPIKey}, "x-api-key"},
		{"custom header", &AuthSpec{Type: TypeAPIKey, HeaderName: "x-goog-api-key"}, "x-goog-api-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{Type: TypeAPIKey, Token: "key-9"}
			headers, err := rec.Headers(tt.spec)
			if err != nil {
				t.Fatalf("Headers failed: %v", err)
			}
			if got := headers[tt.wantHeader]; got != "key-9" {
				t.Errorf("%s = %q, want %q", tt.wantHeader, got, "key-9")
			}
		})
	}
}

func TestHeadersBasic(t *testing.T) {
	rec := &Record{Type: TypeBasic, Username: "svc", Password: "s3cret"}

	headers, err := rec.Headers(nil)
	if err != nil {
		t.Fatalf("Headers failed: %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("svc:s3cret"))
	if got := headers["authorization"]; got != want {
		t.Errorf("authorization = %q, want %q", got, want)
	}
}

func TestHeadersUnknownType(t *testing.T) {
	rec := &Record{Type: Type("oauth-dance")}
	if _, err := rec.Headers(nil); err == nil {
		t.Error("expected error for unknown credential type")
	}
}

func TestRedactedClearsSecrets(t *testing.T) {
	rec := &Record{ID: "c1", SourceKey: "calendar", Type: TypeBasic, Token: "t", Username: "u", Password: "p"}

	red := rec.Redacted()
	if red.Token != "" || red.Username != "" || red.Password != "" {
		t.Errorf("secrets not cleared: %+v", red)
	}
	if red.ID != "c1" || red.SourceKey != "calendar" {
		t.Error("metadata should be preserved")
	}
	if rec.Token != "t" {
		t.Error("original record must not be modified")
	}
}

func TestFallbackOrder(t *testing.T) {
	want := []Scope{ScopeActor, ScopeOrganization, ScopeWorkspace}
	if len(FallbackOrder) != len(want) {
		t.Fatalf("FallbackOrder length = %d, want %d", len(FallbackOrder), len(want))
	}
	for i, s := range want {
		if FallbackOrder[i] != s {
			t.Errorf("FallbackOrder[%d] = %q, want %q", i, FallbackOrder[i], s)
		}
	}
}
