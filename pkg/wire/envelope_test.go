package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelopeForms(t *testing.T) {
	tests := []struct {
		name     string
		env      Envelope
		wantJSON string
	}{
		{
			name:     "ok with value",
			env:      Ok(map[string]any{"id": "e1"}),
			wantJSON: `{"ok":true,"value":{"id":"e1"}}`,
		},
		{
			name:     "ok with nil value",
			env:      Ok(nil),
			wantJSON: `{"ok":true}`,
		},
		{
			name:     "pending",
			env:      Pending("apr_1", 1500),
			wantJSON: `{"ok":false,"kind":"pending","approvalId":"apr_1","retryAfterMs":1500}`,
		},
		{
			name:     "denied",
			env:      Denied("policy_deny: blocked"),
			wantJSON: `{"ok":false,"kind":"denied","error":"policy_deny: blocked"}`,
		},
		{
			name:     "failed",
			env:      Failed("auth_missing: no credential for scope"),
			wantJSON: `{"ok":false,"kind":"failed","error":"auth_missing: no credential for scope"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if string(data) != tt.wantJSON {
				t.Errorf("Encode() = %s, want %s", data, tt.wantJSON)
			}

			decoded, err := DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope failed: %v", err)
			}
			if decoded.OK != tt.env.OK || decoded.Kind != tt.env.Kind || decoded.Error != tt.env.Error {
				t.Errorf("round trip mismatch: got %+v, want %+v", decoded, tt.env)
			}
		})
	}
}

func TestEnvelopeEncodeDeterministic(t *testing.T) {
	// Map values must serialize identically across encodes so a replayed
	// callId can be answered with byte-identical bytes.
	env := Ok(map[string]any{"zeta": 1, "alpha": "x", "mid": []any{"a", "b"}})

	first, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("encodes differ:\n%s\n%s", first, second)
	}
}

func TestEnvelopeIsTerminal(t *testing.T) {
	if !Ok("v").IsTerminal() {
		t.Error("ok envelope should be terminal")
	}
	if !Denied("x").IsTerminal() {
		t.Error("denied envelope should be terminal")
	}
	if !Failed("x").IsTerminal() {
		t.Error("failed envelope should be terminal")
	}
	if Pending("apr_1", 500).IsTerminal() {
		t.Error("pending envelope should not be terminal")
	}
}

func TestThrowMessage(t *testing.T) {
	denied := Denied("policy_deny: rule r1")
	if got := denied.ThrowMessage(); !strings.HasPrefix(got, DeniedPrefix) {
		t.Errorf("denied throw message missing prefix: %q", got)
	}

	failed := Failed("provider_error: upstream 502")
	if got := failed.ThrowMessage(); strings.HasPrefix(got, DeniedPrefix) {
		t.Errorf("failed throw message should not carry denial prefix: %q", got)
	}
	if failed.ThrowMessage() != failed.Error {
		t.Errorf("failed throw message should be the error text")
	}
}
