package sanitize

import (
	"strings"
	"testing"
)

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"authorization", true},
		{"Authorization", true},
		{"api_key", true},
		{"api-key", true},
		{"apikey", true},
		{"x-api-key", true},
		{"accessToken", true},
		{"client_secret", true},
		{"password", true},
		{"Cookie", true},
		{"aws_credentials", true},
		{"title", false},
		{"startsAt", false},
		{"body", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := IsSensitiveKey(tt.key); got != tt.want {
				t.Errorf("IsSensitiveKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestValueRedactsNestedKeys(t *testing.T) {
	in := map[string]any{
		"title": "Sync",
		"auth": map[string]any{
			"token": "tok-123",
			"note":  "keep",
		},
		"headers": []any{
			map[string]any{"Authorization": "Bearer x"},
		},
	}

	got := Value(in).(map[string]any)

	auth := got["auth"].(map[string]any)
	if auth["token"] != Redacted {
		t.Errorf("nested token = %v, want %q", auth["token"], Redacted)
	}
	if auth["note"] != "keep" {
		t.Errorf("non-sensitive nested value changed: %v", auth["note"])
	}

	headers := got["headers"].([]any)
	if headers[0].(map[string]any)["Authorization"] != Redacted {
		t.Error("Authorization inside slice element should be redacted")
	}

	// Original must be untouched.
	if in["auth"].(map[string]any)["token"] != "tok-123" {
		t.Error("input map was modified")
	}
}

func TestValueHandlesCycles(t *testing.T) {
	inner := map[string]any{}
	outer := map[string]any{"child": inner}
	inner["parent"] = outer

	got := Value(outer).(map[string]any)

	child := got["child"].(map[string]any)
	if child["parent"] != Circular {
		t.Errorf("cycle = %v, want %q", child["parent"], Circular)
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if got := Truncate(short, 10); got != short {
		t.Errorf("short string changed: %q", got)
	}

	long := strings.Repeat("a", 100)
	got := Truncate(long, 40)
	if !strings.HasPrefix(got, strings.Repeat("a", 40)) {
		t.Error("truncated string should keep the prefix")
	}
	if !strings.Contains(got, "truncated 60 chars") {
		t.Errorf("missing truncation note: %q", got)
	}
}

func TestPreviewJoinsDeclaredKeys(t *testing.T) {
	args := map[string]any{
		"title":    "A",
		"startsAt": "2025-01-01",
		"secret":   "x",
	}

	got := Preview(args, []string{"title", "startsAt"}, 200)
	if got != "A @ 2025-01-01" {
		t.Errorf("Preview = %q, want %q", got, "A @ 2025-01-01")
	}
}

func TestPreviewSkipsMissingKeys(t *testing.T) {
	args := map[string]any{"title": "A"}

	got := Preview(args, []string{"title", "missing"}, 200)
	if got != "A" {
		t.Errorf("Preview = %q, want %q", got, "A")
	}
}

func TestPreviewFallsBackToSanitizedJSON(t *testing.T) {
	args := map[string]any{"title": "A", "api_key": "k"}

	got := Preview(args, nil, 200)
	if !strings.Contains(got, `"title":"A"`) {
		t.Errorf("fallback preview missing args: %q", got)
	}
	if strings.Contains(got, `"k"`) {
		t.Errorf("fallback preview leaked a secret: %q", got)
	}
	if !strings.Contains(got, Redacted) {
		t.Errorf("fallback preview should mark redaction: %q", got)
	}
}

func TestPreviewDottedKeys(t *testing.T) {
	args := map[string]any{
		"event": map[string]any{"title": "Standup"},
	}

	got := Preview(args, []string{"event.title"}, 200)
	if got != "Standup" {
		t.Errorf("Preview = %q, want Standup", got)
	}
}

func TestPreviewTruncatesLongValues(t *testing.T) {
	args := map[string]any{"title": strings.Repeat("x", 500)}

	got := Preview(args, []string{"title"}, 64)
	if len(got) >= 500 {
		t.Error("preview was not truncated")
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("missing truncation note: %q", got)
	}
}
