package codegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(
		WithServerAddr(srv.URL),
		WithAPIKey("test-key"),
		WithTimeout(5*time.Second),
	)
	return client, srv
}

func TestSubmitRun(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody SubmitRunRequest

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Run{ID: "run-1", Status: RunQueued, Code: gotBody.Code})
	}))

	run, err := client.SubmitRun(context.Background(), SubmitRunRequest{Code: "return 1;"})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if run.ID != "run-1" || run.Status != RunQueued {
		t.Errorf("unexpected run: %+v", run)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want bearer key", gotAuth)
	}
	if gotPath != "POST /v1/runs" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.ClientID != "sdk-go" {
		t.Errorf("ClientID = %q, want default sdk-go", gotBody.ClientID)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"kind":"not_found","message":"run not found"}}`)
	}))

	_, err := client.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Kind != "not_found" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}

func TestListRuns_WorkspaceQuery(t *testing.T) {
	var gotQuery string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"runs":[{"id":"run-1","status":"completed"}]}`)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := NewClient(
		WithServerAddr(srv.URL),
		WithWorkspace("acme"),
	)
	runs, err := client.ListRuns(context.Background(), RunCompleted)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("unexpected runs: %+v", runs)
	}
	if gotQuery != "status=completed&workspaceId=acme" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestStreamEvents(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("afterSeq") != "0" {
			t.Errorf("afterSeq = %q", r.URL.Query().Get("afterSeq"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: code_run\ndata: {\"seq\":1,\"runId\":\"run-1\",\"status\":\"code_run\",\"stdout\":\"hi\\n\"}\n\n")
		fmt.Fprint(w, "event: completed\ndata: {\"seq\":2,\"runId\":\"run-1\",\"status\":\"completed\",\"value\":42}\n\n")
	}))

	var events []*Event
	err := client.StreamEvents(context.Background(), "run-1", 0, func(ev *Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventCodeRun || events[0].Stdout != "hi\n" {
		t.Errorf("event 0: %+v", events[0])
	}
	if events[1].Type != EventCompleted || events[1].Seq != 2 {
		t.Errorf("event 1: %+v", events[1])
	}
}

func TestStreamEvents_CallbackError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: code_run\ndata: {\"seq\":1,\"status\":\"code_run\"}\n\n")
		fmt.Fprint(w, "event: completed\ndata: {\"seq\":2,\"status\":\"completed\"}\n\n")
	}))

	wantErr := errors.New("stop")
	err := client.StreamEvents(context.Background(), "run-1", 0, func(*Event) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("want callback error, got %v", err)
	}
}

func TestWaitForTerminal_Denied(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/runs/run-1/events" {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: denied\ndata: {\"seq\":1,\"runId\":\"run-1\",\"status\":\"denied\",\"reason\":\"canceled by reviewer\"}\n\n")
			return
		}
		json.NewEncoder(w).Encode(Run{ID: "run-1", Status: RunDenied, Error: "canceled by reviewer"})
	}))

	run, err := client.WaitForTerminal(context.Background(), "run-1")
	if !errors.Is(err, ErrRunDenied) {
		t.Fatalf("want ErrRunDenied, got %v", err)
	}
	var denied *RunDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want *RunDeniedError, got %T", err)
	}
	if denied.Reason != "canceled by reviewer" {
		t.Errorf("Reason = %q", denied.Reason)
	}
	if run == nil || run.Status != RunDenied {
		t.Errorf("run record should accompany the error: %+v", run)
	}
}

func TestWaitForTerminal_Completed(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/runs/run-1/events" {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: completed\ndata: {\"seq\":1,\"runId\":\"run-1\",\"status\":\"completed\",\"value\":\"ok\"}\n\n")
			return
		}
		json.NewEncoder(w).Encode(Run{ID: "run-1", Status: RunCompleted, Value: json.RawMessage(`"ok"`)})
	}))

	run, err := client.WaitForTerminal(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("WaitForTerminal: %v", err)
	}
	if string(run.Value) != `"ok"` {
		t.Errorf("Value = %s", run.Value)
	}
}

func TestResolveApproval(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/approvals/appr-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["decision"] != "approve" || body["reason"] != "looks fine" {
			t.Errorf("body = %v", body)
		}
		fmt.Fprint(w, `{"approval":{"id":"appr-1","status":"approved"},"run":{"id":"run-1","status":"running"}}`)
	}))

	appr, run, err := client.ResolveApproval(context.Background(), "appr-1", Approve, "looks fine")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if appr.Status != ApprovalApproved {
		t.Errorf("approval status = %q", appr.Status)
	}
	if run.Status != RunRunning {
		t.Errorf("run status = %q", run.Status)
	}
}

func TestRateLimited_RetryAfter(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"kind":"validation_error","message":"submission rate limit exceeded"}}`)
	}))

	_, err := client.SubmitRun(context.Background(), SubmitRunRequest{Code: "return 1;"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if want := "submission rate limit exceeded (retry after 3s)"; apiErr.Message != want {
		t.Errorf("message = %q, want %q", apiErr.Message, want)
	}
}

func TestServerUnreachable(t *testing.T) {
	client := NewClient(
		WithServerAddr("http://127.0.0.1:1"),
		WithTimeout(500*time.Millisecond),
	)
	_, err := client.GetRun(context.Background(), "run-1")
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("want ErrServerUnreachable, got %v", err)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	t.Setenv("CODEGATE_SERVER_ADDR", "")
	t.Setenv("CODEGATE_API_KEY", "")

	c := NewClient()
	if c.serverAddr != defaultServerAddr {
		t.Errorf("serverAddr = %q", c.serverAddr)
	}
	if c.timeout != defaultTimeout {
		t.Errorf("timeout = %v", c.timeout)
	}

	t.Setenv("CODEGATE_SERVER_ADDR", "http://gateway:9000/")
	c = NewClient()
	if c.serverAddr != "http://gateway:9000" {
		t.Errorf("serverAddr = %q, want trailing slash trimmed", c.serverAddr)
	}
}
