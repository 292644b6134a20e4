package wire

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeDecodeExecuteRequest(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	params, _ := json.Marshal(ExecuteParams{Code: "return 1", TimeoutMs: 5000})
	req := &jsonrpc.Request{ID: id, Method: MethodExecute, Params: params}

	encoded, err := EncodeFrame(req)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	frame, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if !frame.IsRequest() {
		t.Fatal("expected request frame")
	}
	if frame.Method() != MethodExecute {
		t.Errorf("Method() = %q, want %q", frame.Method(), MethodExecute)
	}

	var got ExecuteParams
	if err := json.Unmarshal(frame.Request().Params, &got); err != nil {
		t.Fatalf("params unmarshal failed: %v", err)
	}
	if got.Code != "return 1" || got.TimeoutMs != 5000 {
		t.Errorf("params round trip mismatch: %+v", got)
	}
}

func TestDecodeToolInvokeRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/invoke","params":{"callId":"c1","toolPath":"calendar.list","input":{"max":5}}}`)

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.Method() != MethodToolInvoke {
		t.Errorf("Method() = %q, want tools/invoke", frame.Method())
	}

	var params ToolInvokeParams
	if err := json.Unmarshal(frame.Request().Params, &params); err != nil {
		t.Fatalf("params unmarshal failed: %v", err)
	}
	if params.CallID != "c1" || params.ToolPath != "calendar.list" {
		t.Errorf("unexpected params: %+v", params)
	}
	if string(frame.RawID()) != "7" {
		t.Errorf("RawID() = %s, want 7", frame.RawID())
	}
}

func TestDecodeResponseFrame(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true,"value":[1,2]}}`)

	frame, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if frame.IsRequest() {
		t.Error("expected response frame")
	}
	if frame.Response() == nil {
		t.Fatal("Response() should be non-nil")
	}
	if frame.Request() != nil {
		t.Error("Request() should be nil for a response frame")
	}
	if frame.Method() != "" {
		t.Errorf("Method() = %q, want empty", frame.Method())
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte(`{nope`)},
		{"empty object", []byte(`{}`)},
		{"wrong version", []byte(`{"jsonrpc":"1.0","id":1,"method":"execute"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFrame(tt.data); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestDecodeFrameSizeLimit(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	if _, err := DecodeFrame(big); err == nil {
		t.Error("expected size limit error, got nil")
	}
}
