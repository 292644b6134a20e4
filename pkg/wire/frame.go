package wire

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// MaxFrameBytes caps a single host-protocol frame. Larger frames are
// rejected before decoding.
const MaxFrameBytes = 4 * 1024 * 1024

// Host protocol methods exchanged with the subprocess runtime over stdio.
const (
	MethodExecute    = "execute"
	MethodToolInvoke = "tools/invoke"
)

// Frame wraps a decoded host-protocol message with its raw bytes. Raw is
// kept for passthrough so a frame can be relayed without re-encoding.
type Frame struct {
	Raw     []byte
	Decoded jsonrpc.Message
}

// EncodeFrame serializes a JSON-RPC message to its wire format.
func EncodeFrame(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeFrame parses one newline-delimited host-protocol frame. It returns
// either a *jsonrpc.Request or *jsonrpc.Response wrapped with the raw bytes.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	decoded, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Raw: data, Decoded: decoded}, nil
}

// IsRequest reports whether the frame is a JSON-RPC request.
func (f *Frame) IsRequest() bool {
	if f.Decoded == nil {
		return false
	}
	_, ok := f.Decoded.(*jsonrpc.Request)
	return ok
}

// Request returns the underlying request, or nil.
func (f *Frame) Request() *jsonrpc.Request {
	if f.Decoded == nil {
		return nil
	}
	req, _ := f.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying response, or nil.
func (f *Frame) Response() *jsonrpc.Response {
	if f.Decoded == nil {
		return nil
	}
	resp, _ := f.Decoded.(*jsonrpc.Response)
	return resp
}

// Method returns the request method, or empty string for responses.
func (f *Frame) Method() string {
	req := f.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// RawID extracts the frame's id field as raw JSON, preserving the original
// format (number or string). Returns nil for id-less notifications.
func (f *Frame) RawID() json.RawMessage {
	if f.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}

// ToolInvokeParams is the params payload of a tools/invoke request sent by
// the subprocess host when user code calls into the tool surface.
type ToolInvokeParams struct {
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

// ExecuteParams is the params payload of the execute request sent to the
// subprocess host.
type ExecuteParams struct {
	Code      string `json:"code"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// ExecuteResult is the result payload the subprocess host returns when the
// snippet settles.
type ExecuteResult struct {
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}
