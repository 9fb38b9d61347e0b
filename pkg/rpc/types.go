package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Message is a JSON-RPC 2.0 request, notification or response. Requests
// carry ID and Method, notifications carry Method only, responses carry ID
// and exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// Error codes. The -32700..-32603 range is defined by JSON-RPC 2.0, the
// rest are application codes of this agent.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeAuthRequired    = -32000
	CodeNotFound        = -32002
	CodeVersionMismatch = -32010
	CodeBusy            = -32011
	CodeTerminated      = -32012
	CodeCorrupt         = -32013
	CodeNotInitialized  = -32014
)

// Error is a structured JSON-RPC error. It is the only error type whose
// content reaches the peer; anything else is reported as an internal error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an error with optional data.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// ParseError reports a malformed message.
func ParseError(detail string) *Error {
	return NewError(CodeParseError, "parse error", detailData(detail))
}

// InvalidRequest reports a message that is valid JSON but not an acceptable request.
func InvalidRequest(detail string) *Error {
	return NewError(CodeInvalidRequest, "invalid request", detailData(detail))
}

// MethodNotFound reports an unknown method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found", map[string]string{"method": method})
}

// InvalidParams reports params that do not match the method.
func InvalidParams(detail string) *Error {
	return NewError(CodeInvalidParams, "invalid params", detailData(detail))
}

// InternalError hides an internal failure from the peer.
func InternalError() *Error {
	return NewError(CodeInternalError, "internal error", nil)
}

func detailData(detail string) any {
	if detail == "" {
		return nil
	}
	return map[string]string{"detail": detail}
}
