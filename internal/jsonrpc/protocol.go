package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version spoken on the socket.
const Version = "2.0"

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// --- Client → Daemon ---

// Request invokes one method on the daemon. Params is a JSON array of
// positional arguments, an object of named arguments, or absent.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// --- Daemon → Client ---

// Response answers a Request. Exactly one of Result and Error is set and
// ID echoes the request's id verbatim.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a structured failure. Handlers may return one to pick their
// own code; any other error is reported as InternalError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError builds an Error with a formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errorf reports bad handler arguments.
func Errorf(format string, args ...any) *Error {
	return NewError(InvalidParams, format, args...)
}

var nullID = json.RawMessage("null")
