// Package bridge maintains the gateway's connection to the codex app-server
// worker: a child process speaking JSON-RPC 2.0 as newline-delimited JSON
// over stdio.
//
// Traffic flows both ways. The gateway sends requests (awaiting a response),
// notifications (fire-and-forget), and responses to worker-initiated
// requests such as approval prompts. The worker sends responses plus a
// stream of method-bearing messages that the registered handler consumes.
package bridge

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the JSON-RPC version string sent on every message.
const JSONRPCVersion = "2.0"

// Request is an outbound JSON-RPC request or notification.
// A nil ID marks a notification (no response expected).
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC response answering a worker-initiated
// request. Exactly one of Result or Error should be set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Message is a single inbound JSON object from the worker. Which fields are
// populated determines its shape: a response carries an ID and no Method, a
// worker-initiated request carries both, and a notification carries only a
// Method.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // Can be string, number, or null
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// HasID reports whether the message carries a non-null id, meaning the
// worker expects a response to it.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// IsResponse reports whether the message answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.HasID()
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// idKey normalizes a raw JSON id into a map key. The type prefix keeps the
// string id "1" distinct from the numeric id 1.
func idKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "s:" + s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return "n:" + n.String()
	}
	return "r:" + string(raw)
}
