// Package terminal multiplexes one PTY per thread across any number of
// WebSocket clients. Sessions outlive their clients and are reaped by a
// TTL sweeper; the newline protocol is JSON frames in both directions.
package terminal

// Client frame types.
const (
	msgOpen   = "terminal/open"
	msgInput  = "terminal/input"
	msgResize = "terminal/resize"
	msgSetCwd = "terminal/setCwd"
	msgClose  = "terminal/close"
)

// Server frame types.
const (
	msgReady  = "terminal/ready"
	msgStatus = "terminal/status"
	msgOutput = "terminal/output"
	msgError  = "terminal/error"
)

// CodeBinaryUnsupported rejects binary WebSocket frames; the protocol is
// JSON text only.
const CodeBinaryUnsupported = "TERMINAL_WS_BINARY_UNSUPPORTED"

// ClientMessage is one inbound frame. Type selects which fields matter.
type ClientMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

type readyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
}

type statusMessage struct {
	Type       string `json:"type"`
	Connected  bool   `json:"connected"`
	Cwd        string `json:"cwd,omitempty"`
	PID        int    `json:"pid,omitempty"`
	IsFallback bool   `json:"isFallback"`
	Source     string `json:"source,omitempty"`
}

type outputMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Stream string `json:"stream"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
