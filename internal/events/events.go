// Package events defines the gateway event vocabulary shared by the
// projection store, the event bus, and the HTTP surface.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind buckets events by the worker method (or gateway action) that
// produced them.
type Kind string

const (
	KindThread      Kind = "thread"
	KindTurn        Kind = "turn"
	KindItem        Kind = "item"
	KindApproval    Kind = "approval"
	KindInteraction Kind = "interaction"
	KindSystem      Kind = "system"
)

// GatewayEvent is one durable, replayable event on a thread's stream.
// Seq is assigned by the event log on append and is the replay cursor.
type GatewayEvent struct {
	Seq      int64           `json:"seq"`
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId,omitempty"`
	Kind     Kind            `json:"kind"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ServerTS time.Time       `json:"serverTs"`
}

// Classify derives the event kind from a worker method name.
// Approval and interaction requests win over their item/ prefix.
func Classify(method string) Kind {
	switch {
	case strings.HasSuffix(method, "requestApproval"):
		return KindApproval
	case method == "tool/requestUserInput" || method == "item/tool/requestUserInput":
		return KindInteraction
	case strings.HasPrefix(method, "thread/"):
		return KindThread
	case strings.HasPrefix(method, "turn/"):
		return KindTurn
	case strings.HasPrefix(method, "item/"):
		return KindItem
	default:
		return KindSystem
	}
}
