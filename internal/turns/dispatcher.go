package turns

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zjrosen/pont/internal/approval"
	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/interaction"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/store"
)

// messageMeta pulls the thread and turn out of worker params, whatever
// the nesting.
type messageMeta struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Thread   struct {
		ID string `json:"id"`
	} `json:"thread"`
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

func (m messageMeta) threadID() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.Thread.ID
}

func (m messageMeta) turnID() string {
	if m.TurnID != "" {
		return m.TurnID
	}
	return m.Turn.ID
}

// HandleWorkerMessage is the bridge handler for server-initiated worker
// traffic. Every method-bearing message becomes a durable gateway event;
// approval and interaction requests additionally go through their
// coordinators, and turn lifecycle methods update the projection and the
// active-turn map. Cancellation events for a finished turn are appended
// after its completion event.
func (c *Controller) HandleWorkerMessage(msg *bridge.Message) {
	if msg == nil || msg.Method == "" {
		return
	}
	ctx := context.Background()

	var meta messageMeta
	if len(msg.Params) > 0 {
		// Unreadable params still produce an event; meta stays empty.
		_ = json.Unmarshal(msg.Params, &meta)
	}
	threadID := meta.threadID()
	turnID := meta.turnID()

	payload := msg.Params
	_, isApproval := approval.TypeForMethod(msg.Method)
	switch {
	case isApproval && c.approvals != nil:
		if augmented, err := c.approvals.HandleRequest(ctx, msg); err != nil {
			log.Error(log.CatTurn, "approval request handling failed", "method", msg.Method, "error", err)
		} else {
			payload = augmented
		}
	case interaction.IsInteractionMethod(msg.Method) && c.interactions != nil:
		if augmented, err := c.interactions.HandleRequest(ctx, msg); err != nil {
			log.Error(log.CatTurn, "interaction request handling failed", "method", msg.Method, "error", err)
		} else {
			payload = augmented
		}
	}

	now := time.Now()
	c.applyTurnLifecycle(ctx, msg.Method, threadID, turnID, msg.Params, now)

	if _, err := c.bus.Append(ctx, events.GatewayEvent{
		ThreadID: threadID,
		TurnID:   turnID,
		Kind:     events.Classify(msg.Method),
		Name:     msg.Method,
		Payload:  payload,
		ServerTS: now,
	}); err != nil {
		log.Error(log.CatTurn, "event append failed", "method", msg.Method, "threadId", threadID, "error", err)
	}

	// Cancellations follow the completion event in the stream.
	if reason := cancelReason(msg.Method); reason != "" && threadID != "" {
		if c.interactions != nil {
			if err := c.interactions.CancelForTurn(ctx, threadID, turnID, reason); err != nil {
				log.Error(log.CatTurn, "interaction cancellation failed", "threadId", threadID, "turnId", turnID, "error", err)
			}
		}
		if c.approvals != nil {
			if err := c.approvals.CancelForTurn(ctx, threadID, turnID, reason); err != nil {
				log.Error(log.CatTurn, "approval cancellation failed", "threadId", threadID, "turnId", turnID, "error", err)
			}
		}
	}
}

// applyTurnLifecycle maintains the turn projection and active-turn map
// for turn lifecycle methods.
func (c *Controller) applyTurnLifecycle(ctx context.Context, method, threadID, turnID string, params json.RawMessage, now time.Time) {
	switch method {
	case "turn/started":
		if threadID == "" || turnID == "" {
			log.Warn(log.CatTurn, "turn/started without ids", "threadId", threadID, "turnId", turnID)
			return
		}
		c.setActiveTurn(threadID, turnID)
		if err := c.store.StartTurn(ctx, turnID, threadID, now); err != nil {
			log.Error(log.CatTurn, "turn projection start failed", "turnId", turnID, "error", err)
		}
		if err := c.store.TouchThreadStatus(ctx, threadID, store.ThreadActive, now); err != nil {
			log.Error(log.CatTurn, "thread status update failed", "threadId", threadID, "error", err)
		}

	case "turn/completed", "turn/aborted", "turn/interrupted":
		status := store.TurnCompleted
		errorJSON := ""
		switch method {
		case "turn/aborted":
			status = store.TurnAborted
			errorJSON = string(params)
		case "turn/interrupted":
			status = store.TurnInterrupted
		}

		if threadID != "" {
			c.clearActiveTurn(threadID, turnID)
			if err := c.store.TouchThreadStatus(ctx, threadID, store.ThreadIdle, now); err != nil {
				log.Error(log.CatTurn, "thread status update failed", "threadId", threadID, "error", err)
			}
		}
		if turnID != "" && threadID != "" {
			if err := c.store.FinishTurn(ctx, turnID, threadID, status, errorJSON, now); err != nil {
				log.Error(log.CatTurn, "turn projection finish failed", "turnId", turnID, "error", err)
			}
		}
	}
}

// cancelReason names the cancellation reason a finished turn propagates
// to its pending approvals and interactions.
func cancelReason(method string) string {
	switch method {
	case "turn/completed":
		return "turn_completed"
	case "turn/aborted", "turn/interrupted":
		return "turn_aborted"
	default:
		return ""
	}
}
