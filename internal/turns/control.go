package turns

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/store"
)

// ControlResult answers a control action. TurnID names the turn that was
// retried or interrupted, when there is one.
type ControlResult struct {
	OK       bool     `json:"ok"`
	TurnID   string   `json:"turnId,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ReviewRequest is the POST /review body; all fields are optional.
type ReviewRequest struct {
	Instructions string          `json:"instructions,omitempty"`
	Target       json.RawMessage `json:"target,omitempty"`
	Delivery     string          `json:"delivery,omitempty"`
}

// Control runs a stop, retry or cancel against a thread. Stop and cancel
// interrupt the active turn if one is tracked and are a no-op otherwise;
// retry re-runs the last remembered turn start.
func (c *Controller) Control(ctx context.Context, threadID, action string) (ControlResult, error) {
	switch action {
	case "retry":
		req, ok := c.lastInput(threadID)
		if !ok {
			return ControlResult{}, ErrNoLastTurn
		}
		res, err := c.StartTurn(ctx, threadID, req)
		if err != nil {
			return ControlResult{}, err
		}
		if auditErr := c.store.InsertAuditLog(ctx, store.AuditRecord{
			Actor:    store.ActorUser,
			Action:   "turn.retried",
			ThreadID: threadID,
			TurnID:   res.TurnID,
			Metadata: "{}",
		}); auditErr != nil {
			log.Warn(log.CatTurn, "audit write failed", "action", "turn.retried", "error", auditErr)
		}
		return ControlResult{OK: true, TurnID: res.TurnID, Warnings: res.Warnings}, nil

	case "stop", "cancel":
		turnID, ok := c.ActiveTurn(threadID)
		if !ok {
			return ControlResult{OK: true}, nil
		}
		params := map[string]string{"threadId": threadID, "turnId": turnID}
		if _, err := c.requestWithResume(ctx, threadID, "turn/interrupt", params); err != nil {
			return ControlResult{}, err
		}
		log.Info(log.CatTurn, "turn interrupted", "threadId", threadID, "turnId", turnID)
		return ControlResult{OK: true, TurnID: turnID}, nil

	default:
		return ControlResult{}, ErrUnknownAction
	}
}

// StartReview kicks off a code review turn. Non-blank instructions win
// over any provided target; absent both, the review covers uncommitted
// changes inline.
func (c *Controller) StartReview(ctx context.Context, threadID string, req ReviewRequest) (json.RawMessage, error) {
	delivery := req.Delivery
	if delivery == "" {
		delivery = "inline"
	}

	target := req.Target
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		encoded, err := json.Marshal(map[string]string{"type": "custom", "instructions": instructions})
		if err != nil {
			return nil, err
		}
		target = encoded
	}
	if len(target) == 0 {
		target = json.RawMessage(`{"type":"uncommittedChanges"}`)
	}

	params := map[string]any{
		"threadId": threadID,
		"target":   target,
		"delivery": delivery,
	}
	return c.requestWithResume(ctx, threadID, "review/start", params)
}
