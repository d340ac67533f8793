// Package approval coordinates worker-initiated approval requests:
// persisting them as pending rows, matching user decisions back to the
// originating JSON-RPC id, and reconciling requests nobody can answer
// anymore.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/eventbus"
	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/store"
)

// Decisions accepted from the HTTP surface.
const (
	DecisionAllow  = "allow"
	DecisionDeny   = "deny"
	DecisionCancel = "cancel"
)

// ReasonGatewayRestarted marks cancellations from the startup reconcile.
const ReasonGatewayRestarted = "gateway_restarted"

// ErrUnknownDecision rejects decision values outside allow/deny/cancel.
var ErrUnknownDecision = errors.New("unknown decision")

// workerDecisions maps HTTP decisions to the decision field the worker
// expects in the respond payload.
var workerDecisions = map[string]string{
	DecisionAllow:  "accept",
	DecisionDeny:   "decline",
	DecisionCancel: "cancel",
}

var decisionStatus = map[string]store.ApprovalStatus{
	DecisionAllow:  store.ApprovalApproved,
	DecisionDeny:   store.ApprovalDenied,
	DecisionCancel: store.ApprovalCancelled,
}

// Worker is the slice of the bridge the coordinator answers through.
type Worker interface {
	Respond(id json.RawMessage, result any) error
	Generation() uint64
}

// TypeForMethod maps a worker method to its approval type. The second
// return is false for methods that are not approval requests.
func TypeForMethod(method string) (store.ApprovalType, bool) {
	switch method {
	case "item/commandExecution/requestApproval":
		return store.ApprovalCommandExecution, true
	case "item/fileChange/requestApproval":
		return store.ApprovalFileChange, true
	}
	return "", false
}

type pendingEntry struct {
	rpcID        json.RawMessage
	threadID     string
	turnID       string
	approvalType store.ApprovalType
	generation   uint64
}

// Coordinator owns the approval lifecycle between worker and browser.
// The persisted row is the source of truth; the in-memory map only holds
// the live JSON-RPC id needed to answer the worker.
type Coordinator struct {
	store  *store.Store
	bus    *eventbus.Bus
	worker Worker

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// New creates a coordinator. ReconcileStartup should run before the first
// worker message is dispatched.
func New(st *store.Store, bus *eventbus.Bus, worker Worker) *Coordinator {
	return &Coordinator{
		store:   st,
		bus:     bus,
		worker:  worker,
		pending: make(map[string]pendingEntry),
	}
}

// requestParams is the slice of the request params the coordinator reads.
type requestParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
}

// HandleRequest processes one approval request from the worker: persist a
// pending row keyed by the stringified JSON-RPC id, register the live id
// mapping, write the audit trail, and return the fan-out payload augmented
// with {approvalId, approvalType}.
func (c *Coordinator) HandleRequest(ctx context.Context, msg *bridge.Message) (json.RawMessage, error) {
	approvalType, ok := TypeForMethod(msg.Method)
	if !ok {
		return nil, fmt.Errorf("method %s is not an approval request", msg.Method)
	}
	if !msg.HasID() {
		return nil, fmt.Errorf("approval request %s carries no id", msg.Method)
	}

	approvalID := stringifyID(msg.ID)

	var p requestParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			log.Warn(log.CatApproval, "approval params not decodable", "method", msg.Method, "error", err)
		}
	}

	if err := c.store.UpsertApprovalRequest(ctx, store.Approval{
		ApprovalID:     approvalID,
		ThreadID:       p.ThreadID,
		TurnID:         p.TurnID,
		ItemID:         p.ItemID,
		Type:           approvalType,
		Status:         store.ApprovalPending,
		RequestPayload: string(msg.Params),
		CreatedAt:      time.Now(),
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[approvalID] = pendingEntry{
		rpcID:        append(json.RawMessage(nil), msg.ID...),
		threadID:     p.ThreadID,
		turnID:       p.TurnID,
		approvalType: approvalType,
		generation:   c.worker.Generation(),
	}
	c.mu.Unlock()

	c.audit(ctx, store.ActorGateway, "approval.requested", p.ThreadID, p.TurnID, map[string]any{
		"approvalId": approvalID,
		"type":       string(approvalType),
	})

	log.Info(log.CatApproval, "approval requested",
		"approvalId", approvalID, "type", approvalType, "threadId", p.ThreadID)

	return augmentPayload(msg.Params, approvalID, approvalType), nil
}

// Decide resolves a pending approval with a user decision and answers the
// worker. The store transition is the idempotence gate, so a concurrent
// second decision gets ErrNotPending and the worker hears exactly one
// response.
func (c *Coordinator) Decide(ctx context.Context, threadID, approvalID, decision, note string) error {
	workerDecision, ok := workerDecisions[decision]
	if !ok {
		return fmt.Errorf("decision %q: %w", decision, ErrUnknownDecision)
	}

	c.mu.Lock()
	entry, live := c.pending[approvalID]
	c.mu.Unlock()

	var respondID json.RawMessage
	entryThread := entry.threadID
	entryTurn := entry.turnID
	approvalType := entry.approvalType

	switch {
	case live && entry.generation == c.worker.Generation():
		respondID = entry.rpcID
	case live:
		// Entry predates a worker restart; its id means nothing to the
		// current process.
		log.Warn(log.CatApproval, "approval outlived its worker, resolving without response",
			"approvalId", approvalID)
	default:
		// Persistence-only recovery: the row survived, the mapping did not.
		a, err := c.store.GetApprovalByID(ctx, approvalID)
		if err != nil {
			return err
		}
		entryThread = a.ThreadID
		entryTurn = a.TurnID
		approvalType = a.Type
		if n, parseErr := strconv.ParseInt(approvalID, 10, 64); parseErr == nil {
			respondID, _ = json.Marshal(n)
		}
	}

	if threadID != "" && entryThread != "" && entryThread != threadID {
		return fmt.Errorf("approval %s: %w", approvalID, store.ErrNotFound)
	}

	if err := c.store.ResolveApprovalRequest(ctx, approvalID, decisionStatus[decision], decision, note, time.Now()); err != nil {
		return err
	}

	if len(respondID) > 0 {
		if err := c.worker.Respond(respondID, map[string]string{"decision": workerDecision}); err != nil {
			log.Warn(log.CatApproval, "approval respond failed", "approvalId", approvalID, "error", err)
		}
	}

	c.mu.Lock()
	delete(c.pending, approvalID)
	c.mu.Unlock()

	meta := map[string]any{
		"approvalId": approvalID,
		"decision":   decision,
	}
	if note != "" {
		meta["note"] = note
	}
	c.audit(ctx, store.ActorUser, "approval.decided", entryThread, entryTurn, meta)

	c.publishDecision(ctx, entryThread, entryTurn, approvalID, approvalType, decision, "")

	log.Info(log.CatApproval, "approval decided",
		"approvalId", approvalID, "decision", decision, "threadId", entryThread)
	return nil
}

// CancelForTurn cancels every approval still pending when its turn
// finishes. The worker ended the turn itself, so no response is owed.
func (c *Coordinator) CancelForTurn(ctx context.Context, threadID, turnID, reason string) error {
	cancelled, err := c.store.CancelPendingApprovalsForTurn(ctx, threadID, turnID, time.Now())
	if err != nil {
		return fmt.Errorf("cancelling approvals for turn %s: %w", turnID, err)
	}
	c.finishCancelled(ctx, cancelled, reason)
	return nil
}

// ReconcileStartup cancels every approval left pending by a previous
// gateway process. Their JSON-RPC ids belong to a worker that no longer
// exists, so nobody could ever answer them.
func (c *Coordinator) ReconcileStartup(ctx context.Context) error {
	cancelled, err := c.store.CancelAllPendingApprovals(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("reconciling approvals: %w", err)
	}
	c.finishCancelled(ctx, cancelled, ReasonGatewayRestarted)
	if len(cancelled) > 0 {
		log.Info(log.CatApproval, "cancelled stale approvals", "count", len(cancelled))
	}
	return nil
}

func (c *Coordinator) finishCancelled(ctx context.Context, cancelled []store.Approval, reason string) {
	for _, a := range cancelled {
		c.mu.Lock()
		delete(c.pending, a.ApprovalID)
		c.mu.Unlock()

		c.audit(ctx, store.ActorGateway, "approval.cancelled", a.ThreadID, a.TurnID, map[string]any{
			"approvalId": a.ApprovalID,
			"reason":     reason,
		})
		c.publishDecision(ctx, a.ThreadID, a.TurnID, a.ApprovalID, a.Type, DecisionCancel, reason)
	}
}

func (c *Coordinator) publishDecision(ctx context.Context, threadID, turnID, approvalID string, approvalType store.ApprovalType, decision, reason string) {
	payload := map[string]any{
		"approvalId": approvalID,
		"decision":   decision,
	}
	if approvalType != "" {
		payload["approvalType"] = string(approvalType)
	}
	if reason != "" {
		payload["reason"] = reason
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := c.bus.Append(ctx, events.GatewayEvent{
		ThreadID: threadID,
		TurnID:   turnID,
		Kind:     events.KindApproval,
		Name:     "approval/decision",
		Payload:  body,
	}); err != nil {
		log.Error(log.CatApproval, "approval decision event failed", "approvalId", approvalID, "error", err)
	}
}

func (c *Coordinator) audit(ctx context.Context, actor, action, threadID, turnID string, metadata map[string]any) {
	body, err := json.Marshal(metadata)
	if err != nil {
		body = []byte("{}")
	}
	if err := c.store.InsertAuditLog(ctx, store.AuditRecord{
		Actor:    actor,
		Action:   action,
		ThreadID: threadID,
		TurnID:   turnID,
		Metadata: string(body),
	}); err != nil {
		log.Error(log.CatApproval, "audit write failed", "action", action, "error", err)
	}
}

// stringifyID renders a JSON-RPC id the way the browser sees approval
// ids: numbers as decimal text, strings without quotes.
func stringifyID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// augmentPayload adds approval metadata to the fan-out payload so the UI
// can route the event without a second lookup.
func augmentPayload(params json.RawMessage, approvalID string, approvalType store.ApprovalType) json.RawMessage {
	m := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			m = map[string]any{}
		}
	}
	m["approvalId"] = approvalID
	m["approvalType"] = string(approvalType)
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}
