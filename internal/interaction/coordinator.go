// Package interaction coordinates multi-question user-input prompts from
// the worker: normalizing and persisting them as pending rows, validating
// and forwarding user answers, and cancelling prompts that can no longer
// be answered.
package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/eventbus"
	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/store"
)

// ReasonGatewayRestarted marks cancellations from the startup reconcile.
const ReasonGatewayRestarted = "gateway_restarted"

var (
	// ErrInvalidAnswers rejects response payloads that are empty or blank
	// after trimming. The interaction stays pending.
	ErrInvalidAnswers = errors.New("invalid answers")

	// ErrNoLiveMapping means the pending row survived but the worker that
	// asked the question did not.
	ErrNoLiveMapping = errors.New("no live worker mapping for interaction")
)

// IsInteractionMethod reports whether a worker method is a user-input
// request. The item/ alias appears on newer workers.
func IsInteractionMethod(method string) bool {
	return method == "tool/requestUserInput" || method == "item/tool/requestUserInput"
}

// Question is one prompt of a user-input request after normalization.
// Options is null when the request carried none or only malformed ones.
type Question struct {
	ID       string   `json:"id"`
	Header   string   `json:"header"`
	Question string   `json:"question"`
	IsOther  bool     `json:"isOther"`
	IsSecret bool     `json:"isSecret"`
	Options  []Option `json:"options"`
}

// Option is one selectable answer for a question.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// AnswerSet carries a user's answers to one question.
type AnswerSet struct {
	Answers []string `json:"answers"`
}

// Worker is the slice of the bridge the coordinator answers through.
type Worker interface {
	Respond(id json.RawMessage, result any) error
	Generation() uint64
}

type pendingEntry struct {
	rpcID      json.RawMessage
	threadID   string
	turnID     string
	generation uint64
}

// Coordinator owns the interaction lifecycle between worker and browser.
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

type requestParams struct {
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId"`
	ItemID    string          `json:"itemId"`
	Questions json.RawMessage `json:"questions"`
}

// HandleRequest processes one user-input request from the worker: persist
// a pending row with normalized questions, register the live id mapping,
// and return the fan-out payload augmented with the interaction id.
// Malformed question vectors still persist so the UI can render the
// request; only their options degrade to null.
func (c *Coordinator) HandleRequest(ctx context.Context, msg *bridge.Message) (json.RawMessage, error) {
	if !IsInteractionMethod(msg.Method) {
		return nil, fmt.Errorf("method %s is not a user-input request", msg.Method)
	}
	if !msg.HasID() {
		return nil, fmt.Errorf("user-input request %s carries no id", msg.Method)
	}

	interactionID := stringifyID(msg.ID)

	var p requestParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			log.Warn(log.CatInteraction, "interaction params not decodable", "method", msg.Method, "error", err)
		}
	}

	payload := normalizedPayload(msg.Params, interactionID, p.Questions)

	if err := c.store.UpsertInteractionRequest(ctx, store.Interaction{
		InteractionID:  interactionID,
		ThreadID:       p.ThreadID,
		TurnID:         p.TurnID,
		ItemID:         p.ItemID,
		Status:         store.InteractionPending,
		RequestPayload: string(payload),
		CreatedAt:      time.Now(),
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[interactionID] = pendingEntry{
		rpcID:      append(json.RawMessage(nil), msg.ID...),
		threadID:   p.ThreadID,
		turnID:     p.TurnID,
		generation: c.worker.Generation(),
	}
	c.mu.Unlock()

	c.audit(ctx, store.ActorGateway, "interaction.requested", p.ThreadID, p.TurnID, map[string]any{
		"interactionId": interactionID,
	})

	log.Info(log.CatInteraction, "user input requested",
		"interactionId", interactionID, "threadId", p.ThreadID, "turnId", p.TurnID)

	return payload, nil
}

// Respond validates a user's answers, forwards them to the worker, and
// marks the interaction responded. The store transition is the idempotence
// gate, so a concurrent second response gets ErrNotPending and the worker
// hears exactly one answer.
func (c *Coordinator) Respond(ctx context.Context, threadID, interactionID string, answers map[string]AnswerSet) error {
	if err := validateAnswers(answers); err != nil {
		return err
	}

	row, err := c.store.GetInteractionByID(ctx, interactionID)
	if err != nil {
		return err
	}
	if row.ThreadID != threadID {
		return fmt.Errorf("interaction %s: %w", interactionID, store.ErrNotFound)
	}
	if row.Status != store.InteractionPending {
		return fmt.Errorf("interaction %s: %w", interactionID, store.ErrNotPending)
	}

	c.mu.Lock()
	entry, live := c.pending[interactionID]
	c.mu.Unlock()
	if !live || entry.generation != c.worker.Generation() {
		return fmt.Errorf("interaction %s: %w", interactionID, ErrNoLiveMapping)
	}

	response := map[string]any{"answers": answers}
	responseBody, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encoding answers: %w", err)
	}

	if err := c.store.RespondInteractionRequest(ctx, interactionID, string(responseBody), time.Now()); err != nil {
		return err
	}

	if err := c.worker.Respond(entry.rpcID, response); err != nil {
		log.Warn(log.CatInteraction, "interaction respond failed", "interactionId", interactionID, "error", err)
	}

	c.mu.Lock()
	delete(c.pending, interactionID)
	c.mu.Unlock()

	c.audit(ctx, store.ActorUser, "interaction.responded", row.ThreadID, row.TurnID, map[string]any{
		"interactionId": interactionID,
		"questions":     len(answers),
	})
	c.publish(ctx, row.ThreadID, row.TurnID, "interaction/responded", map[string]any{
		"interactionId": interactionID,
	})

	log.Info(log.CatInteraction, "interaction responded",
		"interactionId", interactionID, "threadId", row.ThreadID)
	return nil
}

// CancelForTurn cancels every interaction still pending when its turn
// finishes. The worker ended the turn itself, so no response is owed.
func (c *Coordinator) CancelForTurn(ctx context.Context, threadID, turnID, reason string) error {
	cancelled, err := c.store.CancelPendingInteractionsForTurn(ctx, threadID, turnID, reason, time.Now())
	if err != nil {
		return fmt.Errorf("cancelling interactions for turn %s: %w", turnID, err)
	}
	c.finishCancelled(ctx, cancelled, reason)
	return nil
}

// ReconcileStartup cancels every interaction left pending by a previous
// gateway process.
func (c *Coordinator) ReconcileStartup(ctx context.Context) error {
	cancelled, err := c.store.CancelAllPendingInteractions(ctx, ReasonGatewayRestarted, time.Now())
	if err != nil {
		return fmt.Errorf("reconciling interactions: %w", err)
	}
	c.finishCancelled(ctx, cancelled, ReasonGatewayRestarted)
	if len(cancelled) > 0 {
		log.Info(log.CatInteraction, "cancelled stale interactions", "count", len(cancelled))
	}
	return nil
}

func (c *Coordinator) finishCancelled(ctx context.Context, cancelled []store.Interaction, reason string) {
	for _, in := range cancelled {
		c.mu.Lock()
		delete(c.pending, in.InteractionID)
		c.mu.Unlock()

		c.audit(ctx, store.ActorGateway, "interaction.cancelled", in.ThreadID, in.TurnID, map[string]any{
			"interactionId": in.InteractionID,
			"reason":        reason,
		})
		c.publish(ctx, in.ThreadID, in.TurnID, "interaction/cancelled", map[string]any{
			"interactionId": in.InteractionID,
			"reason":        reason,
		})
	}
}

func (c *Coordinator) publish(ctx context.Context, threadID, turnID, name string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := c.bus.Append(ctx, events.GatewayEvent{
		ThreadID: threadID,
		TurnID:   turnID,
		Kind:     events.KindInteraction,
		Name:     name,
		Payload:  body,
	}); err != nil {
		log.Error(log.CatInteraction, "interaction event failed", "name", name, "error", err)
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
		log.Error(log.CatInteraction, "audit write failed", "action", action, "error", err)
	}
}

// validateAnswers enforces the response contract: a non-empty answers
// object where every answer list still has content after trimming.
func validateAnswers(answers map[string]AnswerSet) error {
	if len(answers) == 0 {
		return fmt.Errorf("answers object is empty: %w", ErrInvalidAnswers)
	}
	for questionID, set := range answers {
		nonBlank := 0
		for _, a := range set.Answers {
			if strings.TrimSpace(a) != "" {
				nonBlank++
			}
		}
		if nonBlank == 0 {
			return fmt.Errorf("question %s has no non-blank answers: %w", questionID, ErrInvalidAnswers)
		}
	}
	return nil
}

// normalizedPayload rebuilds the request params with questions in their
// normalized form and the interaction id attached. Undecodable params pass
// through with only the id attached.
func normalizedPayload(params json.RawMessage, interactionID string, rawQuestions json.RawMessage) json.RawMessage {
	m := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			m = map[string]any{}
		}
	}
	m["interactionId"] = interactionID
	if questions := NormalizeQuestions(rawQuestions); questions != nil {
		m["questions"] = questions
	}
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}

// NormalizeQuestions decodes a raw questions vector into the renderable
// form. Entries that are not objects are dropped; option vectors with only
// malformed entries normalize to null.
func NormalizeQuestions(raw json.RawMessage) []Question {
	if len(raw) == 0 {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	questions := make([]Question, 0, len(entries))
	for _, entry := range entries {
		var probe struct {
			ID       string            `json:"id"`
			Header   string            `json:"header"`
			Question string            `json:"question"`
			IsOther  bool              `json:"isOther"`
			IsSecret bool              `json:"isSecret"`
			Options  []json.RawMessage `json:"options"`
		}
		if err := json.Unmarshal(entry, &probe); err != nil {
			continue
		}
		questions = append(questions, Question{
			ID:       probe.ID,
			Header:   probe.Header,
			Question: probe.Question,
			IsOther:  probe.IsOther,
			IsSecret: probe.IsSecret,
			Options:  normalizeOptions(probe.Options),
		})
	}
	if len(questions) == 0 {
		return nil
	}
	return questions
}

func normalizeOptions(raw []json.RawMessage) []Option {
	if len(raw) == 0 {
		return nil
	}
	options := make([]Option, 0, len(raw))
	for _, entry := range raw {
		var opt Option
		if err := json.Unmarshal(entry, &opt); err != nil {
			continue
		}
		if opt.Label == "" && opt.Value == "" {
			continue
		}
		options = append(options, opt)
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

// stringifyID renders a JSON-RPC id the way the browser sees interaction
// ids: numbers as decimal text, strings without quotes.
func stringifyID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
