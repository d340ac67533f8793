// Package turns drives thread and turn lifecycle against the worker:
// create/fork/read/list with auto-resume, the turn start pipeline, control
// actions, and the dispatcher for server-initiated worker traffic.
package turns

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/cachemanager"
	"github.com/zjrosen/pont/internal/eventbus"
	"github.com/zjrosen/pont/internal/rollout"
	"github.com/zjrosen/pont/internal/store"
)

// Client errors the HTTP layer maps to 400.
var (
	ErrEmptyInput            = errors.New("turn input is empty")
	ErrUnknownAction         = errors.New("unknown control action")
	ErrUnknownThreadMode     = errors.New("unknown thread mode")
	ErrNoLastTurn            = errors.New("no previous turn to retry")
	ErrInvalidPermissionMode = errors.New("unknown permission mode")
	ErrCollabModeResolution  = errors.New("collaboration mode resolution failed")
)

// Worker is the slice of the bridge the controller calls into.
type Worker interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ApprovalCoordinator applies approval side-effects for dispatched worker
// messages and cancels leftovers when a turn ends.
type ApprovalCoordinator interface {
	HandleRequest(ctx context.Context, msg *bridge.Message) (json.RawMessage, error)
	CancelForTurn(ctx context.Context, threadID, turnID, reason string) error
}

// InteractionCoordinator is the user-input counterpart of
// ApprovalCoordinator.
type InteractionCoordinator interface {
	HandleRequest(ctx context.Context, msg *bridge.Message) (json.RawMessage, error)
	CancelForTurn(ctx context.Context, threadID, turnID, reason string) error
}

// ContextResolver answers which working directory a thread runs in.
type ContextResolver interface {
	Resolve(ctx context.Context, threadID string) (rollout.ThreadContext, error)
	Invalidate(ctx context.Context, threadID string)
}

// collaborationMode/list support is probed once and remembered.
const (
	collabSupportUnknown int32 = iota
	collabSupportYes
	collabSupportNo
)

// Controller owns thread/turn agency toward the worker plus the
// bookkeeping both directions share: the active turn per thread, the last
// turn input for retry, and per-thread resume serialization.
type Controller struct {
	worker       Worker
	store        *store.Store
	bus          *eventbus.Bus
	resolver     ContextResolver
	approvals    ApprovalCoordinator
	interactions InteractionCoordinator

	defaultModel string

	mu            sync.Mutex
	activeTurn    map[string]string
	lastTurnInput map[string]TurnStartRequest
	resumeMu      map[string]*sync.Mutex

	collabSupport atomic.Int32

	models     *cachemanager.ReadThroughCache[string, []Model, bool]
	rateLimits *cachemanager.ReadThroughCache[string, json.RawMessage, struct{}]
}

// New wires a controller. Coordinators may be nil in reduced setups (the
// dispatcher then skips their side-effects).
func New(worker Worker, st *store.Store, bus *eventbus.Bus, resolver ContextResolver, approvals ApprovalCoordinator, interactions InteractionCoordinator) *Controller {
	c := &Controller{
		worker:        worker,
		store:         st,
		bus:           bus,
		resolver:      resolver,
		approvals:     approvals,
		interactions:  interactions,
		activeTurn:    make(map[string]string),
		lastTurnInput: make(map[string]TurnStartRequest),
		resumeMu:      make(map[string]*sync.Mutex),
	}
	c.models = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, []Model]("model-list", modelListTTL, cachemanager.DefaultCleanupInterval),
		c.fetchModels,
		false,
	)
	c.rateLimits = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, json.RawMessage]("rate-limits", rateLimitsTTL, cachemanager.DefaultCleanupInterval),
		c.fetchRateLimits,
		false,
	)
	return c
}

// SetDefaultModel sets the model sent with turn starts that name
// neither a model nor a collaboration preset carrying one.
func (c *Controller) SetDefaultModel(model string) {
	c.defaultModel = model
}

// ActiveTurn returns the in-flight turn for a thread, if any.
func (c *Controller) ActiveTurn(threadID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turnID, ok := c.activeTurn[threadID]
	return turnID, ok
}

func (c *Controller) setActiveTurn(threadID, turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTurn[threadID] = turnID
}

// clearActiveTurn drops the mapping only when the finished turn is the one
// tracked; a stale completion must not clobber a newer turn.
func (c *Controller) clearActiveTurn(threadID, turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.activeTurn[threadID]; ok && (turnID == "" || current == turnID) {
		delete(c.activeTurn, threadID)
	}
}

func (c *Controller) rememberTurnInput(threadID string, req TurnStartRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTurnInput[threadID] = req
}

func (c *Controller) lastInput(threadID string) (TurnStartRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.lastTurnInput[threadID]
	return req, ok
}

// resumeThread issues thread/resume, serialized per thread so concurrent
// recoveries do not storm the worker.
func (c *Controller) resumeThread(ctx context.Context, threadID string) error {
	mu := c.resumeLock(threadID)
	mu.Lock()
	defer mu.Unlock()
	_, err := c.worker.Request(ctx, "thread/resume", map[string]string{"threadId": threadID})
	return err
}

func (c *Controller) resumeLock(threadID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.resumeMu[threadID]
	if !ok {
		mu = &sync.Mutex{}
		c.resumeMu[threadID] = mu
	}
	return mu
}

// requestWithResume performs a worker request, recovering once from
// not-loaded/not-found by resuming the thread and retrying.
func (c *Controller) requestWithResume(ctx context.Context, threadID, method string, params any) (json.RawMessage, error) {
	res, err := c.worker.Request(ctx, method, params)
	if !needsResume(err) {
		return res, err
	}
	if resumeErr := c.resumeThread(ctx, threadID); resumeErr != nil {
		return nil, resumeErr
	}
	return c.worker.Request(ctx, method, params)
}
