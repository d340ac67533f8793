// Package api exposes the gateway over HTTP: REST for thread and turn
// operations, SSE for the per-thread event stream, and a WebSocket for
// terminal sessions. It maps typed domain errors to status codes and
// never forwards raw worker internals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/pont/internal/approval"
	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/eventbus"
	"github.com/zjrosen/pont/internal/interaction"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/rollout"
	"github.com/zjrosen/pont/internal/store"
	"github.com/zjrosen/pont/internal/turns"
)

const defaultTimelineLimit = 200

// ThreadService is the slice of the turn controller the HTTP surface
// calls for thread, turn, model and review operations.
type ThreadService interface {
	CreateThread(ctx context.Context, req turns.CreateThreadRequest) (turns.CreatedThread, error)
	GetThread(ctx context.Context, threadID string, includeTurns bool) (turns.ThreadDetail, error)
	ListThreads(ctx context.Context, req turns.ListThreadsRequest) (turns.ThreadList, error)
	StartTurn(ctx context.Context, threadID string, req turns.TurnStartRequest) (turns.TurnStartResult, error)
	Control(ctx context.Context, threadID, action string) (turns.ControlResult, error)
	StartReview(ctx context.Context, threadID string, req turns.ReviewRequest) (json.RawMessage, error)
	ListModels(ctx context.Context, includeHidden bool) ([]turns.Model, error)
	RateLimits(ctx context.Context) (json.RawMessage, error)
}

// ApprovalService decides pending approval requests.
type ApprovalService interface {
	Decide(ctx context.Context, threadID, approvalID, decision, note string) error
}

// InteractionService answers pending user-input requests.
type InteractionService interface {
	Respond(ctx context.Context, threadID, interactionID string, answers map[string]interaction.AnswerSet) error
}

// WorkerInfo reports bridge health for the health endpoint.
type WorkerInfo interface {
	Status() bridge.Status
	ErrorMessage() string
}

// ContextResolver answers a thread's resolved working directory.
type ContextResolver interface {
	Resolve(ctx context.Context, threadID string) (rollout.ThreadContext, error)
}

// TerminalHandler owns upgraded terminal WebSocket connections.
type TerminalHandler interface {
	HandleClient(conn *websocket.Conn)
}

// Handler provides the HTTP endpoints of the gateway.
type Handler struct {
	threads      ThreadService
	approvals    ApprovalService
	interactions InteractionService
	store        *store.Store
	bus          *eventbus.Bus
	resolver     ContextResolver
	index        *rollout.Index
	terminal     TerminalHandler
	worker       WorkerInfo

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	// Threads drives thread/turn operations (required).
	Threads ThreadService
	// Approvals decides approval requests (required for the decide route).
	Approvals ApprovalService
	// Interactions answers user-input requests (required for respond).
	Interactions InteractionService
	// Store serves the pending approval/interaction projections (required).
	Store *store.Store
	// Bus streams gateway events over SSE (required).
	Bus *eventbus.Bus
	// Resolver answers the context endpoint (required).
	Resolver ContextResolver
	// Index maps thread ids to rollout files for the timeline endpoint.
	Index *rollout.Index
	// Terminal handles upgraded terminal sockets (required for /terminal/ws).
	Terminal TerminalHandler
	// Worker reports bridge status on /health (optional).
	Worker WorkerInfo
	// AllowedOrigins is the CORS and WebSocket origin allowlist. Requests
	// without an Origin header always pass.
	AllowedOrigins []string
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		threads:        cfg.Threads,
		approvals:      cfg.Approvals,
		interactions:   cfg.Interactions,
		store:          cfg.Store,
		bus:            cfg.Bus,
		resolver:       cfg.Resolver,
		index:          cfg.Index,
		terminal:       cfg.Terminal,
		worker:         cfg.Worker,
		allowedOrigins: cfg.AllowedOrigins,
		// The origin policy is enforced after the upgrade so browsers see a
		// 1008 close instead of a bare 403.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Routes returns the full route table wrapped in the CORS middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /api/models", h.ListModels)
	mux.HandleFunc("GET /api/account/rate-limits", h.GetRateLimits)

	mux.HandleFunc("GET /api/threads", h.ListThreads)
	mux.HandleFunc("POST /api/threads", h.CreateThread)
	mux.HandleFunc("GET /api/threads/{id}", h.GetThread)
	mux.HandleFunc("GET /api/threads/{id}/context", h.GetContext)
	mux.HandleFunc("GET /api/threads/{id}/timeline", h.GetTimeline)

	mux.HandleFunc("POST /api/threads/{id}/turns", h.StartTurn)
	mux.HandleFunc("POST /api/threads/{id}/review", h.StartReview)
	mux.HandleFunc("POST /api/threads/{id}/control", h.Control)

	mux.HandleFunc("GET /api/threads/{id}/approvals/pending", h.ListPendingApprovals)
	mux.HandleFunc("POST /api/threads/{id}/approvals/{approvalID}", h.DecideApproval)
	mux.HandleFunc("GET /api/threads/{id}/interactions/pending", h.ListPendingInteractions)
	mux.HandleFunc("POST /api/threads/{id}/interactions/{interactionID}/respond", h.RespondInteraction)

	mux.HandleFunc("GET /api/threads/{id}/events", h.StreamThreadEvents)
	mux.HandleFunc("GET /api/terminal/ws", h.TerminalWS)

	return h.cors(mux)
}

// === Request/Response Types ===

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse reports gateway and bridge health.
type HealthResponse struct {
	Status string       `json:"status"`
	Bridge BridgeHealth `json:"bridge"`
}

// BridgeHealth is the worker bridge slice of the health report.
type BridgeHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ModelsResponse lists the worker's models.
type ModelsResponse struct {
	Models []turns.Model `json:"models"`
}

// RateLimitsError is the 200-with-error fallback body for rate limits.
type RateLimitsError struct {
	Error string `json:"error"`
}

// ContextResponse is the resolved working directory of a thread.
type ContextResponse struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd"`
	Source   string `json:"source"`
}

// TimelineResponse is the parsed session history of a thread.
type TimelineResponse struct {
	ThreadID string                 `json:"threadId"`
	Items    []rollout.TimelineItem `json:"items"`
}

// ControlRequest selects a control action: stop, retry or cancel.
type ControlRequest struct {
	Action string `json:"action"`
}

// DecisionRequest carries an approval decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// RespondRequest carries interaction answers keyed by question id.
type RespondRequest struct {
	Answers map[string]interaction.AnswerSet `json:"answers"`
}

// OKResponse acknowledges a state-changing request.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ApprovalView is one pending approval row.
type ApprovalView struct {
	ApprovalID string          `json:"approvalId"`
	ThreadID   string          `json:"threadId"`
	TurnID     string          `json:"turnId,omitempty"`
	ItemID     string          `json:"itemId,omitempty"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Request    json.RawMessage `json:"request"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PendingApprovalsResponse lists a thread's pending approvals.
type PendingApprovalsResponse struct {
	Approvals []ApprovalView `json:"approvals"`
}

// InteractionView is one pending user-input row.
type InteractionView struct {
	InteractionID string          `json:"interactionId"`
	ThreadID      string          `json:"threadId"`
	TurnID        string          `json:"turnId,omitempty"`
	ItemID        string          `json:"itemId,omitempty"`
	Status        string          `json:"status"`
	Request       json.RawMessage `json:"request"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// PendingInteractionsResponse lists a thread's pending user-input requests.
type PendingInteractionsResponse struct {
	Interactions []InteractionView `json:"interactions"`
}

// === Handlers ===

// Health reports bridge status. Always 200; a worker that is not fully
// initialized degrades the gateway instead of failing it.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	bridgeStatus := bridge.StatusDisconnected
	errMsg := ""
	if h.worker != nil {
		bridgeStatus = h.worker.Status()
		errMsg = h.worker.ErrorMessage()
	}

	status := "ok"
	if bridgeStatus != bridge.StatusInitialized {
		status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status: status,
		Bridge: BridgeHealth{Status: string(bridgeStatus), Error: errMsg},
	})
}

// ListModels returns the worker's model catalog.
// GET /api/models?includeHidden=bool
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	includeHidden := false
	if raw := r.URL.Query().Get("includeHidden"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "includeHidden must be a boolean", "")
			return
		}
		includeHidden = parsed
	}

	models, err := h.threads.ListModels(r.Context(), includeHidden)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if models == nil {
		models = []turns.Model{}
	}
	h.writeJSON(w, http.StatusOK, ModelsResponse{Models: models})
}

// GetRateLimits proxies the worker's rate-limit snapshot. Failures come
// back 200 with an error body; the UI treats limits as advisory.
// GET /api/account/rate-limits
func (h *Handler) GetRateLimits(w http.ResponseWriter, r *http.Request) {
	raw, err := h.threads.RateLimits(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusOK, RateLimitsError{Error: err.Error()})
		return
	}
	h.writeRawJSON(w, http.StatusOK, raw)
}

// ListThreads lists threads with in-memory filters and offset paging.
// GET /api/threads?q&status&archived&cursor&limit
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := turns.ListThreadsRequest{
		Query:  q.Get("q"),
		Status: q.Get("status"),
		Cursor: q.Get("cursor"),
	}
	if raw := q.Get("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "archived must be a boolean", "")
			return
		}
		req.Archived = &archived
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer", "")
			return
		}
		req.Limit = limit
	}

	list, err := h.threads.ListThreads(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// CreateThread starts a new thread or forks an existing one.
// POST /api/threads
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req turns.CreateThreadRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	created, err := h.threads.CreateThread(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, created)
}

// GetThread reads one thread, degrading to the projection when the
// worker cannot serve it.
// GET /api/threads/{id}?includeTurns=bool
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	includeTurns := false
	if raw := r.URL.Query().Get("includeTurns"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "includeTurns must be a boolean", "")
			return
		}
		includeTurns = parsed
	}

	detail, err := h.threads.GetThread(r.Context(), threadID, includeTurns)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// GetContext returns the thread's resolved working directory.
// GET /api/threads/{id}/context
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	tc, err := h.resolver.Resolve(r.Context(), threadID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ContextResponse{
		ThreadID: threadID,
		Cwd:      tc.Cwd,
		Source:   tc.Source,
	})
}

// GetTimeline parses the thread's rollout file into renderable items.
// Threads without a rollout yield an empty timeline, not an error.
// GET /api/threads/{id}/timeline?limit
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	limit := defaultTimelineLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer", "")
			return
		}
		limit = parsed
	}

	path, ok := h.index.Lookup(threadID)
	if !ok {
		// Rollout files appear as the worker runs; rescan once before
		// giving up.
		if err := h.index.Refresh(); err != nil {
			log.Warn(log.CatHTTP, "session index refresh failed", "error", err)
		}
		path, ok = h.index.Lookup(threadID)
	}
	if !ok {
		h.writeJSON(w, http.StatusOK, TimelineResponse{ThreadID: threadID, Items: []rollout.TimelineItem{}})
		return
	}

	items, err := rollout.ReadTimeline(path, threadID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "timeline_failed", "Failed to read session file", err.Error())
		return
	}
	if items == nil {
		items = []rollout.TimelineItem{}
	}
	h.writeJSON(w, http.StatusOK, TimelineResponse{ThreadID: threadID, Items: items})
}

// StartTurn runs the turn start pipeline.
// POST /api/threads/{id}/turns
func (h *Handler) StartTurn(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req turns.TurnStartRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.threads.StartTurn(r.Context(), threadID, req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// StartReview asks the worker to review changes; the worker's result is
// forwarded as-is.
// POST /api/threads/{id}/review
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req turns.ReviewRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	raw, err := h.threads.StartReview(r.Context(), threadID, req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeRawJSON(w, http.StatusOK, raw)
}

// Control stops, retries or cancels the thread's active turn.
// POST /api/threads/{id}/control
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req ControlRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.threads.Control(r.Context(), threadID, req.Action)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListPendingApprovals lists the thread's undecided approval requests.
// GET /api/threads/{id}/approvals/pending
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	rows, err := h.store.ListPendingApprovalsByThread(r.Context(), threadID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := PendingApprovalsResponse{Approvals: make([]ApprovalView, 0, len(rows))}
	for _, a := range rows {
		resp.Approvals = append(resp.Approvals, ApprovalView{
			ApprovalID: a.ApprovalID,
			ThreadID:   a.ThreadID,
			TurnID:     a.TurnID,
			ItemID:     a.ItemID,
			Type:       string(a.Type),
			Status:     string(a.Status),
			Request:    json.RawMessage(a.RequestPayload),
			CreatedAt:  a.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DecideApproval applies an allow/deny/cancel decision.
// POST /api/threads/{id}/approvals/{approvalID}
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	approvalID := r.PathValue("approvalID")

	var req DecisionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if err := h.approvals.Decide(r.Context(), threadID, approvalID, req.Decision, req.Note); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// ListPendingInteractions lists the thread's unanswered user-input
// requests.
// GET /api/threads/{id}/interactions/pending
func (h *Handler) ListPendingInteractions(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	rows, err := h.store.ListPendingInteractionsByThread(r.Context(), threadID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := PendingInteractionsResponse{Interactions: make([]InteractionView, 0, len(rows))}
	for _, in := range rows {
		resp.Interactions = append(resp.Interactions, InteractionView{
			InteractionID: in.InteractionID,
			ThreadID:      in.ThreadID,
			TurnID:        in.TurnID,
			ItemID:        in.ItemID,
			Status:        string(in.Status),
			Request:       json.RawMessage(in.RequestPayload),
			CreatedAt:     in.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RespondInteraction forwards the user's answers to the worker.
// POST /api/threads/{id}/interactions/{interactionID}/respond
func (h *Handler) RespondInteraction(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	interactionID := r.PathValue("interactionID")

	var req RespondRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if err := h.interactions.Respond(r.Context(), threadID, interactionID, req.Answers); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// === Helpers ===

// decodeBody decodes a JSON request body into v. An absent or empty body
// leaves v zero-valued; malformed JSON writes a 400 and returns false.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return false
	}
	return true
}

// writeDomainError maps typed domain errors onto HTTP statuses. Anything
// unrecognized is a 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case isValidationError(err):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, store.ErrNotPending), errors.Is(err, interaction.ErrNoLiveMapping):
		h.writeError(w, http.StatusConflict, "conflict", err.Error(), "")
	case errors.Is(err, bridge.ErrNotReady), errors.Is(err, bridge.ErrWorkerExited):
		h.writeError(w, http.StatusServiceUnavailable, "worker_unavailable", "app-server not ready", err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		h.writeError(w, http.StatusGatewayTimeout, "worker_timeout", "app-server request timed out", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Request failed", err.Error())
	}
}

// isValidationError reports whether err is a client mistake worth a 400.
func isValidationError(err error) bool {
	for _, target := range []error{
		turns.ErrEmptyInput,
		turns.ErrUnknownAction,
		turns.ErrUnknownThreadMode,
		turns.ErrNoLastTurn,
		turns.ErrInvalidPermissionMode,
		turns.ErrCollabModeResolution,
		turns.ErrMissingForkSource,
		approval.ErrUnknownDecision,
		interaction.ErrInvalidAnswers,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "response encode failed", "error", err)
	}
}

func (h *Handler) writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(raw); err != nil {
		log.Error(log.CatHTTP, "response write failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// originAllowed applies the shared CORS/WebSocket origin policy. Requests
// without an Origin header are non-browser clients and always pass.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// cors answers preflights and stamps allow headers for allowed origins.
// Disallowed origins get no CORS headers; the browser enforces the rest.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if origin != "" && h.originAllowed(r) {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
