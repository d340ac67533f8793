package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Call records one request the code under test sent to the worker.
type Call struct {
	Method string
	Params json.RawMessage
}

// Response records one reply forwarded to a server-initiated request.
type Response struct {
	ID     string
	Result string
}

type reply struct {
	result json.RawMessage
	err    error
}

// Worker is a scripted in-memory stand-in for the app-server bridge. It
// satisfies both request directions: gateway-initiated calls go through
// Request, and replies to server-initiated requests land in Respond.
// Queued one-shot replies are consumed before the standing stub;
// unscripted methods answer {}.
type Worker struct {
	mu         sync.Mutex
	generation uint64
	calls      []Call
	stubs      map[string]reply
	queues     map[string][]reply
	responses  []Response
}

// NewWorker returns a Worker on generation 1 with nothing scripted.
func NewWorker() *Worker {
	return &Worker{
		generation: 1,
		stubs:      make(map[string]reply),
		queues:     make(map[string][]reply),
	}
}

func (w *Worker) Request(_ context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, Call{Method: method, Params: raw})

	if q := w.queues[method]; len(q) > 0 {
		r := q[0]
		w.queues[method] = q[1:]
		return r.result, r.err
	}
	if r, ok := w.stubs[method]; ok {
		return r.result, r.err
	}
	return json.RawMessage(`{}`), nil
}

func (w *Worker) Respond(id json.RawMessage, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, Response{ID: string(id), Result: string(body)})
	return nil
}

func (w *Worker) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// SetGeneration simulates a worker restart bumping the process generation.
func (w *Worker) SetGeneration(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation = gen
}

// Stub sets the standing reply for method.
func (w *Worker) Stub(method, result string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stubs[method] = reply{result: json.RawMessage(result)}
}

// StubErr makes every call to method fail with err.
func (w *Worker) StubErr(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stubs[method] = reply{err: err}
}

// Queue appends a one-shot reply for method.
func (w *Worker) Queue(method, result string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues[method] = append(w.queues[method], reply{result: json.RawMessage(result)})
}

// QueueErr appends a one-shot failure for method.
func (w *Worker) QueueErr(method string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues[method] = append(w.queues[method], reply{err: err})
}

// Methods returns the method of every recorded Request in call order.
func (w *Worker) Methods() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.calls))
	for i, c := range w.calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how many times method was requested.
func (w *Worker) CallCount(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastParams decodes the params of the most recent call to method, failing
// the test if method was never requested.
func (w *Worker) LastParams(t *testing.T, method string) map[string]any {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.calls) - 1; i >= 0; i-- {
		if w.calls[i].Method != method {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(w.calls[i].Params, &m))
		return m
	}
	t.Fatalf("no %s call recorded", method)
	return nil
}

// Responses returns a copy of every reply recorded by Respond.
func (w *Worker) Responses() []Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Response(nil), w.responses...)
}
