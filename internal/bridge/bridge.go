package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/pubsub"
	"github.com/zjrosen/pont/internal/tracing"
)

// DefaultRequestTimeout bounds how long a request waits for the worker's
// response before failing.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrNotReady is returned when no worker is connected.
	ErrNotReady = errors.New("app-server not ready")

	// ErrTimeout is returned when the worker does not answer a request
	// within the configured timeout.
	ErrTimeout = errors.New("app-server request timed out")

	// ErrWorkerExited rejects requests that were in flight when the
	// worker process died.
	ErrWorkerExited = errors.New("app-server exited")
)

// Status is the bridge connection state.
type Status string

const (
	// StatusDisconnected means no worker process is attached.
	StatusDisconnected Status = "disconnected"
	// StatusConnected means the process is running but the handshake has
	// not completed.
	StatusConnected Status = "connected"
	// StatusInitialized means the initialize handshake succeeded.
	StatusInitialized Status = "initialized"
)

// StatusChange is published on every bridge status transition.
type StatusChange struct {
	Status       Status
	ErrorMessage string
	Generation   uint64
}

// Handler receives every inbound worker message that carries a method.
// Dispatch is synchronous and in arrival order; a slow handler delays
// subsequent messages.
type Handler func(msg *Message)

// Config controls how the worker child process is launched.
type Config struct {
	Command        string        // worker binary, defaults to "codex"
	Args           []string      // worker arguments, defaults to ["app-server"]
	Dir            string        // child working directory, empty inherits
	ClientName     string        // handshake clientInfo.name, defaults to "pont"
	ClientVersion  string        // handshake clientInfo.version, defaults to "dev"
	RequestTimeout time.Duration // per-request wait, defaults to DefaultRequestTimeout
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

// Bridge owns a single worker subprocess and multiplexes JSON-RPC traffic
// over its stdio. All methods are safe for concurrent use.
type Bridge struct {
	cfg Config

	mu         sync.Mutex
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	stdin      io.WriteCloser
	status     Status
	errorMsg   string
	generation uint64
	running    bool
	pending    map[string]chan *Message
	handler    Handler

	nextID atomic.Int64
	wg     sync.WaitGroup

	statusBroker *pubsub.Broker[StatusChange]
	stderrBroker *pubsub.Broker[string]
}

// New creates a bridge. Call Start to spawn the worker.
func New(cfg Config) *Bridge {
	return &Bridge{
		cfg:          cfg,
		status:       StatusDisconnected,
		pending:      make(map[string]chan *Message),
		statusBroker: pubsub.NewBroker[StatusChange](),
		stderrBroker: pubsub.NewBrokerWithBuffer[string](128),
	}
}

// SetHandler registers the single dispatcher for inbound method-bearing
// messages. Register before Start to avoid dropping early traffic.
func (b *Bridge) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// StatusChanges returns the broker publishing status transitions.
func (b *Bridge) StatusChanges() *pubsub.Broker[StatusChange] {
	return b.statusBroker
}

// StderrLines returns the broker publishing the worker's stderr, one line
// per event.
func (b *Bridge) StderrLines() *pubsub.Broker[string] {
	return b.stderrBroker
}

// Status returns the current connection status.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ErrorMessage returns the failure detail from the most recent downgrade to
// disconnected, or empty.
func (b *Bridge) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorMsg
}

// Generation returns the spawn counter. It increments on every successful
// Start, letting callers detect a worker restart across a request.
func (b *Bridge) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Start spawns the worker process and performs the initialize handshake.
// On success the bridge is in StatusInitialized. On failure the bridge is
// left disconnected with ErrorMessage set.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}

	command := b.cfg.Command
	if command == "" {
		command = "codex"
	}
	args := b.cfg.Args
	if args == nil {
		args = []string{"app-server"}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	// #nosec G204 -- command comes from gateway config, not request input
	cmd := exec.CommandContext(procCtx, command, args...)
	if b.cfg.Dir != "" {
		cmd.Dir = b.cfg.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		b.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		b.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		b.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	log.Info(log.CatBridge, "spawning app-server", "command", command, "args", strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		cancel()
		b.errorMsg = err.Error()
		b.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", command, err)
	}

	b.cmd = cmd
	b.cancel = cancel
	b.stdin = stdin
	b.running = true
	b.generation++
	gen := b.generation
	b.mu.Unlock()

	b.wg.Add(3)
	go b.readLoop(stdout)
	go b.stderrLoop(stderr)
	go b.waitForExit(cmd, gen)

	b.transition(StatusConnected, "")
	log.Info(log.CatBridge, "app-server started", "pid", cmd.Process.Pid, "generation", gen)

	if err := b.handshake(ctx); err != nil {
		b.transition(StatusDisconnected, err.Error())
		cancel()
		return err
	}

	b.transition(StatusInitialized, "")
	return nil
}

// handshake performs the initialize request / initialized notification
// exchange that the app-server requires before serving traffic.
func (b *Bridge) handshake(ctx context.Context) error {
	name := b.cfg.ClientName
	if name == "" {
		name = "pont"
	}
	version := b.cfg.ClientVersion
	if version == "" {
		version = "dev"
	}

	params := initializeParams{ClientInfo: clientInfo{Name: name, Version: version}}
	if _, err := b.Request(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := b.Notify("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Stop terminates the worker process and waits for the pump goroutines.
func (b *Bridge) Stop() {
	b.mu.Lock()
	stdin := b.stdin
	cancel := b.cancel
	b.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Request sends a JSON-RPC request and waits for the matching response.
// It assigns a fresh positive integer id. Fails with ErrNotReady when no
// worker is attached, ErrTimeout when no response arrives in time, and
// ErrWorkerExited when the worker dies mid-flight.
func (b *Bridge) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, end := tracing.WorkerRPC(ctx, method)
	result, err := b.request(ctx, method, params)
	end(err)
	return result, err
}

func (b *Bridge) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	if b.status == StatusDisconnected || b.stdin == nil {
		b.mu.Unlock()
		return nil, ErrNotReady
	}
	id := b.nextID.Add(1)
	key := "n:" + strconv.FormatInt(id, 10)
	ch := make(chan *Message, 1)
	b.pending[key] = ch
	b.mu.Unlock()

	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
	if err := b.send(req); err != nil {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		return nil, err
	}

	timeout := b.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrWorkerExited)
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		log.Warn(log.CatBridge, "request timed out", "method", method, "id", id)
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (b *Bridge) Notify(method string, params any) error {
	b.mu.Lock()
	ready := b.status != StatusDisconnected && b.stdin != nil
	b.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	return b.send(Request{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

// Respond answers a worker-initiated request by id.
func (b *Bridge) Respond(id json.RawMessage, result any) error {
	return b.send(Response{JSONRPC: JSONRPCVersion, ID: id, Result: result})
}

// RespondError answers a worker-initiated request with an error.
func (b *Bridge) RespondError(id json.RawMessage, rpcErr *RPCError) error {
	return b.send(Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr})
}

// send marshals one JSON object and writes it as a single line. The write
// is serialized so concurrent senders never interleave bytes.
func (b *Bridge) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stdin == nil {
		return ErrNotReady
	}
	data = append(data, '\n')
	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("write to app-server: %w", err)
	}
	return nil
}

// readLoop pumps the worker's stdout. Lines that fail JSON parse are
// dropped without affecting in-flight work.
func (b *Bridge) readLoop(stdout io.Reader) {
	defer b.wg.Done()

	scanner := bufio.NewScanner(stdout)
	// Increase buffer for large messages (64KB initial, 1MB max)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug(log.CatBridge, "dropping unparseable line", "error", err, "line", string(line))
			continue
		}

		if msg.Method != "" {
			b.dispatch(&msg)
			continue
		}
		if msg.IsResponse() {
			b.resolve(&msg)
			continue
		}
		log.Debug(log.CatBridge, "dropping message with neither method nor id")
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatBridge, "stdout scanner stopped", "error", err)
	}
}

// dispatch delivers a method-bearing message to the registered handler.
func (b *Bridge) dispatch(msg *Message) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()

	if handler == nil {
		log.Debug(log.CatBridge, "no handler registered, dropping message", "method", msg.Method)
		return
	}
	handler(msg)
}

// resolve matches a response to its pending request.
func (b *Bridge) resolve(msg *Message) {
	key := idKey(msg.ID)

	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		log.Debug(log.CatBridge, "response with no pending request", "id", string(msg.ID))
		return
	}
	ch <- msg
}

// stderrLoop pumps the worker's stderr to the log and the stderr broker.
func (b *Bridge) stderrLoop(stderr io.Reader) {
	defer b.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatBridge, "app-server stderr", "line", line)
		b.stderrBroker.Publish(line)
	}
}

// waitForExit reaps the child and downgrades the bridge. The generation
// check keeps a stale exit from clobbering a restarted worker.
func (b *Bridge) waitForExit(cmd *exec.Cmd, gen uint64) {
	defer b.wg.Done()

	err := cmd.Wait()

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.stdin = nil
	alreadyDown := b.status == StatusDisconnected
	if !alreadyDown {
		b.status = StatusDisconnected
		if err != nil {
			b.errorMsg = err.Error()
		} else {
			b.errorMsg = "app-server exited"
		}
	}
	errMsg := b.errorMsg
	b.failPendingLocked()
	b.mu.Unlock()

	log.Info(log.CatBridge, "app-server exited", "generation", gen, "error", errMsg)
	if !alreadyDown {
		b.statusBroker.Publish(StatusChange{Status: StatusDisconnected, ErrorMessage: errMsg, Generation: gen})
	}
}

// failPendingLocked rejects every in-flight request. Callers hold b.mu.
func (b *Bridge) failPendingLocked() {
	for key, ch := range b.pending {
		delete(b.pending, key)
		close(ch)
	}
}

// transition updates the status and publishes the change.
func (b *Bridge) transition(status Status, errMsg string) {
	b.mu.Lock()
	if b.status == status && b.errorMsg == errMsg {
		b.mu.Unlock()
		return
	}
	b.status = status
	b.errorMsg = errMsg
	gen := b.generation
	b.mu.Unlock()

	log.Info(log.CatBridge, "bridge status changed", "status", string(status), "error", errMsg)
	b.statusBroker.Publish(StatusChange{Status: status, ErrorMessage: errMsg, Generation: gen})
}
