package tracing

// Span attribute keys for gateway tracing.
const (
	// HTTP attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPPath   = "http.path"
	AttrHTTPStatus = "http.status_code"

	// Worker RPC attributes
	AttrRPCMethod = "rpc.method"

	// Domain attributes
	AttrThreadID = "thread.id"
	AttrTurnID   = "turn.id"
)

// Span name prefixes.
const (
	SpanPrefixHTTP   = "http "
	SpanPrefixWorker = "worker.rpc."
)

// scopeName is the instrumentation scope for spans opened through the
// global provider rather than the Provider's own tracer.
const scopeName = "github.com/zjrosen/pont/internal/tracing"
