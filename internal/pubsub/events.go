// Package pubsub provides a generic publish/subscribe broker used for
// in-process fan-out: bridge status changes, worker stderr lines, and
// per-thread gateway events.
package pubsub

import (
	"time"
)

// Event wraps a published payload with the time it was published.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}
