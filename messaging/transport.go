package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/asyncop-go/contracts"
)

// ErrBusClosed is returned by operations on a closed bus
var ErrBusClosed = errors.New("messaging: bus is closed")

// EventHandler processes an event delivered on a topic
type EventHandler func(ctx context.Context, env *contracts.Envelope) error

// Unlisten removes a subscription created by Listen. Calling it more than once is
// a no-op.
type Unlisten func() error

// EventBus is a publish/subscribe transport keyed by topic
type EventBus interface {
	// Listen registers handler for topic. It returns once the subscription is
	// registered with the transport, so any event emitted afterwards is delivered.
	Listen(ctx context.Context, topic string, handler EventHandler) (Unlisten, error)

	// Emit publishes payload on topic without waiting for handlers to run
	Emit(ctx context.Context, topic string, payload any) error

	// Close releases the transport
	Close() error
}

// BusError represents a failed bus operation
type BusError struct {
	Op    string // Operation that failed (listen, unlisten, emit)
	Topic string // Topic involved
	Err   error  // Underlying error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("messaging: %s on %s failed: %v", e.Op, e.Topic, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}
