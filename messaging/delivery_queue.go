package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/asyncop-go/contracts"
)

// DeliveryQueue decouples receiving events from running handlers. Push never
// blocks; one goroutine dispatches queued envelopes through the router in FIFO
// order. Handlers may therefore Listen on the same bus without waiting on the
// goroutine that receives from the transport.
type DeliveryQueue struct {
	router *Router
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*contracts.Envelope
	closed bool
	done   chan struct{}
}

// NewDeliveryQueue starts a dispatcher for router
func NewDeliveryQueue(router *Router, logger *slog.Logger) *DeliveryQueue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &DeliveryQueue{
		router: router,
		logger: logger,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()

	return q
}

// Push queues env. It returns false once the queue is closed.
func (q *DeliveryQueue) Push(env *contracts.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.queue = append(q.queue, env)
	q.cond.Signal()
	return true
}

// Len returns the number of envelopes waiting for dispatch
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close stops accepting envelopes, dispatches what is queued and waits for the
// dispatcher to exit. It must not be called from inside a handler.
func (q *DeliveryQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	<-q.done
}

func (q *DeliveryQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		env := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		if q.router.Dispatch(context.Background(), env) == 0 {
			q.logger.Debug("dropped event without listeners", "topic", env.Topic)
		}
	}
}
