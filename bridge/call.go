package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/messaging"
)

// State is the lifecycle state of a call
type State int32

const (
	// StatePendingSubscribe means listeners are being registered
	StatePendingSubscribe State = iota
	// StateAwaitingOutcome means the operation has been issued
	StateAwaitingOutcome
	// StateSettled means the outcome is known and listeners are gone
	StateSettled
)

func (s State) String() string {
	switch s {
	case StatePendingSubscribe:
		return "pending-subscribe"
	case StateAwaitingOutcome:
		return "awaiting-outcome"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is the result of a successfully settled call
type Outcome[R any] struct {
	Value     R
	Cancelled bool
}

// Call is a pending or settled invocation
type Call[R any] struct {
	channel     string
	bus         messaging.EventBus
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	emitTimeout time.Duration
	started     time.Time

	// mu serialises progress delivery with settlement and guards unlisteners
	mu          sync.Mutex
	state       atomic.Int32
	unlisteners []messaging.Unlisten

	done    chan struct{}
	outcome Outcome[R]
	err     error

	cancelOnce sync.Once
}

func newCall[R any](b *Bridge, channel string) *Call[R] {
	return &Call[R]{
		channel:     channel,
		bus:         b.bus,
		logger:      b.logger.With("channel", channel),
		metrics:     b.metrics,
		emitTimeout: b.emitTimeout,
		started:     time.Now(),
		done:        make(chan struct{}),
	}
}

// Channel returns the channel id the call listens on
func (c *Call[R]) Channel() string {
	return c.channel
}

// State returns the current lifecycle state
func (c *Call[R]) State() State {
	return State(c.state.Load())
}

// Done is closed once the call has settled
func (c *Call[R]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done. A remote failure is
// returned as a *RemoteError. When ctx ends first the call keeps running and
// ctx.Err() is returned.
func (c *Call[R]) Wait(ctx context.Context) (Outcome[R], error) {
	select {
	case <-c.done:
		return c.outcome, c.err
	case <-ctx.Done():
		return Outcome[R]{}, ctx.Err()
	}
}

// Cancel asks the remote side to stop. At most one request is sent per call and
// none once the call has settled. The call settles only when the remote side
// reports an outcome.
func (c *Call[R]) Cancel() {
	select {
	case <-c.done:
		return
	default:
	}

	c.cancelOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.emitTimeout)
		defer cancel()

		if err := c.bus.Emit(ctx, contracts.CancelTopic(c.channel), nil); err != nil {
			c.logger.Warn("failed to send cancel request", "error", err)
			return
		}
		c.logger.Debug("cancel requested")
	})
}

func (c *Call[R]) track(unlisten messaging.Unlisten) {
	c.mu.Lock()
	if c.State() == StateSettled {
		c.mu.Unlock()
		c.release([]messaging.Unlisten{unlisten})
		return
	}
	c.unlisteners = append(c.unlisteners, unlisten)
	c.mu.Unlock()
}

func (c *Call[R]) begin() {
	if c.state.CompareAndSwap(int32(StatePendingSubscribe), int32(StateAwaitingOutcome)) {
		c.metrics.RecordCallStarted()
	}
}

func (c *Call[R]) deliverProgress(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateSettled {
		c.logger.Debug("dropping progress for settled call")
		return
	}
	fn()
	c.metrics.RecordProgress()
}

func (c *Call[R]) handleFinished(env *contracts.Envelope) error {
	var finished contracts.Finished
	if err := env.Decode(&finished); err != nil {
		c.settle(Outcome[R]{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err), messaging.OutcomeFailed)
		return err
	}

	switch finished.Type {
	case contracts.FinishedSuccess:
		if finished.IsCancelled() {
			c.settle(Outcome[R]{Cancelled: true}, nil, messaging.OutcomeCancelled)
			return nil
		}
		var value R
		if err := contracts.DecodeValue(finished.Value, &value); err != nil {
			c.settle(Outcome[R]{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err), messaging.OutcomeFailed)
			return err
		}
		c.settle(Outcome[R]{Value: value}, nil, messaging.OutcomeSuccess)
	case contracts.FinishedFailed:
		c.settle(Outcome[R]{}, &RemoteError{Value: finished.Value}, messaging.OutcomeFailed)
	default:
		err := fmt.Errorf("%w: unknown finished type %q", ErrMalformedEvent, finished.Type)
		c.settle(Outcome[R]{}, err, messaging.OutcomeFailed)
		return err
	}
	return nil
}

// settle records the outcome once, removing listeners before waiters are released
func (c *Call[R]) settle(outcome Outcome[R], err error, label string) bool {
	c.mu.Lock()
	if c.State() == StateSettled {
		c.mu.Unlock()
		c.logger.Debug("ignoring terminal event for settled call", "outcome", label)
		return false
	}
	c.state.Store(int32(StateSettled))
	unlisteners := c.unlisteners
	c.unlisteners = nil
	c.mu.Unlock()

	c.release(unlisteners)

	c.outcome = outcome
	c.err = err
	close(c.done)

	c.metrics.RecordCallSettled(label, time.Since(c.started))
	c.logger.Debug("call settled", "outcome", label)
	return true
}

// abort tears a call down before it was handed to the caller
func (c *Call[R]) abort() {
	c.mu.Lock()
	if c.State() == StateSettled {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(StateSettled))
	unlisteners := c.unlisteners
	c.unlisteners = nil
	c.mu.Unlock()

	c.release(unlisteners)
	close(c.done)
}

func (c *Call[R]) release(unlisteners []messaging.Unlisten) {
	for _, unlisten := range unlisteners {
		if err := unlisten(); err != nil {
			c.logger.Warn("failed to remove listener", "error", err)
		}
	}
}
