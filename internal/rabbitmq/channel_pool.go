package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on the managed connection
type ChannelPool struct {
	manager     *ConnectionManager
	idle        chan *amqp.Channel
	maxSize     int
	confirm     bool
	waitTimeout time.Duration

	mu     sync.Mutex
	open   int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithConfirmMode puts every channel in publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithWaitTimeout bounds how long Get waits when all channels are in use
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a pool on manager's connection
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is nil", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.idle = make(chan *amqp.Channel, pool.maxSize)

	return pool, nil
}

// Get returns an open channel, creating one while under the size limit
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, &ChannelError{Op: "get channel", Err: ErrChannelPoolClosed}
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.create()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.idle:
			timer.Stop()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", Err: ctx.Err()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns ch to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.Discard(ch)
		return
	}

	select {
	case cp.idle <- ch:
	default:
		cp.Discard(ch)
	}
}

// Discard closes ch and frees its slot
func (cp *ChannelPool) Discard(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		ch.Close()
	}
	cp.release()
}

// Execute runs fn on a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes idle channels. Channels in use are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			cp.Discard(ch)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.open >= cp.maxSize {
		return false
	}
	cp.open++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.open > 0 {
		cp.open--
	}
}

func (cp *ChannelPool) create() (*amqp.Channel, error) {
	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err}
	}

	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "enable confirms", Err: err}
		}
	}

	return ch, nil
}
