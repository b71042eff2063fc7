package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/asyncop-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the broker connection and re-dials it when the broker
// drops it
type ConnectionManager struct {
	url             string
	logger          *slog.Logger
	reconnectPolicy reliability.RetryPolicy
	dialTimeout     time.Duration
	heartbeat       time.Duration

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool
	done   chan struct{}

	hooksMu     sync.Mutex
	onReconnect []func()
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectPolicy sets the policy deciding reconnect delays and when to give up
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectPolicy = policy
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates an unconnected manager for url
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		logger:          slog.Default(),
		reconnectPolicy: reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 30),
		dialTimeout:     30 * time.Second,
		heartbeat:       10 * time.Second,
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker unless a live connection already exists
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := cm.dial()
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Attempts: 1}
	}

	cm.conn = conn
	go cm.watch(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

func (cm *ConnectionManager) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(cm.url, amqp.Config{
		Heartbeat: cm.heartbeat,
		Dial:      amqp.DefaultDial(cm.dialTimeout),
		Properties: amqp.Table{
			"connection_name": "asyncop",
		},
	})
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection exists
func (cm *ConnectionManager) IsConnected() bool {
	_, err := cm.Connection()
	return err == nil
}

// OnReconnect registers fn to run after every successful reconnect. Server-named
// and exclusive resources die with the old connection, so owners redeclare them
// here.
func (cm *ConnectionManager) OnReconnect(fn func()) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.onReconnect = append(cm.onReconnect, fn)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// watch waits for conn to drop and starts reconnecting
func (cm *ConnectionManager) watch(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notify:
		select {
		case <-cm.done:
			return
		default:
		}

		cm.logger.Warn("connection to RabbitMQ lost", "error", err)

		cm.mu.Lock()
		if cm.conn == conn {
			cm.conn = nil
		}
		cm.mu.Unlock()

		cm.reconnect()

	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		conn, err := cm.dial()
		if err == nil {
			cm.mu.Lock()
			if cm.closed {
				cm.mu.Unlock()
				conn.Close()
				return
			}
			cm.conn = conn
			cm.mu.Unlock()

			go cm.watch(conn)

			cm.logger.Info("reconnected to RabbitMQ",
				"attempts", attempt+1,
				"duration", time.Since(start),
			)
			cm.runReconnectHooks()
			return
		}

		retry, delay := cm.reconnectPolicy.ShouldRetry(attempt, err)
		if !retry {
			cm.logger.Error("giving up reconnecting to RabbitMQ",
				"error", &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: err, Attempts: attempt + 1},
			)
			return
		}

		cm.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err, "nextRetryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.done:
			timer.Stop()
			return
		}
	}
}

func (cm *ConnectionManager) runReconnectHooks() {
	cm.hooksMu.Lock()
	hooks := append([]func(){}, cm.onReconnect...)
	cm.hooksMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}
