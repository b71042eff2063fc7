package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/interceptors"
	"github.com/glimte/asyncop-go/internal/reliability"
	"github.com/glimte/asyncop-go/messaging"
)

// AsyncFunc runs a long-running command. Its return value becomes the channel's
// terminal event.
type AsyncFunc func(c *Context, args json.RawMessage) (any, error)

// SyncFunc runs a command that answers within the invoking call
type SyncFunc func(ctx context.Context, args json.RawMessage) (any, error)

type handler struct {
	async AsyncFunc
	sync  SyncFunc
}

// Server hosts commands and publishes their progress and outcome on the bus
type Server struct {
	bus             messaging.EventBus
	logger          *slog.Logger
	metrics         messaging.MetricsCollector
	retryPolicy     reliability.RetryPolicy
	emitTimeout     time.Duration
	cancelledSignal bool
	chain           *interceptors.Chain

	mu       sync.RWMutex
	handlers map[string]handler
	running  map[string]*Context
	serving  messaging.Unlisten
	closed   bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Logger          *slog.Logger
	Metrics         messaging.MetricsCollector
	RetryPolicy     reliability.RetryPolicy
	EmitTimeout     time.Duration
	CancelledSignal bool
	Interceptors    *interceptors.Chain
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ServerOption {
	return func(c *ServerConfig) {
		c.Metrics = metrics
	}
}

// WithEmitRetry sets the retry policy for progress and terminal events
func WithEmitRetry(policy reliability.RetryPolicy) ServerOption {
	return func(c *ServerConfig) {
		c.RetryPolicy = policy
	}
}

// WithEmitTimeout bounds the time spent publishing a single event, retries included
func WithEmitTimeout(timeout time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.EmitTimeout = timeout
	}
}

// WithCancelledSignal reports honoured cancellations with an empty event on the
// cancelled topic instead of a "cancelled" success value
func WithCancelledSignal(enabled bool) ServerOption {
	return func(c *ServerConfig) {
		c.CancelledSignal = enabled
	}
}

// WithInterceptors runs every command through chain
func WithInterceptors(chain *interceptors.Chain) ServerOption {
	return func(c *ServerConfig) {
		c.Interceptors = chain
	}
}

// NewServer creates a command server publishing on bus
func NewServer(bus messaging.EventBus, opts ...ServerOption) (*Server, error) {
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}

	config := &ServerConfig{
		Logger:      slog.Default(),
		Metrics:     &messaging.NoOpMetricsCollector{},
		RetryPolicy: reliability.DefaultEmitPolicy(),
		EmitTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		bus:             bus,
		logger:          config.Logger.With("component", "commands"),
		metrics:         config.Metrics,
		retryPolicy:     config.RetryPolicy,
		emitTimeout:     config.EmitTimeout,
		cancelledSignal: config.CancelledSignal,
		chain:           config.Interceptors,
		handlers:        make(map[string]handler),
		running:         make(map[string]*Context),
		ctx:             ctx,
		stop:            stop,
	}, nil
}

// Handle registers a long-running command
func (s *Server) Handle(name string, fn AsyncFunc) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return s.register(name, handler{async: fn})
}

// HandleSync registers a command that completes within the invoking call
func (s *Server) HandleSync(name string, fn SyncFunc) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return s.register(name, handler{sync: fn})
}

func (s *Server) register(name string, h handler) error {
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[name]; exists {
		return fmt.Errorf("handler already registered for command: %s", name)
	}
	s.handlers[name] = h
	s.logger.Info("registered command", "command", name, "async", h.async != nil)
	return nil
}

// Commands returns the registered command names, sorted
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running returns the number of asynchronous commands in progress
func (s *Server) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Call invokes command name for channel. Synchronous commands run to completion
// and return a Result. Asynchronous commands start listening for cancel
// requests, run in the background and return Started.
func (s *Server) Call(ctx context.Context, name, channel string, args json.RawMessage) (contracts.RawImmediate, error) {
	s.mu.RLock()
	h, ok := s.handlers[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return contracts.RawImmediate{}, ErrServerClosed
	}
	if !ok {
		s.metrics.RecordCommand(name, messaging.OutcomeInvokeError, 0)
		return contracts.RawImmediate{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	if h.sync != nil {
		return s.callSync(ctx, name, channel, h.sync, args)
	}
	return s.start(ctx, name, channel, h.async, args)
}

func (s *Server) callSync(ctx context.Context, name, channel string, fn SyncFunc, args json.RawMessage) (contracts.RawImmediate, error) {
	start := time.Now()
	inv := interceptors.Invocation{Command: name, Channel: channel, Args: args}
	value, err := s.chain.Then(func(ctx context.Context, inv interceptors.Invocation) (any, error) {
		return fn(ctx, inv.Args)
	})(ctx, inv)
	if err != nil {
		s.metrics.RecordCommand(name, messaging.OutcomeInvokeError, time.Since(start))
		return contracts.RawImmediate{}, err
	}

	imm, err := contracts.RawResult(value)
	if err != nil {
		s.metrics.RecordCommand(name, messaging.OutcomeInvokeError, time.Since(start))
		return contracts.RawImmediate{}, err
	}
	s.metrics.RecordCommand(name, messaging.OutcomeSuccess, time.Since(start))
	return imm, nil
}

func (s *Server) start(ctx context.Context, name, channel string, fn AsyncFunc, args json.RawMessage) (contracts.RawImmediate, error) {
	if channel == "" {
		return contracts.RawImmediate{}, fmt.Errorf("command %s needs a channel", name)
	}

	cctx, cancel := context.WithCancel(s.ctx)
	c := &Context{
		ctx:     cctx,
		cancel:  cancel,
		command: name,
		channel: channel,
		server:  s,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return contracts.RawImmediate{}, ErrServerClosed
	}
	if _, busy := s.running[channel]; busy {
		s.mu.Unlock()
		cancel()
		return contracts.RawImmediate{}, fmt.Errorf("%w: %s", ErrChannelInUse, channel)
	}
	s.running[channel] = c
	s.wg.Add(1)
	s.mu.Unlock()

	unlisten, err := s.bus.Listen(ctx, contracts.CancelTopic(channel), func(context.Context, *contracts.Envelope) error {
		c.requestCancel()
		return nil
	})
	if err != nil {
		s.finish(c)
		return contracts.RawImmediate{}, fmt.Errorf("failed to listen for cancel on %s: %w", channel, err)
	}

	go s.run(c, fn, args, unlisten)

	s.logger.Debug("command started", "command", name, "channel", channel)
	return contracts.RawStarted(), nil
}

func (s *Server) run(c *Context, fn AsyncFunc, args json.RawMessage, unlisten messaging.Unlisten) {
	defer s.finish(c)
	start := time.Now()

	value, err := s.execute(c, fn, args)
	c.markFinished()

	outcome := messaging.OutcomeSuccess
	switch {
	case err == nil:
		var finished contracts.Finished
		finished, err = contracts.Succeeded(value)
		if err != nil {
			outcome = messaging.OutcomeFailed
			finished, _ = contracts.FailedWith(err.Error())
		}
		s.emitTerminal(c, contracts.FinishedTopic(c.channel), finished)

	case c.CancelRequested() && errors.Is(err, context.Canceled):
		outcome = messaging.OutcomeCancelled
		if s.cancelledSignal {
			s.emitTerminal(c, contracts.CancelledTopic(c.channel), nil)
		} else {
			s.emitTerminal(c, contracts.FinishedTopic(c.channel), contracts.CancelledFinish())
		}

	default:
		outcome = messaging.OutcomeFailed
		finished, ferr := contracts.FailedWith(err.Error())
		if ferr != nil {
			s.logger.Error("failed to encode failure", "command", c.command, "channel", c.channel, "error", ferr)
			break
		}
		s.emitTerminal(c, contracts.FinishedTopic(c.channel), finished)
	}

	if err := unlisten(); err != nil {
		s.logger.Warn("failed to stop listening for cancel", "channel", c.channel, "error", err)
	}

	s.metrics.RecordCommand(c.command, outcome, time.Since(start))
	s.logger.Debug("command finished",
		"command", c.command,
		"channel", c.channel,
		"outcome", outcome,
		"duration", time.Since(start),
	)
}

// execute runs fn, turning a panic into an error
func (s *Server) execute(c *Context, fn AsyncFunc, args json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", "command", c.command, "channel", c.channel, "panic", r)
			err = fmt.Errorf("command %s panicked: %v", c.command, r)
		}
	}()
	inv := interceptors.Invocation{Command: c.command, Channel: c.channel, Args: args, Async: true}
	return s.chain.Then(func(_ context.Context, inv interceptors.Invocation) (any, error) {
		return fn(c, inv.Args)
	})(c.ctx, inv)
}

func (s *Server) emitTerminal(c *Context, topic string, payload any) {
	if err := s.emit(topic, payload); err != nil {
		s.logger.Error("failed to publish terminal event",
			"command", c.command,
			"channel", c.channel,
			"topic", topic,
			"error", err,
		)
	}
}

// emit publishes with the configured retry policy. It does not use the
// command's context, so terminal events still go out after cancellation.
func (s *Server) emit(topic string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.emitTimeout)
	defer cancel()

	return reliability.Retry(ctx, s.retryPolicy, func() error {
		err := s.bus.Emit(ctx, topic, payload)
		if errors.Is(err, messaging.ErrBusClosed) {
			return reliability.Permanent(err)
		}
		return err
	})
}

func (s *Server) finish(c *Context) {
	c.cancel()
	s.mu.Lock()
	if s.running[c.channel] == c {
		delete(s.running, c.channel)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Serve answers InvokeRequests published on contracts.InvokeTopic. It blocks
// until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}

	s.mu.Lock()
	unlisten := s.serving
	s.serving = nil
	s.mu.Unlock()

	if unlisten != nil {
		if err := unlisten(); err != nil {
			return fmt.Errorf("failed to stop serving: %w", err)
		}
	}
	return ctx.Err()
}

// Start begins answering InvokeRequests and returns once the listener is in place
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.serving != nil {
		return nil
	}

	unlisten, err := s.bus.Listen(ctx, contracts.InvokeTopic, s.handleInvoke)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", contracts.InvokeTopic, err)
	}
	s.serving = unlisten
	s.logger.Info("serving remote invocations", "topic", contracts.InvokeTopic)
	return nil
}

// handleInvoke runs on the bus delivery goroutine, so the command is started on
// its own goroutine to keep delivery flowing
func (s *Server) handleInvoke(_ context.Context, env *contracts.Envelope) error {
	var req contracts.InvokeRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("invalid invoke request: %w", err)
	}
	if req.Channel == "" {
		return fmt.Errorf("invoke request for %s has no channel", req.Command)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.answer(req)
	}()
	return nil
}

func (s *Server) answer(req contracts.InvokeRequest) {
	reply := contracts.InvokeReply{}

	imm, err := s.Call(s.ctx, req.Command, req.Channel, req.Args)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Immediate = &imm
	}

	if err := s.emit(contracts.ImmediateTopic(req.Channel), reply); err != nil {
		s.logger.Error("failed to publish immediate reply",
			"command", req.Command,
			"channel", req.Channel,
			"error", err,
		)
	}
}

// Close cancels running commands, waits for their terminal events and stops
// serving. The bus is left open.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unlisten := s.serving
	s.serving = nil
	s.mu.Unlock()

	s.stop()

	var errs []error
	if unlisten != nil {
		if err := unlisten(); err != nil {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()
	return errors.Join(errs...)
}
