package interceptors

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/asyncop-go/internal/reliability"
)

// Invocation describes one run of a hosted command
type Invocation struct {
	Command string
	Channel string
	Args    json.RawMessage
	// Async is false for commands answering within the invoking call
	Async bool
}

// Handler runs a command invocation and returns its value
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Interceptor wraps command execution
type Interceptor interface {
	// Intercept processes an invocation and calls the next handler in the chain
	Intercept(ctx context.Context, inv Invocation, next Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, inv Invocation, next Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, inv Invocation, next Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	return i.fn(ctx, inv, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages a chain of interceptors. A chain must not be modified once it
// is in use.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain running interceptors in order
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add adds an interceptor to the end of the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final so that the first interceptor added runs outermost
func (c *Chain) Then(final Handler) Handler {
	if c.Len() == 0 {
		return final
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, inv Invocation) (any, error) {
			return interceptor.Intercept(ctx, inv, next)
		}
	}
	return handler
}

// Execute runs inv through the chain and final
func (c *Chain) Execute(ctx context.Context, inv Invocation, final Handler) (any, error) {
	return c.Then(final)(ctx, inv)
}

// LoggingInterceptor logs every invocation with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	start := time.Now()

	i.logger.Info("running command",
		"command", inv.Command,
		"channel", inv.Channel,
		"async", inv.Async,
	)

	value, err := next(ctx, inv)
	duration := time.Since(start)

	switch {
	case errors.Is(err, context.Canceled):
		i.logger.Info("command cancelled",
			"command", inv.Command,
			"channel", inv.Channel,
			"duration", duration,
		)
	case err != nil:
		i.logger.Error("command failed",
			"command", inv.Command,
			"channel", inv.Channel,
			"duration", duration,
			"error", err,
		)
	default:
		i.logger.Info("command completed",
			"command", inv.Command,
			"channel", inv.Channel,
			"duration", duration,
		)
	}
	return value, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// CircuitBreakerInterceptor fails invocations fast while too many recent ones
// have failed. Cancelled invocations do not count as failures.
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	var (
		value  any
		runErr error
	)
	err := i.breaker.Execute(ctx, func() error {
		value, runErr = next(ctx, inv)
		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	})
	if runErr != nil {
		return value, runErr
	}
	return value, err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
