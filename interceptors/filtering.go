package interceptors

import (
	"context"
	"errors"
	"fmt"
)

// ErrFiltered is returned for invocations rejected by a FilteringInterceptor
var ErrFiltered = errors.New("interceptors: invocation filtered")

// Filter decides whether an invocation may run
type Filter interface {
	// Allow returns true if the invocation should run
	Allow(ctx context.Context, inv Invocation) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, inv Invocation) (bool, error)

// Allow implements Filter
func (f FilterFunc) Allow(ctx context.Context, inv Invocation) (bool, error) {
	return f(ctx, inv)
}

// FilteringInterceptor rejects invocations its filter does not allow
type FilteringInterceptor struct {
	filter Filter
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter Filter) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	allowed, err := i.filter.Allow(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrFiltered, inv.Command)
	}
	return next(ctx, inv)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllFilter combines filters with AND logic
type AllFilter []Filter

// Allow implements Filter
func (f AllFilter) Allow(ctx context.Context, inv Invocation) (bool, error) {
	for _, filter := range f {
		ok, err := filter.Allow(ctx, inv)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// AnyFilter combines filters with OR logic
type AnyFilter []Filter

// Allow implements Filter
func (f AnyFilter) Allow(ctx context.Context, inv Invocation) (bool, error) {
	for _, filter := range f {
		ok, err := filter.Allow(ctx, inv)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CommandFilter allows only the listed commands
type CommandFilter struct {
	allowed map[string]bool
}

// NewCommandFilter creates a filter allowing commands
func NewCommandFilter(commands ...string) *CommandFilter {
	allowed := make(map[string]bool, len(commands))
	for _, c := range commands {
		allowed[c] = true
	}
	return &CommandFilter{allowed: allowed}
}

// Allow implements Filter
func (f *CommandFilter) Allow(_ context.Context, inv Invocation) (bool, error) {
	return f.allowed[inv.Command], nil
}

// ConditionalInterceptor applies an interceptor only to invocations matching condition
type ConditionalInterceptor struct {
	condition   Filter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition Filter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, inv Invocation, next Handler) (any, error) {
	ok, err := i.condition.Allow(ctx, inv)
	if err != nil {
		return nil, err
	}
	if ok {
		return i.interceptor.Intercept(ctx, inv, next)
	}
	return next(ctx, inv)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
