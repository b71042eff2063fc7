package schema

import (
	"context"

	"github.com/glimte/asyncop-go/interceptors"
)

// Interceptor rejects invocations whose arguments fail their command's schema
type Interceptor struct {
	validator *ArgsValidator
}

// NewInterceptor creates a validating interceptor
func NewInterceptor(validator *ArgsValidator) *Interceptor {
	return &Interceptor{validator: validator}
}

// Intercept implements interceptors.Interceptor
func (i *Interceptor) Intercept(ctx context.Context, inv interceptors.Invocation, next interceptors.Handler) (any, error) {
	if err := i.validator.Validate(ctx, inv.Command, inv.Args); err != nil {
		return nil, err
	}
	return next(ctx, inv)
}

// Name implements interceptors.Interceptor
func (i *Interceptor) Name() string {
	return "SchemaInterceptor"
}
