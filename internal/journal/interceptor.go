package journal

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/asyncop-go/interceptors"
)

// Interceptor records the start and outcome of every command it wraps
type Interceptor struct {
	journal *Journal
}

// NewInterceptor creates an interceptor writing to j
func NewInterceptor(j *Journal) *Interceptor {
	return &Interceptor{journal: j}
}

// Intercept implements interceptors.Interceptor
func (i *Interceptor) Intercept(ctx context.Context, inv interceptors.Invocation, next interceptors.Handler) (any, error) {
	start := time.Now()
	_ = i.journal.Record(ctx, &Entry{
		Timestamp: start,
		Channel:   inv.Channel,
		Command:   inv.Command,
		Type:      EntryStarted,
		Async:     inv.Async,
	})

	value, err := next(ctx, inv)

	entry := &Entry{
		Channel:  inv.Channel,
		Command:  inv.Command,
		Type:     EntryCompleted,
		Async:    inv.Async,
		Duration: time.Since(start),
	}
	switch {
	case errors.Is(err, context.Canceled):
		entry.Type = EntryCancelled
	case err != nil:
		entry.Type = EntryFailed
		entry.Error = err.Error()
	}
	_ = i.journal.Record(ctx, entry)

	return value, err
}

// Name implements interceptors.Interceptor
func (i *Interceptor) Name() string {
	return "JournalInterceptor"
}
