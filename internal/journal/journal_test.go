package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/asyncop-go/interceptors"
)

func TestNew(t *testing.T) {
	t.Run("creates with default options", func(t *testing.T) {
		j := New()
		assert.Equal(t, 10000, j.maxEntries)
		assert.Equal(t, 0.2, j.rotatePercent)
	})

	t.Run("applies options", func(t *testing.T) {
		j := New(WithMaxEntries(50), WithRotatePercent(0.5))
		assert.Equal(t, 50, j.maxEntries)
		assert.Equal(t, 0.5, j.rotatePercent)
	})
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	j := New()

	assert.Error(t, j.Record(ctx, nil))

	entry := &Entry{Channel: "ch-1", Command: "count", Type: EntryStarted}
	require.NoError(t, j.Record(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	require.NoError(t, j.Record(ctx, &Entry{Channel: "ch-1", Command: "count", Type: EntryCompleted, Duration: time.Second}))
	require.NoError(t, j.Record(ctx, &Entry{Channel: "ch-2", Command: "echo", Type: EntryFailed, Error: "bad"}))

	assert.Len(t, j.ByChannel("ch-1"), 2)
	assert.Equal(t, EntryCompleted, j.ByCommand("count", 1)[0].Type)
	assert.Equal(t, "echo", j.Recent(1)[0].Command)
	assert.Len(t, j.Recent(0), 3)

	stats := j.Stats()
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, int64(2), stats.EntriesByCommand["count"])
	assert.Equal(t, 500*time.Millisecond, stats.AverageDuration)
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	j := New(WithMaxEntries(10), WithRotatePercent(0.3))

	for i := 0; i < 11; i++ {
		require.NoError(t, j.Record(ctx, &Entry{Channel: fmt.Sprintf("ch-%d", i), Command: "count"}))
	}

	assert.Len(t, j.Recent(0), 8)
	assert.Empty(t, j.ByChannel("ch-0"))
	assert.Len(t, j.ByChannel("ch-10"), 1)
}

func TestSinceAndClear(t *testing.T) {
	ctx := context.Background()
	j := New()
	now := time.Now()

	require.NoError(t, j.Record(ctx, &Entry{Command: "old", Timestamp: now.Add(-time.Hour)}))
	require.NoError(t, j.Record(ctx, &Entry{Command: "new", Timestamp: now}))

	since := j.Since(now.Add(-time.Minute))
	require.Len(t, since, 1)
	assert.Equal(t, "new", since[0].Command)

	assert.Equal(t, 1, j.Clear(30*time.Minute))
	assert.Empty(t, j.ByCommand("old", 0))
	assert.Len(t, j.Recent(0), 1)
}

func TestInterceptor(t *testing.T) {
	ctx := context.Background()
	j := New()
	chain := interceptors.NewChain(NewInterceptor(j))

	_, err := chain.Execute(ctx, interceptors.Invocation{Command: "count", Channel: "a", Async: true}, func(context.Context, interceptors.Invocation) (any, error) {
		return 3, nil
	})
	require.NoError(t, err)

	_, err = chain.Execute(ctx, interceptors.Invocation{Command: "fail", Channel: "b", Async: true}, func(context.Context, interceptors.Invocation) (any, error) {
		return nil, errors.New("disk full")
	})
	require.Error(t, err)

	_, err = chain.Execute(ctx, interceptors.Invocation{Command: "block", Channel: "c", Async: true}, func(context.Context, interceptors.Invocation) (any, error) {
		return nil, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	a := j.ByChannel("a")
	require.Len(t, a, 2)
	assert.Equal(t, EntryStarted, a[0].Type)
	assert.Equal(t, EntryCompleted, a[1].Type)

	b := j.ByChannel("b")
	require.Len(t, b, 2)
	assert.Equal(t, EntryFailed, b[1].Type)
	assert.Equal(t, "disk full", b[1].Error)

	assert.Equal(t, EntryCancelled, j.ByChannel("c")[1].Type)
}
