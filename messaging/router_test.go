package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope(t *testing.T, topic string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(topic, nil)
	require.NoError(t, err)
	return env
}

func TestRouter(t *testing.T) {
	t.Run("Add reports first handler per topic", func(t *testing.T) {
		r := NewRouter(nil)
		noop := func(context.Context, *contracts.Envelope) error { return nil }

		_, first := r.Add("a", noop)
		assert.True(t, first)
		_, first = r.Add("a", noop)
		assert.False(t, first)
		_, first = r.Add("b", noop)
		assert.True(t, first)

		assert.Equal(t, 3, r.Len())
		assert.Equal(t, []string{"a", "b"}, r.Topics())
	})

	t.Run("Remove reports last handler per topic", func(t *testing.T) {
		r := NewRouter(nil)
		noop := func(context.Context, *contracts.Envelope) error { return nil }

		id1, _ := r.Add("a", noop)
		id2, _ := r.Add("a", noop)

		removed, last := r.Remove("a", id1)
		assert.True(t, removed)
		assert.False(t, last)

		removed, last = r.Remove("a", id2)
		assert.True(t, removed)
		assert.True(t, last)
		assert.False(t, r.Has("a"))

		removed, _ = r.Remove("a", id2)
		assert.False(t, removed)
	})

	t.Run("Dispatch delivers in registration order", func(t *testing.T) {
		r := NewRouter(nil)
		var order []int
		for i := 1; i <= 3; i++ {
			n := i
			r.Add("t", func(context.Context, *contracts.Envelope) error {
				order = append(order, n)
				return nil
			})
		}

		delivered := r.Dispatch(context.Background(), newTestEnvelope(t, "t"))
		assert.Equal(t, 3, delivered)
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("Dispatch tolerates handlers removing themselves", func(t *testing.T) {
		r := NewRouter(nil)
		calls := 0
		var id uint64
		id, _ = r.Add("t", func(context.Context, *contracts.Envelope) error {
			calls++
			r.Remove("t", id)
			return nil
		})

		r.Dispatch(context.Background(), newTestEnvelope(t, "t"))
		r.Dispatch(context.Background(), newTestEnvelope(t, "t"))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Dispatch survives failing and panicking handlers", func(t *testing.T) {
		r := NewRouter(nil)
		reached := false
		r.Add("t", func(context.Context, *contracts.Envelope) error { return errors.New("boom") })
		r.Add("t", func(context.Context, *contracts.Envelope) error { panic("bad handler") })
		r.Add("t", func(context.Context, *contracts.Envelope) error {
			reached = true
			return nil
		})

		assert.NotPanics(t, func() {
			r.Dispatch(context.Background(), newTestEnvelope(t, "t"))
		})
		assert.True(t, reached)
	})

	t.Run("Dispatch to unknown topic delivers nothing", func(t *testing.T) {
		r := NewRouter(nil)
		assert.Equal(t, 0, r.Dispatch(context.Background(), newTestEnvelope(t, "nobody")))
	})
}
