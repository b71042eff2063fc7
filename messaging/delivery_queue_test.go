package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryQueue(t *testing.T) {
	t.Run("dispatches in push order", func(t *testing.T) {
		router := NewRouter(nil)
		rec := &recorder{}
		router.Add("p", rec.handle)

		q := NewDeliveryQueue(router, nil)
		for i := int64(1); i <= 50; i++ {
			env, err := contracts.NewEnvelope("p", contracts.Progress{Proceed: i})
			require.NoError(t, err)
			require.True(t, q.Push(env))
		}
		q.Close()

		_, values := rec.snapshot()
		require.Len(t, values, 50)
		for i, v := range values {
			assert.Equal(t, int64(i+1), v)
		}
	})

	t.Run("push after close is refused", func(t *testing.T) {
		q := NewDeliveryQueue(NewRouter(nil), nil)
		q.Close()
		q.Close()

		env, err := contracts.NewEnvelope("p", nil)
		require.NoError(t, err)
		assert.False(t, q.Push(env))
		assert.Zero(t, q.Len())
	})

	t.Run("handlers may push without blocking", func(t *testing.T) {
		router := NewRouter(nil)
		q := NewDeliveryQueue(router, nil)
		defer q.Close()

		second := make(chan struct{})
		router.Add("first", func(context.Context, *contracts.Envelope) error {
			env, err := contracts.NewEnvelope("second", nil)
			if err != nil {
				return err
			}
			q.Push(env)
			return nil
		})
		router.Add("second", func(context.Context, *contracts.Envelope) error {
			close(second)
			return nil
		})

		env, err := contracts.NewEnvelope("first", nil)
		require.NoError(t, err)
		q.Push(env)

		select {
		case <-second:
		case <-time.After(time.Second):
			t.Fatal("second event not dispatched")
		}
	})
}
