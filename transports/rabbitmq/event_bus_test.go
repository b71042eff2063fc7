package rabbitmq

import (
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/asyncop-go/internal/rabbitmq"
	"github.com/glimte/asyncop-go/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := defaultConfig()

		assert.Equal(t, DefaultExchange, cfg.Exchange)
		assert.Equal(t, 100, cfg.Prefetch)
		assert.Equal(t, 10, cfg.MaxChannels)
		assert.Equal(t, 5*time.Second, cfg.ConfirmTimeout)
		assert.Nil(t, cfg.CircuitBreaker)
		assert.NotNil(t, cfg.Logger)
	})

	t.Run("options", func(t *testing.T) {
		logger := slog.Default()
		cb := reliability.NewCircuitBreaker()
		cfg := defaultConfig()

		for _, opt := range []EventBusOption{
			WithExchange("custom"),
			WithLogger(logger),
			WithCircuitBreaker(cb),
			WithPrefetch(5),
			WithMaxChannels(2),
			WithConfirmTimeout(time.Second),
			WithConnectionOptions(rabbitmq.WithDialTimeout(time.Second)),
		} {
			opt(cfg)
		}

		assert.Equal(t, "custom", cfg.Exchange)
		assert.Equal(t, logger, cfg.Logger)
		assert.Same(t, cb, cfg.CircuitBreaker)
		assert.Equal(t, 5, cfg.Prefetch)
		assert.Equal(t, 2, cfg.MaxChannels)
		assert.Equal(t, time.Second, cfg.ConfirmTimeout)
		assert.Len(t, cfg.ConnectionOptions, 1)
	})
}

func TestNewEventBusErrors(t *testing.T) {
	t.Run("empty exchange", func(t *testing.T) {
		_, err := NewEventBus("amqp://localhost:5672", WithExchange(""))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := NewEventBus("invalid://localhost")
		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
	})
}
