package asyncop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/commands"
	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/internal/config"
	"github.com/glimte/asyncop-go/messaging"
	"github.com/glimte/asyncop-go/monitor"
)

type countArgs struct {
	To int `json:"to"`
}

func registerCommands(t *testing.T, c *Client) {
	t.Helper()

	require.NoError(t, c.HandleSync("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		var s string
		err := json.Unmarshal(args, &s)
		return s, err
	}))
	require.NoError(t, c.Handle("count", func(cc *commands.Context, args json.RawMessage) (any, error) {
		var a countArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		for i := 1; i <= a.To; i++ {
			if err := cc.Progress(contracts.Progress{Proceed: int64(i), Total: int64(a.To)}); err != nil {
				return nil, err
			}
		}
		return "done", nil
	}))
	require.NoError(t, c.Handle("block", func(cc *commands.Context, _ json.RawMessage) (any, error) {
		<-cc.Context().Done()
		return nil, cc.Context().Err()
	}))
}

func newMemoryClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()

	c, err := NewMemoryClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	registerCommands(t, c)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewClientRequiresBus(t *testing.T) {
	_, err := NewClient(nil)
	assert.ErrorIs(t, err, bridge.ErrNilBus)
}

func TestLocalSyncCommand(t *testing.T) {
	c := newMemoryClient(t)

	outcome, err := Call(testContext(t), c, Local[string, string, contracts.Progress](c, "echo"), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", outcome.Value)
	assert.False(t, outcome.Cancelled)
}

func TestLocalAsyncCommandReportsProgress(t *testing.T) {
	c := newMemoryClient(t)

	var (
		mu       sync.Mutex
		progress []int64
	)
	onProgress := func(p contracts.Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p.Proceed)
	}

	outcome, err := Call(testContext(t), c, Local[countArgs, string, contracts.Progress](c, "count"), countArgs{To: 3}, onProgress)
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, progress)
}

func TestRemoteCommand(t *testing.T) {
	bus := messaging.NewMemoryBus()
	defer bus.Close()

	host, err := NewClient(bus)
	require.NoError(t, err)
	defer host.Close()
	registerCommands(t, host)
	require.NoError(t, host.Server().Start(context.Background()))

	caller, err := NewClient(bus, WithInvokeTimeout(time.Second))
	require.NoError(t, err)
	defer caller.Close()

	outcome, err := Call(testContext(t), caller, Remote[countArgs, string, contracts.Progress](caller, "count"), countArgs{To: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Value)

	_, err = Call(testContext(t), caller, Remote[string, string, contracts.Progress](caller, "missing"), "", nil)
	var invokeErr *commands.InvokeError
	assert.ErrorAs(t, err, &invokeErr)
}

func TestCallCancelsWhenContextEnds(t *testing.T) {
	c := newMemoryClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Call(ctx, c, Local[struct{}, string, contracts.Progress](c, "block"), struct{}{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return c.Server().Running() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientMetrics(t *testing.T) {
	metrics := monitor.NewSimpleMetricsCollector()
	c := newMemoryClient(t, WithMetrics(metrics))

	_, err := Call(testContext(t), c, Local[countArgs, string, contracts.Progress](c, "count"), countArgs{To: 2}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := metrics.GetMetricsSummary()
		return s.CallsStarted == 1 &&
			s.Calls[messaging.OutcomeSuccess].Count == 1 &&
			s.CommandCounts["count"][messaging.OutcomeSuccess] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseLeavesCallerBusOpen(t *testing.T) {
	bus := messaging.NewMemoryBus()
	defer bus.Close()

	c, err := NewClient(bus)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.NoError(t, bus.Emit(context.Background(), "still:open", nil))
}

func TestCloseOwnedBus(t *testing.T) {
	c, err := NewMemoryClient()
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Bus().Emit(context.Background(), "closed", nil), messaging.ErrBusClosed)
}

func TestNewClientFromConfig(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		c, err := NewClientFromConfig(&config.Config{
			Transport: config.TransportMemory,
			Commands:  config.CommandsConfig{CancelledSignal: true, EmitTimeout: time.Second},
		})
		require.NoError(t, err)
		defer c.Close()

		assert.IsType(t, &messaging.MemoryBus{}, c.Bus())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewClientFromConfig(&config.Config{Transport: "carrier-pigeon"})
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}
