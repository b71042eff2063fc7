package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeBus delivers synchronously on the caller's goroutine and counts listener
// churn so tests can check that a call leaves nothing behind.
type fakeBus struct {
	router *messaging.Router

	mu        sync.Mutex
	listens   int
	unlistens int
	emitted   []*contracts.Envelope
}

func newFakeBus() *fakeBus {
	return &fakeBus{router: messaging.NewRouter(nil)}
}

func (f *fakeBus) Listen(ctx context.Context, topic string, handler messaging.EventHandler) (messaging.Unlisten, error) {
	id, _ := f.router.Add(topic, handler)
	f.mu.Lock()
	f.listens++
	f.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			f.router.Remove(topic, id)
			f.mu.Lock()
			f.unlistens++
			f.mu.Unlock()
		})
		return nil
	}, nil
}

func (f *fakeBus) Emit(ctx context.Context, topic string, payload any) error {
	env, err := contracts.NewEnvelope(topic, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) Close() error {
	return nil
}

func (f *fakeBus) deliver(t *testing.T, topic string, payload any) {
	t.Helper()
	env, err := contracts.NewEnvelope(topic, payload)
	require.NoError(t, err)
	f.router.Dispatch(context.Background(), env)
}

func (f *fakeBus) active() int {
	return f.router.Len()
}

func (f *fakeBus) emittedOn(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.emitted {
		if env.Topic == topic {
			n++
		}
	}
	return n
}

// mockBus is used where a bus must fail
type mockBus struct {
	mock.Mock
}

func (m *mockBus) Listen(ctx context.Context, topic string, handler messaging.EventHandler) (messaging.Unlisten, error) {
	args := m.Called(ctx, topic, handler)
	unlisten, _ := args.Get(0).(messaging.Unlisten)
	return unlisten, args.Error(1)
}

func (m *mockBus) Emit(ctx context.Context, topic string, payload any) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

func (m *mockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestBridge(t *testing.T, bus messaging.EventBus, opts ...BridgeOption) *Bridge {
	t.Helper()
	b, err := NewBridge(bus, opts...)
	require.NoError(t, err)
	return b
}

func finished(t *testing.T, value string) contracts.Finished {
	t.Helper()
	f, err := contracts.Succeeded(value)
	require.NoError(t, err)
	return f
}

func TestNewBridge(t *testing.T) {
	t.Run("NewBridge rejects nil bus", func(t *testing.T) {
		b, err := NewBridge(nil)
		assert.ErrorIs(t, err, ErrNilBus)
		assert.Nil(t, b)
	})

	t.Run("NewBridge applies defaults", func(t *testing.T) {
		bus := newFakeBus()
		b := newTestBridge(t, bus)
		assert.Same(t, bus, b.Bus())
		assert.NotNil(t, b.logger)
		assert.NotNil(t, b.metrics)
		assert.Equal(t, 5*time.Second, b.emitTimeout)
		assert.NotEmpty(t, b.newChannel())
	})

	t.Run("NewBridge applies options", func(t *testing.T) {
		b := newTestBridge(t, newFakeBus(),
			WithChannelIDGenerator(func() string { return "fixed" }),
			WithEmitTimeout(time.Second),
		)
		assert.Equal(t, "fixed", b.newChannel())
		assert.Equal(t, time.Second, b.emitTimeout)
	})
}

func TestInvokeFastPath(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	var listenersDuringOp int
	var progressCalls int
	op := func(ctx context.Context, channel string, args string) (contracts.Immediate[string, contracts.Progress], error) {
		listenersDuringOp = bus.active()
		return contracts.ResultOf[string, contracts.Progress](args + "!"), nil
	}

	call, err := Invoke(context.Background(), b, op, "v", func(contracts.Progress) { progressCalls++ })
	require.NoError(t, err)

	assert.Equal(t, 3, listenersDuringOp, "progress, finished and cancelled must be listened to before the operation runs")
	assert.Equal(t, StateSettled, call.State())

	outcome, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v!", outcome.Value)
	assert.False(t, outcome.Cancelled)
	assert.Zero(t, progressCalls)
	assert.Zero(t, bus.active())
}

func TestInvokeProgressThenFinished(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	op := func(ctx context.Context, channel string, args struct{}) (contracts.Immediate[string, contracts.Progress], error) {
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	var seen []int64
	var call *Call[string]
	call, err := Invoke(context.Background(), b, op, struct{}{}, func(p contracts.Progress) {
		select {
		case <-call.Done():
			t.Error("progress delivered after settle")
		default:
		}
		seen = append(seen, p.Proceed)
	})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingOutcome, call.State())

	for i := int64(1); i <= 3; i++ {
		bus.deliver(t, contracts.ProgressTopic(call.Channel()), contracts.Progress{Proceed: i, Total: 3})
	}
	bus.deliver(t, contracts.FinishedTopic(call.Channel()), finished(t, "done"))

	outcome, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Value)
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, StateSettled, call.State())
	assert.Zero(t, bus.active())
}

func TestInvokeSettlesOnce(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	progressCalls := 0
	call, err := Invoke(context.Background(), b, op, 0, func(contracts.Progress) { progressCalls++ })
	require.NoError(t, err)

	bus.deliver(t, contracts.FinishedTopic(call.Channel()), finished(t, "a"))

	env, err := contracts.NewEnvelope(contracts.FinishedTopic(call.Channel()), finished(t, "b"))
	require.NoError(t, err)
	require.NoError(t, call.handleFinished(env), "a late duplicate is ignored")
	assert.False(t, call.settle(Outcome[string]{Cancelled: true}, nil, messaging.OutcomeCancelled))
	call.deliverProgress(func() { progressCalls++ })

	outcome, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", outcome.Value)
	assert.False(t, outcome.Cancelled)
	assert.Zero(t, progressCalls)

	bus.mu.Lock()
	assert.Equal(t, 3, bus.listens)
	assert.Equal(t, 3, bus.unlistens)
	bus.mu.Unlock()
}

func TestCallCancel(t *testing.T) {
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	t.Run("cancel round trip settles as cancelled", func(t *testing.T) {
		bus := newFakeBus()
		b := newTestBridge(t, bus)

		call, err := Invoke(context.Background(), b, op, 1, nil)
		require.NoError(t, err)

		call.Cancel()
		call.Cancel()
		assert.Equal(t, 1, bus.emittedOn(contracts.CancelTopic(call.Channel())))
		assert.Equal(t, StateAwaitingOutcome, call.State(), "cancel alone must not settle the call")

		bus.deliver(t, contracts.FinishedTopic(call.Channel()), contracts.CancelledFinish())

		outcome, err := call.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, outcome.Cancelled)
		assert.Empty(t, outcome.Value)
		assert.Zero(t, bus.active())
	})

	t.Run("cancelled event settles as cancelled", func(t *testing.T) {
		bus := newFakeBus()
		b := newTestBridge(t, bus)

		call, err := Invoke(context.Background(), b, op, 1, nil)
		require.NoError(t, err)

		bus.deliver(t, contracts.CancelledTopic(call.Channel()), nil)

		outcome, err := call.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, outcome.Cancelled)
		assert.Zero(t, bus.active())
	})

	t.Run("cancel after settle sends nothing", func(t *testing.T) {
		bus := newFakeBus()
		b := newTestBridge(t, bus)

		call, err := Invoke(context.Background(), b, op, 1, nil)
		require.NoError(t, err)
		bus.deliver(t, contracts.FinishedTopic(call.Channel()), finished(t, "x"))

		call.Cancel()
		assert.Zero(t, bus.emittedOn(contracts.CancelTopic(call.Channel())))
	})

	t.Run("cancel emit failure is not fatal", func(t *testing.T) {
		bus := &mockBus{}
		bus.On("Listen", mock.Anything, mock.Anything, mock.Anything).
			Return(messaging.Unlisten(func() error { return nil }), nil)
		bus.On("Emit", mock.Anything, mock.MatchedBy(func(topic string) bool {
			return strings.HasSuffix(topic, contracts.CancelSuffix)
		}), nil).Return(errors.New("broker down")).Once()

		b := newTestBridge(t, bus)
		call, err := Invoke(context.Background(), b, op, 1, nil)
		require.NoError(t, err)

		call.Cancel()
		call.Cancel()
		bus.AssertNumberOfCalls(t, "Emit", 1)
		assert.Equal(t, StateAwaitingOutcome, call.State())
	})
}

func TestInvokeOperationError(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	boom := errors.New("boom")
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		return contracts.Immediate[string, contracts.Progress]{}, boom
	}

	call, err := Invoke(context.Background(), b, op, 1, nil)
	assert.Same(t, boom, err)
	assert.Nil(t, call)
	assert.Zero(t, bus.active())

	bus.mu.Lock()
	assert.Equal(t, 3, bus.unlistens)
	bus.mu.Unlock()
}

func TestInvokeListenFailure(t *testing.T) {
	released := 0
	unlisten := messaging.Unlisten(func() error {
		released++
		return nil
	})

	bus := &mockBus{}
	bus.On("Listen", mock.Anything, mock.MatchedBy(func(topic string) bool {
		return !strings.HasSuffix(topic, contracts.CancelledSuffix)
	}), mock.Anything).Return(unlisten, nil)
	bus.On("Listen", mock.Anything, mock.MatchedBy(func(topic string) bool {
		return strings.HasSuffix(topic, contracts.CancelledSuffix)
	}), mock.Anything).Return(nil, errors.New("subscribe refused"))

	b := newTestBridge(t, bus)
	invoked := false
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		invoked = true
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	call, err := Invoke(context.Background(), b, op, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe refused")
	assert.Nil(t, call)
	assert.False(t, invoked)
	assert.Equal(t, 2, released)
}

func TestInvokeUnusedProgress(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[int, contracts.Progress], error) {
		return contracts.UnusedProgressOf[int](contracts.Progress{Proceed: 5, Total: 10}), nil
	}

	var seen []contracts.Progress
	call, err := Invoke(context.Background(), b, op, 0, func(p contracts.Progress) { seen = append(seen, p) })
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, int64(5), seen[0].Proceed)
	assert.Equal(t, StateAwaitingOutcome, call.State())
	assert.Equal(t, 3, bus.active())

	f, err := contracts.Succeeded(42)
	require.NoError(t, err)
	bus.deliver(t, contracts.FinishedTopic(call.Channel()), f)

	outcome, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, outcome.Value)
}

func TestInvokeProgressDuringOperation(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		bus.deliver(t, contracts.ProgressTopic(channel), contracts.Progress{Proceed: 1})
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	var seen []int64
	call, err := Invoke(context.Background(), b, op, 0, func(p contracts.Progress) { seen = append(seen, p.Proceed) })
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seen)
	assert.Equal(t, StateAwaitingOutcome, call.State())
}

func TestInvokeRemoteFailure(t *testing.T) {
	bus := newFakeBus()
	b := newTestBridge(t, bus)

	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	progressCalls := 0
	call, err := Invoke(context.Background(), b, op, 0, func(contracts.Progress) { progressCalls++ })
	require.NoError(t, err)

	failed, err := contracts.FailedWith("disk full")
	require.NoError(t, err)
	bus.deliver(t, contracts.FinishedTopic(call.Channel()), failed)

	_, err = call.Wait(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk full", remote.Message())
	assert.Equal(t, "disk full", err.Error())
	assert.True(t, IsRemoteError(err))
	assert.Zero(t, progressCalls)
	assert.Zero(t, bus.active())
}

func TestInvokeMalformedFinished(t *testing.T) {
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[int, contracts.Progress], error) {
		return contracts.StartedImmediate[int, contracts.Progress](), nil
	}

	t.Run("undecodable value", func(t *testing.T) {
		bus := newFakeBus()
		call, err := Invoke(context.Background(), newTestBridge(t, bus), op, 0, nil)
		require.NoError(t, err)

		bus.deliver(t, contracts.FinishedTopic(call.Channel()), finished(t, "not a number"))

		_, err = call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrMalformedEvent)
		assert.Zero(t, bus.active())
	})

	t.Run("unknown finished type", func(t *testing.T) {
		bus := newFakeBus()
		call, err := Invoke(context.Background(), newTestBridge(t, bus), op, 0, nil)
		require.NoError(t, err)

		bus.deliver(t, contracts.FinishedTopic(call.Channel()), contracts.Finished{Type: "Paused"})

		_, err = call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("empty payload", func(t *testing.T) {
		bus := newFakeBus()
		call, err := Invoke(context.Background(), newTestBridge(t, bus), op, 0, nil)
		require.NoError(t, err)

		bus.deliver(t, contracts.FinishedTopic(call.Channel()), nil)

		_, err = call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestInvokeUnknownImmediate(t *testing.T) {
	bus := newFakeBus()
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[int, int], error) {
		return contracts.Immediate[int, int]{Type: "Deferred"}, nil
	}

	call, err := Invoke(context.Background(), newTestBridge(t, bus), op, 0, nil)
	assert.ErrorIs(t, err, contracts.ErrUnknownImmediate)
	assert.Nil(t, call)
	assert.Zero(t, bus.active())
}

func TestInvokeNilArguments(t *testing.T) {
	_, err := Invoke[int, int, int](context.Background(), newTestBridge(t, newFakeBus()), nil, 0, nil)
	assert.ErrorIs(t, err, ErrNilOperation)

	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[int, int], error) {
		return contracts.ResultOf[int, int](1), nil
	}
	_, err = Invoke(context.Background(), nil, op, 0, nil)
	assert.ErrorIs(t, err, ErrNilBus)
}

func TestCallWaitContext(t *testing.T) {
	bus := newFakeBus()
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[int, int], error) {
		return contracts.StartedImmediate[int, int](), nil
	}

	call, err := Invoke(context.Background(), newTestBridge(t, bus), op, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateAwaitingOutcome, call.State())
	assert.Equal(t, 3, bus.active(), "an abandoned wait leaves the call listening")
}

func TestInvokeOverMemoryBus(t *testing.T) {
	bus := messaging.NewMemoryBus()
	defer bus.Close()
	b := newTestBridge(t, bus)

	// The remote side publishes everything before the immediate reply returns;
	// ordered delivery must still hand progress over before the outcome.
	op := func(ctx context.Context, channel string, args int) (contracts.Immediate[string, contracts.Progress], error) {
		for i := int64(1); i <= int64(args); i++ {
			if err := bus.Emit(ctx, contracts.ProgressTopic(channel), contracts.Progress{Proceed: i, Total: int64(args)}); err != nil {
				return contracts.Immediate[string, contracts.Progress]{}, err
			}
		}
		f, err := contracts.Succeeded("done")
		if err != nil {
			return contracts.Immediate[string, contracts.Progress]{}, err
		}
		if err := bus.Emit(ctx, contracts.FinishedTopic(channel), f); err != nil {
			return contracts.Immediate[string, contracts.Progress]{}, err
		}
		return contracts.StartedImmediate[string, contracts.Progress](), nil
	}

	var mu sync.Mutex
	var seen []int64
	call, err := Invoke(context.Background(), b, op, 3, func(p contracts.Progress) {
		mu.Lock()
		seen = append(seen, p.Proceed)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Value)

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, seen)
	mu.Unlock()
	assert.Zero(t, bus.ListenerCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending-subscribe", StatePendingSubscribe.String())
	assert.Equal(t, "awaiting-outcome", StateAwaitingOutcome.String())
	assert.Equal(t, "settled", StateSettled.String())
	assert.Equal(t, "State(9)", State(9).String())
}
