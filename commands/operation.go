package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/messaging"
)

// LocalOperation invokes command name on a server in the same process
func LocalOperation[A, R, P any](s *Server, name string) bridge.Operation[A, R, P] {
	return func(ctx context.Context, channel string, args A) (contracts.Immediate[R, P], error) {
		body, err := json.Marshal(args)
		if err != nil {
			return contracts.Immediate[R, P]{}, fmt.Errorf("failed to marshal args for %s: %w", name, err)
		}

		raw, err := s.Call(ctx, name, channel, body)
		if err != nil {
			return contracts.Immediate[R, P]{}, err
		}
		return contracts.DecodeImmediate[R, P](raw)
	}
}

// RemoteOperation invokes command name on whichever server is serving on bus.
// A zero timeout waits for the immediate reply until ctx is done.
func RemoteOperation[A, R, P any](bus messaging.EventBus, name string, timeout time.Duration) bridge.Operation[A, R, P] {
	return func(ctx context.Context, channel string, args A) (contracts.Immediate[R, P], error) {
		var zero contracts.Immediate[R, P]

		body, err := json.Marshal(args)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal args for %s: %w", name, err)
		}

		replies := make(chan *contracts.Envelope, 1)
		unlisten, err := bus.Listen(ctx, contracts.ImmediateTopic(channel), func(_ context.Context, env *contracts.Envelope) error {
			select {
			case replies <- env:
			default:
			}
			return nil
		})
		if err != nil {
			return zero, fmt.Errorf("failed to listen for reply to %s: %w", name, err)
		}
		defer unlisten()

		req := contracts.InvokeRequest{Command: name, Channel: channel, Args: body}
		if err := bus.Emit(ctx, contracts.InvokeTopic, req); err != nil {
			return zero, fmt.Errorf("failed to send invoke request for %s: %w", name, err)
		}

		var deadline <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case env := <-replies:
			var reply contracts.InvokeReply
			if err := env.Decode(&reply); err != nil {
				return zero, fmt.Errorf("invalid reply to %s: %w", name, err)
			}
			if reply.Error != "" {
				return zero, &InvokeError{Command: name, Message: reply.Error}
			}
			if reply.Immediate == nil {
				return zero, fmt.Errorf("reply to %s carries no result", name)
			}
			return contracts.DecodeImmediate[R, P](*reply.Immediate)
		case <-deadline:
			return zero, fmt.Errorf("%w: %s after %v", ErrInvokeTimeout, name, timeout)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
