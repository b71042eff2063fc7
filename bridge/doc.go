// Package bridge turns a remote long-running operation into a single awaitable
// call with streamed progress.
//
// The remote side answers an invocation right away with an immediate reply and,
// for long-running work, keeps reporting over the event bus on per-call topics
// derived from a unique channel:
//
//	<channel>:progress   intermediate progress payloads
//	<channel>:finished   terminal Success or Failed result
//	<channel>:cancelled  terminal cancellation signal
//	<channel>:cancel     cancellation request sent by the caller
//
// Invoke subscribes to the three inbound topics before the operation is issued,
// so no event can be missed, and tears the subscriptions down exactly once when
// the call settles.
//
// Basic usage:
//
//	b, err := bridge.NewBridge(bus)
//	if err != nil {
//	    return err
//	}
//
//	call, err := bridge.Invoke(ctx, b, op, args, func(p contracts.Progress) {
//	    fmt.Printf("%d/%d\n", p.Proceed, p.Total)
//	})
//	if err != nil {
//	    return err // the operation itself failed to start
//	}
//
//	outcome, err := call.Wait(ctx)
//	switch {
//	case err != nil:
//	    // remote failure, see RemoteError
//	case outcome.Cancelled:
//	    // the operation honoured a cancel request
//	default:
//	    use(outcome.Value)
//	}
//
// Call.Cancel sends a cancellation request. It never settles the call by itself;
// the outcome is whatever the remote side reports afterwards.
package bridge
