// Package messaging provides the publish/subscribe abstraction the async operation
// bridge and the command host are built on.
//
// This package implements:
//   - EventBus: Listen / Emit / Close over named topics
//   - Router: ordered topic to handler routing shared by every transport
//   - MemoryBus: an in-process EventBus with FIFO delivery
//   - MetricsCollector: hooks for call and command metrics
//
// Transports deliver every event through a single Router so that events published
// on different topics of one channel reach handlers in the order the transport
// received them. A progress event published before a terminal event is therefore
// handled before it.
//
// Example usage:
//
//	bus := messaging.NewMemoryBus()
//	defer bus.Close()
//
//	unlisten, err := bus.Listen(ctx, "job-1:progress", func(ctx context.Context, env *contracts.Envelope) error {
//		var p contracts.Progress
//		return env.Decode(&p)
//	})
//	if err != nil {
//		return err
//	}
//	defer unlisten()
//
//	err = bus.Emit(ctx, "job-1:progress", contracts.Progress{Proceed: 1, Total: 3})
package messaging
