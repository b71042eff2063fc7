// Package contracts defines the wire types exchanged between the async operation
// bridge and the process hosting the remote commands.
//
// This package defines:
//   - Envelope: the transport unit carried on every topic
//   - Immediate: the shape returned by the initiating call (Result, Started, UnusedProgress)
//   - Finished: the terminal event published on a channel's finished topic (Success, Failed)
//   - Progress: the stock progress payload used by the bundled commands
//   - InvokeRequest / InvokeReply: remote invocation of a named command over the bus
//
// Every in-flight call owns a channel. The topics for a channel are derived with
// ProgressTopic, FinishedTopic, CancelledTopic and CancelTopic.
package contracts
