// Package rabbitmq wraps amqp091-go for the AMQP event bus.
//
// This package includes:
//   - ConnectionManager: owns the connection and re-dials it with a retry policy
//   - ChannelPool: reuses confirm-mode channels for publishing and declarations
//   - Publisher: publishes and waits for the broker's confirm
//   - Consumer: consumes a queue on a dedicated channel
//   - TopologyManager: declares exchanges, queues and bindings
//
// Server-named exclusive queues disappear with their connection. Owners of such
// queues register an OnReconnect hook to declare and bind them again.
package rabbitmq
