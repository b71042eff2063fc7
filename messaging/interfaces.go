package messaging

import "time"

// Outcome labels shared by the bridge and the command host
const (
	OutcomeSuccess     = "success"
	OutcomeCancelled   = "cancelled"
	OutcomeFailed      = "failed"
	OutcomeInvokeError = "invoke_error"
)

// MetricsCollector collects call and command metrics
type MetricsCollector interface {
	// RecordCallStarted records a bridge call entering awaiting-outcome
	RecordCallStarted()

	// RecordProgress records a progress event delivered to a caller
	RecordProgress()

	// RecordCallSettled records a settled bridge call
	RecordCallSettled(outcome string, duration time.Duration)

	// RecordCommand records a command finished by the command host
	RecordCommand(command string, outcome string, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCallStarted does nothing
func (n *NoOpMetricsCollector) RecordCallStarted() {}

// RecordProgress does nothing
func (n *NoOpMetricsCollector) RecordProgress() {}

// RecordCallSettled does nothing
func (n *NoOpMetricsCollector) RecordCallSettled(outcome string, duration time.Duration) {}

// RecordCommand does nothing
func (n *NoOpMetricsCollector) RecordCommand(command string, outcome string, duration time.Duration) {
}
