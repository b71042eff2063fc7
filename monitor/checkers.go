package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/glimte/asyncop-go/commands"
	"github.com/glimte/asyncop-go/messaging"
)

// Pinger is implemented by buses that can check their transport
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusChecker reports whether the event bus can reach its transport. Buses
// without a Ping method are always healthy.
type BusChecker struct {
	name string
	bus  messaging.EventBus
}

// NewBusChecker creates a checker for bus
func NewBusChecker(name string, bus messaging.EventBus) *BusChecker {
	return &BusChecker{name: name, bus: bus}
}

func (c *BusChecker) Name() string {
	return c.name
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Timestamp: start,
	}

	if pinger, ok := c.bus.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "transport unreachable"
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// CommandServerChecker reports the commands a host serves and how many run.
// The host is degraded once more than maxRunning commands are in flight.
type CommandServerChecker struct {
	server     *commands.Server
	maxRunning int
}

// NewCommandServerChecker creates a checker for server. maxRunning <= 0 disables
// the degraded threshold.
func NewCommandServerChecker(server *commands.Server, maxRunning int) *CommandServerChecker {
	return &CommandServerChecker{server: server, maxRunning: maxRunning}
}

func (c *CommandServerChecker) Name() string {
	return "commands"
}

func (c *CommandServerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	running := c.server.Running()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]any{
			"commands":   c.server.Commands(),
			"running":    running,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	if c.maxRunning > 0 && running > c.maxRunning {
		result.Status = StatusDegraded
		result.Message = "too many running commands"
	}

	result.Duration = time.Since(start)
	return result
}
