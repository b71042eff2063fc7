package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/asyncop-go/commands"
	"github.com/glimte/asyncop-go/messaging"
)

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordCallStarted()
	c.RecordCallStarted()
	c.RecordProgress()
	c.RecordProgress()
	c.RecordProgress()
	c.RecordCallSettled(messaging.OutcomeSuccess, 20*time.Millisecond)
	c.RecordCommand("count", messaging.OutcomeSuccess, time.Second)
	c.RecordCommand("count", messaging.OutcomeFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.CallsStarted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ProgressEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CallsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CallsSettled.WithLabelValues(messaging.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Commands.WithLabelValues("count", messaging.OutcomeFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.CallDuration))

	t.Run("handler exposes the registry", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "asyncop_calls_started_total 2")
		assert.Contains(t, body, `asyncop_commands_total{command="count",outcome="success"} 1`)
		assert.Contains(t, body, "go_goroutines")
	})
}

func TestSimpleMetricsCollector(t *testing.T) {
	c := NewSimpleMetricsCollector()

	c.RecordCallStarted()
	c.RecordCallStarted()
	c.RecordCallStarted()
	c.RecordProgress()
	c.RecordCallSettled(messaging.OutcomeSuccess, 10*time.Millisecond)
	c.RecordCallSettled(messaging.OutcomeSuccess, 30*time.Millisecond)
	c.RecordCommand("echo", messaging.OutcomeSuccess, 5*time.Millisecond)

	summary := c.GetMetricsSummary()
	assert.Equal(t, int64(3), summary.CallsStarted)
	assert.Equal(t, int64(1), summary.ProgressEvents)
	assert.Equal(t, int64(1), summary.CallsInFlight())

	success := summary.Calls[messaging.OutcomeSuccess]
	assert.Equal(t, int64(2), success.Count)
	assert.Equal(t, int64(20), success.AvgMs)
	assert.Equal(t, int64(10), success.MinMs)
	assert.Equal(t, int64(30), success.MaxMs)
	assert.Equal(t, int64(10), success.P50Ms)

	assert.Equal(t, int64(1), summary.CommandCounts["echo"][messaging.OutcomeSuccess])
	assert.Equal(t, int64(1), summary.CommandStats["echo"].Count)

	c.Reset()
	assert.Zero(t, c.GetMetricsSummary().CallsStarted)
	assert.Empty(t, c.GetMetricsSummary().Calls)
}

func TestMultiCollector(t *testing.T) {
	a := NewSimpleMetricsCollector()
	b := NewSimpleMetricsCollector()
	m := MultiCollector{a, b}

	m.RecordCallStarted()
	m.RecordProgress()
	m.RecordCallSettled(messaging.OutcomeCancelled, time.Millisecond)
	m.RecordCommand("x", messaging.OutcomeCancelled, time.Millisecond)

	for _, c := range []*SimpleMetricsCollector{a, b} {
		s := c.GetMetricsSummary()
		assert.Equal(t, int64(1), s.CallsStarted)
		assert.Equal(t, int64(1), s.ProgressEvents)
		assert.Equal(t, int64(1), s.Calls[messaging.OutcomeCancelled].Count)
		assert.Equal(t, int64(1), s.CommandCounts["x"][messaging.OutcomeCancelled])
	}
}

type pingBus struct {
	messaging.EventBus
	err error
}

func (p pingBus) Ping(context.Context) error { return p.err }

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBusChecker("bus", pingBus{}))
		r.Register(NewCheckerFunc("slow", func(context.Context) CheckResult {
			return CheckResult{Name: "slow", Status: StatusDegraded}
		}))
		r.SetMetadata("version", "test")

		health := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)
		assert.Equal(t, "test", health.Metadata["version"])
		assert.Equal(t, []string{"bus", "slow"}, r.Names())

		r.Register(NewBusChecker("broken", pingBus{err: errors.New("refused")}))
		health = r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "refused", health.Checks["broken"].Error)

		r.Unregister("broken")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
	})

	t.Run("buses without Ping are healthy", func(t *testing.T) {
		bus := messaging.NewMemoryBus()
		defer bus.Close()

		result := NewBusChecker("memory", bus).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
	})

	t.Run("timed out checks are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("stuck", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Name: "stuck", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["stuck"].Message)
	})
}

func TestHealthHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(NewBusChecker("bus", pingBus{err: errors.New("down")}))
	h := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health OverallHealth
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, StatusUnhealthy, health.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", strings.NewReader("")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, "alive", rec.Body.String())
}

func TestCommandServerChecker(t *testing.T) {
	bus := messaging.NewMemoryBus()
	defer bus.Close()

	server, err := commands.NewServer(bus)
	require.NoError(t, err)
	require.NoError(t, server.HandleSync("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	}))

	result := NewCommandServerChecker(server, 10).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, []string{"echo"}, result.Details["commands"])
	assert.Equal(t, 0, result.Details["running"])
}
