package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/asyncop-go"
	"github.com/glimte/asyncop-go/interceptors"
	"github.com/glimte/asyncop-go/internal/journal"
	"github.com/glimte/asyncop-go/monitor"
	"github.com/glimte/asyncop-go/schema"
)

const historySize = 5000

func newServeCmd(a *app) *cobra.Command {
	var maxRunning int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the demo commands and answer remote invocations",
		Long: `serve hosts the echo, count and fail commands on the configured bus.
Metrics are served on /metrics and health on /health. /live answers
liveness probes and /journal lists recent command runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, maxRunning)
		},
	}
	cmd.Flags().IntVar(&maxRunning, "max-running", 100, "running commands above which health reports degraded")
	return cmd
}

func (a *app) serve(ctx context.Context, maxRunning int) error {
	prom := monitor.NewPrometheusCollector()
	stats := monitor.NewSimpleMetricsCollector()
	history := journal.New(journal.WithMaxEntries(historySize))

	client, err := asyncop.NewClientFromConfig(a.cfg,
		asyncop.WithLogger(a.logger),
		asyncop.WithMetrics(monitor.MultiCollector{prom, stats}),
		asyncop.WithInterceptors(interceptors.NewChain(
			interceptors.NewLoggingInterceptor(a.logger),
			journal.NewInterceptor(history),
			schema.NewInterceptor(demoValidator()),
		)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := registerDemoCommands(client); err != nil {
		return err
	}

	health := monitor.NewRegistry()
	health.Register(monitor.NewBusChecker(a.cfg.Transport, client.Bus()))
	health.Register(monitor.NewCommandServerChecker(client.Server(), maxRunning))
	health.SetMetadata("version", version)
	health.SetMetadata("transport", a.cfg.Transport)

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.Handle("/health", monitor.NewHandler(health, 5*time.Second))
	mux.Handle("/live", monitor.LivenessHandler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats.GetMetricsSummary())
	})

	mux.HandleFunc("/journal", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		var entries []*journal.Entry
		if ch := r.URL.Query().Get("channel"); ch != "" {
			entries = history.ByChannel(ch)
		} else {
			entries = history.Recent(limit)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stats":   history.Stats(),
			"entries": entries,
		})
	})

	srv := &http.Server{
		Addr:              a.cfg.Observability.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("observability endpoints listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("observability server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serving commands",
		"transport", a.cfg.Transport,
		"commands", client.Server().Commands(),
	)

	err = client.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("shutting down")
		return nil
	}
	return err
}
