package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mirror "github.com/peteski22/adsmirror/internal/sync"
	"github.com/peteski22/adsmirror/internal/telemetry"
)

const metricsShutdownTimeout = 5 * time.Second

// executeSync starts a job and waits for its final state. Cancelling ctx stops running
// jobs at their next checkpoint, which is how REAL_TIME jobs end before their timeout.
func executeSync(ctx context.Context, orchestrator *mirror.Orchestrator, cfg mirror.SyncConfig) (mirror.JobStatus, error) {
	stop := context.AfterFunc(ctx, orchestrator.Close)
	defer stop()

	jobID, err := orchestrator.StartSync(cfg)
	if err != nil {
		return mirror.JobStatus{}, fmt.Errorf("starting sync: %w", err)
	}

	status, err := orchestrator.Wait(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return status, fmt.Errorf("waiting for job %s: %w", jobID, err)
	}
	return status, nil
}

// runWithMetrics runs the sync while serving Prometheus metrics on addr. An empty addr
// disables the metrics endpoint.
func runWithMetrics(
	ctx context.Context,
	a *app,
	cfg mirror.SyncConfig,
	addr string,
) (mirror.JobStatus, error) {
	if addr == "" {
		return executeSync(ctx, a.orchestrator, cfg)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return mirror.JobStatus{}, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(gctx, listener, newMetricsHandler(a.stats), a.logger)
	})

	var status mirror.JobStatus
	g.Go(func() error {
		defer cancel()

		var err error
		status, err = executeSync(gctx, a.orchestrator, cfg)
		return err
	})

	err = g.Wait()
	return status, err
}

// newMetricsHandler exposes the sync counters and Go runtime metrics.
func newMetricsHandler(stats *telemetry.Stats) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		telemetry.NewCollector(stats.Snapshot),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// serveMetrics serves handler on listener until ctx is done.
func serveMetrics(ctx context.Context, listener net.Listener, handler http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", listener.Addr().String()))

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
