// Command partitioner runs the range partitioning service.
//
// It consumes upload notifications from Kafka, splits each uploaded object
// into record-aligned byte ranges and publishes one descriptor per range to
// the configured broker. Runs can also be submitted via POST /api/v1/runs and
// looked up via GET /api/v1/runs/{runId}. Health endpoints are GET /health
// and GET /ready; Prometheus metrics are served on their own port.
//
// Usage:
//
//	go run ./cmd/partitioner [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/api"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/notification"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/service"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting range partitioner",
		"port", cfg.Server.Port,
		"broker", cfg.Broker.Driver,
		"registry", cfg.Registry.Driver,
		"target_size_bytes", cfg.Partitioning.TargetSizeBytes,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(ctx)
		}()
	}

	checker := health.NewChecker()
	svc, err := service.Build(cfg, m, checker)
	if err != nil {
		slog.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Runs are not tied to the signal context; Shutdown drains them first.
	dispatcher := coordinator.NewDispatcher(context.Background(), svc.Coordinator, cfg.Partitioning.MaxConcurrentRuns)

	h := api.New(dispatcher, svc.History, checker, cfg.Server.RequestTimeout)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(m, cfg.Server.WriteTimeout, middleware.NewRateLimiter(cfg.Server.SubmitRateLimit, cfg.Server.SubmitBurst)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: max(cfg.Server.WriteTimeout, cfg.Server.RequestTimeout+5*time.Second),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if topic := cfg.Kafka.Topics.Notifications; topic != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, topic, notification.Handler(dispatcher))
		g.Go(func() error {
			slog.Info("consuming upload notifications", "topic", topic, "group", cfg.Kafka.ConsumerGroup)
			return consumer.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		checker.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			slog.Warn("in-flight runs cancelled at shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("service error", "error", err)
		svc.Close()
		os.Exit(1)
	}
	slog.Info("range partitioner stopped")
}
