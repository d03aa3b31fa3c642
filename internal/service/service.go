// Package service assembles a Coordinator and its collaborators from
// configuration. It is shared by the long-running service and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/objectstore"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/amqp"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/tracing"
)

// slowPing marks a dependency degraded rather than up.
const slowPing = time.Second

// Service holds the assembled run pipeline and everything that must be
// closed with it.
type Service struct {
	Coordinator *coordinator.Coordinator
	History     coordinator.History

	closers []io.Closer
}

// Build connects to the configured broker, registry and history backends and
// wires the partitioning pipeline. Each connected dependency is registered
// with checker when it is non-nil. m may be nil.
func Build(cfg *config.Config, m *metrics.Metrics, checker *health.Checker) (*Service, error) {
	svc := &Service{}
	register := func(name string, ping func(context.Context) error) {
		if checker != nil {
			checker.Register(name, health.PingCheck(ping, slowPing))
		}
	}

	store := objectstore.New(
		objectstore.URLOpener(cfg.Storage.BucketURL),
		objectstore.Config{ProbeTimeout: cfg.Storage.ProbeTimeout},
		m,
	)
	svc.closers = append(svc.closers, store)

	var transport publish.Transport
	switch cfg.Broker.Driver {
	case "amqp":
		pub, err := amqp.NewPublisher(cfg.AMQP)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		svc.closers = append(svc.closers, pub)
		register("rabbitmq", pub.Ping)
		transport = pub
		slog.Info("publishing partitions to rabbitmq", "exchange", cfg.AMQP.Exchange, "routing_key", cfg.AMQP.RoutingKey)
	default:
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Partitions)
		svc.closers = append(svc.closers, producer)
		register("kafka", producer.Ping)
		transport = producer
		slog.Info("publishing partitions to kafka", "topic", cfg.Kafka.Topics.Partitions)
	}

	var registry coordinator.Registry
	switch cfg.Registry.Driver {
	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		svc.closers = append(svc.closers, client)
		register("redis", client.Ping)
		registry = coordinator.NewRedisRegistry(client, cfg.Registry.RunningTTL, cfg.Registry.CompletedTTL)
	default:
		registry = coordinator.NewMemoryRegistry()
	}

	if cfg.History.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		svc.closers = append(svc.closers, db)
		register("postgres", db.Ping)
		history := coordinator.NewPostgresHistory(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = history.Migrate(ctx)
		cancel()
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.History = history
	} else {
		svc.History = coordinator.NewMemoryHistory()
	}

	p := cfg.Partitioning
	resolver := partition.NewBoundaryResolver(store, partition.BoundaryConfig{
		WindowBytes:  p.ProbeWindowBytes,
		Terminator:   p.Terminator(),
		ReadAttempts: p.ProbeReadAttempts,
	}, m)
	partitioner := partition.New(store, resolver, publish.NewPublisher(transport, m), partition.Config{
		TargetSizeBytes: p.TargetSizeBytes,
		SettleTimeout:   p.SettleTimeout,
	}, m)

	svc.Coordinator = coordinator.New(partitioner, registry, svc.History, tracing.NewTracer(cfg.Tracing.Enabled), m)
	return svc, nil
}

// Close releases every connection in reverse order of creation. The broker
// transport flushes its pending acknowledgements on close.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
