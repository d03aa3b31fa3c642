// Command partitionctl partitions a single object in-process and prints the
// run outcome as JSON. It uses the same configuration, broker and registry
// as the service, so a run id already completed by the service is skipped.
//
// Usage:
//
//	go run ./cmd/partitionctl -bucket files -key transactions.txt [-run-id 1762026767663] [-config configs/development.yaml]
//
// Exit status is 0 for completed and skipped runs, 1 for aborted runs and 2
// for usage or setup errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/service"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/logger"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults plus RP_* env when empty)")
	bucket := flag.String("bucket", "", "bucket (source id) holding the object")
	key := flag.String("key", "", "object key to partition")
	runID := flag.String("run-id", "", "run id; a random one is generated when empty")
	flag.Parse()

	if *bucket == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "usage: partitionctl -bucket <bucket> -key <key> [-run-id <id>] [-config <file>]")
		os.Exit(2)
	}
	if *runID == "" {
		*runID = uuid.NewString()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	// Logs go to stderr so stdout carries only the outcome.
	slog.SetDefault(logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))

	svc, err := service.Build(cfg, nil, nil)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	out := svc.Coordinator.Submit(ctx, partition.RunRequest{
		SourceID:  *bucket,
		ObjectKey: *key,
		RunID:     *runID,
	})
	stop()
	if err := svc.Close(); err != nil {
		slog.Error("closing connections", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode outcome: %v\n", err)
		os.Exit(2)
	}
	os.Exit(exitCode(out))
}

func exitCode(out partition.Outcome) int {
	if out.Status == partition.StatusAborted {
		return 1
	}
	return 0
}
