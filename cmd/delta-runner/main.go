// Package main runs one incremental ingestion cycle and emits the batch
// report as JSON on stdout. Scheduling is owned externally; invoke this
// binary on demand or from cron.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nucleus/delta-core/internal/config"
	"github.com/nucleus/delta-core/internal/registry"
	"github.com/nucleus/delta-core/internal/runner"
	"github.com/nucleus/delta-core/internal/sink"
	"github.com/nucleus/delta-core/internal/source"
	"github.com/nucleus/delta-core/internal/watermark"
)

func main() {
	cfg := config.Load()

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("[delta-runner] load registry: %v", err)
	}

	store, err := buildWatermarkStore(cfg)
	if err != nil {
		log.Fatalf("[delta-runner] watermark store: %v", err)
	}
	defer store.Close()

	src, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("[delta-runner] source: %v", err)
	}
	defer src.Close()

	snk, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("[delta-runner] sink: %v", err)
	}
	defer snk.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := &runner.Orchestrator{
		Registry: reg,
		Store:    store,
		Source:   src,
		Sink:     snk,
		Options: runner.Options{
			ConcurrencyLimit: cfg.ConcurrencyLimit,
			TableTimeout:     cfg.TableTimeout(),
		},
	}

	report := orch.RunCycle(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatalf("[delta-runner] encode report: %v", err)
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}

func buildWatermarkStore(cfg *config.OrchestratorConfig) (watermark.Store, error) {
	switch cfg.WatermarkBackend {
	case "postgres":
		return watermark.NewPostgresStore()
	case "sqlite":
		return watermark.NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		return watermark.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown watermark backend %q", cfg.WatermarkBackend)
	}
}

func buildSource(cfg *config.OrchestratorConfig) (source.Source, error) {
	return source.NewSQL(source.SQLConfig{
		Driver:    cfg.SourceDriver,
		DSN:       cfg.SourceDSN,
		RateLimit: cfg.SourceRateLimit,
	})
}

func buildSink(cfg *config.OrchestratorConfig) (sink.Sink, error) {
	var store sink.ObjectStore
	switch cfg.SinkBackend {
	case "s3":
		client, err := sink.NewS3Client(sink.S3Config{
			EndpointURL:     cfg.SinkEndpointURL,
			Region:          cfg.SinkRegion,
			AccessKeyID:     cfg.SinkAccessKey,
			SecretAccessKey: cfg.SinkSecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = client
	case "local":
		store = sink.NewLocalStore(cfg.SinkLocalRoot)
	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.SinkBackend)
	}
	return sink.NewObjectSink(store, sink.ObjectSinkConfig{
		Bucket:     cfg.SinkBucket,
		BasePrefix: cfg.SinkPrefix,
	})
}
