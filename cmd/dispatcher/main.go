package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-call-dispatch/internal/api"
	"github.com/acme/outbound-call-dispatch/internal/app"
	"github.com/acme/outbound-call-dispatch/internal/telemetry"
	"github.com/acme/outbound-call-dispatch/internal/worker/intent"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.NeedPostgres|app.NeedRedis)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger
	cfg := container.Config

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Name+"-dispatcher")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	engine, err := container.Engine()
	if err != nil {
		lg.Fatal("failed to build dispatch engine", zap.Error(err))
	}

	reader := container.Kafka.NewReader(cfg.Kafka.CallTopic, cfg.Kafka.ConsumerGroupID)
	worker := intent.New(reader, engine, lg)
	ops := api.NewOpsServer(cfg.Ops.Port, container.HealthChecks(), container.Registry, engine.BufferStats, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return ops.Start(gctx) })

	lg.Info("dispatcher started",
		zap.String("topic", cfg.Kafka.CallTopic),
		zap.Int("max_concurrent_calls", cfg.Dispatch.MaxConcurrentCalls),
		zap.Int("ops_port", cfg.Ops.Port),
	)
	if err := g.Wait(); err != nil {
		lg.Fatal("dispatcher terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
