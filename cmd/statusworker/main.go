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
	statusworker "github.com/acme/outbound-call-dispatch/internal/worker/status"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	opsPort := flag.Int("ops-port", 0, "override the ops listener port")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.NeedScylla)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger
	cfg := container.Config

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Name+"-status-worker")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	port := cfg.Ops.Port + 1
	if *opsPort > 0 {
		port = *opsPort
	}

	reader := container.Kafka.NewReader(cfg.Kafka.StatusTopic, cfg.Kafka.StatusConsumerGroupID)
	worker := statusworker.New(reader, container.Repositories().Journal, lg)
	ops := api.NewOpsServer(port, container.HealthChecks(), container.Registry, nil, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return ops.Start(gctx) })

	lg.Info("status worker started", zap.String("topic", cfg.Kafka.StatusTopic), zap.Int("ops_port", port))
	if err := g.Wait(); err != nil {
		lg.Fatal("status worker terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
