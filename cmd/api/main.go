package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/outbound-call-dispatch/internal/api"
	"github.com/acme/outbound-call-dispatch/internal/api/handlers"
	"github.com/acme/outbound-call-dispatch/internal/app"
	"github.com/acme/outbound-call-dispatch/internal/telemetry"
	"github.com/acme/outbound-call-dispatch/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	migrate := flag.Bool("migrate", false, "apply postgres migrations before serving")
	flag.Parse()

	container, err := app.Build(ctx, *configPath, app.NeedPostgres|app.NeedScylla|app.NeedRedis)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if *migrate {
		if err := container.Postgres.Migrate(ctx, migrations.Postgres, migrations.PostgresDir); err != nil {
			lg.Fatal("failed to apply migrations", zap.Error(err))
		}
		lg.Info("postgres migrations applied")
	}

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	services := container.Services()
	handlerSet := handlers.NewHandlerSet(services.Call, services.Callback, container.HealthChecks(), container.Registry, lg)
	server := api.NewServer(container.Config.HTTP, handlerSet)

	lg.Info("api server starting", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		lg.Fatal("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
