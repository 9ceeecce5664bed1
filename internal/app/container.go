package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/acme/outbound-call-dispatch/internal/config"
	"github.com/acme/outbound-call-dispatch/internal/dispatch"
	"github.com/acme/outbound-call-dispatch/internal/infra/db"
	"github.com/acme/outbound-call-dispatch/internal/infra/redis"
	"github.com/acme/outbound-call-dispatch/internal/metrics"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/internal/repository"
	pgrepo "github.com/acme/outbound-call-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-call-dispatch/internal/repository/scylla"
	"github.com/acme/outbound-call-dispatch/internal/service/admission"
	"github.com/acme/outbound-call-dispatch/internal/service/buffer"
	callsvc "github.com/acme/outbound-call-dispatch/internal/service/call"
	callbacksvc "github.com/acme/outbound-call-dispatch/internal/service/callback"
	"github.com/acme/outbound-call-dispatch/internal/telephony"
	telephonyMock "github.com/acme/outbound-call-dispatch/internal/telephony/mock"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// Requirement selects the infrastructure a process connects to.
type Requirement int

const (
	NeedPostgres Requirement = 1 << iota
	NeedScylla
	NeedRedis
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		metrics      *metrics.Metrics
		repositories *repositories
		services     *services
		dispatchers  *dispatchers
		providers    *providers
		admission    *admission.Controller
		engine       *dispatch.Engine
	}
}

type repositories struct {
	Calls   repository.CallStore
	Journal repository.CallJournal
}

type services struct {
	Call     *callsvc.Service
	Callback *callbacksvc.Service
}

type dispatchers struct {
	Intent     *queue.IntentPublisher
	Status     *queue.StatusPublisher
	DeadLetter *queue.DeadLetterPublisher
}

type providers struct {
	Telephony telephony.Provider
}

// Build constructs a container for the given configuration path, connecting
// only to the stores named in needs. Kafka is always configured.
func Build(ctx context.Context, configPath string, needs Requirement) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Registry: registry,
		Kafka:    kafka,
	}

	if needs&NeedPostgres != 0 {
		if container.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	if needs&NeedScylla != 0 {
		if container.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}
	if needs&NeedRedis != 0 {
		if container.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		m := metrics.New(c.Registry)

		repos := &repositories{}
		if c.Postgres != nil {
			repos.Calls = pgrepo.NewCallRepository(c.Postgres.DB())
		}
		if c.Scylla != nil {
			repos.Journal = scyllarepo.NewCallJournal(c.Scylla.Session())
		}

		disp := &dispatchers{
			Intent:     queue.NewIntentPublisher(c.Kafka, c.Config.Kafka.CallTopic),
			Status:     queue.NewStatusPublisher(c.Kafka, c.Config.Kafka.StatusTopic),
			DeadLetter: queue.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		providers := &providers{
			Telephony: telephonyMock.NewProvider(c.Config.CallBridge),
		}

		var ctrl *admission.Controller
		if c.Redis != nil {
			dc := c.Config.Dispatch
			ctrl = admission.NewController(c.Redis.Inner(), c.Logger, admission.Options{
				MaxConcurrentCalls: dc.MaxConcurrentCalls,
				LockTTL:            dc.LockTTL,
				KeyPrefix:          dc.KeyPrefix,
				RetryAttempts:      dc.StoreRetryAttempts,
				RetryInterval:      dc.StoreRetryInterval,
			})
		}

		svcs := &services{}
		if repos.Calls != nil && ctrl != nil {
			svcs.Call = callsvc.NewService(repos.Calls, repos.Journal, disp.Intent, ctrl, c.Logger)
			svcs.Callback = callbacksvc.NewService(repos.Calls, ctrl, disp.Status, c.Config.Callback.APIKey, c.Logger, m)
		}

		c.components.metrics = m
		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.providers = providers
		c.components.admission = ctrl
		c.components.services = svcs
	})
}

// Metrics exposes the Prometheus collectors.
func (c *Container) Metrics() *metrics.Metrics {
	c.initComponents()
	return c.components.metrics
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Dispatchers exposes Kafka publishers.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Admission exposes the admission controller. It is nil without Redis.
func (c *Container) Admission() *admission.Controller {
	c.initComponents()
	return c.components.admission
}

// Engine builds the dispatch engine on first use. It requires Postgres and Redis.
func (c *Container) Engine() (*dispatch.Engine, error) {
	c.initComponents()
	if c.components.engine != nil {
		return c.components.engine, nil
	}
	repos := c.components.repositories
	if repos.Calls == nil || c.components.admission == nil {
		return nil, errors.New("dispatch engine requires postgres and redis")
	}

	dc := c.Config.Dispatch
	c.components.engine = dispatch.NewEngine(dispatch.Config{
		MaxConcurrentCalls: dc.MaxConcurrentCalls,
		MaxRetryAttempts:   dc.MaxRetryAttempts,
		SweepInterval:      dc.BufferCheckInterval,
		BufferMaxAge:       dc.BufferMaxAge,
		ProviderTimeout:    c.Config.CallBridge.RequestTimeout,
		WebhookURL:         c.Config.CallbackURL(),
		ReconcileInterval:  dc.ReconcileInterval,
		ReconcileAge:       dc.ReconcileAge,
		ReconcileBatch:     dc.ReconcileBatch,
	}, dispatch.Deps{
		Calls:       repos.Calls,
		Admission:   c.components.admission,
		Buffer:      buffer.New(dc.BufferCapacity, nil),
		Provider:    c.components.providers.Telephony,
		Status:      c.components.dispatchers.Status,
		DeadLetters: c.components.dispatchers.DeadLetter,
		Clock:       clock.RealClock{},
		Logger:      c.Logger,
		Metrics:     c.components.metrics,
	})
	return c.components.engine, nil
}

// HealthChecks returns a ping per connected store.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if err := d.Intent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("intent publisher close: %w", err))
		}
		if err := d.Status.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
		if err := d.DeadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
