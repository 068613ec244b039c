package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/outreach/config"
	"github.com/mohammad-safakhou/outreach/internal/alerts"
	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/goalengine"
	"github.com/mohammad-safakhou/outreach/internal/guard"
	"github.com/mohammad-safakhou/outreach/internal/heartbeat"
	"github.com/mohammad-safakhou/outreach/internal/matcher"
	"github.com/mohammad-safakhou/outreach/internal/provider"
	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/runtime"
	"github.com/mohammad-safakhou/outreach/internal/server"
	"github.com/mohammad-safakhou/outreach/internal/tools"
	"github.com/mohammad-safakhou/outreach/internal/worker"
)

// app holds every wired component of a running service.
type app struct {
	cfg       *config.Config
	clock     clock.Clock
	telemetry *runtime.Telemetry
	store     engagement.Store
	queue     *queue.Queue
	alerts    *alerts.Publisher
	guard     *guard.Evaluator
	registry  *tools.Registry
	pool      *worker.Pool
	heartbeat *heartbeat.Monitor
	engine    *goalengine.Engine
	server    *server.Server

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

func componentLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags)
}

// openQueue wires persistence, the alert sink and the queue. It is all the
// dead-letter commands need.
func openQueue(ctx context.Context, cfg *config.Config, a *app) error {
	a.clock = clock.Real()
	var backend queue.Backend
	switch cfg.Storage.Driver {
	case "memory":
		a.store = engagement.NewMemoryStore()
		backend = queue.NewMemoryBackend()
		log.Printf("using in-memory storage; state is lost on exit")
	default:
		st, err := runtime.OpenStore(ctx, cfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, st.Close)
		a.store = st
		backend = st.Jobs()
	}

	var sink queue.AlertSink = queue.LogSink{Logger: componentLogger("ALERT")}
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.alerts = alerts.NewPublisher(rdb, cfg.Queue.AlertStream, 10000, a.clock, componentLogger("ALERT"))
		sink = a.alerts
	}

	var meter otelmetric.Meter
	if a.telemetry != nil {
		meter = a.telemetry.Meter
	}
	a.queue = queue.New(backend, a.clock, queue.OptionsFromConfig(cfg.Queue), sink, componentLogger("QUEUE"), meter)
	return nil
}

// buildApp wires the full service for serve.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "outreach", ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := openQueue(ctx, cfg, a); err != nil {
		a.Close()
		return nil, err
	}

	policies := guard.PoliciesFromConfig(cfg.Guard, cfg.Safeguards)
	if cfg.Guard.PolicyFile != "" {
		if policies, err = guard.LoadPolicyFile(cfg.Guard.PolicyFile, policies); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.guard = guard.NewEvaluator(a.store, policies, a.clock,
		guard.WithLiveCounter(a.queue), guard.WithLogger(componentLogger("GUARD")))

	deps := tools.Deps{
		Store:      a.store,
		Clock:      a.clock,
		Queue:      a.queue,
		MatchLimit: cfg.Matcher.MaxResults,
		Content:    a.guard,
	}
	m, err := newMatcher(cfg.Matcher)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.Matcher = m
	if cfg.LLM.Enabled() {
		deps.Completer = provider.NewOpenAI(provider.OpenAIOptions{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			Model:             cfg.LLM.Model,
			Timeout:           cfg.LLM.Timeout,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		})
	}
	if cfg.Search.SerperAPIKey != "" {
		deps.Searcher = provider.NewSerper(cfg.Search.SerperAPIKey, cfg.Search.MaxResults, cfg.Search.Timeout)
	}
	if cfg.Messaging.WebhookURL != "" {
		deps.Channel = provider.NewWebhook(cfg.Messaging.WebhookURL, cfg.Messaging.APIKey, cfg.Messaging.Timeout,
			cfg.Messaging.RequestsPerSecond, a.clock)
	} else {
		log.Printf("messaging.webhook_url not set; send_message is disabled")
	}

	a.registry, err = tools.NewRegistry(a.guard, a.store, a.clock, tools.Standard(deps)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry.SetLogger(componentLogger("TOOLS"))

	a.pool = worker.NewPool(componentLogger("WORKER"), a.queue, a.registry, worker.NewRouter(a.registry, nil), a.clock, worker.Options{
		Workers:          cfg.Workers.Count,
		PollInterval:     cfg.Queue.PollInterval,
		ExecutionTimeout: cfg.Workers.ExecutionTimeout,
		Lease:            cfg.Queue.LeaseDuration,
	}, a.telemetry.Meter, a.telemetry.Tracer)

	a.heartbeat = heartbeat.New(a.store, a.queue, a.clock, heartbeat.OptionsFromConfig(cfg.Heartbeat),
		componentLogger("HEARTBEAT"), a.telemetry.Meter)

	srvDeps := server.Deps{
		Queue:       a.queue,
		Tools:       a.registry,
		Safeguards:  a.guard,
		Contractors: a.store,
		Heartbeat:   a.heartbeat,
		Metrics:     a.telemetry.Handler(),
		Clock:       a.clock,
		Logger:      componentLogger("HTTP"),
	}
	if cfg.Goals.Enabled {
		a.engine = goalengine.New(a.store, a.registry, a.queue, a.clock, goalengine.OptionsFromConfig(cfg.Goals), componentLogger("IGE"))
		srvDeps.Engine = a.engine
	}
	if a.alerts != nil {
		srvDeps.Alerts = a.alerts
	}
	if srvDeps.Secret, err = runtime.LoadJWTSecret(cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.server = server.New(srvDeps)
	return a, nil
}

// newMatcher indexes the configured catalogue, or an empty one.
func newMatcher(c config.MatcherConfig) (*matcher.Matcher, error) {
	var cat matcher.Catalog
	if c.CatalogPath != "" {
		var err error
		if cat, err = matcher.LoadCatalog(c.CatalogPath); err != nil {
			return nil, err
		}
	}
	m, err := matcher.New(cat)
	if err != nil {
		return nil, fmt.Errorf("index catalog: %w", err)
	}
	return m, nil
}

// components lists the loops serve runs.
func (a *app) components() []runtime.Component {
	out := []runtime.Component{
		{Name: "workers", Run: a.pool.Start},
		{Name: "heartbeat", Run: a.heartbeat.Start},
		{Name: "http", Run: func(ctx context.Context) error { return a.server.Start(ctx, a.cfg.Server.Address) }},
	}
	if a.engine != nil {
		out = append(out, runtime.Component{Name: "goal-engine", Run: a.engine.Start})
	}
	return out
}
