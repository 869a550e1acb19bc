package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/config"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/cronrunner"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/db"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/enforcement"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/logging"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/memstore"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/outbox"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/resolution"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/scheduler"
)

func main() {
	configPath := flag.String("config", os.Getenv("DISPUTE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispute engine stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	stores, closeStores, err := openStores(ctx, cfg.DB, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []engine.Option{engine.WithMetrics(scheduler.NewMetrics(registry))}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		opts = append(opts, engine.WithTickLease(scheduler.NewRedisLease(client, cfg.Redis.LeaseKey)))
		logger.Info("scheduler tick lease enabled", zap.String("redis", cfg.Redis.Addr))
	}

	payments := enforcement.NewHTTPPayments(cfg.Payments.BaseURL, cfg.Payments.Timeout,
		enforcement.WithRateLimit(cfg.Payments.RateLimit, cfg.Payments.Burst),
		enforcement.WithLogger(logger.Named("payments")))
	eng := engine.New(stores, payments, logger, engineConfig(cfg), opts...)

	publisher, closePublisher, err := newPublisher(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer closePublisher()
	relay := eng.Relay(publisher, logger.Named("outbox"),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	)

	runner := cronrunner.New(logger.Named("cron"), ctx)
	jobs := []struct {
		name string
		spec string
		job  func(context.Context)
	}{
		{"scheduler", cfg.Scheduler.Spec, eng.Scheduler.Run},
		{"escalation", cfg.Escalation.Spec, eng.Escalation.Run},
		{"outbox", cfg.Outbox.Spec, relay.Run},
	}
	for _, j := range jobs {
		if _, err := runner.Add(j.name, j.spec, j.job); err != nil {
			return err
		}
	}

	server := NewServer(eng, auth.NewService(cfg.Auth.JWTSecret), logger.Named("http"),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runner.Start()
		logger.Info("background jobs started", zap.Int("entries", runner.Entries()))
		<-gctx.Done()
		runner.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		Resolution: resolution.Config{
			CoolOffDays:             cfg.Resolution.CoolOffDays,
			AppealDays:              cfg.Resolution.AppealDays,
			MinReasoningLength:      cfg.Resolution.MinReasoningLength,
			AuditValidationFailures: cfg.Resolution.AuditValidationFailures,
		},
		Scheduler: scheduler.Config{
			MaxAttempts:    cfg.Scheduler.MaxAttempts,
			BaseBackoff:    cfg.Scheduler.BaseBackoff,
			MaxBackoff:     cfg.Scheduler.MaxBackoff,
			ExecutionLease: cfg.Scheduler.ExecutionLease,
			BatchSize:      cfg.Scheduler.BatchSize,
			TickLeaseTTL:   cfg.Scheduler.TickLeaseTTL,
		},
		ResponseWindow: cfg.Escalation.ResponseWindow,
		ExecuteTimeout: cfg.Scheduler.ExecuteTimeout,
	}
}

// openStores connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStores(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (engine.Stores, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("db.dsn is empty, running on the in-memory store")
		return engine.MemoryStores(memstore.New()), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DSN, db.PoolOptions{
		MaxConns:        cfg.MaxConns,
		MaxConnIdleTime: cfg.ConnMaxIdleTime,
		MaxConnLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return engine.Stores{}, nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return engine.Stores{}, nil, err
		}
	}
	return engine.PostgresStores(pool), pool.Close, nil
}

func newPublisher(cfg config.KafkaConfig, logger *zap.Logger) (outbox.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("kafka.brokers is empty, outbox messages are logged only")
		return outbox.NewLogPublisher(logger.Named("outbox")), func() {}, nil
	}
	p, err := outbox.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
