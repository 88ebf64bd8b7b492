package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/efreitasn/orderexec/internal/config"
	"github.com/efreitasn/orderexec/internal/engine"
	"github.com/efreitasn/orderexec/internal/handler"
	"github.com/efreitasn/orderexec/internal/hub"
	"github.com/efreitasn/orderexec/internal/queue"
	"github.com/efreitasn/orderexec/internal/retry"
	"github.com/efreitasn/orderexec/internal/service"
	"github.com/efreitasn/orderexec/internal/sink"
	"github.com/efreitasn/orderexec/internal/store"
	"github.com/efreitasn/orderexec/internal/venue"
)

// orderStore is what every store backend provides.
type orderStore interface {
	service.OrderRepository
	Close() error
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open order store",
			slog.String("backend", cfg.StoreBackend),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer orders.Close()

	backoff := retry.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	jobs, closeQueue, err := openQueue(ctx, cfg, queue.Options{MaxAttempts: cfg.MaxAttempts, Backoff: backoff}, logger)
	if err != nil {
		logger.Error("failed to open job queue",
			slog.String("backend", cfg.QueueBackend),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer closeQueue()

	// Venues and routing.
	venues := venue.Default(venue.Options{
		Latency:     cfg.SimLatency,
		FailureRate: cfg.SimFailureRate,
	})
	quoters := make([]engine.Quoter, 0, len(venues.Venues()))
	for _, v := range venues.Venues() {
		quoters = append(quoters, v)
	}
	router := engine.NewRouter(quoters, cfg.QuoteTimeout, logger)

	// Status fan-out: push hub first, then the optional Kafka and webhook mirrors.
	pushHub := hub.New(logger)
	publisher := engine.Fanout{pushHub}
	if cfg.KafkaEnabled() {
		kafkaSink := sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kafkaSink.Close()
		publisher = append(publisher, kafkaSink)
		logger.Info("kafka status sink enabled",
			slog.String("topic", cfg.KafkaTopic),
			slog.Int("brokers", len(cfg.KafkaBrokers)),
		)
	}

	if cfg.WebhookEnabled() {
		webhookSink := sink.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout, cfg.WebhookTerminalOnly, logger)
		defer webhookSink.Wait()
		publisher = append(publisher, webhookSink)
		logger.Info("webhook status sink enabled", slog.Bool("terminal_only", cfg.WebhookTerminalOnly))
	}

	lifecycle := engine.NewLifecycle(router, venues, orders, publisher, engine.RealClock{}, engine.LifecycleConfig{
		SettleDelay:    cfg.SettleDelay,
		StageDelay:     cfg.StageDelay,
		ExecuteTimeout: cfg.ExecuteTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		Backoff:        backoff,
	}, logger)

	pool := queue.NewPool(jobs, lifecycle.Process, cfg.WorkerConcurrency, logger)
	pool.Start(ctx)
	queue.NewMonitor(jobs, cfg.QueueStatsInterval, logger).Start(ctx)

	orderSvc := service.NewOrderService(orders, jobs, publisher, logger)
	httpHandler := handler.NewRouter(orderSvc, pushHub, cfg.CORSOrigins, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpHandler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("store", cfg.StoreBackend),
			slog.String("queue", cfg.QueueBackend),
			slog.Int("workers", cfg.WorkerConcurrency),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop accepting HTTP, then stop the workers. Jobs
	// interrupted mid-flight stay claimed and are redelivered on restart.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	pool.Wait()

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (orderStore, error) {
	switch cfg.StoreBackend {
	case config.StorePebble:
		return store.NewPebbleOrderStore(cfg.PebbleDir)
	case config.StorePostgres:
		return store.NewPostgresOrderStore(ctx, cfg.DatabaseURL)
	default:
		return store.NewOrderStore(), nil
	}
}

func openQueue(ctx context.Context, cfg *config.Config, opts queue.Options, logger *slog.Logger) (queue.Queue, func(), error) {
	if cfg.QueueBackend != config.QueueRedis {
		return queue.NewMemoryQueue(opts), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("pinging redis at %s: %w", cfg.RedisAddr, err)
	}

	q := queue.NewRedisQueue(client, cfg.QueueName, opts, logger)
	recovered, err := q.Recover(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("recovering in-flight jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered in-flight jobs", slog.Int("count", recovered))
	}
	return q, func() { client.Close() }, nil
}
