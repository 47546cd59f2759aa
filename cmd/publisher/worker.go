package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/lifecycle-publisher/pkg/jobs"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"
	"github.com/ava-labs/lifecycle-publisher/pkg/utils"
)

func runWorker(c *cli.Context) error {
	// Build configuration from environment and CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"enabled", cfg.Publisher.Enabled,
		"messageFormat", cfg.Publisher.MessageFormat,
		"timezone", cfg.Publisher.Timezone,
		"maxRetries", cfg.Publisher.MaxRetries,
		"jobClass", cfg.Publisher.BackgroundProcessor.Klass,
		"bootstrapServers", cfg.Kafka.BootstrapServers,
		"clientID", cfg.Kafka.ClientID,
		"acks", cfg.Kafka.Acks,
		"compressionType", cfg.Kafka.CompressionType,
		"messageTimeout", cfg.Kafka.MessageTimeout,
		"flushTimeout", cfg.Kafka.FlushTimeout,
		"enableKafkaLogs", cfg.Kafka.EnableLogs,
		"kafkaSASL", cfg.Kafka.SASL.Enabled(),
		"breakerFailures", cfg.Kafka.Breaker.ConsecutiveFailures,
		"breakerTimeout", cfg.Kafka.Breaker.Timeout,
		"topics", cfg.Topics,
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.Worker.Queue,
		"redisAddr", cfg.Redis.Addr,
		"concurrency", cfg.Worker.Concurrency,
		"pollTimeout", cfg.Worker.PollTimeout,
		"jobTimeout", cfg.Worker.JobTimeout,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       c.App.Name,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer func() {
		if err := backend.close(); err != nil {
			sugar.Warnw("job queue close error", "error", err)
		}
	}()

	if err := ensureKafkaTopics(ctx, cfg, sugar); err != nil {
		return err
	}

	producer, broker, breakerCheck, err := newBroker(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer producer.Close(cfg.Kafka.FlushTimeout)

	// Start metrics server
	healthChecks := []metrics.ServerOption{metrics.WithHealthCheck(backend.name, backend.check)}
	if breakerCheck != nil {
		healthChecks = append(healthChecks, metrics.WithHealthCheck("kafka", breakerCheck))
	}
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, healthChecks...)
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	store := messaging.NewStore(cfg.Publisher)
	dispatcher := messaging.NewDispatcher(broker, sugar, dispatcherOptions(store, backend.queue, m)...)

	handlers := jobs.NewRegistry()
	if err := handlers.Register(cfg.Publisher.BackgroundProcessor.Klass, jobs.NewDeliveryHandler(dispatcher)); err != nil {
		return fmt.Errorf("failed to register delivery handler: %w", err)
	}

	worker, err := jobs.NewWorker(backend.queue, handlers, cfg.Worker, sugar, m)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	sugar.Infow("worker created, starting to drain queue",
		"backend", cfg.QueueBackend,
		"queue", cfg.Worker.Queue,
		"handlers", handlers.Classes(),
	)

	// Run worker, producer and metrics server error handling concurrently using errgroup
	g, gctx := errgroup.WithContext(ctx)

	// Worker goroutine - blocks until shutdown
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
		return nil
	})

	// Fatal producer errors stop the worker
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err, ok := <-producer.Errors():
			if !ok || err == nil {
				return nil
			}
			return fmt.Errorf("kafka producer error: %w", err)
		}
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	// Wait for first error or completion from any goroutine
	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}
