package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ava-labs/lifecycle-publisher/pkg/jobs"
	"github.com/ava-labs/lifecycle-publisher/pkg/kafka"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// queueBackend is an open job queue together with its liveness check and
// the resources to release on shutdown.
type queueBackend struct {
	queue jobs.Queue
	name  string
	check metrics.HealthCheck
	close func() error
}

func openQueue(ctx context.Context, cfg *Config) (*queueBackend, error) {
	switch cfg.QueueBackend {
	case backendSidekiq, backendResque:
		client, err := jobs.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b := &queueBackend{
			name:  "redis",
			check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close: client.Close,
		}
		if cfg.QueueBackend == backendSidekiq {
			b.queue = jobs.NewSidekiqQueue(client, cfg.Worker.Queue)
		} else {
			b.queue = jobs.NewResqueQueue(client, cfg.Worker.Queue, jobs.WithResqueNamespace(cfg.ResqueNamespace))
		}
		return b, nil
	case backendAMQP:
		conn, ch, err := jobs.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		q, err := jobs.NewAMQPQueue(ch, cfg.Worker.Queue)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &queueBackend{
			queue: q,
			name:  "amqp",
			check: func(context.Context) error {
				if conn.IsClosed() {
					return errors.New("amqp connection closed")
				}
				return nil
			},
			close: func() error {
				return errors.Join(q.Close(), conn.Close())
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// dispatcherOptions registers q as the background processor the dispatcher
// enqueues into. Custom processors are carried by the configuration.
func dispatcherOptions(store *messaging.Store, q jobs.Queue, m *metrics.Metrics) []messaging.DispatcherOption {
	opts := []messaging.DispatcherOption{
		messaging.WithStore(store),
		messaging.WithMetrics(m),
	}
	if q == nil {
		return opts
	}
	if q.Processor() == messaging.ProcessorCustom {
		store.Setup(func(c *messaging.Config) {
			c.BackgroundProcessor.Custom = q.Enqueue
		})
		return opts
	}
	return append(opts, messaging.WithProcessor(q.Processor(), q))
}

// newBroker creates the Kafka producer and, when configured, the circuit
// breaker in front of it. check is nil without a breaker.
func newBroker(
	ctx context.Context,
	cfg *Config,
	log *zap.SugaredLogger,
) (producer *kafka.Producer, broker messaging.BrokerClient, check metrics.HealthCheck, err error) {
	producer, err = kafka.NewProducer(ctx, cfg.Kafka.ConfigMap(), log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	if !cfg.Kafka.Breaker.Enabled() {
		return producer, producer, nil, nil
	}
	b := kafka.NewBreaker(producer, cfg.Kafka.Breaker, log)
	return producer, b, b.Healthy, nil
}

// ensureKafkaTopics creates the configured topics that do not exist yet.
func ensureKafkaTopics(ctx context.Context, cfg *Config, log *zap.SugaredLogger) error {
	if len(cfg.Topics) == 0 {
		return nil
	}

	adminConfig := confluentKafka.ConfigMap{"bootstrap.servers": cfg.Kafka.BootstrapServers}
	cfg.Kafka.SASL.ApplyToConfigMap(&adminConfig)
	adminClient, err := confluentKafka.NewAdminClient(&adminConfig)
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	topics := kafka.TopicConfigs(cfg.Topics, cfg.KafkaTopicNumPartitions, cfg.KafkaTopicReplicationFactor)
	if err := kafka.EnsureTopics(ctx, adminClient, topics, log); err != nil {
		return fmt.Errorf("failed to ensure kafka topics exist: %w", err)
	}
	return nil
}
