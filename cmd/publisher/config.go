package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/lifecycle-publisher/pkg/jobs"
	"github.com/ava-labs/lifecycle-publisher/pkg/kafka"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// Job queue backends
const (
	backendSidekiq = "sidekiq"
	backendResque  = "resque"
	backendAMQP    = "amqp"
)

// defaultJobClass is the handler identifier written into async jobs when
// none is configured.
const defaultJobClass = "PublishJob"

// Config holds all configuration for the publisher commands
type Config struct {
	// Application settings
	Verbose bool

	// Publishing settings
	Publisher messaging.Config

	// Kafka producer settings
	Kafka                       kafka.ProducerConfig
	Topics                      []string
	KafkaTopicNumPartitions     int
	KafkaTopicReplicationFactor int

	// Job queue settings
	QueueBackend    string
	Redis           jobs.RedisConfig
	ResqueNamespace string
	AMQPURL         string
	Worker          jobs.WorkerConfig

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// Processor maps the queue backend to the background processor that
// enqueues into it.
func (c *Config) Processor() messaging.ProcessorName {
	switch c.QueueBackend {
	case backendSidekiq:
		return messaging.ProcessorSidekiq
	case backendResque:
		return messaging.ProcessorResque
	case backendAMQP:
		return messaging.ProcessorCustom
	default:
		return messaging.ProcessorNone
	}
}

// loadEnvFile loads --env-file into the process environment. Variables
// already set win over the file.
func loadEnvFile(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// buildConfig builds a Config from environment defaults overridden by CLI
// flags. Flags not defined on the running command are ignored.
func buildConfig(c *cli.Context) (*Config, error) {
	pubCfg, err := buildPublisherConfig(c)
	if err != nil {
		return nil, err
	}
	kafkaCfg, err := buildKafkaConfig(c)
	if err != nil {
		return nil, err
	}
	redisCfg, err := buildRedisConfig(c)
	if err != nil {
		return nil, err
	}
	workerCfg, err := buildWorkerConfig(c)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:                     c.Bool("verbose"),
		Publisher:                   pubCfg,
		Kafka:                       kafkaCfg,
		Topics:                      splitList(c.StringSlice("topics")),
		KafkaTopicNumPartitions:     c.Int("topic-partitions"),
		KafkaTopicReplicationFactor: c.Int("topic-replication-factor"),
		QueueBackend:                strings.ToLower(c.String("queue-backend")),
		Redis:                       redisCfg,
		ResqueNamespace:             c.String("resque-namespace"),
		AMQPURL:                     c.String("amqp-url"),
		Worker:                      workerCfg,
		MetricsHost:                 c.String("metrics-host"),
		MetricsPort:                 c.Int("metrics-port"),
		Environment:                 c.String("environment"),
		Region:                      c.String("region"),
		CloudProvider:               c.String("cloud-provider"),
	}

	if c.IsSet("queue-backend") || cfg.Publisher.BackgroundProcessor.Name == "" ||
		cfg.Publisher.BackgroundProcessor.Name == messaging.ProcessorNone {
		cfg.Publisher.BackgroundProcessor.Name = cfg.Processor()
	}
	if cfg.Publisher.BackgroundProcessor.Klass == "" {
		cfg.Publisher.BackgroundProcessor.Klass = defaultJobClass
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case "", backendSidekiq, backendResque, backendAMQP:
	default:
		return fmt.Errorf("queue-backend must be one of %s, %s or %s, got %q",
			backendSidekiq, backendResque, backendAMQP, c.QueueBackend)
	}
	if c.QueueBackend == backendAMQP && c.AMQPURL == "" {
		return errors.New("amqp-url is required for the amqp backend")
	}
	if len(c.Topics) > 0 && (c.KafkaTopicNumPartitions < 1 || c.KafkaTopicReplicationFactor < 1) {
		return fmt.Errorf("topic-partitions and topic-replication-factor must be >= 1, got %d and %d",
			c.KafkaTopicNumPartitions, c.KafkaTopicReplicationFactor)
	}
	if err := c.Publisher.Validate(); err != nil {
		return fmt.Errorf("invalid publisher config: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("invalid kafka config: %w", err)
	}
	return nil
}

func buildPublisherConfig(c *cli.Context) (messaging.Config, error) {
	cfg, err := messaging.LoadConfig()
	if err != nil {
		return messaging.Config{}, err
	}
	if c.IsSet("enabled") {
		cfg.Enabled = c.Bool("enabled")
	}
	if c.IsSet("message-format") {
		cfg.MessageFormat = messaging.MessageFormat(c.String("message-format"))
	}
	if c.IsSet("timezone") {
		cfg.Timezone = c.String("timezone")
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("job-class") {
		cfg.BackgroundProcessor.Klass = c.String("job-class")
	}
	return cfg, nil
}

func buildKafkaConfig(c *cli.Context) (kafka.ProducerConfig, error) {
	cfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return kafka.ProducerConfig{}, err
	}
	if c.IsSet("bootstrap-servers") {
		cfg.BootstrapServers = c.String("bootstrap-servers")
	}
	if c.IsSet("client-id") {
		cfg.ClientID = c.String("client-id")
	}
	if c.IsSet("acks") {
		cfg.Acks = c.String("acks")
	}
	if c.IsSet("compression-type") {
		cfg.CompressionType = c.String("compression-type")
	}
	if c.IsSet("linger") {
		cfg.Linger = c.Duration("linger")
	}
	if c.IsSet("message-timeout") {
		cfg.MessageTimeout = c.Duration("message-timeout")
	}
	if c.IsSet("flush-timeout") {
		cfg.FlushTimeout = c.Duration("flush-timeout")
	}
	if c.IsSet("enable-kafka-logs") {
		cfg.EnableLogs = c.Bool("enable-kafka-logs")
	}
	if c.IsSet("breaker-failures") {
		cfg.Breaker.ConsecutiveFailures = uint32(c.Uint("breaker-failures"))
	}
	if c.IsSet("breaker-timeout") {
		cfg.Breaker.Timeout = c.Duration("breaker-timeout")
	}
	if c.IsSet("kafka-sasl-username") {
		cfg.SASL.Username = c.String("kafka-sasl-username")
	}
	if c.IsSet("kafka-sasl-password") {
		cfg.SASL.Password = c.String("kafka-sasl-password")
	}
	if c.IsSet("kafka-sasl-mechanism") {
		cfg.SASL.Mechanism = c.String("kafka-sasl-mechanism")
	}
	if c.IsSet("kafka-security-protocol") {
		cfg.SASL.SecurityProtocol = c.String("kafka-security-protocol")
	}
	return cfg, nil
}

func buildRedisConfig(c *cli.Context) (jobs.RedisConfig, error) {
	cfg, err := jobs.LoadRedisConfig()
	if err != nil {
		return jobs.RedisConfig{}, err
	}
	if c.IsSet("redis-addr") {
		cfg.Addr = c.String("redis-addr")
	}
	if c.IsSet("redis-password") {
		cfg.Password = c.String("redis-password")
	}
	if c.IsSet("redis-db") {
		cfg.DB = c.Int("redis-db")
	}
	return cfg, nil
}

func buildWorkerConfig(c *cli.Context) (jobs.WorkerConfig, error) {
	cfg, err := jobs.LoadWorkerConfig()
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	if c.IsSet("queue") {
		cfg.Queue = c.String("queue")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("poll-timeout") {
		cfg.PollTimeout = c.Duration("poll-timeout")
	}
	if c.IsSet("job-timeout") {
		cfg.JobTimeout = c.Duration("job-timeout")
	}
	return cfg, nil
}

// splitList flattens comma-separated values and drops blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
