package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default values for the Kafka producer
const (
	DefaultFlushTimeout   = 15 * time.Second
	DefaultMessageTimeout = 30 * time.Second
	DefaultLinger         = 5 * time.Millisecond
	messageMaxBytes       = 10 * 1024 * 1024
)

// SASLConfig holds optional SASL authentication settings.
// SASL is applied only when Username is set.
type SASLConfig struct {
	Username         string `env:"KAFKA_SASL_USERNAME"`
	Password         string `env:"KAFKA_SASL_PASSWORD"`
	Mechanism        string `env:"KAFKA_SASL_MECHANISM"    envDefault:"SCRAM-SHA-512"`
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"SASL_SSL"`
}

// Enabled reports whether SASL credentials were provided.
func (s SASLConfig) Enabled() bool {
	return s.Username != ""
}

// ApplyToConfigMap sets the SASL keys on cfg when SASL is enabled.
func (s SASLConfig) ApplyToConfigMap(cfg *kafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	(*cfg)["security.protocol"] = s.SecurityProtocol
	(*cfg)["sasl.mechanisms"] = s.Mechanism
	(*cfg)["sasl.username"] = s.Username
	(*cfg)["sasl.password"] = s.Password
}

// ProducerConfig holds the configuration for the Kafka broker client
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"   envDefault:"localhost:9092"`      // Kafka broker addresses
	ClientID          string        `env:"KAFKA_CLIENT_ID"           envDefault:"lifecycle-publisher"` // Client identifier reported to brokers
	Acks              string        `env:"KAFKA_ACKS"                envDefault:"all"`                 // Replicas that must acknowledge a write
	CompressionType   string        `env:"KAFKA_COMPRESSION_TYPE"    envDefault:"snappy"`              // none, gzip, snappy, lz4 or zstd
	EnableIdempotence bool          `env:"KAFKA_ENABLE_IDEMPOTENCE"  envDefault:"true"`                // Avoid duplicates on librdkafka internal retries
	Linger            time.Duration `env:"KAFKA_LINGER"              envDefault:"5ms"`                 // Time to wait for a batch to fill
	MessageTimeout    time.Duration `env:"KAFKA_MESSAGE_TIMEOUT"     envDefault:"30s"`                 // Upper bound for a delivery report
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"       envDefault:"15s"`                 // Time Close waits for in-flight messages
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"         envDefault:"false"`               // Enable librdkafka client logs
	SASL              SASLConfig
	Breaker           BreakerConfig
}

// BreakerConfig controls the circuit breaker in front of the producer.
// The breaker is off when ConsecutiveFailures is zero.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `env:"KAFKA_BREAKER_CONSECUTIVE_FAILURES" envDefault:"0"`   // Transient failures in a row that open the circuit
	Timeout             time.Duration `env:"KAFKA_BREAKER_TIMEOUT"              envDefault:"30s"` // Time the circuit stays open
	MaxRequests         uint32        `env:"KAFKA_BREAKER_MAX_REQUESTS"         envDefault:"1"`   // Trial sends allowed while half-open
	Interval            time.Duration `env:"KAFKA_BREAKER_INTERVAL"             envDefault:"0s"`  // Counter reset period while closed, 0 never resets
}

// Enabled reports whether the breaker should wrap the producer.
func (b BreakerConfig) Enabled() bool {
	return b.ConsecutiveFailures > 0
}

// LoadProducerConfig loads Kafka configuration from environment variables
func LoadProducerConfig() (ProducerConfig, error) {
	cfg, err := env.ParseAs[ProducerConfig]()
	if err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka producer config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields librdkafka would otherwise reject at runtime.
func (c ProducerConfig) Validate() error {
	if c.BootstrapServers == "" {
		return errors.New("bootstrap servers cannot be empty")
	}
	switch c.Acks {
	case "all", "-1", "0", "1":
	default:
		return fmt.Errorf("invalid acks %q", c.Acks)
	}
	if c.MessageTimeout <= 0 {
		return fmt.Errorf("message timeout must be > 0, got %s", c.MessageTimeout)
	}
	if c.SASL.Enabled() && c.SASL.Password == "" {
		return errors.New("sasl password is required when sasl username is set")
	}
	if c.Breaker.Enabled() && c.Breaker.Timeout <= 0 {
		return fmt.Errorf("breaker timeout must be > 0, got %s", c.Breaker.Timeout)
	}
	return nil
}

// ConfigMap builds the librdkafka configuration for NewProducer.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cfg := &kafka.ConfigMap{
		// Required
		"bootstrap.servers": c.BootstrapServers,
		"client.id":         c.ClientID,

		// Reliability
		"acks":               c.Acks,
		"enable.idempotence": c.EnableIdempotence,
		"message.timeout.ms": int(c.MessageTimeout.Milliseconds()),

		// Performance tuning
		"linger.ms":        int(c.Linger.Milliseconds()),
		"compression.type": c.CompressionType,

		// Go channel for logs (optional, enable for debugging)
		"go.logs.channel.enable": c.EnableLogs,
		"message.max.bytes":      messageMaxBytes,
	}
	c.SASL.ApplyToConfigMap(cfg)
	return cfg
}
