package jobs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Default values for job queues and workers
const (
	DefaultQueue       = "low"
	DefaultConcurrency = 4
	DefaultPollTimeout = 5 * time.Second
	DefaultJobTimeout  = 30 * time.Second
	pingTimeout        = 5 * time.Second
)

// RedisConfig holds the connection settings for the job queue backend
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Username string `env:"REDIS_USERNAME"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
	TLS      bool   `env:"REDIS_TLS"      envDefault:"false"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

// WorkerConfig controls how a Worker drains its queue
type WorkerConfig struct {
	Queue       string        `env:"JOBS_QUEUE"        envDefault:"low"` // Queue name without namespace
	Concurrency int           `env:"JOBS_CONCURRENCY"  envDefault:"4"`   // Jobs processed in parallel
	PollTimeout time.Duration `env:"JOBS_POLL_TIMEOUT" envDefault:"5s"`  // Blocking pop timeout
	JobTimeout  time.Duration `env:"JOBS_JOB_TIMEOUT"  envDefault:"30s"` // Upper bound for one handler run
}

// LoadRedisConfig loads the Redis connection settings from environment variables
func LoadRedisConfig() (RedisConfig, error) {
	cfg, err := env.ParseAs[RedisConfig]()
	if err != nil {
		return RedisConfig{}, fmt.Errorf("failed to parse redis config: %w", err)
	}
	return cfg, nil
}

// LoadWorkerConfig loads the worker settings from environment variables
func LoadWorkerConfig() (WorkerConfig, error) {
	cfg, err := env.ParseAs[WorkerConfig]()
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return cfg, nil
}

func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("redis addr cannot be empty")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db must be >= 0, got %d", c.DB)
	}
	return nil
}

func (c WorkerConfig) Validate() error {
	if c.Queue == "" {
		return errors.New("queue name cannot be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be > 0, got %s", c.PollTimeout)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be > 0, got %s", c.JobTimeout)
	}
	return nil
}

// Options converts the config into go-redis client options.
func (c RedisConfig) Options() *redis.Options {
	opts := &redis.Options{
		Addr:       c.Addr,
		Username:   c.Username,
		Password:   c.Password,
		DB:         c.DB,
		PoolSize:   c.PoolSize,
		MaxRetries: 3,

		ContextTimeoutEnabled: true,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(cfg.Options())

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
