package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
)

// MessageFormat selects how a composed message is serialized.
type MessageFormat string

const (
	FormatJSON         MessageFormat = "json"
	FormatWithEncoding MessageFormat = "with_encoding"
)

// ProcessorName selects the background processor used for async dispatch.
type ProcessorName string

const (
	ProcessorNone    ProcessorName = "none"
	ProcessorSidekiq ProcessorName = "sidekiq"
	ProcessorResque  ProcessorName = "resque"
	ProcessorCustom  ProcessorName = "custom"
)

// Default configuration values.
const (
	DefaultTimezone   = "UTC"
	DefaultMaxRetries = 2
)

// CustomProcessorFunc hands message parameters to a caller-owned job system.
type CustomProcessorFunc func(ctx context.Context, handler string, params Parameters) error

// BackgroundProcessorConfig selects the job queue for async dispatch.
type BackgroundProcessorConfig struct {
	Name   ProcessorName `env:"NAME" envDefault:"none"` // none, sidekiq, resque or custom
	Klass  string        `env:"KLASS"`                  // Handler identifier the job queue runs
	Custom CustomProcessorFunc
}

// Config is the process-wide publishing configuration.
type Config struct {
	Enabled             bool                      `env:"PUBLISHER_ENABLED"        envDefault:"true"` // Kill switch for every broker call and enqueue
	MessageFormat       MessageFormat             `env:"PUBLISHER_MESSAGE_FORMAT" envDefault:"json"` // json or with_encoding
	Timezone            string                    `env:"PUBLISHER_TIMEZONE"       envDefault:"UTC"`  // IANA zone timestamps are rendered in
	MaxRetries          int                       `env:"PUBLISHER_MAX_RETRIES"    envDefault:"2"`    // Extra sync attempts on transient failures
	BackgroundProcessor BackgroundProcessorConfig `envPrefix:"PUBLISHER_BACKGROUND_PROCESSOR_"`
}

// DefaultConfig returns the configuration used before any Setup call.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MessageFormat: FormatJSON,
		Timezone:      DefaultTimezone,
		MaxRetries:    DefaultMaxRetries,
		BackgroundProcessor: BackgroundProcessorConfig{
			Name: ProcessorNone,
		},
	}
}

// LoadConfig reads the configuration from PUBLISHER_* environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse publisher config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that can be verified up front. The message
// format is checked when a message is formatted.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	switch c.BackgroundProcessor.Name {
	case "", ProcessorNone, ProcessorSidekiq, ProcessorResque, ProcessorCustom:
	default:
		return fmt.Errorf("%w: unknown background processor %q", ErrMisconfiguredProcessor, c.BackgroundProcessor.Name)
	}
	return nil
}

// Store holds a Config. Reads are lock-free; Setup serializes writers and
// publishes a new copy, so readers never observe a partial update. The zero
// value holds DefaultConfig.
type Store struct {
	mu  sync.Mutex
	cfg atomic.Pointer[Config]
}

func NewStore(cfg Config) *Store {
	s := &Store{}
	s.cfg.Store(&cfg)
	return s
}

// Load returns a copy of the current configuration.
func (s *Store) Load() Config {
	if cfg := s.cfg.Load(); cfg != nil {
		return *cfg
	}
	return DefaultConfig()
}

// Setup applies fn to a copy of the current configuration and publishes it.
// A nil fn changes nothing.
func (s *Store) Setup(fn func(*Config)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Load()
	fn(&next)
	s.cfg.Store(&next)
}

// Replace publishes cfg as the current configuration.
func (s *Store) Replace(cfg Config) {
	s.Setup(func(c *Config) { *c = cfg })
}

var defaultStore = NewStore(DefaultConfig())

// DefaultStore returns the process-wide store used when no store is given.
func DefaultStore() *Store {
	return defaultStore
}

// Setup mutates the process-wide configuration.
func Setup(fn func(*Config)) {
	defaultStore.Setup(fn)
}

// CurrentConfig returns a copy of the process-wide configuration.
func CurrentConfig() Config {
	return defaultStore.Load()
}

// Disable turns the process-wide kill switch off. Conditions are still
// evaluated, but nothing is sent or enqueued.
func Disable() {
	Setup(func(c *Config) { c.Enabled = false })
}

// Enable turns the process-wide kill switch back on.
func Enable() {
	Setup(func(c *Config) { c.Enabled = true })
}
