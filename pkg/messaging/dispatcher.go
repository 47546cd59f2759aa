package messaging

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"
)

// DispatchMethod selects between inline delivery and a job queue handoff.
type DispatchMethod string

const (
	DispatchSync  DispatchMethod = "sync"
	DispatchAsync DispatchMethod = "async"
)

// BackgroundProcessor hands serializable parameters to a job queue. The job
// later rebuilds a Message from them and sends it.
type BackgroundProcessor interface {
	Enqueue(ctx context.Context, handler string, params Parameters) error
}

// CustomProcessor adapts a CustomProcessorFunc to BackgroundProcessor.
type CustomProcessor CustomProcessorFunc

func (f CustomProcessor) Enqueue(ctx context.Context, handler string, params Parameters) error {
	return f(ctx, handler, params)
}

// Dispatcher routes message parameters to the broker or to a job queue,
// depending on the dispatch method and the current configuration.
//
// Dispatcher is safe for concurrent use as long as the broker client and the
// registered processors are.
type Dispatcher struct {
	store      *Store
	broker     BrokerClient
	formatter  *Formatter
	processors map[ProcessorName]BackgroundProcessor
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithStore reads configuration from s instead of the process-wide store.
func WithStore(s *Store) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = s
	}
}

func WithFormatter(f *Formatter) DispatcherOption {
	return func(d *Dispatcher) {
		d.formatter = f
	}
}

// WithProcessor registers the job queue used when the configured background
// processor is name. Only sidekiq and resque processors are looked up here;
// custom processors come from the configuration.
func WithProcessor(name ProcessorName, p BackgroundProcessor) DispatcherOption {
	return func(d *Dispatcher) {
		d.processors[name] = p
	}
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDispatchClock sets the clock used for message timestamps.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a Dispatcher delivering through broker. broker may be
// nil for processes that only dispatch asynchronously.
func NewDispatcher(broker BrokerClient, log *zap.SugaredLogger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		store:      DefaultStore(),
		broker:     broker,
		processors: map[ProcessorName]BackgroundProcessor{},
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.formatter == nil {
		d.formatter = NewFormatter(WithFormatterStore(d.store))
	}
	return d
}

// Store returns the configuration store the dispatcher reads.
func (d *Dispatcher) Store() *Store {
	return d.store
}

// Dispatch delivers params according to method.
//
// When publishing is disabled Dispatch returns nil without side effects.
// Sync dispatch retries transient broker failures up to Config.MaxRetries
// times and returns a *DeliveryError once it gives up. Async dispatch only
// guarantees that the job was handed off.
func (d *Dispatcher) Dispatch(ctx context.Context, params Parameters, method DispatchMethod) error {
	cfg := d.store.Load()
	if !cfg.Enabled {
		d.metrics.IncDispatchSkipped()
		d.log.Debugw("publishing disabled, skipping dispatch", "topic", params.Topic, "method", method)
		return nil
	}

	switch method {
	case "", DispatchSync:
		return d.deliver(ctx, params, cfg.MaxRetries)
	case DispatchAsync:
		return d.enqueue(ctx, params, cfg.BackgroundProcessor)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDispatchMethod, method)
	}
}

// deliver sends params inline. The retry budget is per call: one attempt
// plus at most maxRetries more, and only for transient failures.
func (d *Dispatcher) deliver(ctx context.Context, params Parameters, maxRetries int) error {
	if d.broker == nil {
		return ErrMissingBroker
	}

	msg := NewMessage(params, WithClock(d.now))
	attempts := 0
	for {
		attempts++
		start := time.Now()
		err := msg.Send(ctx, d.broker, d.formatter)

		var formatErr *FormatError
		if errors.As(err, &formatErr) {
			return err
		}
		d.metrics.RecordDelivery(params.Topic, err, time.Since(start).Seconds())
		if err == nil {
			d.log.Debugw("message delivered", "topic", params.Topic, "attempts", attempts)
			return nil
		}

		if !errors.Is(err, ErrTransientDelivery) || attempts > maxRetries || ctx.Err() != nil {
			d.log.Errorw("message delivery failed",
				"topic", params.Topic,
				"attempts", attempts,
				"error", err,
			)
			return &DeliveryError{Topic: params.Topic, Attempts: attempts, Err: err}
		}

		d.metrics.IncDeliveryRetry(params.Topic)
		d.log.Warnw("transient delivery failure, retrying",
			"topic", params.Topic,
			"attempt", attempts,
			"maxRetries", maxRetries,
			"error", err,
		)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, params Parameters, bp BackgroundProcessorConfig) error {
	var proc BackgroundProcessor
	switch bp.Name {
	case ProcessorSidekiq, ProcessorResque:
		p, ok := d.processors[bp.Name]
		if !ok || p == nil {
			return fmt.Errorf("%w: no %s queue registered", ErrMisconfiguredProcessor, bp.Name)
		}
		if bp.Klass == "" {
			return fmt.Errorf("%w: %s processor requires a handler klass", ErrMisconfiguredProcessor, bp.Name)
		}
		proc = p
	case ProcessorCustom:
		if bp.Custom == nil {
			return fmt.Errorf("%w: custom processor is not set", ErrMisconfiguredProcessor)
		}
		proc = CustomProcessor(bp.Custom)
	case ProcessorNone, "":
		return fmt.Errorf("%w: async dispatch requires a background processor", ErrMisconfiguredProcessor)
	default:
		return fmt.Errorf("%w: unknown background processor %q", ErrMisconfiguredProcessor, bp.Name)
	}

	prepared, err := d.prepare(params)
	if err != nil {
		return err
	}

	err = proc.Enqueue(ctx, bp.Klass, prepared)
	d.metrics.RecordEnqueue(string(bp.Name), err)
	if err != nil {
		return fmt.Errorf("failed to enqueue message for topic %s: %w", params.Topic, err)
	}

	d.log.Debugw("message enqueued",
		"topic", params.Topic,
		"processor", bp.Name,
		"handler", bp.Klass,
	)
	return nil
}

// prepare returns a copy of params safe to hand to a job queue. Time values
// are moved into the configured zone now, so the job renders them the same
// way a sync send would even if its process runs in another zone.
func (d *Dispatcher) prepare(params Parameters) (Parameters, error) {
	if err := params.Serializable(); err != nil {
		return Parameters{}, err
	}

	blob, err := d.formatter.ConvertTimes(params.Blob)
	if err != nil {
		return Parameters{}, err
	}
	metadata, err := d.formatter.ConvertTimes(params.Metadata.Clone())
	if err != nil {
		return Parameters{}, err
	}

	prepared := params
	prepared.Blob = blob
	prepared.Metadata, _ = metadata.(Document)
	prepared.Options = maps.Clone(params.Options)
	return prepared, nil
}
