package publish

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"
)

// Dispatcher delivers the parameters built for one eligible spec.
// *messaging.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, params messaging.Parameters, method messaging.DispatchMethod) error
}

// HookFunc is called by the host after a lifecycle change is committed.
type HookFunc func(ctx context.Context, entity any) error

// Publisher evaluates registered specs for lifecycle events of one entity
// type and hands every eligible spec to a Dispatcher.
//
// A Publisher is immutable after Register and safe for concurrent use.
type Publisher struct {
	specs      []Spec
	dispatcher Dispatcher
	store      *messaging.Store
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

type Option func(*Publisher)

// WithConfigStore reads the kill switch from s instead of the process-wide
// store.
func WithConfigStore(s *messaging.Store) Option {
	return func(p *Publisher) {
		p.store = s
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// Register validates specs and returns a Publisher for them. Invalid specs
// are rejected with an *InvalidSpecificationError; nothing is registered.
func Register(specs []Spec, dispatcher Dispatcher, opts ...Option) (*Publisher, error) {
	if errs := Validate(specs); len(errs) > 0 {
		return nil, &InvalidSpecificationError{Errors: errs}
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	p := &Publisher{
		specs:      cloneSpecs(specs),
		dispatcher: dispatcher,
		store:      messaging.DefaultStore(),
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Specs returns a copy of the registered specs in declaration order.
func (p *Publisher) Specs() []Spec {
	return cloneSpecs(p.specs)
}

// Hook returns the function the host calls after committing event.
func (p *Publisher) Hook(event EventType) HookFunc {
	return func(ctx context.Context, entity any) error {
		return p.DispatchMessages(ctx, entity, event)
	}
}

// AfterCreate is Hook(EventCreate) applied to entity.
func (p *Publisher) AfterCreate(ctx context.Context, entity any) error {
	return p.DispatchMessages(ctx, entity, EventCreate)
}

// AfterUpdate is Hook(EventUpdate) applied to entity.
func (p *Publisher) AfterUpdate(ctx context.Context, entity any) error {
	return p.DispatchMessages(ctx, entity, EventUpdate)
}

// DispatchMessages evaluates every spec in declaration order for event and
// dispatches the eligible ones.
//
// Specs are independent: a failing spec is logged and the remaining specs are
// still evaluated. All failures are returned joined. When publishing is
// disabled, eligibility is still evaluated but no blob is built and nothing
// is dispatched.
func (p *Publisher) DispatchMessages(ctx context.Context, entity any, event EventType) error {
	enabled := p.store.Load().Enabled

	var errs []error
	for i, spec := range p.specs {
		eligible, err := p.eligible(spec, entity, event)
		if err != nil {
			errs = append(errs, p.specFailure(i, spec, event, err))
			continue
		}
		if !eligible || !enabled {
			continue
		}

		params, err := p.parameters(spec, entity, event)
		if err != nil {
			errs = append(errs, p.specFailure(i, spec, event, err))
			continue
		}
		if err := p.dispatcher.Dispatch(ctx, params, spec.DispatchMethod); err != nil {
			errs = append(errs, p.specFailure(i, spec, event, err))
		}
	}
	return errors.Join(errs...)
}

// Eligible returns the specs that would fire for entity and event, without
// building payloads or dispatching anything.
func (p *Publisher) Eligible(entity any, event EventType) ([]Spec, error) {
	var out []Spec
	for i, spec := range p.specs {
		ok, err := p.eligible(spec, entity, event)
		if err != nil {
			return nil, fmt.Errorf("spec %d (topic %s): %w", i, spec.Topic, err)
		}
		if ok {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (p *Publisher) eligible(spec Spec, entity any, event EventType) (bool, error) {
	if !spec.firesOn(event) {
		p.metrics.RecordSpecEvaluation(string(event), false)
		return false, nil
	}
	if spec.Condition.IsZero() {
		p.metrics.RecordSpecEvaluation(string(event), true)
		return true, nil
	}

	v, err := invoker.Invoke(entity, spec.Condition)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition: %w", err)
	}
	ok := invoker.Truthy(v)
	p.metrics.RecordSpecEvaluation(string(event), ok)
	return ok, nil
}

func (p *Publisher) parameters(spec Spec, entity any, event EventType) (messaging.Parameters, error) {
	blob, err := p.blob(spec, entity)
	if err != nil {
		return messaging.Parameters{}, err
	}

	metadata := messaging.Document{
		{Key: "event", Value: string(event)},
		{Key: "entity", Value: entityName(entity)},
	}
	metadata, _ = metadata.Merge(spec.Metadata)

	return messaging.Parameters{
		Topic:         spec.Topic,
		Blob:          blob,
		Metadata:      metadata,
		Options:       maps.Clone(spec.ProducerOptions),
		Encoder:       spec.Encoder,
		MessageFormat: spec.MessageFormat,
		EmbedBlob:     spec.EmbedBlob,
	}, nil
}

func (p *Publisher) blob(spec Spec, entity any) (any, error) {
	if !spec.Message.IsZero() {
		v, err := invoker.Invoke(entity, spec.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve message: %w", err)
		}
		return v, nil
	}

	options := maps.Clone(spec.SerializerOptions)
	if options == nil {
		options = map[string]any{}
	}
	v, err := spec.Serializer.Serialize(entity, options)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", entityName(entity), err)
	}
	return v, nil
}

func (p *Publisher) specFailure(i int, spec Spec, event EventType, err error) error {
	p.metrics.IncError(metrics.ErrTypeSpecFailure)
	p.log.Errorw("failed to publish message",
		"spec", i,
		"topic", spec.Topic,
		"event", event,
		"error", err,
	)
	return fmt.Errorf("spec %d (topic %s): %w", i, spec.Topic, err)
}

func cloneSpecs(specs []Spec) []Spec {
	out := make([]Spec, len(specs))
	for i, s := range specs {
		s.EventTypes = cloneEventTypes(s.EventTypes)
		s.Metadata = maps.Clone(s.Metadata)
		s.ProducerOptions = maps.Clone(s.ProducerOptions)
		s.SerializerOptions = maps.Clone(s.SerializerOptions)
		out[i] = s
	}
	return out
}

func cloneEventTypes(types []EventType) []EventType {
	if types == nil {
		return nil
	}
	return append(make([]EventType, 0, len(types)), types...)
}
