package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/lifecycle-publisher/pkg/invoker"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging/testutils"
	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"
)

type Order struct {
	Name     string   `json:"name"`
	Paid     bool     `json:"paid"`
	Customer Customer `json:"customer"`
}

type Customer struct {
	Email string `json:"email"`
}

func (o *Order) Message() map[string]any {
	return map[string]any{"name": o.Name}
}

type namedEntity struct{}

func (namedEntity) EntityName() string { return "Invoice" }

type dispatchCall struct {
	params messaging.Parameters
	method messaging.DispatchMethod
}

// recordingDispatcher records every dispatch and fails the topics in failOn.
type recordingDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	failOn map[string]error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, params messaging.Parameters, method messaging.DispatchMethod) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{params: params, method: method})
	return d.failOn[params.Topic]
}

func (d *recordingDispatcher) topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	topics := make([]string, len(d.calls))
	for i, c := range d.calls {
		topics[i] = c.params.Topic
	}
	return topics
}

func newTestPublisher(t *testing.T, specs []Spec, d Dispatcher, opts ...Option) *Publisher {
	t.Helper()
	opts = append([]Option{
		WithConfigStore(messaging.NewStore(messaging.DefaultConfig())),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	}, opts...)
	p, err := Register(specs, d, opts...)
	require.NoError(t, err)
	return p
}

// ============================================================================
// Register Tests
// ============================================================================

func TestRegister_InvalidSpecs(t *testing.T) {
	p, err := Register([]Spec{{Topic: "t1"}}, &recordingDispatcher{})
	require.Nil(t, p)
	require.ErrorIs(t, err, ErrInvalidSpecification)

	var invalid *InvalidSpecificationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, map[string]string{
		ErrKeyMessageAttributes: "Either serializer or message should be specified",
	}, invalid.Errors)
}

func TestRegister_RequiresDispatcher(t *testing.T) {
	_, err := Register([]Spec{validSpec()}, nil)
	require.Error(t, err)
}

func TestRegister_CopiesSpecs(t *testing.T) {
	specs := []Spec{{
		Topic:      "t1",
		EventTypes: []EventType{EventCreate},
		Message:    invoker.Name("message"),
		Metadata:   map[string]any{"source": "api"},
	}}
	p := newTestPublisher(t, specs, &recordingDispatcher{})

	specs[0].Topic = "changed"
	specs[0].EventTypes[0] = EventUpdate
	specs[0].Metadata["source"] = "changed"

	got := p.Specs()
	assert.Equal(t, "t1", got[0].Topic)
	assert.Equal(t, []EventType{EventCreate}, got[0].EventTypes)
	assert.Equal(t, "api", got[0].Metadata["source"])
}

// ============================================================================
// DispatchMessages Tests
// ============================================================================

func TestDispatchMessages_EndToEndPayload(t *testing.T) {
	frozen := time.Date(2015, 3, 12, 8, 30, 0, 0, time.UTC)
	store := messaging.NewStore(messaging.DefaultConfig())

	broker := &testutils.MockBroker{}
	broker.On("Send",
		mock.Anything,
		"t1",
		[]byte(`{"event":"create","entity":"Order","timestamp":"2015-03-12T08:30:00.000Z","blob":{"name":"sample"}}`),
		mock.Anything,
	).Return(nil).Once()

	dispatcher := messaging.NewDispatcher(broker, zaptest.NewLogger(t).Sugar(),
		messaging.WithStore(store),
		messaging.WithDispatchClock(func() time.Time { return frozen }),
	)

	p := newTestPublisher(t, []Spec{{
		Topic:      "t1",
		EventTypes: []EventType{EventCreate},
		Message: invoker.Call(func(e any) (any, error) {
			return map[string]any{"name": e.(*Order).Name}, nil
		}),
	}}, dispatcher, WithConfigStore(store))

	require.NoError(t, p.DispatchMessages(context.Background(), &Order{Name: "sample"}, EventCreate))
	broker.AssertExpectations(t)
}

type account struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Owner     Customer  `json:"owner"`
}

func TestDispatchMessages_SerializerKeepsTimesAndIntegers(t *testing.T) {
	frozen := time.Date(2015, 3, 12, 8, 30, 0, 0, time.UTC)
	cfg := messaging.DefaultConfig()
	cfg.Timezone = "Asia/Tokyo"
	store := messaging.NewStore(cfg)

	broker := &testutils.MockBroker{}
	broker.On("Send",
		mock.Anything,
		"accounts",
		[]byte(`{"event":"create","entity":"account","timestamp":"2015-03-12T17:30:00.000+09:00",`+
			`"blob":{"id":9007199254740993,"created_at":"2015-03-12T17:30:00.000+09:00","owner.email":"a@b.c"}}`),
		mock.Anything,
	).Return(nil).Once()

	dispatcher := messaging.NewDispatcher(broker, zaptest.NewLogger(t).Sugar(),
		messaging.WithStore(store),
		messaging.WithDispatchClock(func() time.Time { return frozen }),
	)

	p := newTestPublisher(t, []Spec{{
		Topic:      "accounts",
		Serializer: Attributes("id", "created_at", "owner.email"),
	}}, dispatcher, WithConfigStore(store))

	entity := &account{ID: 9007199254740993, CreatedAt: frozen, Owner: Customer{Email: "a@b.c"}}
	require.NoError(t, p.DispatchMessages(context.Background(), entity, EventCreate))
	broker.AssertExpectations(t)
}

func TestDispatchMessages_FiltersByEventType(t *testing.T) {
	specs := []Spec{
		{Topic: "create-only", EventTypes: []EventType{EventCreate}, Message: invoker.Name("message")},
		{Topic: "update-only", EventTypes: []EventType{EventUpdate}, Message: invoker.Name("message")},
		{Topic: "both", Message: invoker.Name("message")},
	}

	tests := []struct {
		event    EventType
		expected []string
	}{
		{event: EventCreate, expected: []string{"create-only", "both"}},
		{event: EventUpdate, expected: []string{"update-only", "both"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			d := &recordingDispatcher{}
			p := newTestPublisher(t, specs, d)

			require.NoError(t, p.DispatchMessages(context.Background(), &Order{Name: "sample"}, tt.event))
			assert.Equal(t, tt.expected, d.topics())
		})
	}
}

func TestDispatchMessages_Conditions(t *testing.T) {
	specs := []Spec{
		{Topic: "paid", Message: invoker.Name("message"), Condition: invoker.Name("paid")},
		{Topic: "unpaid", Message: invoker.Name("message"), Condition: invoker.Predicate(func(e any) bool {
			return !e.(*Order).Paid
		})},
		{Topic: "always", Message: invoker.Name("message")},
	}

	tests := []struct {
		name     string
		order    *Order
		expected []string
	}{
		{name: "paid order", order: &Order{Paid: true}, expected: []string{"paid", "always"}},
		{name: "unpaid order", order: &Order{Paid: false}, expected: []string{"unpaid", "always"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			p := newTestPublisher(t, specs, d)

			require.NoError(t, p.DispatchMessages(context.Background(), tt.order, EventCreate))
			assert.Equal(t, tt.expected, d.topics())
		})
	}
}

func TestDispatchMessages_BuildsParameters(t *testing.T) {
	d := &recordingDispatcher{}
	p := newTestPublisher(t, []Spec{{
		Topic:           "orders",
		Message:         invoker.Name("message"),
		Metadata:        map[string]any{"source": "api", "event": "order_created"},
		ProducerOptions: map[string]any{"key": "order-1"},
		DispatchMethod:  messaging.DispatchAsync,
		Encoder:         invoker.Name("avro"),
		MessageFormat:   messaging.FormatWithEncoding,
		EmbedBlob:       true,
	}}, d)

	require.NoError(t, p.AfterUpdate(context.Background(), &Order{Name: "sample"}))
	require.Len(t, d.calls, 1)

	call := d.calls[0]
	assert.Equal(t, messaging.DispatchAsync, call.method)
	assert.Equal(t, "orders", call.params.Topic)
	assert.Equal(t, map[string]any{"name": "sample"}, call.params.Blob)
	assert.Equal(t, messaging.Document{
		{Key: "event", Value: "order_created"},
		{Key: "entity", Value: "Order"},
		{Key: "source", Value: "api"},
	}, call.params.Metadata)
	assert.Equal(t, map[string]any{"key": "order-1"}, call.params.Options)
	assert.Equal(t, "avro", call.params.Encoder.Name())
	assert.Equal(t, messaging.FormatWithEncoding, call.params.MessageFormat)
	assert.True(t, call.params.EmbedBlob)
}

func TestDispatchMessages_EntityName(t *testing.T) {
	d := &recordingDispatcher{}
	p := newTestPublisher(t, []Spec{{Topic: "t1", Message: invoker.Literal("x")}}, d)

	require.NoError(t, p.AfterCreate(context.Background(), namedEntity{}))
	require.Len(t, d.calls, 1)

	entity, _ := d.calls[0].params.Metadata.Get("entity")
	assert.Equal(t, "Invoice", entity)
}

func TestDispatchMessages_SerializerReceivesOptions(t *testing.T) {
	var gotOptions map[string]any
	d := &recordingDispatcher{}
	p := newTestPublisher(t, []Spec{
		{
			Topic: "custom",
			Serializer: SerializerFunc(func(entity any, options map[string]any) (any, error) {
				gotOptions = options
				return map[string]any{"name": entity.(*Order).Name}, nil
			}),
			SerializerOptions: map[string]any{"scope": "public"},
		},
		{
			Topic:      "attributes",
			Serializer: Attributes("name", "customer.email"),
		},
		{
			Topic:      "message wins",
			Message:    invoker.Literal("from message"),
			Serializer: Attributes("name"),
		},
	}, d)

	order := &Order{Name: "sample", Customer: Customer{Email: "a@b.c"}}
	require.NoError(t, p.AfterCreate(context.Background(), order))
	require.Len(t, d.calls, 3)

	assert.Equal(t, map[string]any{"scope": "public"}, gotOptions)
	assert.Equal(t, map[string]any{"name": "sample"}, d.calls[0].params.Blob)
	assert.Equal(t, messaging.Document{
		{Key: "name", Value: "sample"},
		{Key: "customer.email", Value: "a@b.c"},
	}, d.calls[1].params.Blob)
	assert.Equal(t, "from message", d.calls[2].params.Blob)
}

// ============================================================================
// Failure Isolation Tests
// ============================================================================

func TestDispatchMessages_FailureDoesNotStopSiblings(t *testing.T) {
	dispatchErr := errors.New("broker down")
	d := &recordingDispatcher{failOn: map[string]error{"t1": dispatchErr}}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	p := newTestPublisher(t, []Spec{
		{Topic: "t1", Message: invoker.Name("message")},
		{Topic: "t2", Message: invoker.Name("does_not_exist")},
		{Topic: "t3", Message: invoker.Name("message"), Condition: invoker.Name("missing_condition")},
		{Topic: "t4", Message: invoker.Name("message")},
	}, d, WithMetrics(m))

	err = p.DispatchMessages(context.Background(), &Order{Name: "sample"}, EventCreate)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatchErr)
	assert.ErrorIs(t, err, invoker.ErrMethodNotFound)
	assert.Contains(t, err.Error(), "spec 0 (topic t1)")
	assert.Contains(t, err.Error(), "spec 1 (topic t2)")
	assert.Contains(t, err.Error(), "spec 2 (topic t3)")

	// t2 fails before dispatch, t3 fails its condition, t1 and t4 reach the dispatcher
	assert.Equal(t, []string{"t1", "t4"}, d.topics())

	count, err := testutil.GatherAndCount(reg, "publisher_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// ============================================================================
// Kill Switch Tests
// ============================================================================

func TestDispatchMessages_DisabledEvaluatesConditionsOnly(t *testing.T) {
	conditionCalls := 0
	messageCalls := 0

	store := messaging.NewStore(messaging.DefaultConfig())
	store.Setup(func(c *messaging.Config) { c.Enabled = false })

	d := &recordingDispatcher{}
	p := newTestPublisher(t, []Spec{{
		Topic: "t1",
		Condition: invoker.Predicate(func(any) bool {
			conditionCalls++
			return true
		}),
		Message: invoker.Call(func(any) (any, error) {
			messageCalls++
			return "x", nil
		}),
	}}, d, WithConfigStore(store))

	require.NoError(t, p.AfterCreate(context.Background(), &Order{}))
	assert.Equal(t, 1, conditionCalls)
	assert.Equal(t, 0, messageCalls)
	assert.Empty(t, d.topics())

	eligible, err := p.Eligible(&Order{}, EventCreate)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "t1", eligible[0].Topic)
}

func TestEligible(t *testing.T) {
	p := newTestPublisher(t, []Spec{
		{Topic: "create", EventTypes: []EventType{EventCreate}, Message: invoker.Name("message")},
		{Topic: "paid", Message: invoker.Name("message"), Condition: invoker.Name("Paid")},
		{Topic: "broken", EventTypes: []EventType{EventUpdate}, Message: invoker.Name("message"), Condition: invoker.Name("nope")},
	}, &recordingDispatcher{})

	eligible, err := p.Eligible(&Order{Paid: true}, EventCreate)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, "create", eligible[0].Topic)
	assert.Equal(t, "paid", eligible[1].Topic)

	_, err = p.Eligible(&Order{}, EventUpdate)
	require.ErrorIs(t, err, invoker.ErrMethodNotFound)
}

func TestHook(t *testing.T) {
	d := &recordingDispatcher{}
	p := newTestPublisher(t, []Spec{
		{Topic: "update", EventTypes: []EventType{EventUpdate}, Message: invoker.Name("message")},
	}, d)

	hook := p.Hook(EventUpdate)
	require.NoError(t, hook(context.Background(), &Order{}))
	require.NoError(t, p.Hook(EventCreate)(context.Background(), &Order{}))

	assert.Equal(t, []string{"update"}, d.topics())
}
