package messaging_test

import (
	"context"
	"errors"
	"fmt"
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

func newTestDispatcher(
	t *testing.T,
	broker messaging.BrokerClient,
	mutate func(*messaging.Config),
	opts ...messaging.DispatcherOption,
) *messaging.Dispatcher {
	t.Helper()
	cfg := messaging.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]messaging.DispatcherOption{
		messaging.WithStore(messaging.NewStore(cfg)),
		messaging.WithDispatchClock(frozenClock),
	}, opts...)
	return messaging.NewDispatcher(broker, zaptest.NewLogger(t).Sugar(), opts...)
}

func sampleParams() messaging.Parameters {
	return messaging.Parameters{
		Topic:    "t1",
		Blob:     map[string]any{"name": "sample"},
		Metadata: baseMetadata(),
	}
}

func transient(msg string) error {
	return fmt.Errorf("%w: %s", messaging.ErrTransientDelivery, msg)
}

// ============================================================================
// Kill Switch Tests
// ============================================================================

func TestDispatch_Disabled(t *testing.T) {
	broker := &testutils.MockBroker{}
	proc := &testutils.MockProcessor{}

	d := newTestDispatcher(t, broker, func(c *messaging.Config) {
		c.Enabled = false
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorResque, Klass: "Job"}
	}, messaging.WithProcessor(messaging.ProcessorResque, proc))

	for _, method := range []messaging.DispatchMethod{messaging.DispatchSync, messaging.DispatchAsync, ""} {
		require.NoError(t, d.Dispatch(context.Background(), sampleParams(), method))
	}

	broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	proc.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_DisabledAtRuntime(t *testing.T) {
	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(nil).Once()

	store := messaging.NewStore(messaging.DefaultConfig())
	d := messaging.NewDispatcher(broker, zaptest.NewLogger(t).Sugar(), messaging.WithStore(store))

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync))

	store.Setup(func(c *messaging.Config) { c.Enabled = false })
	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync))

	broker.AssertNumberOfCalls(t, "Send", 1)
}

// ============================================================================
// Sync Dispatch Tests
// ============================================================================

func TestDispatch_Sync_DeliversFormattedPayload(t *testing.T) {
	broker := &testutils.MockBroker{}
	broker.On("Send",
		mock.Anything,
		"t1",
		[]byte(`{"event":"create","entity":"Order","timestamp":"2015-03-12T08:30:00.000Z","blob":{"name":"sample"}}`),
		map[string]any{},
	).Return(nil).Once()

	d := newTestDispatcher(t, broker, nil)

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync))
	broker.AssertExpectations(t)
}

func TestDispatch_Sync_EmptyMethodIsSync(t *testing.T) {
	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(nil).Once()

	d := newTestDispatcher(t, broker, nil)

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), ""))
	broker.AssertExpectations(t)
}

func TestDispatch_Sync_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{name: "default bound", maxRetries: messaging.DefaultMaxRetries},
		{name: "no retries", maxRetries: 0},
		{name: "larger bound", maxRetries: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &testutils.MockBroker{}
			broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(transient("timeout"))

			d := newTestDispatcher(t, broker, func(c *messaging.Config) { c.MaxRetries = tt.maxRetries })

			err := d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync)
			require.ErrorIs(t, err, messaging.ErrTransientDelivery)

			var deliveryErr *messaging.DeliveryError
			require.ErrorAs(t, err, &deliveryErr)
			assert.Equal(t, "t1", deliveryErr.Topic)
			assert.Equal(t, tt.maxRetries+1, deliveryErr.Attempts)
			broker.AssertNumberOfCalls(t, "Send", tt.maxRetries+1)
		})
	}
}

func TestDispatch_Sync_RecoversAfterTransientFailure(t *testing.T) {
	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(transient("queue full")).Once()
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(nil).Once()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	d := newTestDispatcher(t, broker, nil, messaging.WithMetrics(m))

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync))
	broker.AssertNumberOfCalls(t, "Send", 2)

	// One success series and one error series for the topic
	count, err := testutil.GatherAndCount(reg, "publisher_delivery_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDispatch_Sync_PermanentFailureNotRetried(t *testing.T) {
	permanent := errors.New("authentication failed")
	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).Return(permanent)

	d := newTestDispatcher(t, broker, func(c *messaging.Config) { c.MaxRetries = 5 })

	err := d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync)
	require.ErrorIs(t, err, permanent)

	var deliveryErr *messaging.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, 1, deliveryErr.Attempts)
	broker.AssertNumberOfCalls(t, "Send", 1)
}

func TestDispatch_Sync_StopsRetryingOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(transient("timeout"))

	d := newTestDispatcher(t, broker, nil)

	err := d.Dispatch(ctx, sampleParams(), messaging.DispatchSync)
	require.ErrorIs(t, err, messaging.ErrTransientDelivery)
	broker.AssertNumberOfCalls(t, "Send", 1)
}

func TestDispatch_Sync_FormatErrorIsNotADeliveryFailure(t *testing.T) {
	broker := &testutils.MockBroker{}
	d := newTestDispatcher(t, broker, nil)

	params := sampleParams()
	params.MessageFormat = "xml"

	err := d.Dispatch(context.Background(), params, messaging.DispatchSync)
	require.ErrorIs(t, err, messaging.ErrUnsupportedMessageFormat)

	var deliveryErr *messaging.DeliveryError
	assert.False(t, errors.As(err, &deliveryErr))
	broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_Sync_MissingBroker(t *testing.T) {
	d := newTestDispatcher(t, nil, nil)

	err := d.Dispatch(context.Background(), sampleParams(), messaging.DispatchSync)
	require.ErrorIs(t, err, messaging.ErrMissingBroker)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	broker := &testutils.MockBroker{}
	d := newTestDispatcher(t, broker, nil)

	err := d.Dispatch(context.Background(), sampleParams(), "later")
	require.ErrorIs(t, err, messaging.ErrUnknownDispatchMethod)
	broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// Async Dispatch Tests
// ============================================================================

func TestDispatch_Async_Resque(t *testing.T) {
	broker := &testutils.MockBroker{}
	proc := &testutils.MockProcessor{}
	proc.On("Enqueue", mock.Anything, "Job", mock.MatchedBy(func(p messaging.Parameters) bool {
		return p.Topic == "t1" && assert.ObjectsAreEqual(map[string]any{"name": "sample"}, p.Blob)
	})).Return(nil).Once()

	d := newTestDispatcher(t, broker, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorResque, Klass: "Job"}
	}, messaging.WithProcessor(messaging.ProcessorResque, proc))

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync))

	proc.AssertExpectations(t)
	proc.AssertNumberOfCalls(t, "Enqueue", 1)
	broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_Async_Sidekiq(t *testing.T) {
	proc := &testutils.MockProcessor{}
	proc.On("Enqueue", mock.Anything, "PublishJob", mock.Anything).Return(nil).Once()

	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorSidekiq, Klass: "PublishJob"}
	}, messaging.WithProcessor(messaging.ProcessorSidekiq, proc))

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync))
	proc.AssertExpectations(t)
}

func TestDispatch_Async_Custom(t *testing.T) {
	var gotHandler string
	var gotParams messaging.Parameters
	calls := 0

	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{
			Name:  messaging.ProcessorCustom,
			Klass: "CustomJob",
			Custom: func(_ context.Context, handler string, params messaging.Parameters) error {
				calls++
				gotHandler = handler
				gotParams = params
				return nil
			},
		}
	})

	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "CustomJob", gotHandler)
	assert.Equal(t, "t1", gotParams.Topic)
}

func TestDispatch_Async_Misconfigured(t *testing.T) {
	tests := []struct {
		name string
		bp   messaging.BackgroundProcessorConfig
		opts []messaging.DispatcherOption
	}{
		{
			name: "none",
			bp:   messaging.BackgroundProcessorConfig{Name: messaging.ProcessorNone},
		},
		{
			name: "unset",
			bp:   messaging.BackgroundProcessorConfig{},
		},
		{
			name: "sidekiq without queue",
			bp:   messaging.BackgroundProcessorConfig{Name: messaging.ProcessorSidekiq, Klass: "Job"},
		},
		{
			name: "resque without klass",
			bp:   messaging.BackgroundProcessorConfig{Name: messaging.ProcessorResque},
			opts: []messaging.DispatcherOption{messaging.WithProcessor(messaging.ProcessorResque, &testutils.MockProcessor{})},
		},
		{
			name: "custom without callable",
			bp:   messaging.BackgroundProcessorConfig{Name: messaging.ProcessorCustom, Klass: "Job"},
		},
		{
			name: "unknown name",
			bp:   messaging.BackgroundProcessorConfig{Name: "delayed_job", Klass: "Job"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &testutils.MockBroker{}
			d := newTestDispatcher(t, broker, func(c *messaging.Config) {
				c.BackgroundProcessor = tt.bp
			}, tt.opts...)

			err := d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync)
			require.ErrorIs(t, err, messaging.ErrMisconfiguredProcessor)
			broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDispatch_Async_FuncEncoderRejected(t *testing.T) {
	proc := &testutils.MockProcessor{}
	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorResque, Klass: "Job"}
	}, messaging.WithProcessor(messaging.ProcessorResque, proc))

	params := sampleParams()
	params.Encoder = invoker.Call(func(any) (any, error) { return "x", nil })

	err := d.Dispatch(context.Background(), params, messaging.DispatchAsync)
	require.ErrorIs(t, err, messaging.ErrUnserializableEncoder)
	proc.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_Async_ConvertsTimesBeforeEnqueue(t *testing.T) {
	var got messaging.Parameters
	proc := &testutils.MockProcessor{}
	proc.On("Enqueue", mock.Anything, "Job", mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(2).(messaging.Parameters) }).
		Return(nil).Once()

	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.Timezone = "Singapore"
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorResque, Klass: "Job"}
	}, messaging.WithProcessor(messaging.ProcessorResque, proc))

	params := sampleParams()
	params.Blob = map[string]any{"created_at": frozenAt}
	params.Metadata.Set("changed_at", frozenAt)

	require.NoError(t, d.Dispatch(context.Background(), params, messaging.DispatchAsync))

	blob, ok := got.Blob.(map[string]any)
	require.True(t, ok)
	ts, ok := blob["created_at"].(messaging.Timestamp)
	require.True(t, ok)
	assert.Equal(t, "2015-03-12T16:30:00.000+08:00", ts.String())

	changed, _ := got.Metadata.Get("changed_at")
	assert.Equal(t, "2015-03-12T16:30:00.000+08:00", changed.(messaging.Timestamp).String())

	// The caller's parameters are untouched
	assert.Equal(t, frozenAt, params.Blob.(map[string]any)["created_at"])
}

func TestDispatch_Async_EnqueueFailure(t *testing.T) {
	queueErr := errors.New("redis unavailable")
	proc := &testutils.MockProcessor{}
	proc.On("Enqueue", mock.Anything, "Job", mock.Anything).Return(queueErr).Once()

	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{Name: messaging.ProcessorSidekiq, Klass: "Job"}
	}, messaging.WithProcessor(messaging.ProcessorSidekiq, proc))

	err := d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync)
	require.ErrorIs(t, err, queueErr)
	assert.Contains(t, err.Error(), "failed to enqueue message for topic t1")
}

// ============================================================================
// Round Trip Through A Job
// ============================================================================

func TestDispatch_Async_JobSendsSamePayloadAsSync(t *testing.T) {
	expected := []byte(`{"event":"create","entity":"Order","timestamp":"2015-03-12T08:30:00.000Z","blob":{"name":"sample"}}`)

	var enqueued messaging.Parameters
	d := newTestDispatcher(t, nil, func(c *messaging.Config) {
		c.BackgroundProcessor = messaging.BackgroundProcessorConfig{
			Name:  messaging.ProcessorCustom,
			Klass: "Job",
			Custom: func(_ context.Context, _ string, params messaging.Parameters) error {
				enqueued = params
				return nil
			},
		}
	})
	require.NoError(t, d.Dispatch(context.Background(), sampleParams(), messaging.DispatchAsync))

	broker := &testutils.MockBroker{}
	broker.On("Send", mock.Anything, "t1", expected, mock.Anything).Return(nil).Once()

	msg := messaging.NewMessage(enqueued, messaging.WithClock(func() time.Time { return frozenAt }))
	require.NoError(t, msg.Send(context.Background(), broker, testFormatter(nil)))
	broker.AssertExpectations(t)
}
