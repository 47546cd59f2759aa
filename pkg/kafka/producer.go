package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// Producer options recognized by Send.
const (
	OptionKey       = "key"
	OptionHeaders   = "headers"
	OptionPartition = "partition"
)

type Msg struct {
	Topic     string
	Value     []byte
	Key       []byte
	Headers   map[string]string
	Partition *int32 // nil lets the partitioner choose
}

// Producer is a synchronous Kafka producer and the broker client used for
// message delivery.
//
// Produce blocks until a delivery confirmation is received from Kafka.
// Background goroutines are used to process Kafka producer events and logs.
//
// Close MUST be called at least once to stop background goroutines and flush
// all in-flight messages.
type Producer struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

var _ messaging.BrokerClient = (*Producer)(nil)

const queueFullErrorRetryDelay = time.Second

// NewProducer creates a Kafka-backed broker client.
//
// The provided context controls the lifetime of background goroutines.
// Canceling the context signals the producer to stop processing events.
//
// Callers must call Close to flush messages and release resources.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logsChEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	kq := Producer{
		producer:   p,
		log:        log,
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
	}

	if logsChEnabled.(bool) {
		go kq.printKafkaLogs(ctx)
	} else {
		close(kq.logsDone)
	}

	go kq.monitorProducerEvents(ctx)

	return &kq, nil
}

// Send produces payload to topic and waits for the delivery report.
//
// Recognized options are "key" (string or bytes), "headers" (string values)
// and "partition" (integer); other options are ignored. Failures worth
// retrying are wrapped with messaging.ErrTransientDelivery.
func (q *Producer) Send(ctx context.Context, topic string, payload []byte, options map[string]any) error {
	msg, err := buildMsg(topic, payload, options)
	if err != nil {
		return err
	}
	return q.Produce(ctx, msg)
}

// Produce synchronously produces a message to Kafka.
//
// Produce blocks until either a delivery receipt is received from Kafka
// or the provided context is canceled. If the producer queue is full,
// the message will be retried internally with a 1 second delay.
//
// If the context is canceled before delivery confirmation, Produce returns
// ctx.Err(). The message MAY still be delivered after Produce returns.
// Callers should design for possible duplicate delivery when retrying.
func (q *Producer) Produce(ctx context.Context, msg Msg) error {
	deliveryCh := make(chan kafka.Event, 1)

	partition := kafka.PartitionAny
	if msg.Partition != nil {
		partition = *msg.Partition
	}

	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: partition,
		},
		Value:   msg.Value,
		Key:     msg.Key,
		Headers: kafkaHeaders(msg.Headers),
	}

	if err := q.produceWithRetry(ctx, kMsg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()

	case e := <-deliveryCh:
		return handleDeliveryEvent(q.log, kMsg, e)
	}
}

// Close stops background goroutines and flushes all pending messages.
//
// Close blocks until all queued messages are delivered to Kafka.
// If the timeout is reached, Close aborts the flush and closes the producer.
// Callers should be aware that reaching the timeout may result in message loss.
//
// Close must be called at least once. Calling Close multiple times does nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		q.log.Info("closing kafka producer")
		defer close(q.errCh)

		close(q.closedCh)

		<-q.eventsDone
		<-q.logsDone

		pending := q.producer.Flush(int(timeout.Milliseconds()))
		if pending > 0 {
			q.log.Warnf("flush incomplete, messages will be lost. pending: %d", pending)
		}

		q.producer.Close()
		q.log.Info("kafka producer closed")
	})
}

// Errors returns a channel that receives at most one fatal error.
// The channel is closed when the producer shuts down.
// Non-fatal Kafka errors are logged and ignored.
//
// After receiving an error, the producer is no longer usable.
// Call Close() and create a new producer to recover.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

func (q *Producer) printKafkaLogs(ctx context.Context) {
	defer close(q.logsDone)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("stopping kafka logs printing")
			return
		case <-q.closedCh:
			q.log.Info("stopping kafka logs printing, done channel closed")
			return
		case log, ok := <-q.producer.Logs():
			if !ok {
				q.log.Info("kafka logs printing, event channel closed")
				return
			}
			q.log.Debugf("level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}

// produceWithRetry enqueues a message into the librdkafka queue.
//
// A full local queue is retried after a short delay until ctx is done.
// Unavailable brokers are reported as transient; invalid messages, unknown
// topics and authentication failures are permanent.
func (q *Producer) produceWithRetry(
	ctx context.Context,
	msg *kafka.Message,
	deliveryCh chan kafka.Event,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			q.log.Warnf("producer queue full, retrying in %s", queueFullErrorRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullErrorRetryDelay):
			}
			continue
		case kafka.ErrBrokerNotAvailable:
			return transient("broker not available", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrInvalidMsg:
			return fmt.Errorf("invalid message: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		case kafka.ErrAuthentication:
			return fmt.Errorf("authentication error: %w", err)
		default:
			if isTransient(kafkaErr) {
				return transient("failed to produce", err)
			}
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (q *Producer) monitorProducerEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("stopping kafka producer events monitoring, context done")
			return
		case <-q.closedCh:
			q.log.Info("stopping kafka producer events monitoring, done channel closed")
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.reportFatal(errors.New("kafka producer events monitoring, event channel closed"))
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				q.log.Error("delivery receipts should be handled during producing")
			case kafka.Error:
				if e.IsFatal() {
					q.reportFatal(fmt.Errorf("fatal kafka error: %#x, %w", e.Code(), e))
					return
				}
				// All brokers down is recoverable for a publisher: sends fail
				// as transient until a broker comes back.
				q.log.Warnw("kafka error", "code", e.Code(), "error", e)
			default:
				q.log.Debugf("ignored kafka event: %v", e)
			}
		}
	}
}

func (q *Producer) reportFatal(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnf("error channel is full, should not happen: %v", err)
	}
}

func handleDeliveryEvent(log *zap.SugaredLogger, msg *kafka.Message, ev kafka.Event) error {
	e, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}

	if err := e.TopicPartition.Error; err != nil {
		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) && isTransient(kafkaErr) {
			return transient("delivery failed", err)
		}
		return fmt.Errorf("delivery failed: %w", err)
	}

	log.Debugf(
		"delivered to topic [%s] partition [%d] at offset [%d]",
		*msg.TopicPartition.Topic,
		e.TopicPartition.Partition,
		e.TopicPartition.Offset,
	)
	return nil
}

// isTransient reports whether a send failing with err may succeed if tried
// again with the same message.
func isTransient(err kafka.Error) bool {
	if err.IsFatal() {
		return false
	}
	if err.IsRetriable() {
		return true
	}
	switch err.Code() {
	case kafka.ErrMsgTimedOut,
		kafka.ErrTimedOut,
		kafka.ErrTransport,
		kafka.ErrAllBrokersDown,
		kafka.ErrBrokerNotAvailable,
		kafka.ErrLeaderNotAvailable,
		kafka.ErrNotLeaderForPartition,
		kafka.ErrRequestTimedOut,
		kafka.ErrNetworkException,
		kafka.ErrNotEnoughReplicas,
		kafka.ErrNotEnoughReplicasAfterAppend:
		return true
	default:
		return false
	}
}

func transient(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, messaging.ErrTransientDelivery, err)
}

func buildMsg(topic string, payload []byte, options map[string]any) (Msg, error) {
	msg := Msg{Topic: topic, Value: payload}

	switch key := options[OptionKey].(type) {
	case nil:
	case string:
		msg.Key = []byte(key)
	case []byte:
		msg.Key = key
	default:
		msg.Key = []byte(fmt.Sprint(key))
	}

	headers, err := stringMap(options[OptionHeaders])
	if err != nil {
		return Msg{}, fmt.Errorf("invalid %s option: %w", OptionHeaders, err)
	}
	msg.Headers = headers

	if raw, ok := options[OptionPartition]; ok && raw != nil {
		partition, err := toPartition(raw)
		if err != nil {
			return Msg{}, fmt.Errorf("invalid %s option: %w", OptionPartition, err)
		}
		msg.Partition = &partition
	}
	return msg, nil
}

func stringMap(v any) (map[string]string, error) {
	switch h := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return maps.Clone(h), nil
	case map[string]any:
		out := make(map[string]string, len(h))
		for k, val := range h {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("header %q: expected string, got %T", k, val)
			}
			out[k] = s
		}
		return out, nil
	case messaging.Document:
		out := make(map[string]string, len(h))
		for _, f := range h {
			s, ok := f.Value.(string)
			if !ok {
				return nil, fmt.Errorf("header %q: expected string, got %T", f.Key, f.Value)
			}
			out[f.Key] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string map, got %T", v)
	}
}

func toPartition(v any) (int32, error) {
	var n int64
	switch p := v.(type) {
	case int:
		n = int64(p)
	case int32:
		n = int64(p)
	case int64:
		n = p
	case float64:
		if p != math.Trunc(p) {
			return 0, fmt.Errorf("partition must be an integer, got %v", p)
		}
		n = int64(p)
	case json.Number:
		parsed, err := strconv.ParseInt(p.String(), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("partition must be an integer: %w", err)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("partition must be an integer, got %T", v)
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("partition out of range: %d", n)
	}
	return int32(n), nil
}

// kafkaHeaders converts headers in key order so produced records are stable.
func kafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(headers))
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}
