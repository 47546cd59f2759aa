package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// amqpPollInterval is the pause between basic.get calls on an empty queue.
const amqpPollInterval = 100 * time.Millisecond

// AMQPChannel is the subset of *amqp.Channel used by AMQPQueue.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithDeferredConfirmWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) (*amqp.DeferredConfirmation, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// AMQPQueue runs async dispatch jobs over a RabbitMQ queue. It is plugged in
// as the custom background processor. Jobs use the Sidekiq job layout; failed
// jobs go to "<queue>.failed". A dequeued job stays unacknowledged until the
// worker settles it, so the broker redelivers jobs of a worker that dies.
type AMQPQueue struct {
	ch    AMQPChannel
	queue string
	now   func() time.Time

	mu sync.Mutex
	// delivery tags of unsettled jobs by body
	pending map[string][]uint64
}

var (
	_ Queue        = (*AMQPQueue)(nil)
	_ Acknowledger = (*AMQPQueue)(nil)
)

// DialAMQP connects to url and opens a channel in confirm mode.
func DialAMQP(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return conn, ch, nil
}

// NewAMQPQueue declares the durable job queue and its failed queue.
func NewAMQPQueue(ch AMQPChannel, queue string) (*AMQPQueue, error) {
	if ch == nil {
		return nil, errors.New("amqp channel cannot be nil")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	q := &AMQPQueue{ch: ch, queue: queue, now: time.Now, pending: map[string][]uint64{}}

	for _, name := range []string{q.queue, q.failedQueue()} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}
	return q, nil
}

func (q *AMQPQueue) Processor() messaging.ProcessorName { return messaging.ProcessorCustom }

func (q *AMQPQueue) failedQueue() string { return q.queue + ".failed" }

func (q *AMQPQueue) Enqueue(ctx context.Context, handler string, params messaging.Parameters) error {
	now := q.now()
	jid := newJID()
	body, err := json.Marshal(sidekiqJob{
		Class:      handler,
		Args:       []messaging.Parameters{params},
		Queue:      q.queue,
		JID:        jid,
		CreatedAt:  epochSeconds(now),
		EnqueuedAt: epochSeconds(now),
	})
	if err != nil {
		return fmt.Errorf("failed to encode amqp job: %w", err)
	}

	return q.publish(ctx, q.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jid,
		Timestamp:    now,
		Type:         handler,
		Body:         body,
	})
}

// Dequeue polls the queue with basic.get, so the broker hands out one job at
// a time and nothing is prefetched. The job must be settled with Ack or
// Requeue.
func (q *AMQPQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		d, ok, err := q.ch.Get(q.queue, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get from %s: %w", q.queue, err)
		}
		if ok {
			q.mu.Lock()
			q.pending[string(d.Body)] = append(q.pending[string(d.Body)], d.DeliveryTag)
			q.mu.Unlock()
			return d.Body, nil
		}

		wait := min(amqpPollInterval, time.Until(deadline))
		if wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Ack acknowledges a job returned by Dequeue.
func (q *AMQPQueue) Ack(raw []byte) error {
	tag, err := q.take(raw)
	if err != nil {
		return err
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack job on %s: %w", q.queue, err)
	}
	return nil
}

// Requeue returns a job taken by Dequeue to the queue.
func (q *AMQPQueue) Requeue(raw []byte) error {
	tag, err := q.take(raw)
	if err != nil {
		return err
	}
	if err := q.ch.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to requeue job on %s: %w", q.queue, err)
	}
	return nil
}

func (q *AMQPQueue) take(raw []byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := string(raw)
	tags := q.pending[key]
	if len(tags) == 0 {
		return 0, fmt.Errorf("job is not pending on %s", q.queue)
	}
	tag := tags[0]
	if len(tags) == 1 {
		delete(q.pending, key)
	} else {
		q.pending[key] = tags[1:]
	}
	return tag, nil
}

// Fail publishes the job to the failed queue with the error in its headers.
func (q *AMQPQueue) Fail(ctx context.Context, raw []byte, cause error) error {
	return q.publish(ctx, q.failedQueue(), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    q.now(),
		Headers: amqp.Table{
			"error_class":   errorClass(cause),
			"error_message": cause.Error(),
		},
		Body: raw,
	})
}

func (q *AMQPQueue) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	confirm, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	// nil when the channel is not in confirm mode
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm from %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", queue)
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	return q.ch.Close()
}
