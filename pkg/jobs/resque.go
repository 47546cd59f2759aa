package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

const DefaultResqueNamespace = "resque"

const resqueTimeFormat = "2006/01/02 15:04:05 MST"

// ResqueQueue enqueues jobs the way Resque clients do: the queue name is added
// to "<ns>:queues" and the job is pushed onto the tail of "<ns>:queue:<name>".
type ResqueQueue struct {
	client    redis.Cmdable
	queue     string
	namespace string
	now       func() time.Time
}

var _ Queue = (*ResqueQueue)(nil)

type ResqueOption func(*ResqueQueue)

func WithResqueNamespace(ns string) ResqueOption {
	return func(q *ResqueQueue) {
		q.namespace = ns
	}
}

func WithResqueClock(now func() time.Time) ResqueOption {
	return func(q *ResqueQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewResqueQueue(client redis.Cmdable, queue string, opts ...ResqueOption) *ResqueQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	q := &ResqueQueue{
		client:    client,
		queue:     queue,
		namespace: DefaultResqueNamespace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type resqueJob struct {
	Class string                 `json:"class"`
	Args  []messaging.Parameters `json:"args"`
}

type resqueFailure struct {
	FailedAt  string          `json:"failed_at"`
	Payload   json.RawMessage `json:"payload"`
	Exception string          `json:"exception"`
	Error     string          `json:"error"`
	Backtrace []string        `json:"backtrace"`
	Worker    string          `json:"worker"`
	Queue     string          `json:"queue"`
}

func (q *ResqueQueue) Processor() messaging.ProcessorName { return messaging.ProcessorResque }

func (q *ResqueQueue) prefixed(key string) string {
	if q.namespace == "" {
		return key
	}
	return q.namespace + ":" + key
}

func (q *ResqueQueue) key() string { return q.prefixed("queue:" + q.queue) }

func (q *ResqueQueue) Enqueue(ctx context.Context, handler string, params messaging.Parameters) error {
	payload, err := json.Marshal(resqueJob{
		Class: handler,
		Args:  []messaging.Parameters{params},
	})
	if err != nil {
		return fmt.Errorf("failed to encode resque job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.prefixed("queues"), q.queue)
		pipe.RPush(ctx, q.key(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push resque job to %s: %w", q.key(), err)
	}
	return nil
}

func (q *ResqueQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key(), err)
	}
	return []byte(res[1]), nil
}

// Fail appends the job to the "<ns>:failed" list in Resque's failure format.
func (q *ResqueQueue) Fail(ctx context.Context, raw []byte, cause error) error {
	payload := json.RawMessage(raw)
	if !json.Valid(raw) {
		payload = mustMarshal(string(raw))
	}

	host, _ := os.Hostname()
	entry, err := json.Marshal(resqueFailure{
		FailedAt:  q.now().UTC().Format(resqueTimeFormat),
		Payload:   payload,
		Exception: errorClass(cause),
		Error:     cause.Error(),
		Backtrace: []string{},
		Worker:    fmt.Sprintf("%s:%d:%s", host, os.Getpid(), q.queue),
		Queue:     q.queue,
	})
	if err != nil {
		return fmt.Errorf("failed to encode resque failure: %w", err)
	}

	if err := q.client.RPush(ctx, q.prefixed("failed"), entry).Err(); err != nil {
		return fmt.Errorf("failed to record resque failure: %w", err)
	}
	return nil
}
