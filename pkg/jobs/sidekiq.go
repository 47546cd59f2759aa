package jobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

const (
	sidekiqQueuesKey = "queues"
	sidekiqDeadKey   = "dead"
)

// SidekiqQueue enqueues jobs the way Sidekiq clients do: the queue name is
// added to the "queues" set and the job hash is pushed onto "queue:<name>".
type SidekiqQueue struct {
	client redis.Cmdable
	queue  string
	retry  bool
	now    func() time.Time
}

var _ Queue = (*SidekiqQueue)(nil)

type SidekiqOption func(*SidekiqQueue)

// WithSidekiqRetry sets the retry flag written into each job.
func WithSidekiqRetry(retry bool) SidekiqOption {
	return func(q *SidekiqQueue) {
		q.retry = retry
	}
}

func WithSidekiqClock(now func() time.Time) SidekiqOption {
	return func(q *SidekiqQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewSidekiqQueue(client redis.Cmdable, queue string, opts ...SidekiqOption) *SidekiqQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	q := &SidekiqQueue{
		client: client,
		queue:  queue,
		retry:  true,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type sidekiqJob struct {
	Class      string                 `json:"class"`
	Args       []messaging.Parameters `json:"args"`
	Queue      string                 `json:"queue"`
	JID        string                 `json:"jid"`
	Retry      bool                   `json:"retry"`
	CreatedAt  float64                `json:"created_at"`
	EnqueuedAt float64                `json:"enqueued_at"`
}

func (q *SidekiqQueue) Processor() messaging.ProcessorName { return messaging.ProcessorSidekiq }

func (q *SidekiqQueue) key() string { return "queue:" + q.queue }

func (q *SidekiqQueue) Enqueue(ctx context.Context, handler string, params messaging.Parameters) error {
	now := epochSeconds(q.now())
	payload, err := json.Marshal(sidekiqJob{
		Class:      handler,
		Args:       []messaging.Parameters{params},
		Queue:      q.queue,
		JID:        newJID(),
		Retry:      q.retry,
		CreatedAt:  now,
		EnqueuedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sidekiq job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, sidekiqQueuesKey, q.queue)
		pipe.LPush(ctx, q.key(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push sidekiq job to %s: %w", q.key(), err)
	}
	return nil
}

func (q *SidekiqQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key(), err)
	}
	return []byte(res[1]), nil
}

// Fail moves the job to the dead set with the error attached, as Sidekiq
// does once a job exhausts its retries.
func (q *SidekiqQueue) Fail(ctx context.Context, raw []byte, cause error) error {
	now := q.now()

	var job map[string]json.RawMessage
	if err := json.Unmarshal(raw, &job); err != nil || job == nil {
		job = map[string]json.RawMessage{"payload": mustMarshal(string(raw))}
	}
	job["error_class"] = mustMarshal(errorClass(cause))
	job["error_message"] = mustMarshal(cause.Error())
	job["failed_at"] = mustMarshal(epochSeconds(now))

	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode dead job: %w", err)
	}

	err = q.client.ZAdd(ctx, sidekiqDeadKey, redis.Z{
		Score:  epochSeconds(now),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add job to %s: %w", sidekiqDeadKey, err)
	}
	return nil
}

// newJID returns a 24 character hex job id like Sidekiq's.
func newJID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:12])
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
