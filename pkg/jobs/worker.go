package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/metrics"
)

const (
	dequeueErrorDelay = time.Second
	failTimeout       = 5 * time.Second
)

// Worker drains a Queue and runs the handler registered for each job class.
// Jobs that cannot be decoded, have no handler, or fail are passed to
// Queue.Fail.
type Worker struct {
	queue    Queue
	handlers *Registry
	cfg      WorkerConfig
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewWorker(
	queue Queue,
	handlers *Registry,
	cfg WorkerConfig,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if handlers == nil {
		return nil, errors.New("handler registry cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}, nil
}

// Run processes jobs until ctx is canceled. Up to cfg.Concurrency jobs run at
// once. Run waits for in-flight jobs before returning; a job already started
// is not canceled with ctx but is bounded by cfg.JobTimeout.
func (w *Worker) Run(ctx context.Context) error {
	limit := int64(w.cfg.Concurrency)
	sem := semaphore.NewWeighted(limit)
	defer func() {
		// Wait for in-flight jobs
		_ = sem.Acquire(context.Background(), limit)
	}()

	w.log.Infow("worker started",
		"processor", w.queue.Processor(),
		"concurrency", w.cfg.Concurrency,
		"handlers", w.handlers.Classes(),
	)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			w.log.Info("worker stopping, context done")
			return nil
		}

		raw, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				w.log.Info("worker stopping, context done")
				return nil
			}
			w.log.Errorw("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueErrorDelay):
			}
			continue
		}
		if raw == nil {
			sem.Release(1)
			continue
		}

		go func() {
			defer sem.Release(1)
			w.Process(ctx, raw)
		}()
	}
}

// Process runs a single raw job and reports whether it succeeded. On queues
// that hold jobs until settled, the job is acknowledged once it is performed
// or recorded as failed, and requeued when the failure could not be recorded.
func (w *Worker) Process(ctx context.Context, raw []byte) bool {
	performed, settled := w.process(ctx, raw)
	w.settle(raw, settled)
	return performed
}

func (w *Worker) process(ctx context.Context, raw []byte) (performed, settled bool) {
	w.metrics.IncJobsInFlight()
	defer w.metrics.DecJobsInFlight()

	job, err := DecodeJob(raw)
	if err != nil {
		w.metrics.IncError(metrics.ErrTypeInvalidJob)
		w.log.Errorw("dropping invalid job", "error", err)
		return false, w.fail(ctx, raw, err)
	}

	handler, err := w.handlers.Lookup(job.Class)
	if err != nil {
		w.metrics.IncError(metrics.ErrTypeUnknownHandler)
		w.log.Errorw("no handler for job", "class", job.Class, "jid", job.JID)
		return false, w.fail(ctx, raw, err)
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err = handler.Perform(jobCtx, job.Params)
	w.metrics.RecordJobPerformed(job.Class, err, time.Since(start).Seconds())
	if err != nil {
		w.log.Errorw("job failed",
			"class", job.Class,
			"jid", job.JID,
			"topic", job.Params.Topic,
			"error", err,
		)
		return false, w.fail(ctx, raw, err)
	}

	w.log.Debugw("job performed", "class", job.Class, "jid", job.JID, "topic", job.Params.Topic)
	return true, true
}

// fail records raw as failed and reports whether that worked.
func (w *Worker) fail(ctx context.Context, raw []byte, cause error) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if err := w.queue.Fail(ctx, raw, cause); err != nil {
		w.log.Errorw("failed to record failed job", "error", err, "cause", cause)
		return false
	}
	return true
}

func (w *Worker) settle(raw []byte, settled bool) {
	acker, ok := w.queue.(Acknowledger)
	if !ok {
		return
	}
	if settled {
		if err := acker.Ack(raw); err != nil {
			w.log.Errorw("failed to ack job", "error", err)
		}
		return
	}
	if err := acker.Requeue(raw); err != nil {
		w.log.Errorw("failed to requeue job", "error", err)
	}
}

// errorClass names the failure category recorded with a failed job.
func errorClass(err error) string {
	var deliveryErr *messaging.DeliveryError
	var formatErr *messaging.FormatError
	switch {
	case errors.Is(err, ErrInvalidJob):
		return "InvalidJob"
	case errors.Is(err, ErrUnknownHandler):
		return "UnknownHandler"
	case errors.As(err, &formatErr):
		return "FormatError"
	case errors.As(err, &deliveryErr):
		return "DeliveryError"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Error"
	}
}
