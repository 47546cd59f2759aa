package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

var ErrInvalidJob = errors.New("invalid job payload")

// Queue is a background job queue. The enqueue side is the
// messaging.BackgroundProcessor used for async dispatch; the dequeue side
// feeds a Worker.
type Queue interface {
	messaging.BackgroundProcessor

	// Processor names the job system whose wire format the queue speaks.
	Processor() messaging.ProcessorName

	// Dequeue blocks up to timeout for the next raw job. It returns nil, nil
	// when the timeout expires with the queue empty.
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Fail records a job that could not be performed.
	Fail(ctx context.Context, raw []byte, cause error) error
}

// Acknowledger is implemented by queues that keep a dequeued job reserved
// until the worker settles it. Ack removes the job for good; Requeue hands it
// back to the queue. A reserved job whose worker dies is redelivered.
type Acknowledger interface {
	Ack(raw []byte) error
	Requeue(raw []byte) error
}

// Job is a decoded job payload.
type Job struct {
	Class  string
	JID    string
	Params messaging.Parameters
}

// DecodeJob extracts the job class and the message parameters (the first
// job argument) from a raw Sidekiq or Resque payload.
func DecodeJob(raw []byte) (*Job, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid json", ErrInvalidJob)
	}

	class := gjson.GetBytes(raw, "class")
	if class.Type != gjson.String || class.Str == "" {
		return nil, fmt.Errorf("%w: missing class", ErrInvalidJob)
	}

	arg := gjson.GetBytes(raw, "args.0")
	if !arg.IsObject() {
		return nil, fmt.Errorf("%w: first argument of %s must be an object", ErrInvalidJob, class.Str)
	}

	var params messaging.Parameters
	if err := json.Unmarshal([]byte(arg.Raw), &params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if params.Topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidJob)
	}

	return &Job{
		Class:  class.Str,
		JID:    gjson.GetBytes(raw, "jid").String(),
		Params: params,
	}, nil
}
