package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/lifecycle-publisher/pkg/kafka"
	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
	"github.com/ava-labs/lifecycle-publisher/pkg/utils"
)

func publish(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	params, err := buildParameters(c)
	if err != nil {
		return err
	}
	method := messaging.DispatchMethod(c.String("dispatch-method"))

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	store := messaging.NewStore(cfg.Publisher)

	var broker messaging.BrokerClient
	var opts []messaging.DispatcherOption
	switch method {
	case messaging.DispatchAsync:
		backend, err := openQueue(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open job queue: %w", err)
		}
		defer backend.close() //nolint:errcheck // best-effort close after a single enqueue
		opts = dispatcherOptions(store, backend.queue, nil)
	default:
		producer, b, _, err := newBroker(ctx, cfg, sugar)
		if err != nil {
			return err
		}
		defer producer.Close(cfg.Kafka.FlushTimeout)
		broker = b
		opts = dispatcherOptions(store, nil, nil)
	}

	dispatcher := messaging.NewDispatcher(broker, sugar, opts...)
	if err := dispatcher.Dispatch(ctx, params, method); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", params.Topic, err)
	}

	sugar.Infow("message dispatched",
		"topic", params.Topic,
		"method", method,
		"enabled", cfg.Publisher.Enabled,
	)
	return nil
}

// buildParameters composes the message parameters from the publish flags.
// JSON inputs keep their key order.
func buildParameters(c *cli.Context) (messaging.Parameters, error) {
	blob, err := messaging.DecodeOrdered([]byte(c.String("blob")))
	if err != nil {
		return messaging.Parameters{}, fmt.Errorf("invalid blob JSON: %w", err)
	}

	metadata := messaging.Document{
		{Key: "event", Value: c.String("event")},
		{Key: "entity", Value: c.String("entity")},
	}
	if raw := c.String("metadata"); raw != "" {
		extra, err := messaging.DecodeOrdered([]byte(raw))
		if err != nil {
			return messaging.Parameters{}, fmt.Errorf("invalid metadata JSON: %w", err)
		}
		merged, ok := metadata.Merge(extra)
		if !ok {
			return messaging.Parameters{}, fmt.Errorf("metadata must be a JSON object")
		}
		metadata = merged
	}

	options := map[string]any{}
	if key := c.String("key"); key != "" {
		options[kafka.OptionKey] = key
	}

	return messaging.Parameters{
		Topic:         c.String("topic"),
		Blob:          blob,
		Metadata:      metadata,
		Options:       options,
		MessageFormat: messaging.MessageFormat(c.String("message-format")),
		EmbedBlob:     c.Bool("embed-blob"),
	}, nil
}
