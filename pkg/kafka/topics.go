package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicConfig describes a topic the publisher writes to.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

func (tc TopicConfig) Validate() error {
	if strings.TrimSpace(tc.Name) == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// TopicConfigs builds one TopicConfig per distinct name, in first-seen order.
func TopicConfigs(names []string, partitions, replicationFactor int) []TopicConfig {
	seen := make(map[string]struct{}, len(names))
	out := make([]TopicConfig, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, TopicConfig{
			Name:              name,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		})
	}
	return out
}

// TopicAdmin is the subset of *kafka.AdminClient used to manage topics.
type TopicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
}

var _ TopicAdmin = (*kafka.AdminClient)(nil)

// EnsureTopics creates every missing topic in configs.
//
// Existing topics are left untouched; a partition count or replication
// factor that differs from the config is only logged, since neither can be
// lowered through the admin API.
func EnsureTopics(ctx context.Context, admin TopicAdmin, configs []TopicConfig, log *zap.SugaredLogger) error {
	var missing []kafka.TopicSpecification
	for _, tc := range configs {
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("invalid topic config: %w", err)
		}

		md, err := topicMetadata(admin, tc.Name)
		if err != nil {
			return err
		}
		if md == nil {
			missing = append(missing, kafka.TopicSpecification{
				Topic:             tc.Name,
				NumPartitions:     tc.NumPartitions,
				ReplicationFactor: tc.ReplicationFactor,
			})
			continue
		}

		partitions, rf := len(md.Partitions), replicationFactor(md)
		if partitions != tc.NumPartitions || rf != tc.ReplicationFactor {
			log.Warnw("topic exists with different layout",
				"topic", tc.Name,
				"partitions", partitions,
				"desiredPartitions", tc.NumPartitions,
				"replicationFactor", rf,
				"desiredReplicationFactor", tc.ReplicationFactor)
			continue
		}
		log.Debugw("topic exists", "topic", tc.Name)
	}

	if len(missing) == 0 {
		return nil
	}

	results, err := admin.CreateTopics(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	var errs []error
	for _, result := range results {
		switch result.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic", "topic", result.Topic)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", result.Topic)
		default:
			errs = append(errs, fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error))
		}
	}
	return errors.Join(errs...)
}

// topicMetadata returns nil when the topic does not exist.
func topicMetadata(admin TopicAdmin, name string) (*kafka.TopicMetadata, error) {
	metadata, err := admin.GetMetadata(&name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", name, err)
	}

	md, exists := metadata.Topics[name]
	if !exists || md.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return nil, nil
	}
	if md.Error.Code() != kafka.ErrNoError {
		return nil, fmt.Errorf("topic %q has error: %w", name, md.Error)
	}
	return &md, nil
}

func replicationFactor(md *kafka.TopicMetadata) int {
	if len(md.Partitions) == 0 {
		return 0
	}
	return len(md.Partitions[0].Replicas)
}
