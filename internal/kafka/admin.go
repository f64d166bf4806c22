package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicSpec describes a topic to create when it does not exist. Zero
// partitions or replication factor defer to the broker defaults.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// topicCreator abstracts the admin client for testing.
type topicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// EnsureTopic creates the topic described by spec if it is missing.
func EnsureTopic(ctx context.Context, cluster *ClusterConfig, spec TopicSpec) error {
	opts, err := ClientOptions(cluster)
	if err != nil {
		return fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka admin client: %w", err)
	}
	defer client.Close()

	return ensureTopic(ctx, kadm.NewClient(client), spec)
}

func ensureTopic(ctx context.Context, adm topicCreator, spec TopicSpec) error {
	if spec.Name == "" {
		return errors.New("topic name is required")
	}
	partitions, rf := spec.Partitions, spec.ReplicationFactor
	if partitions <= 0 {
		partitions = -1
	}
	if rf <= 0 {
		rf = -1
	}

	resp, err := adm.CreateTopics(ctx, partitions, rf, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
