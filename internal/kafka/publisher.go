package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher publishes records to Kafka topics. It backs both the topic sink
// and the dead-letter handler.
type Publisher struct {
	client producer
}

// NewPublisher creates an at-least-once Kafka publisher for the cluster.
func NewPublisher(cluster *ClusterConfig, producerCfg ProducerConfig) (*Publisher, error) {
	if cluster == nil {
		return nil, errors.New("cluster config is required")
	}

	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	popts, err := ProducerOptions(producerCfg)
	if err != nil {
		return nil, fmt.Errorf("producer options: %w", err)
	}

	client, err := kgo.NewClient(append(opts, popts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}

	return &Publisher{client: client}, nil
}

// Publish sends a record to topic and waits for it to be acknowledged.
// Headers are attached in key order.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close shuts down the publisher.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
