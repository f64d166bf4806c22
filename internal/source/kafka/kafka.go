// Package kafka implements the change-event source on a Kafka consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/upperflow/internal/correlation"
	"github.com/lsm/upperflow/internal/kafka"
	"github.com/lsm/upperflow/internal/source"
	"github.com/lsm/upperflow/internal/tracing"
)

// Start offsets accepted by Config.StartOffset.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// commitTimeout bounds an offset commit, which outlives cancellation so the
// records drained during shutdown are not redelivered.
const commitTimeout = 5 * time.Second

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "earliest")
}

// Validate checks the source configuration.
func (c Config) Validate() error {
	if c.Cluster == nil {
		return errors.New("cluster config is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer group is required")
	}
	switch c.StartOffset {
	case "", OffsetEarliest, OffsetLatest:
	default:
		return fmt.Errorf("start offset %q must be %s or %s", c.StartOffset, OffsetEarliest, OffsetLatest)
	}
	return nil
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source consumes events from a Kafka topic.
type Source struct {
	client consumer
	topic  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == OffsetLatest {
		offset = kgo.NewOffset().AtEnd()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newSource(client, cfg.Topic, logger), nil
}

func newSource(client consumer, topic string, logger *slog.Logger) *Source {
	return &Source{
		client: client,
		topic:  topic,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("kafka-source"),
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start begins consuming events from Kafka. Blocks until ctx is cancelled.
// A record's offset is committed only after the handler returns nil for it.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			s.handle(ctx, record, handler)
		})

		// Records from the last fetch are drained before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) handle(ctx context.Context, record *kgo.Record, handler func(context.Context, source.Event) error) {
	evt := source.Event{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	}
	for _, h := range record.Headers {
		evt.Headers[h.Key] = string(h.Value)
	}

	corrID := correlation.ExtractOrGenerate(evt.Headers)
	evt.CorrelationID = corrID.Value

	recordCtx := tracing.ExtractHeaders(ctx, evt.Headers)
	spanCtx, span := tracing.StartSpan(recordCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	s.logger.Debug("event received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	if err := handler(spanCtx, evt); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("handler error", "topic", record.Topic, "offset", record.Offset, "error", err)
		return
	}

	// at-least-once: commit only after the handler is done with the record
	s.client.MarkCommitRecords(record)
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.client.CommitMarkedOffsets(commitCtx); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("commit error", "topic", record.Topic, "offset", record.Offset, "error", err)
		return
	}
	tracing.SetSpanOK(span)
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
