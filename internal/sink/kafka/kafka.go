// Package kafka implements the topic sink: every record is produced to a
// single output topic with at-least-once delivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/upperflow/internal/correlation"
	"github.com/lsm/upperflow/internal/kafka"
	"github.com/lsm/upperflow/internal/tracing"
)

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster  *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic    string
	Producer kafka.ProducerConfig

	// EnsureTopic creates Topic on startup when it does not exist.
	EnsureTopic       bool
	Partitions        int32
	ReplicationFactor int16
}

// ProduceError reports a record the broker did not acknowledge.
type ProduceError struct {
	Topic string
	Err   error
}

func (e *ProduceError) Error() string {
	return fmt.Sprintf("produce to %s: %v", e.Topic, e.Err)
}

func (e *ProduceError) Unwrap() error { return e.Err }

// Sink delivers records to a Kafka topic.
type Sink struct {
	publisher publisher
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewSink creates a new Kafka sink. When cfg.EnsureTopic is set the topic
// is created before the producer is started.
func NewSink(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, errors.New("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	if cfg.EnsureTopic {
		spec := kafka.TopicSpec{Name: cfg.Topic, Partitions: cfg.Partitions, ReplicationFactor: cfg.ReplicationFactor}
		if err := kafka.EnsureTopic(ctx, cfg.Cluster, spec); err != nil {
			return nil, fmt.Errorf("ensure topic: %w", err)
		}
	}

	pub, err := kafka.NewPublisher(cfg.Cluster, cfg.Producer)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	return newSink(pub, cfg.Topic, logger), nil
}

func newSink(pub publisher, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		publisher: pub,
		topic:     topic,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Topic returns the output topic.
func (s *Sink) Topic() string {
	return s.topic
}

// Deliver produces record to the output topic and waits for the
// acknowledgement. Trace context is injected into the record headers.
func (s *Sink) Deliver(ctx context.Context, record []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	headers = tracing.InjectHeaders(ctx, headers)

	if err := s.publisher.Publish(ctx, s.topic, nil, record, headers); err != nil {
		perr := &ProduceError{Topic: s.topic, Err: err}
		tracing.SetSpanError(span, perr)
		s.logger.Error("delivery failed",
			"correlation_id", corrID.Value,
			"topic", s.topic,
			"error", err,
		)
		return perr
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("record produced",
		"correlation_id", corrID.Value,
		"topic", s.topic,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close shuts down the Kafka publisher.
func (s *Sink) Close() error {
	return s.publisher.Close()
}
