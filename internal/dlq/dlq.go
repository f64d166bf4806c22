// Package dlq forwards records that a sink refused to a dead-letter topic,
// tagged with where they came from and why they failed.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Header names set on every dead-letter record.
const (
	HeaderOriginalTopic     = "upperflow-original-topic"
	HeaderOriginalPartition = "upperflow-original-partition"
	HeaderOriginalOffset    = "upperflow-original-offset"
	HeaderSink              = "upperflow-failed-sink"
	HeaderReason            = "upperflow-failure-reason"
	HeaderFailedAt          = "upperflow-failed-at"
	HeaderJobName           = "upperflow-job-name"
	HeaderCorrelationID     = "upperflow-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why a record was not delivered.
type FailureInfo struct {
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	Sink              string
	Reason            string
	JobName           string
	CorrelationID     string
}

// Handler publishes failed records to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(jobName string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(jobName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithTopic sends every record to topic.
func WithTopic(topic string) Option {
	return WithTopicFunc(func(string) string { return topic })
}

// WithClock overrides the clock used for the failed-at header.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// DefaultTopic returns the dead-letter topic used for a job when none is
// configured.
func DefaultTopic(jobName string) string {
	return "upperflow-dlq-" + jobName
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the dead-letter topic for jobName.
func (h *Handler) Topic(jobName string) string {
	return h.topicFn(jobName)
}

// Send publishes a failed record to the job's dead-letter topic.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.JobName)

	headers := map[string]string{
		HeaderOriginalTopic:     info.OriginalTopic,
		HeaderOriginalPartition: strconv.FormatInt(int64(info.OriginalPartition), 10),
		HeaderOriginalOffset:    strconv.FormatInt(info.OriginalOffset, 10),
		HeaderSink:              info.Sink,
		HeaderReason:            info.Reason,
		HeaderFailedAt:          h.now().UTC().Format(time.RFC3339),
		HeaderJobName:           info.JobName,
		HeaderCorrelationID:     info.CorrelationID,
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no dead-letter topic is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
