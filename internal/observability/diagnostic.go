package observability

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

// Stages at which a record can fail.
const (
	StageDecode     = "decode"
	StageTransform  = "transform"
	StageDispatch   = "dispatch"
	StageDeadLetter = "dead_letter"
)

// MaxPayloadExcerpt is the number of payload bytes kept in a diagnostic.
const MaxPayloadExcerpt = 256

// Diagnostic describes one per-record failure. It is reported next to the
// record's result rather than in place of it.
type Diagnostic struct {
	Severity      slog.Level
	Stage         string
	Message       string
	Reason        string
	Sink          string // set for dispatch and dead-letter failures
	Payload       []byte
	Topic         string
	Partition     int32
	Offset        int64
	CorrelationID string
}

// Reporter receives diagnostics.
type Reporter interface {
	Report(ctx context.Context, d Diagnostic)
}

// LogReporter writes diagnostics to a structured logger and counts
// error records in Prometheus.
type LogReporter struct {
	logger  *TraceLogger
	metrics *Metrics
}

// NewLogReporter creates a LogReporter. metrics may be nil.
func NewLogReporter(logger *slog.Logger, metrics *Metrics) *LogReporter {
	return &LogReporter{logger: NewTraceLogger(logger), metrics: metrics}
}

// Report logs d and updates the error-record counter for decode and
// transform failures.
func (r *LogReporter) Report(ctx context.Context, d Diagnostic) {
	attrs := []any{
		"stage", d.Stage,
		"reason", d.Reason,
		"topic", d.Topic,
		"partition", d.Partition,
		"offset", d.Offset,
		"correlation_id", d.CorrelationID,
	}
	if d.Sink != "" {
		attrs = append(attrs, "sink", d.Sink)
	}
	if len(d.Payload) > 0 {
		attrs = append(attrs, "payload", Excerpt(d.Payload, MaxPayloadExcerpt))
	}
	r.logger.WithTraceContext(ctx).Log(ctx, d.Severity, d.Message, attrs...)

	if r.metrics == nil {
		return
	}
	switch d.Stage {
	case StageDecode, StageTransform:
		r.metrics.ErrorRecords.WithLabelValues(d.Stage).Inc()
	}
}

// Excerpt returns at most max bytes of payload as a string, cut on a rune
// boundary and marked with "..." when shortened.
func Excerpt(payload []byte, max int) string {
	if len(payload) <= max {
		return string(payload)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return string(payload[:cut]) + "..."
}

// NopReporter discards diagnostics.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Diagnostic) {}
