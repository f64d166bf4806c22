// Package pipeline drives one change record at a time through
// decode → transform → dispatch and reports what happened to it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/upperflow/internal/cdc"
	"github.com/lsm/upperflow/internal/correlation"
	"github.com/lsm/upperflow/internal/dispatch"
	"github.com/lsm/upperflow/internal/dlq"
	"github.com/lsm/upperflow/internal/observability"
	"github.com/lsm/upperflow/internal/source"
	"github.com/lsm/upperflow/internal/tracing"
	"github.com/lsm/upperflow/internal/transform"
)

// ContentTypeJSON is the content type header set on every outgoing record.
const ContentTypeJSON = "application/json"

// Record statuses counted in upperflow_records_total.
const (
	StatusTransformed = "transformed"
	StatusErrorRecord = "error_record"
)

// StageError reports the processing stage at which a payload failed.
type StageError struct {
	Stage string // observability.StageDecode or observability.StageTransform
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Prepare turns a raw payload into the record both sinks receive. When the
// payload cannot be decoded, or the transformer fails or panics, the
// returned record is the encoded ErrorRecord and the error is a
// *StageError describing the failure. A nil transformer means identity.
func Prepare(ctx context.Context, tr transform.Transformer, raw []byte) ([]byte, error) {
	if tr == nil {
		tr = transform.Identity
	}

	evt, err := cdc.Decode(raw)
	if err != nil {
		return cdc.NewErrorRecord(err).Encode(), &StageError{Stage: observability.StageDecode, Err: err}
	}

	out, err := safeTransform(ctx, tr, evt)
	if err == nil {
		var record []byte
		if record, err = out.Encode(); err == nil {
			return record, nil
		}
	}
	return cdc.NewErrorRecord(err).Encode(), &StageError{Stage: observability.StageTransform, Err: err}
}

func safeTransform(ctx context.Context, tr transform.Transformer, evt *cdc.Event) (out *cdc.Event, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		out, err = tr.Transform(ctx, evt)
	})
	if r := pc.Recovered(); r != nil {
		return nil, fmt.Errorf("transform panicked: %v", r.Value)
	}
	if err == nil && out == nil {
		return nil, errors.New("transform returned no event")
	}
	return out, err
}

// Config holds pipeline configuration.
type Config struct {
	JobName string
}

// Pipeline orchestrates the source → transform → dispatch flow.
type Pipeline struct {
	config      Config
	source      source.Source
	transformer transform.Transformer
	dispatcher  *dispatch.Dispatcher
	dlq         *dlq.Handler
	metrics     *observability.Metrics
	reporter    observability.Reporter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDLQ hands records that a sink refused to h.
func WithDLQ(h *dlq.Handler) Option {
	return func(p *Pipeline) { p.dlq = h }
}

// WithMetrics records pipeline metrics in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithReporter sends per-record diagnostics to r.
func WithReporter(r observability.Reporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer sets the tracer for record and transform spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New creates a new Pipeline. If tr is nil, records pass through
// untransformed.
func New(cfg Config, src source.Source, tr transform.Transformer, d *dispatch.Dispatcher, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, errors.New("source is required")
	}
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if tr == nil {
		tr = transform.Identity
	}

	p := &Pipeline{
		config:      cfg,
		source:      src,
		transformer: tr,
		dispatcher:  d,
		logger:      slog.Default(),
		tracer:      noop.NewTracerProvider().Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reporter == nil {
		p.reporter = observability.NewLogReporter(p.logger, p.metrics)
	}
	return p, nil
}

// Run starts the pipeline. Blocks until ctx is cancelled. Every record is
// handled, so the source commits it once both sinks have been attempted.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "job", p.config.JobName, "sinks", p.dispatcher.Targets())

	return p.source.Start(ctx, func(ctx context.Context, evt source.Event) error {
		p.process(ctx, evt)
		return nil
	})
}

func (p *Pipeline) process(ctx context.Context, evt source.Event) {
	corrID := correlation.ID{Value: evt.CorrelationID}
	if corrID.Value == "" {
		corrID = correlation.ExtractOrGenerate(evt.Headers)
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanRecord,
		trace.WithAttributes(
			tracing.JobAttr(p.config.JobName),
			tracing.CorrelationAttr(corrID.Value),
			tracing.KafkaTopicAttr(evt.Topic),
			tracing.KafkaPartitionAttr(evt.Partition),
			tracing.KafkaOffsetAttr(evt.Offset),
		),
	)
	defer span.End()

	start := time.Now()
	record, err := p.prepare(ctx, evt.Value)
	p.observe("transform", start)

	status := StatusTransformed
	if err != nil {
		status = StatusErrorRecord
		stage, cause := observability.StageTransform, err
		var se *StageError
		if errors.As(err, &se) {
			stage, cause = se.Stage, se.Err
		}
		p.reporter.Report(ctx, observability.Diagnostic{
			Severity:      slog.LevelWarn,
			Stage:         stage,
			Message:       "record replaced by error record",
			Reason:        cdc.NewErrorRecord(cause).Reason,
			Payload:       evt.Value,
			Topic:         evt.Topic,
			Partition:     evt.Partition,
			Offset:        evt.Offset,
			CorrelationID: corrID.Value,
		})
	}
	span.SetAttributes(tracing.RecordKindAttr(status))
	if p.metrics != nil {
		p.metrics.RecordsTotal.WithLabelValues(status).Inc()
	}

	headers := correlation.AddToHeaders(map[string]string{"content-type": ContentTypeJSON}, corrID)

	// A record that reached dispatch is finished even if shutdown starts;
	// the per-sink write timeout still bounds it.
	ctx = context.WithoutCancel(ctx)

	start = time.Now()
	res := p.dispatcher.Dispatch(ctx, record, headers)
	p.observe("dispatch", start)

	for _, o := range res.Outcomes {
		p.recordOutcome(o)
		if o.Delivered() {
			continue
		}
		p.reporter.Report(ctx, observability.Diagnostic{
			Severity:      slog.LevelError,
			Stage:         observability.StageDispatch,
			Message:       "sink write failed",
			Reason:        o.Reason,
			Sink:          o.Sink,
			Topic:         evt.Topic,
			Partition:     evt.Partition,
			Offset:        evt.Offset,
			CorrelationID: corrID.Value,
		})
		p.sendToDLQ(ctx, evt, record, o, corrID.Value)
	}

	if res.AllDelivered() {
		tracing.SetSpanOK(span)
	} else {
		tracing.SetSpanError(span, res.Failed()[0].Err)
	}

	p.logger.Debug("record processed",
		"correlation_id", corrID.Value,
		"topic", evt.Topic,
		"partition", evt.Partition,
		"offset", evt.Offset,
		"status", status,
		"delivered", res.AllDelivered(),
	)
}

func (p *Pipeline) prepare(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanTransform)
	defer span.End()

	record, err := Prepare(ctx, p.transformer, raw)
	if err != nil {
		tracing.SetSpanError(span, err)
	} else {
		tracing.SetSpanOK(span)
	}
	return record, err
}

func (p *Pipeline) recordOutcome(o dispatch.Outcome) {
	if p.metrics == nil {
		return
	}
	p.metrics.SinkOutcomes.WithLabelValues(o.Sink, string(o.Status)).Inc()
	if o.Breaker != "" {
		p.metrics.BreakerState.WithLabelValues(o.Sink).Set(breakerValue(o.Breaker))
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func (p *Pipeline) observe(phase string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) sendToDLQ(ctx context.Context, evt source.Event, record []byte, o dispatch.Outcome, corrID string) {
	if p.dlq == nil {
		return
	}
	info := dlq.FailureInfo{
		OriginalTopic:     evt.Topic,
		OriginalPartition: evt.Partition,
		OriginalOffset:    evt.Offset,
		Sink:              o.Sink,
		Reason:            o.Reason,
		JobName:           p.config.JobName,
		CorrelationID:     corrID,
	}
	if err := p.dlq.Send(ctx, evt.Key, record, info); err != nil {
		p.reporter.Report(ctx, observability.Diagnostic{
			Severity:      slog.LevelError,
			Stage:         observability.StageDeadLetter,
			Message:       "dead-letter publish failed",
			Reason:        err.Error(),
			Sink:          o.Sink,
			Topic:         evt.Topic,
			Partition:     evt.Partition,
			Offset:        evt.Offset,
			CorrelationID: corrID,
		})
		return
	}
	if p.metrics != nil {
		p.metrics.DLQTotal.WithLabelValues(o.Sink).Inc()
	}
}

// Shutdown performs graceful shutdown of the pipeline components.
// Closes source, sinks and DLQ in order. Returns all errors joined.
func (p *Pipeline) Shutdown(_ context.Context) error {
	p.logger.Info("shutting down pipeline", "job", p.config.JobName)

	var errs []error

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "job", p.config.JobName, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.dispatcher.Close(); err != nil {
		p.logger.Error("sink close error", "job", p.config.JobName, "error", err)
		errs = append(errs, err)
	}
	if p.dlq != nil {
		if err := p.dlq.Close(); err != nil {
			p.logger.Error("dlq close error", "job", p.config.JobName, "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}

	p.logger.Info("pipeline shutdown complete", "job", p.config.JobName)
	return errors.Join(errs...)
}
