// Package dispatch fans one record out to several sinks. Every sink is
// written concurrently and independently: a failed, slow or panicking sink
// never prevents or undoes delivery to the others, and every attempt ends in
// an Outcome value instead of an error.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/upperflow/internal/circuitbreaker"
	"github.com/lsm/upperflow/internal/sink"
	"github.com/lsm/upperflow/internal/tracing"
)

// Sink names used by the job driver.
const (
	SinkDocument = "document"
	SinkTopic    = "topic"
)

// DefaultWriteTimeout bounds a single sink write when Config leaves it unset.
const DefaultWriteTimeout = 10 * time.Second

// Status is the result of one sink write.
type Status string

const (
	Delivered Status = "delivered"
	Failed    Status = "failed"
)

// Outcome describes what happened to a record at one sink.
type Outcome struct {
	Sink     string
	Status   Status
	Reason   string // empty when delivered
	Err      error
	Duration time.Duration
	// Breaker is the sink's breaker state after the write, empty when the
	// sink has no breaker.
	Breaker string
}

// Delivered reports whether the sink accepted the record.
func (o Outcome) Delivered() bool { return o.Status == Delivered }

// Result holds one Outcome per target, in target order.
type Result struct {
	Outcomes []Outcome
}

// Get returns the outcome for the named sink.
func (r Result) Get(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Sink == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Document returns the document sink's outcome.
func (r Result) Document() Outcome {
	o, _ := r.Get(SinkDocument)
	return o
}

// Topic returns the topic sink's outcome.
func (r Result) Topic() Outcome {
	o, _ := r.Get(SinkTopic)
	return o
}

// Failed returns the outcomes of sinks that did not accept the record.
func (r Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.Delivered() {
			failed = append(failed, o)
		}
	}
	return failed
}

// AllDelivered reports whether every sink accepted the record.
func (r Result) AllDelivered() bool {
	return len(r.Failed()) == 0
}

// Target is a named sink, optionally guarded by a circuit breaker.
type Target struct {
	Name    string
	Sink    sink.Sink
	Breaker *circuitbreaker.Breaker
}

// Config holds dispatcher configuration.
type Config struct {
	WriteTimeout time.Duration
}

// Dispatcher writes records to a fixed set of targets.
type Dispatcher struct {
	targets      []Target
	writeTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a Dispatcher over targets.
func New(cfg Config, targets ...Target) (*Dispatcher, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		if t.Name == "" {
			return nil, fmt.Errorf("target %d: name is required", i)
		}
		if t.Sink == nil {
			return nil, fmt.Errorf("target %q: sink is required", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	return &Dispatcher{
		targets:      targets,
		writeTimeout: timeout,
		logger:       slog.Default(),
		tracer:       noop.NewTracerProvider().Tracer("dispatch"),
	}, nil
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// SetTracer sets the tracer for the dispatcher.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// Targets returns the names of the configured targets.
func (d *Dispatcher) Targets() []string {
	names := make([]string, len(d.targets))
	for i, t := range d.targets {
		names[i] = t.Name
	}
	return names
}

// Dispatch writes record to every target concurrently and returns once all
// writes have finished or timed out. It never returns an error: each
// failure is reported in its target's Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, record []byte, headers map[string]string) Result {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDispatch)
	defer span.End()

	outcomes := make([]Outcome, len(d.targets))
	var wg conc.WaitGroup
	for i, t := range d.targets {
		wg.Go(func() {
			outcomes[i] = d.deliver(ctx, t, record, headers)
		})
	}
	wg.Wait()

	res := Result{Outcomes: outcomes}
	if failed := res.Failed(); len(failed) > 0 {
		tracing.SetSpanError(span, failed[0].Err)
	} else {
		tracing.SetSpanOK(span)
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, t Target, record []byte, headers map[string]string) Outcome {
	start := time.Now()
	out := Outcome{Sink: t.Name}

	if t.Breaker != nil {
		if err := t.Breaker.Allow(); err != nil {
			out.fail(err)
			out.Breaker = t.Breaker.State().String()
			out.Duration = time.Since(start)
			return out
		}
	}

	err := d.write(ctx, t.Sink, record, maps.Clone(headers))
	if t.Breaker != nil {
		t.Breaker.Record(err)
		out.Breaker = t.Breaker.State().String()
	}

	out.Duration = time.Since(start)
	if err != nil {
		out.fail(err)
		d.logger.Debug("sink write failed", "sink", t.Name, "error", err)
		return out
	}
	out.Status = Delivered
	return out
}

func (o *Outcome) fail(err error) {
	o.Status = Failed
	o.Err = err
	o.Reason = err.Error()
}

// write runs one Deliver call bounded by the write timeout. A sink that
// ignores its context is abandoned when the timeout fires; its goroutine
// finishes in the background.
func (d *Dispatcher) write(ctx context.Context, s sink.Sink, record []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() {
			err = s.Deliver(ctx, record, headers)
		})
		if r := pc.Recovered(); r != nil {
			err = &PanicError{Value: r.Value, Stack: r.Stack}
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("write timed out after %s: %w", d.writeTimeout, ctx.Err())
		}
		return fmt.Errorf("write cancelled: %w", ctx.Err())
	}
}

// Close closes every target's sink and joins their errors.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, t := range d.targets {
		if err := t.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s sink close: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// PanicError reports a sink that panicked during Deliver.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sink panicked: %v", e.Value)
}
