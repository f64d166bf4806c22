// Package mongo implements the document sink: every record is inserted as
// one document into a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/upperflow/internal/correlation"
	"github.com/lsm/upperflow/internal/tracing"
)

// DefaultConnectTimeout bounds the startup connectivity check.
const DefaultConnectTimeout = 30 * time.Second

const pingTimeout = 5 * time.Second

// Config holds MongoDB sink configuration.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Validate checks the sink configuration.
func (c Config) Validate() error {
	var errs []error
	if c.URI == "" {
		errs = append(errs, errors.New("uri is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	return errors.Join(errs...)
}

// WriteError reports a record MongoDB did not accept.
type WriteError struct {
	Op  string // "decode" or "insert"
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("mongo %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// collection abstracts the collection methods used by Sink for testing.
type collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// client abstracts the client methods used by Sink for testing.
type client interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
}

// Sink inserts records into a MongoDB collection.
type Sink struct {
	client     client
	coll       collection
	database   string
	collection string
	logger     *slog.Logger
	tracer     trace.Tracer
	closeOnce  sync.Once
	closeErr   error
}

// Open connects to MongoDB and waits until the server answers a ping,
// retrying with exponential backoff for up to cfg.ConnectTimeout. The
// client is disconnected again if the server never becomes reachable.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	c, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = timeout
	if err := ping(ctx, c, eb, logger); err != nil {
		_ = c.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	logger.Info("connected to mongodb", "database", cfg.Database, "collection", cfg.Collection)
	return newSink(c, c.Database(cfg.Database).Collection(cfg.Collection), cfg.Database, cfg.Collection, logger), nil
}

func ping(ctx context.Context, c client, b backoff.BackOff, logger *slog.Logger) error {
	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return c.Ping(pctx, readpref.Primary())
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("mongodb not reachable, retrying", "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func newSink(c client, coll collection, database, collection string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client:     c,
		coll:       coll,
		database:   database,
		collection: collection,
		logger:     logger,
		tracer:     noop.NewTracerProvider().Tracer("mongo-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver inserts record as one document. The record must be a JSON
// object; it is read as relaxed extended JSON so numbers keep their type.
func (s *Sink) Deliver(ctx context.Context, record []byte, headers map[string]string) error {
	corrID := correlation.ExtractOrGenerate(headers)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanMongoInsert,
		trace.WithAttributes(
			tracing.MongoDatabaseAttr(s.database),
			tracing.MongoCollectionAttr(s.collection),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	var doc bson.D
	if err := bson.UnmarshalExtJSON(record, false, &doc); err != nil {
		werr := &WriteError{Op: "decode", Err: err}
		tracing.SetSpanError(span, werr)
		return werr
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		werr := &WriteError{Op: "insert", Err: err}
		tracing.SetSpanError(span, werr)
		s.logger.Error("insert failed",
			"correlation_id", corrID.Value,
			"collection", s.collection,
			"error", err,
		)
		return werr
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("document inserted",
		"correlation_id", corrID.Value,
		"collection", s.collection,
		"id", res.InsertedID,
	)
	return nil
}

// Close disconnects the client. Calling it more than once is safe.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.closeErr = s.client.Disconnect(ctx)
	})
	return s.closeErr
}
