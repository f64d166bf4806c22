package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrJobName         = "upperflow.job.name"
	AttrCorrelationID   = "upperflow.correlation_id"
	AttrSinkName        = "upperflow.sink.name"
	AttrRecordKind      = "upperflow.record.kind"
	AttrKafkaTopic      = "messaging.kafka.topic"
	AttrKafkaPartition  = "messaging.kafka.partition"
	AttrKafkaOffset     = "messaging.kafka.offset"
	AttrMongoDatabase   = "db.name"
	AttrMongoCollection = "db.mongodb.collection"
)

// Span names.
const (
	SpanRecord       = "upperflow.record"
	SpanTransform    = "upperflow.transform"
	SpanDispatch     = "upperflow.dispatch"
	SpanKafkaConsume = "kafka.consume"
	SpanKafkaPublish = "kafka.publish"
	SpanMongoInsert  = "mongo.insert"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func JobAttr(name string) attribute.KeyValue {
	return attribute.String(AttrJobName, name)
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSinkName, name)
}

// RecordKindAttr marks whether a dispatched record is a transformed event or
// an error record.
func RecordKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrRecordKind, kind)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

func MongoDatabaseAttr(db string) attribute.KeyValue {
	return attribute.String(AttrMongoDatabase, db)
}

func MongoCollectionAttr(coll string) attribute.KeyValue {
	return attribute.String(AttrMongoCollection, coll)
}
