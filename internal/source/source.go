package source

import "context"

// Event represents a raw change record consumed from a source.
type Event struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Topic         string
	Partition     int32
	Offset        int64
	CorrelationID string
}

// Source consumes events from an external system.
type Source interface {
	// Start begins consuming events. Blocks until ctx is cancelled.
	// Events are delivered to the handler function one at a time, in the
	// order the source received them.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}
