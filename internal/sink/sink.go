package sink

import "context"

// Sink delivers processed records to a destination.
type Sink interface {
	// Deliver writes one serialized record. Returns nil on success.
	// The pipeline commits the source offset once every sink has been
	// attempted, whatever the outcome.
	Deliver(ctx context.Context, record []byte, headers map[string]string) error

	// Close releases the sink's connection. It is called once on shutdown.
	Close() error
}
