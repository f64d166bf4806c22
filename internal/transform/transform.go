package transform

import (
	"context"

	"github.com/lsm/upperflow/internal/cdc"
)

// Transformer rewrites a decoded change event.
type Transformer interface {
	// Transform returns the event to forward to the sinks. Implementations
	// must not modify evt. A returned error turns the record into an
	// ErrorRecord.
	Transform(ctx context.Context, evt *cdc.Event) (*cdc.Event, error)
}

// Func adapts a plain function to the Transformer interface.
type Func func(ctx context.Context, evt *cdc.Event) (*cdc.Event, error)

// Transform calls f.
func (f Func) Transform(ctx context.Context, evt *cdc.Event) (*cdc.Event, error) {
	return f(ctx, evt)
}

// Identity forwards every event unchanged.
var Identity Transformer = Func(func(_ context.Context, evt *cdc.Event) (*cdc.Event, error) {
	return evt, nil
})
