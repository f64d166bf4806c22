// Package upper implements the upper-casing transform: every string value of
// a change event's "after" mapping is replaced by its upper-case form.
package upper

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lsm/upperflow/internal/cdc"
)

// Transformer upper-cases the string values of "after". It holds no state
// and is safe for concurrent use.
type Transformer struct{}

// NewTransformer creates an upper-casing Transformer.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform returns evt with every string value in "after" upper-cased using
// full, locale-independent Unicode case mapping, so "ß" becomes "SS".
// Numbers, booleans, nulls and nested values are left as they are. Events
// without an "after" mapping are returned unchanged.
func (t *Transformer) Transform(_ context.Context, evt *cdc.Event) (*cdc.Event, error) {
	after, ok := evt.After()
	if !ok {
		return evt, nil
	}

	// A Caser keeps state, so each call gets its own.
	caser := cases.Upper(language.Und)

	out := make(cdc.Object, len(after))
	for i, f := range after {
		out[i] = f
		if !cdc.IsString(f.Value) {
			continue
		}
		var s string
		if err := json.Unmarshal(f.Value, &s); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		upper, err := cdc.EncodeString(caser.String(s))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		out[i].Value = upper
	}

	return evt.WithAfter(out)
}
