package filter

import (
	"context"

	"github.com/nict-isp/uds-sdk/envelope"
)

// LastValueStore answers "when was this key last recorded". found is false
// when there is no prior record, which is a valid answer and not a failure.
type LastValueStore interface {
	SelectLast(ctx context.Context, key []envelope.KeyValue) (last string, found bool, err error)
	Reconnect(ctx context.Context) error
}

// NoLastValues is a LastValueStore that never has a prior record. It lets
// the time-ordered filter run against sinks that cannot be queried.
type NoLastValues struct{}

// SelectLast implements LastValueStore.
func (NoLastValues) SelectLast(context.Context, []envelope.KeyValue) (string, bool, error) {
	return "", false, nil
}

// Reconnect implements LastValueStore.
func (NoLastValues) Reconnect(context.Context) error { return nil }
