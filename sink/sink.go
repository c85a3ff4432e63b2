// Package sink stores committed envelope batches.
//
// A Sink owns its failure handling: Store reports problems but the crawl
// loop only logs them. The event store sink diverts failed inserts to the
// file layout so nothing is dropped.
package sink

import (
	"context"

	"github.com/nict-isp/uds-sdk/envelope"
)

// Store type names as they appear in sensor configuration.
const (
	TypeConsole  = "console"
	TypeFile     = "file"
	TypeEvWH     = "evwh"
	TypePostgres = "postgres"
	TypeNATS     = "nats"
)

// Types lists every supported store type.
var Types = []string{TypeConsole, TypeFile, TypeEvWH, TypePostgres, TypeNATS}

// Sink persists envelopes.
type Sink interface {
	Open(ctx context.Context) error
	Close() error
	Store(ctx context.Context, batch []*envelope.Envelope) error
}

// Recorder observes batches after they were stored.
type Recorder interface {
	Record(ctx context.Context, batch []*envelope.Envelope) error
}
