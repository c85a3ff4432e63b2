// Package evwh is a client for the event warehouse, a remote event store
// queried with MPQL over a framed TCP protocol.
//
// Every request and response is one frame: a 4-byte big-endian payload
// length, a 4-byte big-endian sequence number, then the payload. Requests
// carry MPQL text, responses carry a JSON document.
//
// A Client owns a single connection and serializes callers. A failed
// exchange leaves the connection in an unknown state, so callers reconnect
// before the next request. DAO layers the MPQL statements used by the crawl
// pipeline (last value lookup, insert, table administration) on top of a
// Client and satisfies filter.LastValueStore.
package evwh
