// Package errors implements the three-class error taxonomy used across uds.
//
// # Classes
//
//   - Transient: transport failures, timeouts, store unavailability. The
//     last-value lookup retries these forever; the event-store sink diverts
//     the envelope to its fallback directory instead.
//   - Invalid: a payload or envelope that fails parsing or checking. The
//     current crawl cycle is skipped and crawling continues.
//   - Fatal: double commit, unknown format version, malformed primary key
//     configuration. The sensor stops.
//
// # Usage
//
// Wrap third-party errors with component context:
//
//	if err := conn.SetDeadline(deadline); err != nil {
//	    return errors.WrapTransient(err, "Client", "Send", "set deadline")
//	}
//
// Branch on the class:
//
//	switch {
//	case errors.IsFatal(err):
//	    return err
//	case errors.IsInvalid(err):
//	    logger.Warn("Skipping cycle", "error", err)
//	}
//
// Standard sentinels such as ErrConnectionLost or ErrAlreadyCommitted can be
// matched with errors.Is through any number of wrapping layers.
package errors
