// Package crawler runs the crawl cycle of a sensor.
//
// Each cycle runs strictly in sequence on the caller's goroutine:
//
//	BeforeCycle -> Fetch -> Parse -> Commit -> Check -> Filter -> Store -> AfterCycle
//
// An empty fetch, an empty parse result, a failed check or a batch the
// filter empties ends the cycle early. Store errors are logged and never
// stop the loop. Fatal errors (a double commit, a broken filter
// configuration) end Run. Stage durations go to the configured
// TimeRecorder and, when set, to the crawl metrics.
//
// A crawl ends when Abort is called, when a Fetcher returns an error
// wrapping ErrAbort, or when the context passed to Run is cancelled.
// Abort is cooperative: the cycle in progress completes first.
package crawler
