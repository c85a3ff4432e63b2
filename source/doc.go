// Package source provides crawler Fetchers.
//
// Pull sources (HTTPPoller, CSVFileList) do their work inside Fetch and are
// usually wrapped with Paced to keep a fixed interval between fetches.
// Push sources (UDPListener, WebSocketListener, CSVDirWatcher) run a
// listener goroutine that feeds a Queue; their Fetch blocks on the queue
// until data arrives, the context ends or the listener stops.
//
// Every fetcher yields a Payload: the raw bytes, converted to UTF-8 where
// a charset applies, and a locator for the envelope's source info.
package source
