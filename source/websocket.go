package source

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nict-isp/uds-sdk/errors"
)

// WebSocketConfig configures a WebSocketListener.
type WebSocketConfig struct {
	// Addr is the listen address, ":0" picks a free port.
	Addr string
	// Path defaults to "/ws".
	Path string
	// ReadLimit caps one message. Zero means 1 MiB.
	ReadLimit int64
	Queue     QueueConfig
	// TLS, when set, serves wss:// instead of ws://.
	TLS *tls.Config
}

// WebSocketListener accepts WebSocket clients and queues every text or
// binary message they send as a Payload.
type WebSocketListener struct {
	cfg      WebSocketConfig
	logger   *slog.Logger
	queue    *Queue[Payload]
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	clients  map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewWebSocketListener creates a listener. Call Start to serve.
func NewWebSocketListener(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketListener, error) {
	if cfg.Addr == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "WebSocketListener", "NewWebSocketListener", "addr check")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	q, err := NewQueue[Payload](cfg.Queue)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketListener{
		cfg:    cfg,
		logger: logger.With("component", "websocket_listener"),
		queue:  q,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Start listens and serves in the background.
func (w *WebSocketListener) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		return nil
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", w.cfg.Addr)
	if err != nil {
		return errors.WrapTransient(err, "WebSocketListener", "Start", "listen")
	}
	if w.cfg.TLS != nil {
		ln = tls.NewListener(ln, w.cfg.TLS)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handle)
	w.listener = ln
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("server stopped", "error", err)
		}
	}()
	w.logger.Info("listening", "addr", ln.Addr().String(), "path", w.cfg.Path)
	return nil
}

// Addr returns the listen address, or nil before Start.
func (w *WebSocketListener) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Fetch implements crawler.Fetcher.
func (w *WebSocketListener) Fetch(ctx context.Context) (Payload, bool, error) {
	return w.queue.Fetch(ctx)
}

// Stop shuts the server down, disconnects clients and closes the queue.
func (w *WebSocketListener) Stop(ctx context.Context) error {
	w.mu.Lock()
	server := w.server
	w.server = nil
	for c := range w.clients {
		_ = c.Close()
	}
	w.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	qerr := w.queue.Close()
	w.wg.Wait()
	return errors.Join(err, qerr)
}

func (w *WebSocketListener) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(w.cfg.ReadLimit)

	w.mu.Lock()
	if w.server == nil {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.clients[conn] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		_ = conn.Close()
		w.wg.Done()
	}()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Debug("client gone", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := w.queue.Put(Payload{Source: r.RemoteAddr, Body: msg, Received: time.Now()}); err != nil {
			w.logger.Warn("message dropped", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}
