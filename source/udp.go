package source

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/retry"
)

// UDPConfig configures a UDPListener.
type UDPConfig struct {
	Bind string
	// Port 0 picks a free port; see Addr.
	Port  int
	Queue QueueConfig
}

// UDPListener queues every received datagram as a Payload.
type UDPListener struct {
	cfg    UDPConfig
	logger *slog.Logger
	queue  *Queue[Payload]

	mu      sync.RWMutex
	conn    *net.UDPConn
	running atomic.Bool
	wg      sync.WaitGroup

	received atomic.Int64
	dropped  atomic.Int64
}

// NewUDPListener creates a listener. Call Start to bind.
func NewUDPListener(cfg UDPConfig, logger *slog.Logger) (*UDPListener, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "UDPListener", "NewUDPListener", "port %d", cfg.Port)
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	q, err := NewQueue[Payload](cfg.Queue)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPListener{cfg: cfg, logger: logger.With("component", "udp_listener"), queue: q}, nil
}

// Start binds the socket and starts the read loop. It retries binding a
// few times before giving up.
func (u *UDPListener) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running.Load() {
		return nil
	}

	if err := retry.Do(ctx, retry.Quick(), u.bindLocked); err != nil {
		return errors.WrapTransient(err, "UDPListener", "Start", "socket binding")
	}
	u.running.Store(true)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.readLoop(ctx)
	}()
	u.logger.Info("listening", "addr", u.conn.LocalAddr().String())
	return nil
}

func (u *UDPListener) bindLocked() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.cfg.Bind, u.cfg.Port))
	if err != nil {
		return retry.NonRetryable(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	const socketBufferSize = 2 * 1024 * 1024
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("could not set socket buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	u.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Start.
func (u *UDPListener) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Stats returns the datagram counters.
func (u *UDPListener) Stats() (received, dropped int64) {
	return u.received.Load(), u.dropped.Load()
}

// Fetch implements crawler.Fetcher.
func (u *UDPListener) Fetch(ctx context.Context) (Payload, bool, error) {
	return u.queue.Fetch(ctx)
}

// Stop closes the socket and the queue and waits for the read loop.
// Datagrams already queued can still be fetched.
func (u *UDPListener) Stop() error {
	if !u.running.Swap(false) {
		return u.queue.Close()
	}
	u.mu.Lock()
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.mu.Unlock()

	err := u.queue.Close()
	u.wg.Wait()

	u.mu.Lock()
	u.conn = nil
	u.mu.Unlock()
	return err
}

func (u *UDPListener) readLoop(ctx context.Context) {
	buf := make([]byte, 65536)
	for u.running.Load() {
		if ctx.Err() != nil {
			return
		}

		u.mu.RLock()
		conn := u.conn
		u.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !u.running.Load() {
				return
			}
			u.logger.Error("read failed", "error", err)
			if !errors.IsTransient(err) {
				return
			}
			continue
		}

		u.received.Add(1)
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := u.queue.Put(Payload{Source: peer.String(), Body: data, Received: time.Now()}); err != nil {
			u.dropped.Add(1)
			u.logger.Warn("datagram dropped", "peer", peer.String(), "error", err)
		}
	}
}
