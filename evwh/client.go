package evwh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
)

const (
	// DefaultTimeout bounds one request/response exchange.
	DefaultTimeout = 2 * time.Second
	// FirstSequence is the sequence number of the first request on a client.
	FirstSequence uint32 = 10001

	readChunk = 1024
)

// ClientConfig locates the event warehouse.
type ClientConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

// Address returns host:port.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is a single-connection event warehouse client. Methods may be
// called from several goroutines; exchanges are serialized.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
	seq  uint32
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "evwh", "address", cfg.Address()),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		seq:    FirstSequence,
	}
}

// Connect opens the connection. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		c.logger.Error("connect failed", "error", err)
		return errors.WrapTransient(err, "Client", "Connect", "dial")
	}
	c.conn = conn
	c.logger.Debug("connected")
	return nil
}

// Disconnect closes the connection. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return errors.Wrap(err, "Client", "Disconnect", "close")
	}
	return nil
}

// Reconnect drops the current connection, abandoning any partial response,
// and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.disconnectLocked(); err != nil {
		c.logger.Warn("close before reconnect failed", "error", err)
	}
	return c.connectLocked(ctx)
}

// Connected reports whether a connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes query as one frame and waits up to timeout for the response
// frame. Any failure is transient and leaves the connection unusable until
// Reconnect.
func (c *Client) Send(ctx context.Context, query string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "Send", "connection check")
	}
	conn := c.conn

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.WrapTransient(err, "Client", "Send", "set deadline")
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	// Cancellation unblocks the pending read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	seq := c.seq
	c.seq++

	if _, err := conn.Write(EncodeFrame(seq, []byte(query))); err != nil {
		return nil, c.exchangeError(ctx, err, "write")
	}

	var asm Assembler
	chunk := make([]byte, readChunk)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			asm.Add(chunk[:n])
			if gotSeq, payload, ok := asm.Frame(); ok {
				if gotSeq != seq {
					c.logger.Error("response sequence mismatch", "sent", seq, "received", gotSeq)
					return nil, errors.WrapTransient(
						fmt.Errorf("%w: sent sequence %d, received %d", errors.ErrProtocol, seq, gotSeq),
						"Client", "Send", "sequence check")
				}
				return payload, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("connection closed with %d bytes buffered: %w", asm.Buffered(), errors.ErrConnectionLost)
			}
			return nil, c.exchangeError(ctx, err, "read")
		}
	}
}

func (c *Client) exchangeError(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", ctx.Err(), err), "Client", "Send", action)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.logger.Error("event warehouse timed out", "action", action)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, err), "Client", "Send", action)
	}
	c.logger.Error("event warehouse exchange failed", "action", action, "error", err)
	return errors.WrapTransient(err, "Client", "Send", action)
}
