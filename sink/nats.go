package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

// NATSConfig configures a NATS sink.
type NATSConfig struct {
	URL string
	// Subject prefix; envelopes go to <Subject>.<sensor>.
	Subject string
	Sensor  string
	// Stream, when set, publishes through JetStream into this stream,
	// creating it if needed. Data ids are used as message ids so the
	// stream discards redelivered envelopes.
	Stream        string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	TLS           *tls.Config
}

// NATS publishes each envelope's canonical JSON.
type NATS struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewNATS creates the sink.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "NATS", "NewNATS", "url check")
	}
	if cfg.Subject == "" {
		cfg.Subject = "uds.m2m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{cfg: cfg, logger: logger.With("component", "nats_sink")}, nil
}

// Subject returns the publish subject.
func (n *NATS) Subject() string {
	return n.cfg.Subject + "." + subjectToken(n.cfg.Sensor)
}

func subjectToken(s string) string {
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Open connects and, with a stream configured, ensures the stream exists.
func (n *NATS) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	opts := []nats.Option{
		nats.Name("uds-" + subjectToken(n.cfg.Sensor)),
		nats.Timeout(n.cfg.Timeout),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
	}
	if n.cfg.TLS != nil {
		opts = append(opts, nats.Secure(n.cfg.TLS))
	}
	conn, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "NATS", "Open", "connect")
	}

	if n.cfg.Stream != "" {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return errors.WrapTransient(err, "NATS", "Open", "jetstream context")
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       n.cfg.Stream,
			Subjects:   []string{n.cfg.Subject + ".>"},
			Duplicates: 10 * time.Minute,
		})
		if err != nil {
			conn.Close()
			return errors.WrapTransient(err, "NATS", "Open", "stream setup")
		}
		n.js = js
	}

	n.conn = conn
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn = nil
	n.js = nil
	return err
}

// Store implements Sink.
func (n *NATS) Store(ctx context.Context, batch []*envelope.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return errors.WrapTransient(errors.ErrNotOpen, "NATS", "Store", "connection check")
	}

	subject := n.Subject()
	var errs []error
	for _, e := range batch {
		doc, err := e.JSON()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if n.js != nil {
			_, err = n.js.Publish(ctx, subject, doc, jetstream.WithMsgID(e.DataID()))
		} else {
			msg := nats.NewMsg(subject)
			msg.Header.Set(nats.MsgIdHdr, e.DataID())
			msg.Data = doc
			err = n.conn.PublishMsg(msg)
		}
		if err != nil {
			n.logger.Error("publish failed", "data_id", e.DataID(), "error", err)
			errs = append(errs, errors.WrapTransient(err, "NATS", "Store", "publish"))
		}
	}

	if n.js == nil {
		flushCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		if err := n.conn.FlushWithContext(flushCtx); err != nil {
			errs = append(errs, errors.WrapTransient(err, "NATS", "Store", "flush"))
		}
	}
	return errors.Join(errs...)
}
