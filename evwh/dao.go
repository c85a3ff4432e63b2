package evwh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/metric"
)

// DAOConfig configures a DAO.
type DAOConfig struct {
	Table string
	// Conditional turns inserts into primary key conditional inserts.
	Conditional   bool
	InsertTimeout time.Duration
	SelectTimeout time.Duration
}

// DAO runs the crawl pipeline's statements against one table.
type DAO struct {
	client  *Client
	cfg     DAOConfig
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewDAO binds client to cfg.Table. metrics may be nil.
func NewDAO(client *Client, cfg DAOConfig, logger *slog.Logger, metrics *metric.Metrics) (*DAO, error) {
	if cfg.Table == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "DAO", "NewDAO", "table name check")
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultTimeout
	}
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DAO{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "evwh", "table", cfg.Table),
		metrics: metrics,
	}, nil
}

// Table returns the bound table name.
func (d *DAO) Table() string { return d.cfg.Table }

// Client returns the underlying client.
func (d *DAO) Client() *Client { return d.client }

// Reconnect tears down and re-establishes the client connection.
func (d *DAO) Reconnect(ctx context.Context) error {
	return d.client.Reconnect(ctx)
}

type selectResponse struct {
	Events *[]struct {
		Observation struct {
			When struct {
				Time string `json:"time"`
			} `json:"when"`
		} `json:"observation"`
	} `json:"events"`
	Error any `json:"error"`
}

// SelectLast returns the time of the latest event matching key. found is
// false when the table holds no such event. A response without an events
// array is a protocol error.
func (d *DAO) SelectLast(ctx context.Context, key []envelope.KeyValue) (string, bool, error) {
	query, err := SelectLastQuery(d.cfg.Table, key)
	if err != nil {
		return "", false, err
	}

	raw, err := d.exchange(ctx, "select", query, d.cfg.SelectTimeout)
	if err != nil {
		return "", false, err
	}

	var resp selectResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrProtocol, err), "DAO", "SelectLast", "decode response")
	}
	if resp.Events == nil {
		d.logger.Error("event warehouse returned an error", "response", string(raw))
		return "", false, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrProtocol, raw), "DAO", "SelectLast", "response check")
	}
	if len(*resp.Events) == 0 {
		return "", false, nil
	}
	return (*resp.Events)[0].Observation.When.Time, true, nil
}

type insertResponse struct {
	Result *bool `json:"result"`
	Error  any   `json:"error"`
}

// Insert stores e. A response other than {"result": true} is reported as
// ErrRequestFailed. Building the statement fails with an invalid error when
// conditional inserts are enabled and e does not hold exactly one datum.
func (d *DAO) Insert(ctx context.Context, e *envelope.Envelope) error {
	query, err := InsertQuery(d.cfg.Table, e, d.cfg.Conditional)
	if err != nil {
		return err
	}

	raw, err := d.exchange(ctx, "insert", query, d.cfg.InsertTimeout)
	if err != nil {
		return err
	}

	var resp insertResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrProtocol, err), "DAO", "Insert", "decode response")
	}
	if resp.Result == nil || !*resp.Result {
		msg := "unparsable error message"
		if resp.Error != nil {
			msg = fmt.Sprint(resp.Error)
		}
		d.logger.Error("event warehouse rejected insert", "error_message", msg, "query", limit(query, 200))
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrRequestFailed, msg), "DAO", "Insert", "response check")
	}

	d.logger.Info("stored", "data_id", e.DataID(), "response", string(raw), "query", limit(query, 50))
	return nil
}

// TableExists reports whether the bound table is present.
func (d *DAO) TableExists(ctx context.Context) (bool, error) {
	raw, err := d.exchange(ctx, "get_tables", GetTablesQuery, d.cfg.SelectTimeout)
	if err != nil {
		return false, err
	}
	var resp struct {
		Tables map[string]any `json:"tables"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrProtocol, err), "DAO", "TableExists", "decode response")
	}
	_, ok := resp.Tables[d.cfg.Table]
	return ok, nil
}

// CreateTable creates the bound table.
func (d *DAO) CreateTable(ctx context.Context) error {
	raw, err := d.exchange(ctx, "create_table", CreateTableQuery(d.cfg.Table), d.cfg.SelectTimeout)
	if err != nil {
		return err
	}
	var resp insertResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Error != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRequestFailed, resp.Error), "DAO", "CreateTable", "response check")
	}
	d.logger.Info("table created", "response", string(raw))
	return nil
}

// EnsureTable creates the bound table unless it already exists.
func (d *DAO) EnsureTable(ctx context.Context) error {
	ok, err := d.TableExists(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return d.CreateTable(ctx)
}

func (d *DAO) exchange(ctx context.Context, op, query string, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	raw, err := d.client.Send(ctx, query, timeout)
	d.metrics.RecordStoreRequest(op, err, time.Since(start))
	return raw, err
}

func limit(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// Close disconnects the client.
func (d *DAO) Close() error { return d.client.Disconnect() }
