package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

const postgresOperationTimeout = 10 * time.Second

// PostgresConfig configures a Postgres sink.
type PostgresConfig struct {
	DSN   string
	Table string
}

// Postgres writes one row per datum. The table is created from the first
// batch: datum fields, device fields, a unit_<field> column per schema unit
// and a timezone column. Columns missing from the table, including one
// created by an earlier run, are added on demand.
type Postgres struct {
	cfg    PostgresConfig
	logger *slog.Logger
	open   func(driver, dsn string) (*sql.DB, error)

	mu      sync.Mutex
	db      *sql.DB
	columns map[string]bool
}

// NewPostgres creates the sink.
func NewPostgres(cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" || cfg.Table == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Postgres", "NewPostgres", "dsn and table check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{cfg: cfg, logger: logger, open: sql.Open}, nil
}

// Open connects and pings the database.
func (p *Postgres) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	db, err := p.open("postgres", p.cfg.DSN)
	if err != nil {
		return errors.WrapFatal(err, "Postgres", "Open", "open database")
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "Postgres", "Open", "ping")
	}
	p.db = db
	return nil
}

// Close implements Sink.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Store implements Sink. Each envelope is written in its own transaction.
func (p *Postgres) Store(ctx context.Context, batch []*envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return errors.WrapTransient(errors.ErrNotOpen, "Postgres", "Store", "open check")
	}

	var errs []error
	for _, e := range batch {
		rows := datumRows(e)
		if len(rows) == 0 {
			continue
		}
		if err := p.ensureColumnsLocked(ctx, rows); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.insertLocked(ctx, rows); err != nil {
			p.logger.Error("insert failed", "data_id", e.DataID(), "error", err)
			errs = append(errs, err)
			continue
		}
		p.logger.Info("stored to postgres", "data_id", e.DataID(), "rows", len(rows))
	}
	return errors.Join(errs...)
}

func (p *Postgres) ensureColumnsLocked(ctx context.Context, rows []row) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if p.columns == nil {
		stmt := createTableSQL(p.cfg.Table, rows[0])
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapTransient(err, "Postgres", "Store", "create table")
		}
		columns, err := p.tableColumnsLocked(ctx)
		if err != nil {
			return err
		}
		p.columns = columns
	}

	for _, r := range rows {
		for _, c := range r.columns {
			if p.columns[c.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				pq.QuoteIdentifier(p.cfg.Table), pq.QuoteIdentifier(c.name), c.sqlType)
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return errors.WrapTransient(err, "Postgres", "Store", "add column")
			}
			p.columns[c.name] = true
		}
	}
	return nil
}

// tableColumnsLocked reads the columns the table actually has, which may
// predate this process and lack fields of the current batch.
func (p *Postgres) tableColumnsLocked(ctx context.Context) (map[string]bool, error) {
	rs, err := p.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		p.cfg.Table)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Store", "list columns")
	}
	defer rs.Close()

	columns := make(map[string]bool)
	for rs.Next() {
		var name string
		if err := rs.Scan(&name); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "Store", "scan column")
		}
		columns[name] = true
	}
	if err := rs.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "Store", "list columns")
	}
	return columns, nil
}

func (p *Postgres) insertLocked(ctx context.Context, rows []row) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "Store", "begin")
	}
	for _, r := range rows {
		stmt, args := insertSQL(p.cfg.Table, r)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			_ = tx.Rollback()
			return errors.WrapTransient(err, "Postgres", "Store", "insert row")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Postgres", "Store", "commit")
	}
	return nil
}

type column struct {
	name    string
	sqlType string
	value   any
}

type row struct {
	columns []column
}

// datumRows flattens e into one row per datum. Datum fields win over
// device fields of the same name.
func datumRows(e *envelope.Envelope) []row {
	units := e.DataUnits()
	out := make([]row, 0, e.Size())
	for _, d := range e.Data.Values {
		seen := make(map[string]bool)
		var cols []column
		add := func(name string, v any) {
			if v == nil || seen[name] {
				return
			}
			seen[name] = true
			cols = append(cols, column{name: name, sqlType: sqlType(v), value: sqlValue(v)})
		}

		if at, err := e.SensingTime(d); err == nil {
			add("time", at)
		}
		for _, k := range sortedKeys(d) {
			add(k, d[k])
		}
		for _, k := range sortedKeys(e.DeviceInfo()) {
			add(k, e.DeviceInfo()[k])
		}
		for _, k := range sortedKeys(units) {
			if k == "time" || k == "latitude" || k == "longitude" {
				continue
			}
			add("unit_"+k, units[k])
		}
		add("timezone", e.Primary.Timezone)
		out = append(out, row{columns: cols})
	}
	return out
}

func sqlType(v any) string {
	switch t := v.(type) {
	case time.Time:
		return "timestamptz"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return "bigint"
	case float32, float64:
		return "double precision"
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return "bigint"
		}
		return "double precision"
	case map[string]any, envelope.Fields, []any:
		return "jsonb"
	}
	return "text"
}

func sqlValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case map[string]any, envelope.Fields, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	case time.Time, bool, string, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return t
	}
	return fmt.Sprint(v)
}

func createTableSQL(table string, first row) string {
	defs := []string{"uds_id bigserial PRIMARY KEY"}
	for _, c := range first.columns {
		defs = append(defs, pq.QuoteIdentifier(c.name)+" "+c.sqlType)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pq.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func insertSQL(table string, r row) (string, []any) {
	names := make([]string, len(r.columns))
	marks := make([]string, len(r.columns))
	args := make([]any, len(r.columns))
	for i, c := range r.columns {
		names[i] = pq.QuoteIdentifier(c.name)
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = c.value
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table), strings.Join(names, ", "), strings.Join(marks, ", ")), args
}

