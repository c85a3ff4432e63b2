//go:build integration

package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/testutil"
)

func TestNATS_PublishCore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	url := testutil.StartNATS(ctx, t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("uds.m2m.rain", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	s, err := NewNATS(NATSConfig{URL: url, Sensor: "rain"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	e := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	require.NoError(t, s.Store(ctx, []*envelope.Envelope{e}))

	select {
	case msg := <-msgs:
		assert.Equal(t, e.DataID(), msg.Header.Get(nats.MsgIdHdr))
		var doc map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &doc))
		assert.Contains(t, doc, "primary")
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestNATS_PublishJetStreamDeduplicates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	url := testutil.StartNATS(ctx, t)

	s, err := NewNATS(NATSConfig{URL: url, Sensor: "rain", Stream: "UDS"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	e := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	require.NoError(t, s.Store(ctx, []*envelope.Envelope{e}))
	require.NoError(t, s.Store(ctx, []*envelope.Envelope{e}))

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()
	js, err := jetstream.New(conn)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, "UDS")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestPostgres_StoreAddsColumns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	dsn := testutil.StartPostgres(ctx, t)

	p, err := NewPostgres(PostgresConfig{DSN: dsn, Table: "rain"}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx))
	defer p.Close()

	first := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	require.NoError(t, p.Store(ctx, []*envelope.Envelope{first}))

	extra := testutil.Datum("2020-01-01 09:10:00", 35.6, 139.6, 1.0)
	extra["station"] = "tokyo"
	second := committed(t, refNow.Add(time.Second), extra)
	require.NoError(t, p.Store(ctx, []*envelope.Envelope{second}))

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM rain`).Scan(&n))
	assert.Equal(t, 2, n)

	var station sql.NullString
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT station FROM rain WHERE time = '2020-01-01T00:10:00Z'`).Scan(&station))
	assert.Equal(t, "tokyo", station.String)
}

func TestPostgres_StoreExtendsExistingTable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	dsn := testutil.StartPostgres(ctx, t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx,
		`CREATE TABLE rain_prev (uds_id bigserial PRIMARY KEY, time timestamptz, rainfall double precision)`)
	require.NoError(t, err)

	p, err := NewPostgres(PostgresConfig{DSN: dsn, Table: "rain_prev"}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(ctx))
	defer p.Close()

	e := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	require.NoError(t, p.Store(ctx, []*envelope.Envelope{e}))

	var lat sql.NullFloat64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT latitude FROM rain_prev`).Scan(&lat))
	assert.Equal(t, 35.6, lat.Float64)
}
