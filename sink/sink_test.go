package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/metric"
	"github.com/nict-isp/uds-sdk/testutil"
)

var refNow = time.Date(2020, 1, 1, 3, 0, 0, 0, time.UTC)

func committed(t *testing.T, at time.Time, data ...envelope.Fields) *envelope.Envelope {
	t.Helper()
	e := testutil.RainBuilder(t).Build()
	e.Extend(data)
	c, err := envelope.Commit(e, at)
	require.NoError(t, err)
	return c
}

func TestConsole_Table(t *testing.T) {
	var out bytes.Buffer
	s := NewConsole(&out)
	e := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))

	require.NoError(t, s.Store(context.Background(), []*envelope.Envelope{e}))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[column]| "))
	assert.Contains(t, lines[0], "rainfall| ")
	assert.Contains(t, lines[0], "unit_rainfall| ")
	assert.Contains(t, lines[1], "rain-gauge| ")
	assert.Contains(t, lines[2], "0.5| ")
	assert.Contains(t, lines[2], "mm| ")
}

func TestConsole_EmptyEnvelope(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewConsole(&out).Store(context.Background(), []*envelope.Envelope{committed(t, refNow)}))
	assert.Empty(t, out.String())
}

func TestFile_WritesPairAndLink(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	f, err := NewFile(FileConfig{Dir: dir, Sensor: "rain", Start: start}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))

	e := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	require.NoError(t, f.Store(context.Background(), []*envelope.Envelope{e}))

	shard := filepath.Join(dir, "rain20200102030405", "0000000000")
	assert.Equal(t, filepath.Join(dir, "rain20200102030405"), f.RunDir())

	dataPath := filepath.Join(shard, "M2MData"+e.DataID()+".json")
	assert.Equal(t, dataPath, e.SensorInfo.DataLink.URI)

	data, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	var dataDoc map[string]any
	require.NoError(t, json.Unmarshal(data, &dataDoc))
	assert.Contains(t, dataDoc, "data")

	meta, err := os.ReadFile(filepath.Join(shard, "M2MmetaData"+e.DataID()+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), dataPath)
}

func TestFile_Rollover(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(FileConfig{Dir: dir, Sensor: "rain", DirFileMax: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Open(context.Background()))

	var batch []*envelope.Envelope
	for i := 0; i < 5; i++ {
		at := refNow.Add(time.Duration(i) * time.Second)
		batch = append(batch, committed(t, at, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5)))
	}
	require.NoError(t, f.Store(context.Background(), batch))

	shards, err := os.ReadDir(f.RunDir())
	require.NoError(t, err)
	require.Len(t, shards, 3)

	counts := make([]int, 0, len(shards))
	for _, s := range shards {
		entries, err := os.ReadDir(filepath.Join(f.RunDir(), s.Name()))
		require.NoError(t, err)
		counts = append(counts, len(entries)/2)
	}
	assert.Equal(t, []int{2, 2, 1}, counts)
	assert.Equal(t, "0000000002", shards[2].Name())
}

func TestNewFile_RequiresDir(t *testing.T) {
	_, err := NewFile(FileConfig{}, nil)
	assert.Error(t, err)
}

type fakeInserter struct {
	mu         sync.Mutex
	fail       map[string]bool
	inserted   []string
	reconnects int
	ensured    int
	closed     bool
}

func (f *fakeInserter) Insert(_ context.Context, e *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[e.DataID()] {
		return errors.New("connection reset")
	}
	f.inserted = append(f.inserted, e.DataID())
	return nil
}

func (f *fakeInserter) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeInserter) EnsureTable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeInserter) Close() error {
	f.closed = true
	return nil
}

func TestEventStore_FallbackOnInsertFailure(t *testing.T) {
	dir := t.TempDir()
	fallback, err := NewFile(FileConfig{Dir: dir, Sensor: "rain"}, nil)
	require.NoError(t, err)

	ok := committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))
	bad := committed(t, refNow.Add(time.Second), testutil.Datum("2020-01-01 09:10:00", 35.6, 139.6, 1.0))

	store := &fakeInserter{fail: map[string]bool{bad.DataID(): true}}
	m := metric.NewMetricsRegistry().CoreMetrics()
	s := NewEventStore(store, fallback, "rain", nil, m)

	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	assert.Equal(t, 1, store.reconnects)
	assert.Equal(t, 1, store.ensured)

	require.NoError(t, s.Store(ctx, []*envelope.Envelope{ok, bad}))

	assert.Equal(t, []string{ok.DataID()}, store.inserted)
	assert.Equal(t, 2, store.reconnects)

	_, err = os.Stat(filepath.Join(fallback.RunDir(), "0000000000", "M2MData"+bad.DataID()+".json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(fallback.RunDir(), "0000000000", "M2MData"+ok.DataID()+".json"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.StoreFailures.WithLabelValues("rain", TypeEvWH)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FallbackWrites.WithLabelValues("rain")))

	require.NoError(t, s.Close())
	assert.True(t, store.closed)
}

type failingSink struct{ testutil.MemorySink }

func (f *failingSink) Store(context.Context, []*envelope.Envelope) error {
	return errors.New("down")
}

type countingRecorder struct {
	batches int
	err     error
}

func (c *countingRecorder) Record(context.Context, []*envelope.Envelope) error {
	c.batches++
	return c.err
}

func TestRecording(t *testing.T) {
	ctx := context.Background()
	batch := []*envelope.Envelope{committed(t, refNow, testutil.Datum("2020-01-01 09:00:00", 35.6, 139.6, 0.5))}

	t.Run("records after store", func(t *testing.T) {
		inner := testutil.NewMemorySink()
		rec := &countingRecorder{}
		r := NewRecording(inner, rec, nil)
		require.NoError(t, r.Open(ctx))
		require.NoError(t, r.Store(ctx, batch))
		assert.Len(t, inner.Batches(), 1)
		assert.Equal(t, 1, rec.batches)
		require.NoError(t, r.Close())
		assert.Equal(t, 1, inner.OpenCalls)
		assert.Equal(t, 1, inner.CloseCalls)
	})

	t.Run("skips record when store fails", func(t *testing.T) {
		rec := &countingRecorder{}
		r := NewRecording(&failingSink{}, rec, nil)
		assert.Error(t, r.Store(ctx, batch))
		assert.Zero(t, rec.batches)
	})

	t.Run("recorder failure is not a store failure", func(t *testing.T) {
		rec := &countingRecorder{err: errors.New("disk full")}
		r := NewRecording(testutil.NewMemorySink(), rec, nil)
		assert.NoError(t, r.Store(ctx, batch))
	})
}

func TestDatumRows(t *testing.T) {
	e := committed(t, refNow,
		envelope.Fields{"time": "2020-01-01 09:00:00", "latitude": 35.6, "longitude": 139.6, "station": "tokyo", "rainfall": 0.5},
	)
	rows := datumRows(e)
	require.Len(t, rows, 1)

	byName := make(map[string]column)
	var order []string
	for _, c := range rows[0].columns {
		byName[c.name] = c
		order = append(order, c.name)
	}

	assert.Equal(t, "time", order[0])
	assert.Equal(t, "timezone", order[len(order)-1])
	assert.Equal(t, "timestamptz", byName["time"].sqlType)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), byName["time"].value.(time.Time).UTC())
	assert.Equal(t, "double precision", byName["rainfall"].sqlType)
	assert.Equal(t, "text", byName["station"].sqlType)
	assert.Equal(t, "rain-gauge", byName["name"].value)
	assert.Equal(t, "jsonb", byName["capability"].sqlType)
	assert.Equal(t, "mm", byName["unit_rainfall"].value)
	assert.NotContains(t, byName, "unit_latitude")
	assert.Equal(t, "+09:00", byName["timezone"].value)
}

func TestSQLBuilders(t *testing.T) {
	r := row{columns: []column{
		{name: "time", sqlType: "timestamptz", value: refNow},
		{name: "rain fall", sqlType: "double precision", value: 0.5},
	}}

	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "rain" (uds_id bigserial PRIMARY KEY, "time" timestamptz, "rain fall" double precision)`,
		createTableSQL("rain", r))

	stmt, args := insertSQL("rain", r)
	assert.Equal(t, `INSERT INTO "rain" ("time", "rain fall") VALUES ($1, $2)`, stmt)
	assert.Equal(t, []any{refNow, 0.5}, args)
}

func TestSQLTypes(t *testing.T) {
	tests := []struct {
		in   any
		typ  string
		want any
	}{
		{true, "boolean", true},
		{int64(3), "bigint", int64(3)},
		{json.Number("3"), "bigint", "3"},
		{json.Number("3.5"), "double precision", "3.5"},
		{map[string]any{"a": 1.0}, "jsonb", `{"a":1}`},
		{[]any{1.0, "x"}, "jsonb", `[1,"x"]`},
		{"x", "text", "x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.typ, sqlType(tt.in), "%v", tt.in)
		assert.Equal(t, tt.want, sqlValue(tt.in), "%v", tt.in)
	}
}

func TestPostgres_StoreRequiresOpen(t *testing.T) {
	p, err := NewPostgres(PostgresConfig{DSN: "postgres://localhost/uds", Table: "rain"}, nil)
	require.NoError(t, err)
	assert.Error(t, p.Store(context.Background(), nil))
	assert.NoError(t, p.Close())

	_, err = NewPostgres(PostgresConfig{Table: "rain"}, nil)
	assert.Error(t, err)
}

func TestNATS_Subject(t *testing.T) {
	n, err := NewNATS(NATSConfig{URL: "nats://localhost:4222", Sensor: "rain.tokyo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "uds.m2m.rain_tokyo", n.Subject())

	n, err = NewNATS(NATSConfig{URL: "nats://localhost:4222", Subject: "obs"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "obs.default", n.Subject())

	assert.Error(t, n.Store(context.Background(), nil))

	_, err = NewNATS(NATSConfig{}, nil)
	assert.Error(t, err)
}
