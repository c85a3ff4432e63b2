package lastvalue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/filter"
)

var _ filter.LastValueStore = (*PebbleStore)(nil)

func batch(t *testing.T, data ...envelope.Fields) []*envelope.Envelope {
	t.Helper()
	b, err := envelope.NewBuilder(envelope.Metadata{
		Title:       "LastValueTest",
		Timezone:    "+09:00",
		Info:        envelope.Info{FormatVersion: envelope.RevisionB, CreatedContact: "ops@example.org"},
		PrimaryKeys: []string{"time", "station"},
	})
	require.NoError(t, err)
	e := b.Build()
	e.Extend(data)
	return []*envelope.Envelope{e}
}

var stationA = []envelope.KeyValue{{Name: "station", Value: "a"}}

func TestPebbleStore_RecordAndSelect(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir, Namespace: "rain"})
	require.NoError(t, err)

	_, found, err := s.SelectLast(ctx, stationA)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Record(ctx, batch(t,
		envelope.Fields{"time": "2020-01-01 09:00:00", "station": "a"},
		envelope.Fields{"time": "2020-01-01 10:00:00", "station": "a"},
		envelope.Fields{"time": "2020-01-01 08:00:00", "station": "b"},
	)))

	last, found, err := s.SelectLast(ctx, stationA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2020-01-01T01:00:00Z", last)

	// older data never moves the stored time back
	require.NoError(t, s.Record(ctx, batch(t, envelope.Fields{"time": "2020-01-01 09:30:00", "station": "a"})))
	last, _, err = s.SelectLast(ctx, stationA)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01T01:00:00Z", last)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Close())

	reopened, err := Open(Options{Dir: dir, Namespace: "rain"})
	require.NoError(t, err)
	defer reopened.Close()
	last, found, err = reopened.SelectLast(ctx, stationA)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2020-01-01T01:00:00Z", last)
}

func TestPebbleStore_NamespacesAreSeparate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir, Namespace: "rain"})
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, batch(t, envelope.Fields{"time": "2020-01-01 09:00:00", "station": "a"})))
	require.NoError(t, s.Close())

	other, err := Open(Options{Dir: dir, Namespace: "wind"})
	require.NoError(t, err)
	defer other.Close()
	_, found, err := other.SelectLast(ctx, stationA)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPebbleStore_Reconnect(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Dir: t.TempDir(), Namespace: "rain", Sync: true})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(ctx, batch(t, envelope.Fields{"time": "2020-01-01 09:00:00", "station": "a"})))
	require.NoError(t, s.Reconnect(ctx))

	_, found, err := s.SelectLast(ctx, stationA)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPebbleStore_FeedsTimeOrderFilter(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Dir: t.TempDir(), Namespace: "rain"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(ctx, batch(t, envelope.Fields{"time": "2020-01-01 09:00:00", "station": "a"})))

	f, err := filter.NewTimeOrder(s)
	require.NoError(t, err)
	out, err := f.Filter(ctx, batch(t,
		envelope.Fields{"time": "2020-01-01 08:59:00", "station": "a"},
		envelope.Fields{"time": "2020-01-01 09:01:00", "station": "a"},
	))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].Size())
	assert.Equal(t, "2020-01-01 09:01:00", out[0].Data.Values[0]["time"])
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}
