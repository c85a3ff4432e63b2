package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nict-isp/uds-sdk/errors"
)

func testMetadata(version FormatVersion) Metadata {
	return Metadata{
		Title:    "TestSensor",
		Timezone: "+09:00",
		Info: Info{
			FormatVersion:  version,
			CreatedContact: "ops@example.org",
			SrcContact:     "src@example.org",
			Device: map[string]any{
				"name":      "station-1",
				"latitude":  35.0,
				"longitude": 139.0,
				"capability": map[string]any{
					"frequency": map[string]any{"count": 10, "type": "minute"},
				},
			},
		},
		Schema: []SchemaEntry{
			{Type: "datetime", Name: "time"},
			{Type: "float", Name: "temperature", Unit: "degC"},
		},
		PrimaryKeys: []string{"name", "time"},
	}
}

func newEnvelope(t *testing.T, version FormatVersion) *Envelope {
	t.Helper()
	b, err := NewBuilder(testMetadata(version))
	require.NoError(t, err)
	return b.Build()
}

var refNow = time.Date(2020, 1, 1, 3, 0, 0, 0, time.UTC)

func TestNewBuilder_RejectsUnknownVersion(t *testing.T) {
	_, err := NewBuilder(testMetadata("9.99"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, errors.Is(err, errors.ErrUnknownFormat))
}

func TestNewBuilder_RequiresCreatedContact(t *testing.T) {
	meta := testMetadata(RevisionA)
	meta.Info.CreatedContact = ""
	_, err := NewBuilder(meta)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestBuild_MergesDeviceOverDefaults(t *testing.T) {
	e := newEnvelope(t, RevisionA)

	assert.Equal(t, "public", e.Primary.Security)
	assert.Equal(t, "station-1", e.DeviceInfo()["name"])
	assert.Contains(t, e.DeviceInfo(), "serial_no")

	capability := e.DeviceInfo()["capability"].(map[string]any)
	freq := capability["frequency"].(map[string]any)
	assert.Equal(t, 10, freq["count"])
	assert.Equal(t, "minute", freq["type"])

	assert.False(t, e.IsCommitted())
	assert.Equal(t, 0, e.Size())
	assert.Equal(t, map[string]string{"temperature": "degC"}, e.DataUnits())
}

func TestBuild_EnvelopesAreIndependent(t *testing.T) {
	b, err := NewBuilder(testMetadata(RevisionA))
	require.NoError(t, err)

	a := b.Build()
	c := b.Build()
	a.Append(Fields{"time": "2020-01-01 09:00:00"})
	a.DeviceInfo()["name"] = "changed"

	assert.Equal(t, 0, c.Size())
	assert.Equal(t, "station-1", c.DeviceInfo()["name"])
}

func TestCommit_AssignsIdentity(t *testing.T) {
	e := newEnvelope(t, RevisionA)
	e.Append(Fields{"time": "2020-01-01 09:00:00", "temperature": 3.5})

	c, err := Commit(e, refNow)
	require.NoError(t, err)

	assert.Equal(t, "TestSensor20200101120000000000", c.DataID())
	assert.Equal(t, IDPrefix+c.DataID(), c.Primary.ID)
	assert.Equal(t, "2020-01-01 12:00:00.000000", c.Primary.Provenance.CreateBy.Time)
	assert.Equal(t, LinkPlaceholder, c.SensorInfo.DataLink.URI)
	assert.Equal(t, c.DataID(), c.SensorInfo.DataLink.DataID)
	assert.Len(t, c.SensorInfo.DataHash, 32)
	assert.Equal(t, "+09:00", c.Primary.Timezone)

	dataJSON, err := c.DataJSON()
	require.NoError(t, err)
	assert.Equal(t, len(dataJSON), c.SensorInfo.DataSize)

	assert.True(t, e.IsCommitted())
	assert.True(t, c.IsCommitted())
}

func TestCommit_Twice(t *testing.T) {
	e := newEnvelope(t, RevisionA)

	c, err := Commit(e, refNow)
	require.NoError(t, err)

	_, err = Commit(e, refNow)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, errors.Is(err, errors.ErrAlreadyCommitted))

	_, err = Commit(c, refNow)
	assert.True(t, errors.Is(err, errors.ErrAlreadyCommitted))
}

func TestCommit_DeviceOffsetWins(t *testing.T) {
	e := newEnvelope(t, RevisionA)
	e.DeviceInfo()["timeOffset"] = "+0100"

	c, err := Commit(e, refNow)
	require.NoError(t, err)
	assert.Equal(t, "+01:00", c.Primary.Timezone)
	assert.Equal(t, "+0100", c.DeviceInfo()["timeOffset"])
	assert.Equal(t, "2020-01-01 04:00:00.000000", c.Primary.Provenance.CreateBy.Time)
}

func TestCommit_HashTracksData(t *testing.T) {
	b, err := NewBuilder(testMetadata(RevisionA))
	require.NoError(t, err)

	e1 := b.Build()
	e1.Append(Fields{"time": "2020-01-01 09:00:00", "temperature": 1.0})
	e2 := b.Build()
	e2.Append(Fields{"time": "2020-01-01 09:00:00", "temperature": 2.0})

	c1, err := Commit(e1, refNow)
	require.NoError(t, err)
	c2, err := Commit(e2, refNow)
	require.NoError(t, err)
	assert.NotEqual(t, c1.SensorInfo.DataHash, c2.SensorInfo.DataHash)
}

func TestBounds_ByRevision(t *testing.T) {
	a := newEnvelope(t, RevisionA)
	south, ok := a.South()
	require.True(t, ok)
	assert.Equal(t, 35.0, south)
	east, _ := a.East()
	assert.Equal(t, 139.0, east)

	b := newEnvelope(t, RevisionB)
	for _, lat := range []float64{10, 20, 15} {
		b.Append(Fields{"time": "2020-01-01 09:00:00", "latitude": lat, "longitude": 130 + lat})
	}
	south, ok = b.South()
	require.True(t, ok)
	north, _ := b.North()
	west, _ := b.West()
	east, _ = b.East()
	assert.Equal(t, 10.0, south)
	assert.Equal(t, 20.0, north)
	assert.Equal(t, 140.0, west)
	assert.Equal(t, 150.0, east)

	empty := newEnvelope(t, RevisionB)
	_, ok = empty.North()
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		version FormatVersion
		device  map[string]any
		datum   Fields
		wantErr bool
	}{
		{
			name:    "revision A valid",
			version: RevisionA,
			datum:   Fields{"time": "2020-01-01 09:00:00"},
		},
		{
			name:    "revision A zero position",
			version: RevisionA,
			device:  map[string]any{"latitude": 0, "longitude": 0},
			datum:   Fields{"time": "2020-01-01 09:00:00"},
			wantErr: true,
		},
		{
			name:    "revision A missing time",
			version: RevisionA,
			datum:   Fields{"temperature": 1.0},
			wantErr: true,
		},
		{
			name:    "revision B valid",
			version: RevisionB,
			datum:   Fields{"time": "2020-01-01 09:00:00", "latitude": 35.1, "longitude": 139.2},
		},
		{
			name:    "revision B latitude out of range",
			version: RevisionB,
			datum:   Fields{"time": "2020-01-01 09:00:00", "latitude": 91.0, "longitude": 139.2},
			wantErr: true,
		},
		{
			name:    "revision B longitude out of range",
			version: RevisionB,
			datum:   Fields{"time": "2020-01-01 09:00:00", "latitude": 35.0, "longitude": -181.0},
			wantErr: true,
		},
		{
			name:    "revision B missing position",
			version: RevisionB,
			datum:   Fields{"time": "2020-01-01 09:00:00"},
			wantErr: true,
		},
		{
			name:    "within future skew",
			version: RevisionA,
			datum:   Fields{"time": "2020-01-01 12:09:00"},
		},
		{
			name:    "beyond future skew",
			version: RevisionA,
			datum:   Fields{"time": "2020-01-01 12:11:00"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := testMetadata(tt.version)
			if tt.device != nil {
				meta.Info.Device = tt.device
			}
			b, err := NewBuilder(meta)
			require.NoError(t, err)
			e := b.Build()
			e.Append(tt.datum)

			c, err := Commit(e, refNow)
			require.NoError(t, err)

			err = Check(c, refNow)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPrimaryKeyValues_FallsBackToDevice(t *testing.T) {
	e := newEnvelope(t, RevisionA)
	kvs := e.PrimaryKeyValues(Fields{"time": "2020-01-01 09:00:00"})

	require.Len(t, kvs, 2)
	assert.Equal(t, KeyValue{Name: "name", Value: "station-1"}, kvs[0])
	v, ok := Lookup(kvs, "time")
	assert.True(t, ok)
	assert.Equal(t, "2020-01-01 09:00:00", v)
}

func TestMinMaxTime(t *testing.T) {
	e := newEnvelope(t, RevisionA)
	_, ok := e.MinTime()
	assert.False(t, ok)

	e.Append(Fields{"time": "2020-01-01 09:30:00"})
	e.Append(Fields{"time": "2020-01-01 09:00:00"})
	e.Append(Fields{"time": "bogus"})

	minT, ok := e.MinTime()
	require.True(t, ok)
	maxT, _ := e.MaxTime()
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), minT.UTC())
	assert.Equal(t, time.Date(2020, 1, 1, 0, 30, 0, 0, time.UTC), maxT.UTC())
}

func TestJSON_Sections(t *testing.T) {
	e := newEnvelope(t, RevisionB)
	e.Append(Fields{"time": "2020-01-01 09:00:00", "latitude": 35.0, "longitude": 139.0, "note": "a<b"})
	c, err := Commit(e, refNow)
	require.NoError(t, err)

	meta, err := c.MetadataJSON()
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"format_version":1.02`)
	assert.NotContains(t, string(meta), `"data"`)

	data, err := c.DataJSON()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"data":{"values":[`))
	assert.Contains(t, string(data), `a<b`)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(meta, &generic))
	assert.Contains(t, generic, "primary")
	assert.Contains(t, generic, "sensor_info")
}

func TestDecode_RoundTrip(t *testing.T) {
	e := newEnvelope(t, RevisionB)
	e.Append(Fields{"time": "2020-01-01 09:00:00", "latitude": 35.0, "longitude": 139.0})
	c, err := Commit(e, refNow)
	require.NoError(t, err)

	doc, err := c.JSON()
	require.NoError(t, err)

	d, err := Decode(doc, []string{"time"})
	require.NoError(t, err)
	assert.Equal(t, RevisionB, d.Version())
	assert.True(t, d.IsCommitted())
	assert.Equal(t, c.DataID(), d.DataID())
	assert.Equal(t, []string{"time"}, d.PrimaryKeys())
	require.NoError(t, Check(d, refNow))

	again, err := d.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(again))
}

func TestDecode_RejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"primary":{}}`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = Decode([]byte(`not json`), nil)
	require.Error(t, err)
}

func TestWithValues_SharesCommitState(t *testing.T) {
	e := newEnvelope(t, RevisionA)
	e.Append(Fields{"time": "2020-01-01 09:00:00"})
	e.Append(Fields{"time": "2020-01-01 09:10:00"})
	c, err := Commit(e, refNow)
	require.NoError(t, err)

	sub := c.WithValues(c.Data.Values[1:])
	assert.Equal(t, 1, sub.Size())
	assert.Equal(t, 2, c.Size())
	assert.True(t, sub.IsCommitted())
	assert.Equal(t, c.DataID(), sub.DataID())
}
