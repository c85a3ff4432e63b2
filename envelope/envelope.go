// Package envelope implements the versioned sensor data container.
//
// An Envelope has three sections: primary (identity and provenance),
// sensor_info (device descriptor, schema, hash and link) and data (datum
// records). Two format revisions exist. Revision A (1.01) places the
// position on the device descriptor, revision B (1.02) on every datum. The
// revision specific rules live behind FormatHandler, chosen once when the
// envelope is built.
//
// Lifecycle: Builder.Build returns an uncommitted envelope, parsers Append
// data, Commit assigns id, hash, creation time and link exactly once, and
// Check validates the result.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
)

// FormatVersion identifies an envelope format revision. It is encoded as a
// JSON number.
type FormatVersion string

const (
	// RevisionA places the position on the device descriptor.
	RevisionA FormatVersion = "1.01"
	// RevisionB places the position on every datum.
	RevisionB FormatVersion = "1.02"
)

// MarshalJSON writes the version as a bare number.
func (v FormatVersion) MarshalJSON() ([]byte, error) {
	if v == "" {
		return []byte("null"), nil
	}
	return []byte(v), nil
}

// UnmarshalJSON accepts a number or a string.
func (v *FormatVersion) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = FormatVersion(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = FormatVersion(n.String())
	return nil
}

// IDPrefix is prepended to the data id to form primary.id.
const IDPrefix = "http://m2m.nict.go.jp/m2m_data/?id="

// LinkPlaceholder is the data link URI assigned at commit time, before a
// sink decides where the data lives.
const LinkPlaceholder = "next_data"

// Primary is the identity and provenance section.
type Primary struct {
	FormatVersion FormatVersion `json:"format_version"`
	Title         string        `json:"title"`
	Provenance    Provenance    `json:"provenance"`
	Tag           string        `json:"tag"`
	Timezone      string        `json:"timezone"`
	Security      string        `json:"security"`
	ID            string        `json:"id"`
}

// Provenance records where the data came from and who packaged it.
type Provenance struct {
	Source   Source   `json:"source"`
	CreateBy CreateBy `json:"create_by"`
}

// Source locates the upstream data.
type Source struct {
	Info    string `json:"info"`
	Contact string `json:"contact"`
}

// CreateBy names the packager and the creation time.
type CreateBy struct {
	Contact string `json:"contact"`
	Time    string `json:"time"`
}

// SensorInfo describes the device and the shape of the data.
type SensorInfo struct {
	DataHash    string        `json:"data_hash"`
	DataLink    DataLink      `json:"data_link"`
	DataFormat  string        `json:"data_format"`
	DeviceInfo  Fields        `json:"device_info"`
	DataProfile string        `json:"data_profile"`
	DataSize    int           `json:"data_size"`
	Schema      []SchemaEntry `json:"schema"`
}

// DataLink points at the stored data section.
type DataLink struct {
	URI    string `json:"uri"`
	DataID string `json:"data_id"`
}

// SchemaEntry declares one datum field.
type SchemaEntry struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Data is the datum section.
type Data struct {
	Values []Fields `json:"values"`
	DataID string   `json:"data_id"`
}

// Envelope is the unit of transport between crawl stages.
type Envelope struct {
	Primary    Primary    `json:"primary"`
	SensorInfo SensorInfo `json:"sensor_info"`
	Data       Data       `json:"data"`

	primaryKeys []string
	info        Info
	handler     FormatHandler
	// committed is shared between an envelope and every copy derived from it.
	committed *atomic.Bool
}

// Version returns the format revision.
func (e *Envelope) Version() FormatVersion { return e.handler.Version() }

// Handler returns the revision specific rules.
func (e *Envelope) Handler() FormatHandler { return e.handler }

// Info returns the metadata block the envelope was built from.
func (e *Envelope) Info() Info { return e.info }

// PrimaryKeys returns the ordered primary key field names.
func (e *Envelope) PrimaryKeys() []string {
	return append([]string(nil), e.primaryKeys...)
}

// IsCommitted reports whether the envelope, or the envelope it was derived
// from, has been committed.
func (e *Envelope) IsCommitted() bool { return e.committed.Load() }

// DataID returns the data id assigned at commit.
func (e *Envelope) DataID() string { return e.Data.DataID }

// DeviceInfo returns the device descriptor.
func (e *Envelope) DeviceInfo() Fields { return e.SensorInfo.DeviceInfo }

// Append adds one datum. No validation is performed.
func (e *Envelope) Append(datum Fields) {
	e.Data.Values = append(e.Data.Values, datum)
}

// Extend adds several data. No validation is performed.
func (e *Envelope) Extend(data []Fields) {
	e.Data.Values = append(e.Data.Values, data...)
}

// Size returns the number of data.
func (e *Envelope) Size() int { return len(e.Data.Values) }

// SetSourceInfo records the upstream locator (URL, file name, topic).
func (e *Envelope) SetSourceInfo(info string) {
	e.Primary.Provenance.Source.Info = info
}

// DataUnits maps schema field names to their unit for fields that have one.
func (e *Envelope) DataUnits() map[string]string {
	units := make(map[string]string)
	for _, s := range e.SensorInfo.Schema {
		if s.Unit != "" {
			units[s.Name] = s.Unit
		}
	}
	return units
}

// PrimaryKeyValues returns, in primary key order, each key's value taken
// from datum or, failing that, from the device descriptor. Keys present in
// neither are omitted.
func (e *Envelope) PrimaryKeyValues(datum Fields) []KeyValue {
	kvs := make([]KeyValue, 0, len(e.primaryKeys))
	for _, pk := range e.primaryKeys {
		if v, ok := datum[pk]; ok {
			kvs = append(kvs, KeyValue{Name: pk, Value: v})
		} else if v, ok := e.SensorInfo.DeviceInfo[pk]; ok {
			kvs = append(kvs, KeyValue{Name: pk, Value: v})
		}
	}
	return kvs
}

// SensingOffset returns the UTC offset in force for datum times. A legacy
// device level "timeOffset" takes precedence over primary.timezone.
func (e *Envelope) SensingOffset() string {
	if s, ok := e.SensorInfo.DeviceInfo.String(legacyOffsetKey); ok && s != "" {
		return s
	}
	return e.Primary.Timezone
}

// SensingTime returns the absolute time of datum.
func (e *Envelope) SensingTime(datum Fields) (time.Time, error) {
	s, ok := datum.String("time")
	if !ok {
		return time.Time{}, errors.ErrMissingField
	}
	return timestamp.ParseSensing(s, e.SensingOffset())
}

// MinTime returns the earliest datum time. ok is false when no datum has a
// parsable time.
func (e *Envelope) MinTime() (t time.Time, ok bool) {
	return e.timeExtent(func(a, b time.Time) bool { return a.Before(b) })
}

// MaxTime returns the latest datum time.
func (e *Envelope) MaxTime() (t time.Time, ok bool) {
	return e.timeExtent(func(a, b time.Time) bool { return a.After(b) })
}

func (e *Envelope) timeExtent(better func(a, b time.Time) bool) (time.Time, bool) {
	var best time.Time
	found := false
	for _, d := range e.Data.Values {
		s, ok := d.String("time")
		if !ok {
			continue
		}
		t, err := timestamp.ParseSensing(s, e.Primary.Timezone)
		if err != nil {
			continue
		}
		if !found || better(t, best) {
			best, found = t, true
		}
	}
	return best, found
}

// South returns the minimum latitude.
func (e *Envelope) South() (float64, bool) {
	b := e.handler.Bounds(e)
	return b.South, b.Valid
}

// North returns the maximum latitude.
func (e *Envelope) North() (float64, bool) {
	b := e.handler.Bounds(e)
	return b.North, b.Valid
}

// West returns the minimum longitude.
func (e *Envelope) West() (float64, bool) {
	b := e.handler.Bounds(e)
	return b.West, b.Valid
}

// East returns the maximum longitude.
func (e *Envelope) East() (float64, bool) {
	b := e.handler.Bounds(e)
	return b.East, b.Valid
}

// JSON renders the whole envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return marshal(e)
}

// MetadataJSON renders the primary and sensor_info sections.
func (e *Envelope) MetadataJSON() ([]byte, error) {
	return marshal(struct {
		Primary    Primary    `json:"primary"`
		SensorInfo SensorInfo `json:"sensor_info"`
	}{e.Primary, e.SensorInfo})
}

// DataJSON renders the data section under its "data" key.
func (e *Envelope) DataJSON() ([]byte, error) {
	return marshal(struct {
		Data Data `json:"data"`
	}{e.Data})
}

// marshal is encoding/json without HTML escaping and without the trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "JSON", "encode")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WithValues returns a copy of e carrying values instead of its data. Commit
// metadata is kept as is and the copy shares e's commit state.
func (e *Envelope) WithValues(values []Fields) *Envelope {
	c := e.clone()
	c.Data.Values = values
	return c
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.primaryKeys = append([]string(nil), e.primaryKeys...)
	c.SensorInfo.DeviceInfo = e.SensorInfo.DeviceInfo.Clone()
	c.SensorInfo.Schema = append([]SchemaEntry(nil), e.SensorInfo.Schema...)
	c.Data.Values = make([]Fields, len(e.Data.Values))
	for i, d := range e.Data.Values {
		c.Data.Values[i] = d.Clone()
	}
	return &c
}

// String implements fmt.Stringer for log output.
func (e *Envelope) String() string {
	keys := make([]string, 0, len(e.SensorInfo.DeviceInfo))
	for k := range e.SensorInfo.DeviceInfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("Envelope{title=%s version=%s id=%s size=%d device=%v}",
		e.Primary.Title, e.Primary.FormatVersion, e.Data.DataID, e.Size(), keys)
}
