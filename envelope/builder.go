package envelope

import (
	"sync/atomic"

	"github.com/nict-isp/uds-sdk/errors"
)

// Info is the per-sensor metadata block every envelope is built from.
type Info struct {
	FormatVersion  FormatVersion  `yaml:"formatVersion" json:"formatVersion"`
	CreatedContact string         `yaml:"createdContact" json:"createdContact"`
	SrcContact     string         `yaml:"srcContact" json:"srcContact,omitempty"`
	Security       string         `yaml:"security" json:"security,omitempty"`
	Tag            string         `yaml:"tag" json:"tag,omitempty"`
	Device         map[string]any `yaml:"device" json:"device,omitempty"`
}

// Metadata configures a Builder.
type Metadata struct {
	Title       string
	Timezone    string
	Info        Info
	Schema      []SchemaEntry
	PrimaryKeys []string
}

// Builder creates fresh, uncommitted envelopes for one sensor.
type Builder struct {
	meta    Metadata
	handler FormatHandler
}

// NewBuilder validates meta and returns a Builder. An unknown format version
// or a missing createdContact is fatal.
func NewBuilder(meta Metadata) (*Builder, error) {
	handler, err := HandlerFor(meta.Info.FormatVersion)
	if err != nil {
		return nil, err
	}
	if meta.Info.CreatedContact == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Builder", "NewBuilder", "createdContact check")
	}
	if meta.Title == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Builder", "NewBuilder", "title check")
	}
	return &Builder{meta: meta, handler: handler}, nil
}

// Version returns the format revision of built envelopes.
func (b *Builder) Version() FormatVersion { return b.handler.Version() }

// Build returns a new envelope with no data.
func (b *Builder) Build() *Envelope {
	info := b.meta.Info

	device := defaultDevice()
	if info.Device != nil {
		merge(device, info.Device)
	}

	security := info.Security
	if security == "" {
		security = "public"
	}

	e := &Envelope{
		Primary: Primary{
			FormatVersion: b.handler.Version(),
			Title:         b.meta.Title,
			Provenance: Provenance{
				Source:   Source{Contact: info.SrcContact},
				CreateBy: CreateBy{Contact: info.CreatedContact},
			},
			Tag:      info.Tag,
			Timezone: b.meta.Timezone,
			Security: security,
		},
		SensorInfo: SensorInfo{
			DataFormat:  "json",
			DeviceInfo:  device,
			DataProfile: "Weather",
			Schema:      append([]SchemaEntry(nil), b.meta.Schema...),
		},
		Data: Data{Values: []Fields{}},

		primaryKeys: append([]string(nil), b.meta.PrimaryKeys...),
		info:        info,
		handler:     b.handler,
		committed:   new(atomic.Bool),
	}
	return e
}

func defaultDevice() Fields {
	return Fields{
		"name":      nil,
		"serial_no": nil,
		"capability": map[string]any{
			"frequency": map[string]any{
				"count": nil,
				"type":  nil,
			},
		},
		"ownership": nil,
		"ipaddress": nil,
		"id":        nil,
	}
}
