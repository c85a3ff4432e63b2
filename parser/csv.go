package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/source"
)

// CSVOptions configures a CSV parser.
type CSVOptions struct {
	// Columns names the columns in order. When empty the first row after
	// SkipRows is the header.
	Columns  []string
	Comma    rune
	SkipRows int
	// BatchSize caps the data per envelope; zero puts every row into one.
	BatchSize   int
	KeepUnknown bool
}

// CSV parses delimited text, one datum per row.
type CSV struct {
	builder *envelope.Builder
	conv    *Converter
	opts    CSVOptions
	logger  *slog.Logger
}

// NewCSV creates the parser.
func NewCSV(builder *envelope.Builder, opts CSVOptions, logger *slog.Logger) *CSV {
	if opts.Comma == 0 {
		opts.Comma = ','
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema := builder.Build().SensorInfo.Schema
	return &CSV{
		builder: builder,
		conv:    NewConverter(schema, opts.KeepUnknown),
		opts:    opts,
		logger:  logger.With("component", "csv_parser"),
	}
}

// Parse implements crawler.Parser. Rows whose values do not fit the
// schema are skipped.
func (p *CSV) Parse(_ context.Context, payload source.Payload) ([]*envelope.Envelope, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(payload.Body, []byte("\ufeff"))))
	r.Comma = p.opts.Comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	columns := p.opts.Columns
	var data []envelope.Fields
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "CSV", "Parse", "read "+payload.Source)
		}
		if line < p.opts.SkipRows {
			continue
		}
		if columns == nil {
			columns = rec
			continue
		}

		raw := make(map[string]any, len(rec))
		for i, v := range rec {
			if i < len(columns) {
				raw[columns[i]] = v
			}
		}
		datum, err := p.conv.Datum(raw)
		if err != nil {
			p.logger.Warn("row skipped", "source", payload.Source, "line", line+1, "error", err)
			continue
		}
		if len(datum) > 0 {
			data = append(data, datum)
		}
	}
	return batch(p.builder, data, p.opts.BatchSize, payload.Source), nil
}

// batch packs data into envelopes of at most size data each.
func batch(b *envelope.Builder, data []envelope.Fields, size int, src string) []*envelope.Envelope {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(data)
	}
	var out []*envelope.Envelope
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		e := b.Build()
		e.SetSourceInfo(src)
		e.Extend(data[start:end])
		out = append(out, e)
	}
	return out
}
