package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/source"
)

// JSONOptions configures a JSON parser.
type JSONOptions struct {
	// RecordsPath is a dot separated path to the record array, "" when the
	// document itself is the array. A single object is one record.
	RecordsPath string
	// BatchSize caps the data per envelope; zero puts every record into one.
	BatchSize   int
	KeepUnknown bool
}

// JSON parses documents holding an array of flat records.
type JSON struct {
	builder *envelope.Builder
	conv    *Converter
	opts    JSONOptions
	logger  *slog.Logger
}

// NewJSON creates the parser.
func NewJSON(builder *envelope.Builder, opts JSONOptions, logger *slog.Logger) *JSON {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSON{
		builder: builder,
		conv:    NewConverter(builder.Build().SensorInfo.Schema, opts.KeepUnknown),
		opts:    opts,
		logger:  logger.With("component", "json_parser"),
	}
}

// Parse implements crawler.Parser.
func (p *JSON) Parse(_ context.Context, payload source.Payload) ([]*envelope.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(payload.Body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "JSON", "Parse", "decode "+payload.Source)
	}

	node := doc
	if p.opts.RecordsPath != "" {
		for _, key := range strings.Split(p.opts.RecordsPath, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, errors.Invalidf(errors.ErrInvalidData, "JSON", "Parse", "path %q: %q is not an object", p.opts.RecordsPath, key)
			}
			if node, ok = obj[key]; !ok {
				return nil, errors.Invalidf(errors.ErrInvalidData, "JSON", "Parse", "path %q: %q missing", p.opts.RecordsPath, key)
			}
		}
	}

	var records []any
	switch t := node.(type) {
	case []any:
		records = t
	case map[string]any:
		records = []any{t}
	case nil:
		return nil, nil
	default:
		return nil, errors.Invalidf(errors.ErrInvalidData, "JSON", "Parse", "records are %T", node)
	}

	data := make([]envelope.Fields, 0, len(records))
	for i, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			p.logger.Warn("record skipped: not an object", "source", payload.Source, "index", i)
			continue
		}
		datum, err := p.conv.Datum(obj)
		if err != nil {
			p.logger.Warn("record skipped", "source", payload.Source, "index", i, "error", err)
			continue
		}
		if len(datum) > 0 {
			data = append(data, datum)
		}
	}
	return batch(p.builder, data, p.opts.BatchSize, payload.Source), nil
}
