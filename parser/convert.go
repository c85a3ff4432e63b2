// Package parser turns fetched payloads into envelopes.
//
// Field values are converted by the schema type of their field:
//
//	string                  kept as is
//	numeric, float, double  float64
//	int, integer            int64
//	bool, boolean           bool
//	datetime                time string, checked to be readable
//
// Fields the schema does not declare are dropped unless the parser is told
// to keep them. Empty values are omitted from the datum.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
)

// Converter maps raw field values to typed values.
type Converter struct {
	types   map[string]string
	order   []string
	keepAll bool
}

// NewConverter builds a converter for schema. keepUnknown keeps fields the
// schema does not declare, unconverted.
func NewConverter(schema []envelope.SchemaEntry, keepUnknown bool) *Converter {
	c := &Converter{types: make(map[string]string, len(schema)), keepAll: keepUnknown}
	for _, s := range schema {
		c.types[s.Name] = strings.ToLower(s.Type)
		c.order = append(c.order, s.Name)
	}
	return c
}

// Fields returns the schema field names in declaration order.
func (c *Converter) Fields() []string { return append([]string(nil), c.order...) }

// Datum converts raw into a datum.
func (c *Converter) Datum(raw map[string]any) (envelope.Fields, error) {
	out := make(envelope.Fields, len(raw))
	for name, v := range raw {
		typ, declared := c.types[name]
		if !declared {
			if c.keepAll && v != nil {
				out[name] = v
			}
			continue
		}
		converted, err := Convert(v, typ)
		if err != nil {
			return nil, errors.Invalidf(errors.ErrInvalidData, "Converter", "Datum", "field %q: %v", name, err)
		}
		if converted != nil {
			out[name] = converted
		}
	}
	return out, nil
}

// Convert converts v to typ. Empty strings and nil convert to nil.
func Convert(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}

	switch typ {
	case "numeric", "float", "double", "number":
		return toFloat(v)
	case "int", "integer":
		return toInt(v)
	case "bool", "boolean":
		return toBool(v)
	case "datetime", "timestamp":
		s := fmt.Sprint(v)
		if _, err := timestamp.ParseSensing(s, timestamp.UTC); err != nil {
			return nil, err
		}
		return s, nil
	case "", "string", "text":
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		}
		return fmt.Sprint(v), nil
	}
	return v, nil
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.ReplaceAll(t, ",", ""), 64)
	}
	return nil, fmt.Errorf("cannot convert %T to a number", v)
}

func toInt(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return nil, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.ReplaceAll(t, ",", ""), 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to an integer", v)
}

func toBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	case json.Number:
		return t.String() != "0", nil
	}
	return nil, fmt.Errorf("cannot convert %T to a bool", v)
}
