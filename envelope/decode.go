package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nict-isp/uds-sdk/errors"
)

// documentSchema is the structural contract of a serialized envelope.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["primary", "sensor_info", "data"],
  "properties": {
    "primary": {
      "type": "object",
      "required": ["format_version", "title", "provenance", "timezone", "security", "id"],
      "properties": {
        "format_version": {"type": ["number", "string"]},
        "title": {"type": "string", "minLength": 1},
        "provenance": {
          "type": "object",
          "required": ["source", "create_by"],
          "properties": {
            "source": {"type": "object"},
            "create_by": {
              "type": "object",
              "required": ["contact", "time"],
              "properties": {
                "contact": {"type": "string"},
                "time": {"type": "string"}
              }
            }
          }
        },
        "timezone": {"type": "string"},
        "security": {"type": "string"},
        "id": {"type": "string"}
      }
    },
    "sensor_info": {
      "type": "object",
      "required": ["data_hash", "data_link", "device_info", "schema"],
      "properties": {
        "data_hash": {"type": "string"},
        "data_link": {
          "type": "object",
          "required": ["uri", "data_id"]
        },
        "device_info": {"type": "object"},
        "data_size": {"type": "integer", "minimum": 0},
        "schema": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type", "name"],
            "properties": {
              "type": {"type": "string"},
              "name": {"type": "string"},
              "unit": {"type": "string"}
            }
          }
        }
      }
    },
    "data": {
      "type": "object",
      "required": ["values"],
      "properties": {
        "values": {"type": "array", "items": {"type": "object"}},
        "data_id": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// ValidateDocument checks doc against the serialized envelope structure.
func ValidateDocument(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "envelope", "ValidateDocument", "schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return errors.Invalidf(errors.ErrInvalidEnvelope, "envelope", "ValidateDocument",
			"%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Decode parses a serialized envelope. Numbers are kept as json.Number so
// re-encoding is lossless. A document carrying a primary id is treated as
// committed.
func Decode(doc []byte, primaryKeys []string) (*Envelope, error) {
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "Decode", "json decode")
	}

	handler, err := HandlerFor(e.Primary.FormatVersion)
	if err != nil {
		return nil, err
	}
	if e.SensorInfo.DeviceInfo == nil {
		e.SensorInfo.DeviceInfo = Fields{}
	}
	if e.Data.Values == nil {
		e.Data.Values = []Fields{}
	}

	e.handler = handler
	e.primaryKeys = append([]string(nil), primaryKeys...)
	e.info = Info{
		FormatVersion:  e.Primary.FormatVersion,
		CreatedContact: e.Primary.Provenance.CreateBy.Contact,
		SrcContact:     e.Primary.Provenance.Source.Contact,
		Security:       e.Primary.Security,
		Tag:            e.Primary.Tag,
		Device:         e.SensorInfo.DeviceInfo.Clone(),
	}
	e.committed = new(atomic.Bool)
	e.committed.Store(e.Primary.ID != "")
	return &e, nil
}
