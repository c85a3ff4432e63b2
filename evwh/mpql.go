package evwh

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

// Column is the single event column of every warehouse table.
const Column = "observation"

// positional keys are matched by POINT or SPATIOTEMPORAL rather than THEME.
func positional(name string) bool {
	return name == "time" || name == "latitude" || name == "longitude"
}

// SelectLastQuery builds the lookup of the latest events matching key.
//
//	SELECT(0) observation FROM t WHERE COMPARE(observation, POINT(lon lat),'=') AND ... ORDER BY observation TIME DESC LIMIT 5
func SelectLastQuery(table string, key []envelope.KeyValue) (string, error) {
	var compares []string

	lat, hasLat := envelope.Lookup(key, "latitude")
	lon, hasLon := envelope.Lookup(key, "longitude")
	if hasLat && hasLon {
		qlon, err := quote(lon)
		if err != nil {
			return "", err
		}
		qlat, err := quote(lat)
		if err != nil {
			return "", err
		}
		compares = append(compares, fmt.Sprintf("COMPARE(%s, POINT(%s %s),'=')", Column, qlon, qlat))
	}

	for _, kv := range key {
		if positional(kv.Name) {
			continue
		}
		v, err := quote(kv.Value)
		if err != nil {
			return "", err
		}
		compares = append(compares, fmt.Sprintf("COMPARE(%s, THEME(%s, '%s'),'=')", Column, kv.Name, v))
	}

	where := ""
	if len(compares) > 0 {
		where = "WHERE " + strings.Join(compares, " AND ")
	}
	return fmt.Sprintf("SELECT(0) %s FROM %s %s ORDER BY %s TIME DESC LIMIT 5", Column, table, where, Column), nil
}

// InsertQuery builds the insert of e. With conditional set the insert only
// succeeds when no event with the same key exists, which the warehouse
// supports for single-datum envelopes only.
func InsertQuery(table string, e *envelope.Envelope, conditional bool) (string, error) {
	doc, err := e.JSON()
	if err != nil {
		return "", err
	}
	escaped := strings.NewReplacer(`"`, `""`, `'`, `''`).Replace(string(doc))
	values := `VALUES( M2M("` + escaped + `"))`

	var key []envelope.KeyValue
	if conditional {
		if e.Size() != 1 {
			return "", errors.Invalidf(errors.ErrInvalidEnvelope, "evwh", "InsertQuery",
				"conditional insert needs exactly one datum, got %d", e.Size())
		}
		key = e.PrimaryKeyValues(e.Data.Values[0])
	}

	var conditions []string
	_, hasTime := envelope.Lookup(key, "time")
	_, hasLat := envelope.Lookup(key, "latitude")
	_, hasLon := envelope.Lookup(key, "longitude")
	if hasTime && hasLat && hasLon {
		conditions = append(conditions, fmt.Sprintf("SPATIOTEMPORAL(%s)", Column))
	}
	for _, kv := range key {
		if positional(kv.Name) {
			continue
		}
		v, err := quote(kv.Value)
		if err != nil {
			return "", err
		}
		conditions = append(conditions, fmt.Sprintf("COMPARE(%s, THEME(%s, %s),'=')", Column, kv.Name, v))
	}

	query := fmt.Sprintf("INSERT INTO %s(%s) %s", table, Column, values)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	return query, nil
}

// GetTablesQuery lists the warehouse tables.
const GetTablesQuery = "SELECT GetTables"

// CreateTableQuery creates a table with the event column.
func CreateTableQuery(table string) string {
	return fmt.Sprintf("CREATE TABLE %s (%s EVENT)", table, Column)
}

// quote renders a key value as an MPQL literal. Strings are single quoted,
// integers are bare and floats always carry a fraction or an exponent.
func quote(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return "'" + t + "'", nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return formatFloat(float64(t)), nil
	case float64:
		return formatFloat(t), nil
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return t.String(), nil
		}
		f, err := t.Float64()
		if err != nil {
			break
		}
		return formatFloat(f), nil
	}
	return "", errors.Invalidf(errors.ErrUnsupportedKey, "evwh", "quote", "value %v of type %T", v, v)
}

func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
