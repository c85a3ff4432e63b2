// Package timestamp handles the time strings carried by sensor envelopes.
//
// Sensing times arrive as naive local strings ("2013-09-26 14:43:47") next to
// a separate UTC offset string ("+09:00"). This package normalizes offsets,
// combines the two into an absolute time, and renders the fixed formats used
// for creation times and data ids.
package timestamp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CreatedLayout renders creation times: local wall clock, microseconds, no offset.
const CreatedLayout = "2006-01-02 15:04:05.000000"

// UTC is the canonical zero offset.
const UTC = "+00:00"

var (
	offsetExact  = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)
	offsetSearch = regexp.MustCompile(`[+-]\d{2}:\d{2}`)
)

// zoned layouts carry their own offset and are tried before naive ones.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"20060102150405",
	"2006-01-02",
}

// NormalizeOffset returns offset in "+HH:MM" form. It accepts "+09:00",
// "+0900", "Z" and "UTC", and extracts the first "+HH:MM" found in longer
// strings such as "UTC+09:00" or "GMT+09:00 (JST)".
func NormalizeOffset(offset string) (string, error) {
	s := strings.TrimSpace(offset)
	switch strings.ToUpper(s) {
	case "Z", "UTC", "GMT":
		return UTC, nil
	}
	if m := offsetExact.FindStringSubmatch(s); m != nil {
		return formatOffset(m[1], m[2], m[3])
	}
	if found := offsetSearch.FindString(s); found != "" {
		m := offsetExact.FindStringSubmatch(found)
		return formatOffset(m[1], m[2], m[3])
	}
	return "", fmt.Errorf("timestamp: unrecognized utc offset %q", offset)
}

func formatOffset(sign, hh, mm string) (string, error) {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	if h > 14 || m > 59 {
		return "", fmt.Errorf("timestamp: utc offset out of range %s%s:%s", sign, hh, mm)
	}
	return sign + hh + ":" + mm, nil
}

// Zone returns a fixed location for offset.
func Zone(offset string) (*time.Location, error) {
	norm, err := NormalizeOffset(offset)
	if err != nil {
		return nil, err
	}
	m := offsetExact.FindStringSubmatch(norm)
	h, _ := strconv.Atoi(m[2])
	mi, _ := strconv.Atoi(m[3])
	secs := h*3600 + mi*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(norm, secs), nil
}

// ParseSensing combines a sensing time string with its offset. A value that
// already carries an offset keeps it and offset is ignored.
func ParseSensing(value, offset string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	loc, err := Zone(offset)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognized time %q", value)
}

// ParseStored parses a time returned by a store. Naive values are taken as UTC.
func ParseStored(value string) (time.Time, error) {
	return ParseSensing(value, UTC)
}

// IDStamp renders t as YYYYMMDDhhmmss followed by six microsecond digits.
func IDStamp(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}
