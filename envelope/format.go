package envelope

import (
	"time"

	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
)

const legacyOffsetKey = "timeOffset"

// MaxFutureSkew is how far ahead of the current UTC time a datum may be stamped.
const MaxFutureSkew = 10 * time.Minute

// Bounds is a geographic extent. Valid is false when no position was found.
type Bounds struct {
	South, North, West, East float64
	Valid                    bool
}

// FormatHandler carries the rules that differ between format revisions.
// Building and committing are shared; bounds and checking are not.
type FormatHandler interface {
	Version() FormatVersion
	// Bounds derives the geographic extent of e.
	Bounds(e *Envelope) Bounds
	// Check validates e. now is the reference for the future-skew rule.
	Check(e *Envelope, now time.Time) error
}

// HandlerFor returns the handler for version.
func HandlerFor(version FormatVersion) (FormatHandler, error) {
	switch version {
	case RevisionA:
		return revisionA{}, nil
	case RevisionB:
		return revisionB{}, nil
	}
	return nil, errors.WrapFatal(
		errors.Invalidf(errors.ErrUnknownFormat, "envelope", "HandlerFor", "format version %q", version),
		"envelope", "HandlerFor", "handler lookup")
}

// revisionA positions the whole envelope at the device.
type revisionA struct{}

func (revisionA) Version() FormatVersion { return RevisionA }

func (revisionA) Bounds(e *Envelope) Bounds {
	lat, okLat := e.SensorInfo.DeviceInfo.Float("latitude")
	lon, okLon := e.SensorInfo.DeviceInfo.Float("longitude")
	if !okLat || !okLon {
		return Bounds{}
	}
	return Bounds{South: lat, North: lat, West: lon, East: lon, Valid: true}
}

func (revisionA) Check(e *Envelope, now time.Time) error {
	device := e.SensorInfo.DeviceInfo
	lon, okLon := device.Float("longitude")
	lat, okLat := device.Float("latitude")
	if !okLon || !okLat {
		return errors.Invalidf(errors.ErrMissingField, "Checker", "Check",
			"device_info has no latitude/longitude")
	}
	if err := checkPosition(lon, lat); err != nil {
		return err
	}

	for i, datum := range e.Data.Values {
		t, ok := datum.String("time")
		if !ok {
			return errors.Invalidf(errors.ErrMissingField, "Checker", "Check", "datum %d has no time", i)
		}
		if err := checkTime(t, e.Primary.Timezone, now); err != nil {
			return err
		}
	}
	return nil
}

// revisionB positions each datum individually.
type revisionB struct{}

func (revisionB) Version() FormatVersion { return RevisionB }

func (revisionB) Bounds(e *Envelope) Bounds {
	var b Bounds
	for _, datum := range e.Data.Values {
		lat, okLat := datum.Float("latitude")
		lon, okLon := datum.Float("longitude")
		if !okLat || !okLon {
			continue
		}
		if !b.Valid {
			b = Bounds{South: lat, North: lat, West: lon, East: lon, Valid: true}
			continue
		}
		b.South = min(b.South, lat)
		b.North = max(b.North, lat)
		b.West = min(b.West, lon)
		b.East = max(b.East, lon)
	}
	return b
}

func (revisionB) Check(e *Envelope, now time.Time) error {
	for i, datum := range e.Data.Values {
		t, okTime := datum.String("time")
		lon, okLon := datum.Float("longitude")
		lat, okLat := datum.Float("latitude")
		if !okTime || !okLon || !okLat {
			return errors.Invalidf(errors.ErrMissingField, "Checker", "Check",
				"datum %d needs time, latitude and longitude", i)
		}
		if err := checkPosition(lon, lat); err != nil {
			return err
		}
		if err := checkTime(t, e.Primary.Timezone, now); err != nil {
			return err
		}
	}
	return nil
}

func checkPosition(lon, lat float64) error {
	switch {
	case lon < -180 || lon > 180:
		return errors.Invalidf(errors.ErrInvalidEnvelope, "Checker", "Check", "longitude %v out of range", lon)
	case lat < -90 || lat > 90:
		return errors.Invalidf(errors.ErrInvalidEnvelope, "Checker", "Check", "latitude %v out of range", lat)
	case lon == 0 && lat == 0:
		return errors.Invalidf(errors.ErrInvalidEnvelope, "Checker", "Check", "position is 0,0")
	}
	return nil
}

func checkTime(value, offset string, now time.Time) error {
	if offset == "" {
		return errors.Invalidf(errors.ErrMissingField, "Checker", "Check", "timezone is empty")
	}
	t, err := timestamp.ParseSensing(value, offset)
	if err != nil {
		return errors.Invalidf(errors.ErrInvalidEnvelope, "Checker", "Check", "time %q: %v", value, err)
	}
	if t.Sub(now.UTC()) > MaxFutureSkew {
		return errors.Invalidf(errors.ErrInvalidEnvelope, "Checker", "Check",
			"time %q is more than %s in the future", value, MaxFutureSkew)
	}
	return nil
}

// Check validates e with the rules of its format revision.
func Check(e *Envelope, now time.Time) error {
	return e.handler.Check(e, now)
}
