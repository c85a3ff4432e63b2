package testutil

import (
	"testing"

	"github.com/nict-isp/uds-sdk/envelope"
)

// RainCSV is a small observation table in the layout CSV parsers expect.
const RainCSV = `time,latitude,longitude,station,rainfall
2020-01-01 09:00:00,35.6895,139.6917,tokyo,0.5
2020-01-01 09:10:00,35.6895,139.6917,tokyo,1.0
2020-01-01 09:00:00,34.6937,135.5023,osaka,0.0
`

// RainJSON is the same table as a JSON records document.
const RainJSON = `{"records":[
 {"time":"2020-01-01 09:00:00","latitude":35.6895,"longitude":139.6917,"station":"tokyo","rainfall":0.5},
 {"time":"2020-01-01 09:10:00","latitude":35.6895,"longitude":139.6917,"station":"tokyo","rainfall":1.0},
 {"time":"2020-01-01 09:00:00","latitude":34.6937,"longitude":135.5023,"station":"osaka","rainfall":0.0}
]}`

// RainSchema describes RainCSV.
var RainSchema = []envelope.SchemaEntry{
	{Type: "datetime", Name: "time"},
	{Type: "float", Name: "latitude", Unit: "degree"},
	{Type: "float", Name: "longitude", Unit: "degree"},
	{Type: "string", Name: "station"},
	{Type: "float", Name: "rainfall", Unit: "mm"},
}

// RainMetadata returns builder metadata for a revision B rain sensor keyed
// by time and position.
func RainMetadata() envelope.Metadata {
	return envelope.Metadata{
		Title:    "RainSensor",
		Timezone: "+09:00",
		Info: envelope.Info{
			FormatVersion:  envelope.RevisionB,
			CreatedContact: "ops@example.org",
			SrcContact:     "src@example.org",
			Device:         map[string]any{"name": "rain-gauge"},
		},
		Schema:      RainSchema,
		PrimaryKeys: []string{"time", "latitude", "longitude"},
	}
}

// RainBuilder returns a builder for RainMetadata.
func RainBuilder(t testing.TB) *envelope.Builder {
	t.Helper()
	b, err := envelope.NewBuilder(RainMetadata())
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	return b
}

// Datum returns a rain datum at time and station position.
func Datum(time string, lat, lon float64, rainfall float64) envelope.Fields {
	return envelope.Fields{"time": time, "latitude": lat, "longitude": lon, "rainfall": rainfall}
}
