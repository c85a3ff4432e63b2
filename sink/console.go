package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

const consoleDelimiter = "|"

// Console prints envelopes as pipe-delimited tables. Meant for debugging
// a sensor before it is pointed at real storage.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes to out, or stdout when out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

// Open implements Sink.
func (c *Console) Open(context.Context) error { return nil }

// Close implements Sink.
func (c *Console) Close() error { return nil }

// Store implements Sink.
func (c *Console) Store(_ context.Context, batch []*envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range batch {
		if _, err := io.WriteString(c.out, renderTable(e)); err != nil {
			return errors.WrapTransient(err, "Console", "Store", "write")
		}
	}
	return nil
}

func renderTable(e *envelope.Envelope) string {
	if e.Size() == 0 {
		return ""
	}
	device := sortedKeys(e.DeviceInfo())
	fields := sortedKeys(e.Data.Values[0])
	var unitCols, units []string
	for _, s := range e.SensorInfo.Schema {
		if s.Unit != "" {
			unitCols = append(unitCols, "unit_"+s.Name)
			units = append(units, s.Unit)
		}
	}

	var b strings.Builder
	row := func(cells []string) {
		for _, cell := range cells {
			b.WriteString(cell)
			b.WriteString(consoleDelimiter)
			b.WriteString(" ")
		}
		b.WriteString("\n")
	}

	header := []string{"[column]"}
	header = append(header, device...)
	header = append(header, fields...)
	header = append(header, unitCols...)
	row(header)

	deviceRow := make([]string, 0, len(device))
	for _, k := range device {
		deviceRow = append(deviceRow, fmt.Sprint(e.DeviceInfo()[k]))
	}
	row(deviceRow)

	for _, d := range e.Data.Values {
		cells := make([]string, 0, len(fields)+len(units))
		for _, k := range fields {
			cells = append(cells, fmt.Sprint(d[k]))
		}
		row(append(cells, units...))
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
