package crawler

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
)

// Timing holds the durations of one crawl cycle. Stages a cycle did not
// reach stay zero.
type Timing struct {
	IntervalStart time.Time
	Fetch         time.Duration
	Parse         time.Duration
	Commit        time.Duration
	Check         time.Duration
	Filter        time.Duration
	Store         time.Duration
	Crawl         time.Duration
}

// TimeRecorder persists cycle timings.
type TimeRecorder interface {
	Record(t Timing) error
	Close() error
}

// NopRecorder discards timings.
type NopRecorder struct{}

// Record implements TimeRecorder.
func (NopRecorder) Record(Timing) error { return nil }

// Close implements TimeRecorder.
func (NopRecorder) Close() error { return nil }

// TimeRecordHeader is the first row of a time record file.
var TimeRecordHeader = []string{
	"interval_start_time",
	"fetch_time",
	"parse_time",
	"commit_time",
	"check_time",
	"filter_time",
	"store_time",
	"crawl_time",
}

const intervalStartLayout = "2006-01-02 15:04:05.000000"

// FileRecorder appends tab-separated timings to
// <logDir>/time_record/<sensor>_<start:YYYYmmddTHHMMSS>.csv. Durations are
// written in seconds.
type FileRecorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

// NewFileRecorder creates the file and writes the header.
func NewFileRecorder(logDir, sensor string, start time.Time) (*FileRecorder, error) {
	dir := filepath.Join(logDir, "time_record")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileRecorder", "NewFileRecorder", "create directory")
	}
	path := filepath.Join(dir, sensor+start.Format("_20060102T150405")+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileRecorder", "NewFileRecorder", "create file")
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	r := &FileRecorder{path: path, f: f, w: w}
	if err := r.write(TimeRecordHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the record file path.
func (r *FileRecorder) Path() string { return r.path }

// Record implements TimeRecorder.
func (r *FileRecorder) Record(t Timing) error {
	return r.write([]string{
		t.IntervalStart.Format(intervalStartLayout),
		seconds(t.Fetch),
		seconds(t.Parse),
		seconds(t.Commit),
		seconds(t.Check),
		seconds(t.Filter),
		seconds(t.Store),
		seconds(t.Crawl),
	})
}

func (r *FileRecorder) write(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errors.WrapTransient(errors.ErrNotOpen, "FileRecorder", "Record", "file check")
	}
	if err := r.w.Write(row); err != nil {
		return errors.WrapTransient(err, "FileRecorder", "Record", "write")
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return errors.WrapTransient(err, "FileRecorder", "Record", "flush")
	}
	return nil
}

// Close implements TimeRecorder.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
