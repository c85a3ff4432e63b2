package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

// DefaultDirFileMax is the number of envelopes written per shard directory.
const DefaultDirFileMax = 1000

// FileConfig configures a File sink.
type FileConfig struct {
	// Dir is the root directory; a per-run directory is created below it.
	Dir    string
	Sensor string
	// Start names the per-run directory together with Sensor.
	Start      time.Time
	DirFileMax int
}

// File writes each envelope as a metadata file and a data file:
//
//	<Dir>/<Sensor><Start:YYYYmmddHHMMSS>/<shard:%010d>/M2MmetaData<data id>.json
//	<Dir>/<Sensor><Start:YYYYmmddHHMMSS>/<shard:%010d>/M2MData<data id>.json
//
// A new shard starts after DirFileMax envelopes. The data link URI of each
// envelope is set to its data file before the metadata is written.
type File struct {
	cfg    FileConfig
	logger *slog.Logger

	mu        sync.Mutex
	shard     int
	shardSize int
	shardDir  string
}

// NewFile creates a file sink.
func NewFile(cfg FileConfig, logger *slog.Logger) (*File, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "File", "NewFile", "directory check")
	}
	if cfg.DirFileMax <= 0 {
		cfg.DirFileMax = DefaultDirFileMax
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{cfg: cfg, logger: logger}, nil
}

// RunDir is the per-run directory holding the shards.
func (f *File) RunDir() string {
	return filepath.Join(f.cfg.Dir, f.cfg.Sensor+f.cfg.Start.Format("20060102150405"))
}

// Open implements Sink.
func (f *File) Open(context.Context) error {
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return errors.WrapFatal(err, "File", "Open", "create output directory")
	}
	return nil
}

// Close implements Sink.
func (f *File) Close() error { return nil }

// Store implements Sink.
func (f *File) Store(_ context.Context, batch []*envelope.Envelope) error {
	var errs []error
	for _, e := range batch {
		f.logger.Info("storing to file", "data_id", e.DataID(), "size", e.Size())
		if err := f.write(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *File) write(e *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, err := f.nextShardLocked()
	if err != nil {
		return err
	}

	dataPath := filepath.Join(dir, "M2MData"+e.SensorInfo.DataLink.DataID+".json")
	e.SensorInfo.DataLink.URI = dataPath

	data, err := e.DataJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return errors.WrapTransient(err, "File", "Store", "write data file")
	}

	meta, err := e.MetadataJSON()
	if err != nil {
		return err
	}
	metaPath := filepath.Join(dir, "M2MmetaData"+e.SensorInfo.DataLink.DataID+".json")
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return errors.WrapTransient(err, "File", "Store", "write metadata file")
	}

	f.shardSize++
	return nil
}

// nextShardLocked returns the shard directory for the next envelope,
// starting a new one when the current shard is full.
func (f *File) nextShardLocked() (string, error) {
	switch {
	case f.shardDir == "":
	case f.shardSize >= f.cfg.DirFileMax:
		f.shard++
		f.shardSize = 0
	default:
		return f.shardDir, nil
	}

	dir := filepath.Join(f.RunDir(), fmt.Sprintf("%010d", f.shard))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WrapTransient(err, "File", "Store", "create shard directory")
	}
	f.shardDir = dir
	return dir, nil
}
