package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nict-isp/uds-sdk/errors"
)

// DirWatchConfig configures a CSVDirWatcher.
type DirWatchConfig struct {
	Dir string
	// Pattern filters file names, "*.csv" by default.
	Pattern string
	// Charset defaults to Shift_JIS.
	Charset string
	// Settle is how long a file must stay unchanged before it is read.
	Settle time.Duration
	Queue  QueueConfig
}

// CSVDirWatcher fetches CSV files dropped into a directory. Files present
// at Start are queued first, in name order. A file is queued once it has
// not been written for the settle time; writing it again later queues it
// again.
type CSVDirWatcher struct {
	cfg    DirWatchConfig
	logger *slog.Logger
	queue  *Queue[string]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewCSVDirWatcher creates the watcher. Call Start to begin watching.
func NewCSVDirWatcher(cfg DirWatchConfig, logger *slog.Logger) (*CSVDirWatcher, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "CSVDirWatcher", "NewCSVDirWatcher", "dir check")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "CSVDirWatcher", "NewCSVDirWatcher", "pattern %q", cfg.Pattern)
	}
	if cfg.Charset == "" {
		cfg.Charset = "shift_jis"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	q, err := NewQueue[string](cfg.Queue)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVDirWatcher{
		cfg:     cfg,
		logger:  logger.With("component", "csv_dir_watcher", "dir", cfg.Dir),
		queue:   q,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Start queues existing files and watches the directory.
func (d *CSVDirWatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "CSVDirWatcher", "Start", "create watcher")
	}
	if err := w.Add(d.cfg.Dir); err != nil {
		_ = w.Close()
		return errors.WrapFatal(err, "CSVDirWatcher", "Start", "watch directory")
	}
	d.watcher = w

	existing, err := filepath.Glob(filepath.Join(d.cfg.Dir, d.cfg.Pattern))
	if err != nil {
		return errors.WrapInvalid(err, "CSVDirWatcher", "Start", "list directory")
	}
	sort.Strings(existing)
	for _, path := range existing {
		if err := d.queue.Put(path); err != nil {
			return err
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watch(ctx, w)
	}()
	return nil
}

func (d *CSVDirWatcher) watch(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			d.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error", "error", err)
		}
	}
}

func (d *CSVDirWatcher) handle(ev fsnotify.Event) {
	if ok, _ := filepath.Match(d.cfg.Pattern, filepath.Base(ev.Name)); !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.pending[ev.Name]; ok {
		t.Stop()
		delete(d.pending, ev.Name)
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	path := ev.Name
	d.pending[path] = time.AfterFunc(d.cfg.Settle, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		if err := d.queue.Put(path); err != nil {
			d.logger.Warn("file not queued", "path", path, "error", err)
		}
	})
}

// Fetch implements crawler.Fetcher. A file that vanished before it was
// read yields an empty fetch.
func (d *CSVDirWatcher) Fetch(ctx context.Context) (Payload, bool, error) {
	path, ok, err := d.queue.Fetch(ctx)
	if err != nil || !ok {
		return Payload{}, ok, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.logger.Info("queued file is gone", "path", path)
		return Payload{}, false, nil
	}
	d.logger.Info("reading csv file", "path", path)
	return readFile(path, d.cfg.Charset)
}

// Stop stops watching and closes the queue.
func (d *CSVDirWatcher) Stop() error {
	d.mu.Lock()
	w := d.watcher
	d.watcher = nil
	for path, t := range d.pending {
		t.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	d.wg.Wait()
	return errors.Join(err, d.queue.Close())
}
