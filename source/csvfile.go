package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nict-isp/uds-sdk/crawler"
	"github.com/nict-isp/uds-sdk/errors"
)

// CSVFileList reads one file per fetch from a fixed list and requests an
// abort once the list is exhausted.
type CSVFileList struct {
	mu      sync.Mutex
	files   []string
	charset string
	logger  *slog.Logger
}

// NewCSVFileList creates the fetcher. charset defaults to Shift_JIS.
func NewCSVFileList(files []string, charset string, logger *slog.Logger) *CSVFileList {
	if charset == "" {
		charset = "shift_jis"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVFileList{
		files:   append([]string(nil), files...),
		charset: charset,
		logger:  logger.With("component", "csv_file_list"),
	}
}

// GlobFiles expands patterns into a sorted, duplicate free file list.
func GlobFiles(patterns ...string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.Invalidf(errors.ErrInvalidConfig, "source", "GlobFiles", "pattern %q: %v", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remaining returns the number of files not yet fetched.
func (l *CSVFileList) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.files)
}

// Fetch implements crawler.Fetcher.
func (l *CSVFileList) Fetch(context.Context) (Payload, bool, error) {
	l.mu.Lock()
	if len(l.files) == 0 {
		l.mu.Unlock()
		return Payload{}, false, fmt.Errorf("csv file list is empty: %w", crawler.ErrAbort)
	}
	path := l.files[0]
	l.files = l.files[1:]
	l.mu.Unlock()

	l.logger.Info("reading csv file", "path", path)
	return readFile(path, l.charset)
}

func readFile(path, charset string) (Payload, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, false, errors.WrapInvalid(err, "source", "Fetch", "read "+path)
	}
	text, err := ToUTF8(raw, charset)
	if err != nil {
		return Payload{}, false, err
	}
	return Payload{Source: path, Body: text, Received: time.Now()}, true, nil
}
