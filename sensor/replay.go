package sensor

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
)

const (
	metaPrefix = "M2MmetaData"
	dataPrefix = "M2MData"
)

// Inserter re-inserts envelopes. *evwh.DAO satisfies it.
type Inserter interface {
	Insert(ctx context.Context, e *envelope.Envelope) error
	Reconnect(ctx context.Context) error
}

// ReplayResult counts what Replay did.
type ReplayResult struct {
	Found    int
	Inserted int
	Failed   int
	// Invalid pairs could not be decoded and were left in place.
	Invalid int
}

// Replay walks dir for metadata/data file pairs written by the event store
// fallback, inserts each envelope again and removes the pair once the
// insert was accepted. A failed insert rebuilds the connection and the pair
// is kept for the next replay.
func Replay(ctx context.Context, dir string, primaryKeys []string, store Inserter, logger *slog.Logger) (ReplayResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replay", "dir", dir)

	var res ReplayResult
	metas, err := findMetadata(dir)
	if err != nil {
		return res, err
	}
	res.Found = len(metas)

	for _, metaPath := range metas {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		dataPath := filepath.Join(filepath.Dir(metaPath),
			dataPrefix+strings.TrimPrefix(filepath.Base(metaPath), metaPrefix))
		e, err := readPair(metaPath, dataPath, primaryKeys)
		if err != nil {
			res.Invalid++
			logger.Warn("skipping unreadable envelope", "path", metaPath, "error", err)
			continue
		}

		if err := store.Insert(ctx, e); err != nil {
			res.Failed++
			logger.Warn("replay insert failed", "data_id", e.DataID(), "error", err)
			if rerr := store.Reconnect(ctx); rerr != nil {
				logger.Warn("reconnect failed", "error", rerr)
			}
			continue
		}
		res.Inserted++
		for _, p := range []string{metaPath, dataPath} {
			if err := os.Remove(p); err != nil {
				logger.Warn("replayed file not removed", "path", p, "error", err)
			}
		}
		logger.Info("replayed", "data_id", e.DataID())
	}
	return res, nil
}

func findMetadata(dir string) ([]string, error) {
	var metas []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if !d.IsDir() && strings.HasPrefix(name, metaPrefix) && strings.HasSuffix(name, ".json") {
			metas = append(metas, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Replay", "Replay", "walk "+dir)
	}
	sort.Strings(metas)
	return metas, nil
}

// readPair joins the two halves back into one envelope document.
func readPair(metaPath, dataPath string, primaryKeys []string) (*envelope.Envelope, error) {
	doc := map[string]json.RawMessage{}
	for _, p := range []string{metaPath, dataPath} {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var part map[string]json.RawMessage
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, errors.WrapInvalid(err, "Replay", "readPair", "decode "+filepath.Base(p))
		}
		for k, v := range part {
			doc[k] = v
		}
	}
	joined, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return envelope.Decode(joined, primaryKeys)
}
