// history.go
// Local persistence for feature-usage records, backed by bbolt.
package sidekick

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var usageBucketName = []byte("FeatureUsage")

// HistoryStore persists one record per completed one-shot operation so users
// can review what the assistant did for them. It lives beside telemetry but
// is local-only and survives restarts. A nil *HistoryStore is valid and makes
// every method a no-op, letting callers degrade when the DB cannot open.
type HistoryStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// DefaultHistoryPath returns the standard on-disk location of the history DB.
func DefaultHistoryPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining user cache directory: %w", err)
	}
	return filepath.Join(cacheDir, configDirName, "history.db"), nil
}

// OpenHistoryStore opens (creating if necessary) the history database at
// path. An empty path selects the default location under the user cache dir.
func OpenHistoryStore(path string, logger *slog.Logger) (*HistoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storeLogger := logger.With("component", "HistoryStore")
	if path == "" {
		var err error
		path, err = DefaultHistoryPath()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("opening history db at %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(usageBucketName)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history bucket: %w", err)
	}
	storeLogger.Info("Opened history store", "path", path)
	return &HistoryStore{db: db, logger: storeLogger}, nil
}

// Record appends a usage record. Keys are the record's UTC timestamp plus its
// ID, so bbolt's byte order doubles as chronological order.
func (h *HistoryStore) Record(rec UsageRecord) error {
	if h == nil || h.db == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshaling usage record: %w", ErrHistoryWrite, err)
	}
	key := []byte(rec.At.UTC().Format(time.RFC3339Nano) + "|" + rec.ID)
	err = h.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(usageBucketName)
		if bucket == nil {
			return errors.New("usage bucket missing")
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHistoryWrite, err)
	}
	h.logger.Debug("Recorded feature usage", "kind", rec.Kind, "id", rec.ID)
	return nil
}

// List returns up to limit records, most recent first. limit <= 0 means all.
func (h *HistoryStore) List(limit int) ([]UsageRecord, error) {
	if h == nil || h.db == nil {
		return nil, nil
	}
	var records []UsageRecord
	err := h.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(usageBucketName)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec UsageRecord
			if uerr := json.Unmarshal(v, &rec); uerr != nil {
				h.logger.Warn("Skipping unreadable history record", "key", string(k), "error", uerr)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryRead, err)
	}
	return records, nil
}

// Close closes the underlying database.
func (h *HistoryStore) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("closing history db: %w", err)
	}
	h.db = nil
	return nil
}
