// lookahead/stats_store.go
// Persisted selection statistics (bbolt) behind a read-through LRU.
package lookahead

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
)

const (
	statsSchemaVersion = 1
	statsLRUSize       = 4096
)

var statsBucketName = []byte("selections")

// selectionStat is the gob-encoded value stored per group and lookup string.
type selectionStat struct {
	SchemaVersion int
	Count         int
	LastUsed      time.Time
}

// StatsStore records how often candidates were chosen. It implements both
// StatsSource and SelectionRecorder.
type StatsStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	recent *lru.Cache[string, selectionStat]
	logger *stdslog.Logger
}

// DefaultStatsPath returns the statistics database path under the user cache dir.
func DefaultStatsPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot determine user cache dir: %w", ErrStatsRead, err)
	}
	return filepath.Join(dir, configDirName, fmt.Sprintf("v%d", statsSchemaVersion), statsFileName), nil
}

// OpenStatsStore opens (or creates) the database at path, retrying while another
// process holds the file lock.
func OpenStatsStore(ctx context.Context, path string, logger *stdslog.Logger) (*StatsStore, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	storeLogger := logger.With("component", "StatsStore", "path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("%w: create stats dir: %w", ErrStatsWrite, err)
	}

	var db *bbolt.DB
	open := func() error {
		var err error
		db, err = bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return fmt.Errorf("%w: %w", errRetryable, err)
		}
		return nil
	}
	if err := retry(ctx, open, maxRetries, retryDelay, storeLogger); err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStatsRead, path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(statsBucketName); err != nil {
			return fmt.Errorf("failed to create stats bucket %s: %w", string(statsBucketName), err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStatsWrite, err)
	}

	recent, err := lru.New[string, selectionStat](statsLRUSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStatsRead, err)
	}
	storeLogger.Info("Using bbolt selection statistics", "schema_version", statsSchemaVersion)
	return &StatsStore{db: db, recent: recent, logger: storeLogger}, nil
}

func statsKey(group, text string) string { return group + "\x00" + text }

// UseCount returns how often text was chosen in group. Read failures count as zero.
func (s *StatsStore) UseCount(group, text string) int {
	stat, err := s.lookup(statsKey(group, text))
	if err != nil {
		s.logger.Debug("Selection statistics read failed", "group", group, "text", text, "error", err)
		return 0
	}
	return stat.Count
}

func (s *StatsStore) lookup(key string) (selectionStat, error) {
	if stat, ok := s.recent.Get(key); ok {
		return stat, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return selectionStat{}, fmt.Errorf("%w: store closed", ErrStatsRead)
	}
	var stat selectionStat
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(statsBucketName)
		if b == nil {
			return fmt.Errorf("%w: bucket %s missing", ErrStatsRead, string(statsBucketName))
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var decoded selectionStat
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err != nil {
			return fmt.Errorf("%w: decode: %w", ErrStatsRead, err)
		}
		if decoded.SchemaVersion == statsSchemaVersion {
			stat = decoded
		}
		return nil
	})
	if err != nil {
		return selectionStat{}, err
	}
	s.recent.Add(key, stat)
	return stat, nil
}

// RecordSelection increments the counter for text in group.
func (s *StatsStore) RecordSelection(group, text string) error {
	key := statsKey(group, text)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store closed", ErrStatsWrite)
	}
	var updated selectionStat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(statsBucketName)
		if b == nil {
			return fmt.Errorf("%w: bucket %s missing", ErrStatsWrite, string(statsBucketName))
		}
		current := selectionStat{SchemaVersion: statsSchemaVersion}
		if raw := b.Get([]byte(key)); raw != nil {
			var decoded selectionStat
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err == nil && decoded.SchemaVersion == statsSchemaVersion {
				current = decoded
			}
		}
		current.Count++
		current.LastUsed = time.Now()
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&current); err != nil {
			return fmt.Errorf("%w: encode: %w", ErrStatsWrite, err)
		}
		updated = current
		return b.Put([]byte(key), buf.Bytes())
	})
	if err != nil {
		return err
	}
	s.recent.Add(key, updated)
	return nil
}

// Len returns the number of recorded lookup strings.
func (s *StatsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0
	}
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(statsBucketName); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Close flushes and closes the database.
func (s *StatsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.logger.Info("Closing bbolt statistics database.")
	err := s.db.Close()
	s.db = nil
	s.recent.Purge()
	if err != nil {
		return errors.Join(ErrStatsWrite, err)
	}
	return nil
}
