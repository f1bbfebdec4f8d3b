package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures an embedded BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// BadgerStore keeps checkpoints in an embedded Badger database.
//
// Keys:
//
//	t/{thread}/{version:%010d}  record JSON
//	m/{thread}                  thread metadata JSON
type BadgerStore struct {
	db *badger.DB
}

type badgerMeta struct {
	Version      int       `json:"version"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (creating if needed) a Badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(threadID string, version int) []byte {
	return fmt.Appendf(nil, "t/%s/%010d", threadID, version)
}

func recordPrefix(threadID string) []byte {
	return []byte("t/" + threadID + "/")
}

func metaKey(threadID string) []byte {
	return []byte("m/" + threadID)
}

func readMeta(txn *badger.Txn, threadID string) (*badgerMeta, error) {
	item, err := txn.Get(metaKey(threadID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m badgerMeta
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &m, nil
}

func writeRecord(txn *badger.Txn, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	meta, err := json.Marshal(badgerMeta{
		Version:      rec.Version,
		MessageCount: rec.MessageCount,
		UpdatedAt:    rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := txn.Set(recordKey(rec.ThreadID, rec.Version), raw); err != nil {
		return err
	}
	return txn.Set(metaKey(rec.ThreadID), meta)
}

// Append stores data as the thread's next version.
func (s *BadgerStore) Append(_ context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	var rec *record
	err := s.db.Update(func(txn *badger.Txn) error {
		next := 1
		meta, err := readMeta(txn, threadID)
		switch {
		case err == nil:
			next = meta.Version + 1
		case !errors.Is(err, ErrNotFound):
			return err
		}

		rec, err = newRecord(threadID, next, data, messageCount)
		if err != nil {
			return err
		}
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		if old := next - KeepVersions; old >= 1 {
			if err := txn.Delete(recordKey(threadID, old)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	return rec.checkpoint(false)
}

// Put overwrites the latest version in place.
func (s *BadgerStore) Put(_ context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	var rec *record
	err := s.db.Update(func(txn *badger.Txn) error {
		version := 1
		meta, err := readMeta(txn, threadID)
		switch {
		case err == nil:
			version = meta.Version
		case !errors.Is(err, ErrNotFound):
			return err
		}

		rec, err = newRecord(threadID, version, data, messageCount)
		if err != nil {
			return err
		}
		return writeRecord(txn, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	return rec.checkpoint(false)
}

// Latest returns the newest checkpoint for the thread.
func (s *BadgerStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, threadID)
		if err != nil {
			return err
		}
		item, err := txn.Get(recordKey(threadID, meta.Version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest: %w", err)
	}
	return rec.checkpoint(true)
}

// eachMeta calls fn for every thread's metadata.
func eachMeta(txn *badger.Txn, fn func(id string, m badgerMeta) error) error {
	prefix := []byte("m/")
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		id := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))
		var m badgerMeta
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
			return fmt.Errorf("decode meta %s: %w", id, err)
		}
		if err := fn(id, m); err != nil {
			return err
		}
	}
	return nil
}

// Threads lists threads, most recently updated first.
func (s *BadgerStore) Threads(_ context.Context, limit int) ([]Thread, error) {
	var threads []Thread
	err := s.db.View(func(txn *badger.Txn) error {
		return eachMeta(txn, func(id string, m badgerMeta) error {
			threads = append(threads, Thread{
				ID:           id,
				Version:      m.Version,
				MessageCount: m.MessageCount,
				UpdatedAt:    m.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("threads: %w", err)
	}

	slices.SortFunc(threads, func(a, b Thread) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// deleteThread removes the metadata and every record key of a thread.
func deleteThread(txn *badger.Txn, threadID string) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: recordPrefix(threadID)})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return txn.Delete(metaKey(threadID))
}

// Delete removes every version of a thread.
func (s *BadgerStore) Delete(_ context.Context, threadID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := readMeta(txn, threadID); err != nil {
			return err
		}
		return deleteThread(txn, threadID)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Prune removes threads idle for longer than olderThan.
func (s *BadgerStore) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var stale []string
	err := s.db.View(func(txn *badger.Txn) error {
		return eachMeta(txn, func(id string, m badgerMeta) error {
			if m.UpdatedAt.Before(cutoff) {
				stale = append(stale, id)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}

	removed := 0
	for _, id := range stale {
		if err := s.db.Update(func(txn *badger.Txn) error { return deleteThread(txn, id) }); err != nil {
			return removed, fmt.Errorf("prune %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
