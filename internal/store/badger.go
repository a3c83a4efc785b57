package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for a Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	Logger *slog.Logger
}

// DefaultBadgerConfig returns the on-device configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerBackend keeps both buckets in one Badger keyspace, prefixed "<bucket>/".
type BadgerBackend struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone sync.WaitGroup
	once   sync.Once
}

// OpenBadger opens a Badger database with cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &BadgerBackend{db: db, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gcDone.Add(1)
		go b.runGC(cfg.GCInterval, cfg.Logger)
	}
	return b, nil
}

func (b *BadgerBackend) runGC(interval time.Duration, logger *slog.Logger) {
	defer b.gcDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			for {
				err := b.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
						logger.Warn("badger value log gc", "error", err)
					}
					break
				}
			}
		}
	}
}

func badgerKey(bucket Bucket, key string) []byte {
	return []byte(string(bucket) + "/" + key)
}

// Name identifies the backend in diagnostics.
func (b *BadgerBackend) Name() string { return "badger" }

// Get returns the raw value for key or ErrNotFound.
func (b *BadgerBackend) Get(_ context.Context, bucket Bucket, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Put stores or replaces the value for key.
func (b *BadgerBackend) Put(_ context.Context, bucket Bucket, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(bucket, key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (b *BadgerBackend) Delete(_ context.Context, bucket Bucket, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(bucket, key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Keys lists keys in bucket starting with prefix, ordered lexically.
func (b *BadgerBackend) Keys(_ context.Context, bucket Bucket, prefix string) ([]string, error) {
	full := badgerKey(bucket, prefix)
	strip := len(bucket) + 1

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[strip:]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Close stops GC and closes the database.
func (b *BadgerBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stopGC)
		b.gcDone.Wait()
		err = b.db.Close()
	})
	return err
}
