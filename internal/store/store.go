package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSecureUnavailable is returned when a secure value cannot be sealed or opened.
// The underlying data is left untouched.
var ErrSecureUnavailable = errors.New("store: secure storage unavailable")

const fallbackPrefix = "secure_"

// Options configures Open.
type Options struct {
	// Backend is "sqlite" or "badger".
	Backend      string
	DatabasePath string
	BadgerDir    string
	// InMemory opens Badger in memory; ignored for sqlite.
	InMemory bool
	// PlaintextFallback lets secure values land in the plain bucket when no data
	// key can be loaded at all. Every such write is logged and the store reports
	// itself degraded.
	PlaintextFallback bool
	Logger            *slog.Logger
}

// Diagnostics is a read-only snapshot of store health for the UI layer.
type Diagnostics struct {
	Backend     string    `json:"backend"`
	SecureReady bool      `json:"secure_ready"`
	Degraded    bool      `json:"degraded"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Usage counts the keys held in each partition.
type Usage struct {
	PlainKeys  int `json:"plain_keys"`
	SecureKeys int `json:"secure_keys"`
}

// Store is durable key/value storage split into a plain and an encrypted partition.
type Store struct {
	backend  Backend
	keys     *keyring
	fallback bool
	logger   *slog.Logger

	// mu serializes read-modify-write cycles over JSON lists (queue, vault index).
	mu sync.Mutex

	diagMu sync.Mutex
	diag   Diagnostics
}

// Open selects and opens a backend, then prepares the data key.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		backend Backend
		err     error
	)
	switch opts.Backend {
	case "", "sqlite":
		backend, err = OpenSQLite(ctx, opts.DatabasePath)
	case "badger":
		cfg := DefaultBadgerConfig(opts.BadgerDir)
		cfg.InMemory = opts.InMemory
		cfg.Logger = logger
		if opts.InMemory {
			cfg.SyncWrites = false
		}
		backend, err = OpenBadger(cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	return New(ctx, backend, opts.PlaintextFallback, logger)
}

// New wraps an already-open backend. A missing or unreadable data key is not
// fatal: plain operations keep working and secure operations fail with
// ErrSecureUnavailable (or fall back, when allowed).
func New(ctx context.Context, backend Backend, plaintextFallback bool, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend:  backend,
		fallback: plaintextFallback,
		logger:   logger,
		diag:     Diagnostics{Backend: backend.Name()},
	}

	keys, created, err := loadKeyring(ctx, backend)
	if err != nil {
		s.recordFailure("load data key", err)
		if plaintextFallback {
			s.logger.Warn("secure storage unavailable, secure values will be written to the plain partition", "error", err)
			s.diagMu.Lock()
			s.diag.Degraded = true
			s.diagMu.Unlock()
		}
		return s, nil
	}
	if created {
		s.logger.Info("generated new data encryption key", "backend", backend.Name())
	}

	s.keys = keys
	s.diag.SecureReady = true
	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Diagnostics returns the current health snapshot.
func (s *Store) Diagnostics() Diagnostics {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return s.diag
}

// Usage lists both partitions and reports their sizes.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	plain, err := s.backend.Keys(ctx, BucketPlain, "")
	if err != nil {
		return Usage{}, fmt.Errorf("list plain keys: %w", err)
	}
	secure, err := s.backend.Keys(ctx, BucketSecure, "")
	if err != nil {
		return Usage{}, fmt.Errorf("list secure keys: %w", err)
	}
	return Usage{PlainKeys: len(plain), SecureKeys: len(secure)}, nil
}

func (s *Store) recordFailure(op string, err error) {
	s.logger.Error("secure storage failure", "op", op, "error", err)
	s.diagMu.Lock()
	s.diag.LastError = fmt.Sprintf("%s: %v", op, err)
	s.diag.LastErrorAt = time.Now().UTC()
	s.diagMu.Unlock()
}

// SetItem stores a plain value.
func (s *Store) SetItem(ctx context.Context, key, value string) error {
	return s.backend.Put(ctx, BucketPlain, key, []byte(value))
}

// GetItem reads a plain value. The bool reports whether the key exists.
func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.backend.Get(ctx, BucketPlain, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// RemoveItem deletes a plain value.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, BucketPlain, key)
}

// SetSecureItem seals value under a fresh nonce and stores it in the secure partition.
func (s *Store) SetSecureItem(ctx context.Context, key, value string) error {
	if s.keys == nil {
		if !s.fallback {
			return fmt.Errorf("set %s: %w", key, ErrSecureUnavailable)
		}
		s.logger.Warn("writing secure value to plain partition", "key", key)
		return s.backend.Put(ctx, BucketPlain, fallbackPrefix+key, []byte(value))
	}

	sealed, err := s.keys.seal(key, []byte(value))
	if err != nil {
		s.recordFailure("seal "+key, err)
		return fmt.Errorf("set %s: %w", key, ErrSecureUnavailable)
	}

	if err := s.backend.Put(ctx, BucketSecure, key, sealed); err != nil {
		s.recordFailure("write "+key, err)
		return err
	}
	return nil
}

// GetSecureItem opens a secure value. The bool reports whether the key exists.
func (s *Store) GetSecureItem(ctx context.Context, key string) (string, bool, error) {
	if s.keys == nil {
		if !s.fallback {
			return "", false, fmt.Errorf("get %s: %w", key, ErrSecureUnavailable)
		}
		return s.GetItem(ctx, fallbackPrefix+key)
	}

	sealed, err := s.backend.Get(ctx, BucketSecure, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.recordFailure("read "+key, err)
		return "", false, err
	}

	plaintext, err := s.keys.open(key, sealed)
	if err != nil {
		s.recordFailure("open "+key, err)
		return "", false, fmt.Errorf("get %s: %w", key, ErrSecureUnavailable)
	}
	return string(plaintext), true, nil
}

// RemoveSecureItem deletes a secure value and any degraded plain copy of it.
func (s *Store) RemoveSecureItem(ctx context.Context, key string) error {
	if s.keys != nil {
		if err := s.backend.Delete(ctx, BucketSecure, key); err != nil {
			return err
		}
	}
	return s.backend.Delete(ctx, BucketPlain, fallbackPrefix+key)
}
