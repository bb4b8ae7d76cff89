// Package store persists the canonical domain model in an embedded
// key-value database.
//
// Layout: every record is a JSON document under a typed key prefix, always
// scoped by user (and instance where applicable) so that there is no
// cross-user contention by construction. Message documents carry a
// secondary index keyed by conversation and zero-padded timestamp, which
// makes history reads a single prefix scan in chronological order.
//
// Campaign documents additionally carry a revision counter. UpdateCampaign
// implements optimistic read-verify-write transactions on top of it: the
// commit step is serialized internally, and a lost race surfaces as a
// conflict that is retried with exponential backoff before giving up.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	defaultTxMaxRetries   = 5
	defaultTxInitialDelay = 5 * time.Millisecond
	defaultTxMaxDelay     = 250 * time.Millisecond
)

// Option mutates store configuration.
type Option func(*storeConfig)

// WithLogger configures structured logging for store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *storeConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTxMaxRetries bounds how many times a conflicted transactional update
// is retried before it fails.
func WithTxMaxRetries(retries int) Option {
	return func(cfg *storeConfig) {
		if retries >= 0 {
			cfg.txMaxRetries = retries
		}
	}
}

type storeConfig struct {
	logger         *slog.Logger
	txMaxRetries   int
	txInitialDelay time.Duration
	txMaxDelay     time.Duration
}

// Store is an embedded document store for messages, contacts, campaigns,
// submissions, and instance records.
type Store struct {
	cfg storeConfig
	db  *pebble.DB

	// commitMu serializes the verify-and-write step of transactional
	// campaign updates. Reads and the user callback run outside it.
	commitMu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string, options ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open store: path is required")
	}

	cfg := storeConfig{
		logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		txMaxRetries:   defaultTxMaxRetries,
		txInitialDelay: defaultTxInitialDelay,
		txMaxDelay:     defaultTxMaxDelay,
	}
	for _, option := range options {
		option(&cfg)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}

	return &Store{cfg: cfg, db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// get reads one raw document. Returns false when the key does not exist.
func (s *Store) get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = closer.Close() }()

	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, true, nil
}

func (s *Store) set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// scanPrefix calls visit for every value stored under prefix, in key
// order. Returning false from visit stops the scan.
func (s *Store) scanPrefix(prefix []byte, visit func(key, value []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		if !visit(iter.Key(), iter.Value()) {
			break
		}
	}

	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// keyPart escapes the separator so that user-supplied identifiers cannot
// collide across key segments.
func keyPart(raw string) string {
	return strings.ReplaceAll(raw, ":", "\x00")
}
