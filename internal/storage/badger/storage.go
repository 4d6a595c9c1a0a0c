// Package badger persists snapshots in an embedded Badger database.
package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Snapshot keys live under one prefix so the database can hold other data later
const prefixSnapshot = "snap:"

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("badger: store closed")

// Config contains Badger store configuration
type Config struct {
	// Base directory; the database lives in <DataDir>/badger
	DataDir string

	// Keep everything in memory, for tests
	InMemory bool

	// Entry TTL; zero keeps entries until replaced
	TTL time.Duration

	// How often to run value log garbage collection
	GCInterval time.Duration

	// Discard ratio for GC (0.5 means rewrite if 50% is garbage)
	GCDiscardRatio float64

	// Whether to sync writes
	SyncWrites bool
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		TTL:            24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Storage is a snapshot store backed by Badger
type Storage struct {
	config  Config
	db      *badger.DB
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open opens or creates the database and starts periodic GC
func Open(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts = badger.DefaultOptions(dbPath)
	}
	opts = opts.WithSyncWrites(config.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(badgerLogger{logger: logger})
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Storage{
		config:  config,
		db:      db,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if !config.InMemory {
		s.wg.Add(1)
		go s.runPeriodicGC()
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Dur("ttl", config.TTL).
		Msg("Snapshot storage opened")

	return s, nil
}

// Get returns the snapshot for key
func (s *Storage) Get(key string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSnapshot + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		s.metrics.StorageOperations.WithLabelValues("badger_get", "miss").Inc()
		return nil, false, nil
	case err != nil:
		s.metrics.StorageOperations.WithLabelValues("badger_get", "error").Inc()
		return nil, false, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}

	s.metrics.StorageOperations.WithLabelValues("badger_get", "hit").Inc()
	return value, true, nil
}

// Put replaces the snapshot for key
func (s *Storage) Put(key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(prefixSnapshot+key), value)
		if s.config.TTL > 0 {
			entry = entry.WithTTL(s.config.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("badger_put", "error").Inc()
		return fmt.Errorf("failed to write snapshot %s: %w", key, err)
	}

	s.metrics.StorageOperations.WithLabelValues("badger_put", "ok").Inc()
	return nil
}

// Delete removes the snapshot for key
func (s *Storage) Delete(key string) error {
	if s.isClosed() {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixSnapshot + key))
	})
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("badger_delete", "error").Inc()
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}

	s.metrics.StorageOperations.WithLabelValues("badger_delete", "ok").Inc()
	return nil
}

// Keys lists stored snapshot keys
func (s *Storage) Keys() ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixSnapshot)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefixSnapshot):]))
		}
		return nil
	})
	return keys, err
}

// Close stops GC and closes the database
func (s *Storage) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
		s.logger.Info().Msg("Snapshot storage closed")
	})
	return err
}

func (s *Storage) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// runPeriodicGC runs value log garbage collection on a regular interval
func (s *Storage) runPeriodicGC() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
			switch {
			case err == nil:
				s.logger.Debug().Msg("Garbage collection completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing to reclaim
			default:
				s.logger.Warn().Err(err).Msg("Error during garbage collection")
			}
		case <-s.done:
			return
		}
	}
}

// badgerLogger routes Badger's logging through zerolog
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}
