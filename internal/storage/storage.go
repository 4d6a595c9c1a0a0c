// Package storage keeps the last fetched snapshot of each query so
// cache-first dashboards can render before the network answers.
package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("storage: store closed")

// Store holds opaque snapshots by key
type Store interface {
	// Get returns the snapshot for key; found is false when absent or expired
	Get(key string) (value []byte, found bool, err error)

	// Put replaces the snapshot for key
	Put(key string, value []byte) error

	// Delete removes the snapshot for key
	Delete(key string) error

	// Close releases the store
	Close() error
}

// Config contains storage configuration
type Config struct {
	// Directory for persistent stores
	DataDir string

	// Maximum snapshots held by the memory store
	Capacity int

	// Snapshot lifetime; zero keeps snapshots until replaced
	Expiration time.Duration

	// Value log garbage collection interval for persistent stores
	GCInterval time.Duration

	// Sync every write to disk
	SyncWrites bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		Capacity:   1024,
		Expiration: 24 * time.Hour,
		GCInterval: 10 * time.Minute,
	}
}
