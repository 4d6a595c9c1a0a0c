package storage

import (
	"fmt"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/storage/badger"
)

// Type selects a Store implementation
type Type string

const (
	// MemoryStore keeps snapshots for the life of the process
	MemoryStore Type = "memory"

	// BadgerStore persists snapshots across restarts
	BadgerStore Type = "badger"
)

// FactoryConfig contains configuration for the storage factory
type FactoryConfig struct {
	// Storage type to create
	Type Type

	Config Config
}

// DefaultFactoryConfig returns the default factory configuration
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Type:   MemoryStore,
		Config: DefaultConfig(),
	}
}

// Open creates a store based on the factory configuration
func Open(config FactoryConfig) (Store, error) {
	switch config.Type {
	case MemoryStore, "":
		store, err := NewMemory(config.Config.Capacity, config.Config.Expiration)
		if err != nil {
			return nil, err
		}
		return store, nil

	case BadgerStore:
		store, err := badger.Open(badger.Config{
			DataDir:    config.Config.DataDir,
			TTL:        config.Config.Expiration,
			GCInterval: config.Config.GCInterval,
			SyncWrites: config.Config.SyncWrites,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", config.Type)
	}
}
