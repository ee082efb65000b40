package storage

import (
	"errors"
	"fmt"

	"github.com/aleybovich/carrot-amqp/config"
)

// Common errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTxNotStarted  = errors.New("transaction not started")
	ErrTxAlreadyOpen = errors.New("transaction already open")
)

const (
	KeyPrefixConfirm = "confirm:" // Unconfirmed publishes by namespace, channel and tag
)

// StorageProvider is the low-level storage abstraction used by the confirm journal.
// Different backends implement it; BuntDB is the one shipped.
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	// Basic operations
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// Batch operations
	SetBatch(items map[string][]byte) error
	DeleteBatch(keys []string) error

	// Scanning/iteration in key order
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error

	// Transaction support
	BeginTx() (StorageTransaction, error)
}

// StorageTransaction buffers writes and deletes until Commit
type StorageTransaction interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	DeleteBatch(keys []string) error

	Commit() error
	Rollback() error
}

// Open builds and initializes the provider described by cfg. It returns nil, nil for
// StorageTypeNone.
func Open(cfg config.StorageConfig) (StorageProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	var p StorageProvider
	switch cfg.Type {
	case config.StorageTypeNone:
		return nil, nil
	case config.StorageTypeMemory:
		p = NewBuntDBProvider(":memory:")
	case config.StorageTypeBuntDB:
		p = NewBuntDBProvider(cfg.Path, WithSyncPolicy(cfg.Sync))
	}

	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing %s storage: %w", cfg.Type, err)
	}
	return p, nil
}
