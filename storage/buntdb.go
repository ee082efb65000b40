package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aleybovich/carrot-amqp/config"
	"github.com/tidwall/buntdb"
)

// BuntDBProvider keeps the confirm journal in a BuntDB file or in memory.
type BuntDBProvider struct {
	db         *buntdb.DB
	path       string
	syncPolicy buntdb.SyncPolicy
	mu         sync.Mutex
	inTx       bool
}

// BuntDBOption tunes a BuntDBProvider before Initialize.
type BuntDBOption func(*BuntDBProvider)

// WithSyncPolicy sets how often the journal file is fsynced. Empty keeps BuntDB's
// default of once per second.
func WithSyncPolicy(p config.SyncPolicy) BuntDBOption {
	return func(b *BuntDBProvider) {
		switch p {
		case config.SyncNever:
			b.syncPolicy = buntdb.Never
		case config.SyncAlways:
			b.syncPolicy = buntdb.Always
		default:
			b.syncPolicy = buntdb.EverySecond
		}
	}
}

// NewBuntDBProvider creates a new BuntDB storage provider.
// If path is empty, it creates an in-memory database.
func NewBuntDBProvider(path string, opts ...BuntDBOption) *BuntDBProvider {
	b := &BuntDBProvider{path: path, syncPolicy: buntdb.EverySecond}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize opens the BuntDB database and applies the sync policy.
func (b *BuntDBProvider) Initialize() error {
	path := b.path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb %s: %w", path, err)
	}

	var dbCfg buntdb.Config
	if err := db.ReadConfig(&dbCfg); err != nil {
		db.Close()
		return fmt.Errorf("reading buntdb config: %w", err)
	}
	dbCfg.SyncPolicy = b.syncPolicy
	if err := db.SetConfig(dbCfg); err != nil {
		db.Close()
		return fmt.Errorf("setting buntdb sync policy: %w", err)
	}

	// No secondary index: AscendKeys walks keys in order, and journal keys sort by
	// channel and zero-padded tag.
	b.db = db
	return nil
}

// Close closes the BuntDB database
func (b *BuntDBProvider) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		value = val
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (b *BuntDBProvider) Delete(key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (b *BuntDBProvider) SetBatch(items map[string][]byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for key, value := range items {
			if _, _, err := tx.Set(key, string(value), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BuntDBProvider) DeleteBatch(keys []string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// Keys returns all keys with the given prefix in ascending order
func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

// Scan calls fn for every key with the given prefix in ascending order. The first
// error from fn stops the scan and is returned.
func (b *BuntDBProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	var fnErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			fnErr = fn(key, []byte(value))
			return fnErr == nil
		})
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// BeginTx starts a new transaction. Only one may be open at a time.
func (b *BuntDBProvider) BeginTx() (StorageTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inTx {
		return nil, ErrTxAlreadyOpen
	}
	b.inTx = true
	return &buntDBTransaction{
		provider: b,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]bool),
	}, nil
}

// buntDBTransaction implements StorageTransaction for BuntDB
type buntDBTransaction struct {
	provider *BuntDBProvider
	writes   map[string][]byte
	deletes  map[string]bool
	mu       sync.Mutex
}

func (tx *buntDBTransaction) Set(key string, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.writes == nil {
		return ErrTxNotStarted
	}
	delete(tx.deletes, key)
	tx.writes[key] = value
	return nil
}

// Get sees the transaction's own writes and deletes before the database.
func (tx *buntDBTransaction) Get(key string) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.deletes[key] {
		return nil, ErrKeyNotFound
	}
	if value, ok := tx.writes[key]; ok {
		return value, nil
	}
	return tx.provider.Get(key)
}

func (tx *buntDBTransaction) Delete(key string) error {
	return tx.DeleteBatch([]string{key})
}

func (tx *buntDBTransaction) DeleteBatch(keys []string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.deletes == nil {
		return ErrTxNotStarted
	}
	for _, key := range keys {
		delete(tx.writes, key)
		tx.deletes[key] = true
	}
	return nil
}

// Commit applies all buffered operations in one BuntDB update.
func (tx *buntDBTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.writes == nil {
		return ErrTxNotStarted
	}

	err := tx.provider.db.Update(func(btx *buntdb.Tx) error {
		for key, value := range tx.writes {
			if _, _, err := btx.Set(key, string(value), nil); err != nil {
				return err
			}
		}
		for key := range tx.deletes {
			if _, err := btx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	tx.finish()
	return err
}

// Rollback discards all buffered operations
func (tx *buntDBTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.writes == nil {
		return ErrTxNotStarted
	}
	tx.finish()
	return nil
}

func (tx *buntDBTransaction) finish() {
	tx.provider.mu.Lock()
	tx.provider.inTx = false
	tx.provider.mu.Unlock()
	tx.writes = nil
	tx.deletes = nil
}
