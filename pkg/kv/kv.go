// Package kv provides a small TTL key-value store backed by BadgerDB
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrClosed   = errors.New("kv: store is closed")
)

type KV struct {
	db       *badger.DB
	closed   bool
	closedMu sync.RWMutex
	logger   zerolog.Logger
}

// Options for KV store
type Options struct {
	Dir           string // Data directory
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // Enable compression
	MemoryMode    bool   // In-memory only (no persistence)
	ValueLogMaxMB int64  // Max value log size in MB
}

// DefaultOptions returns default options
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		Compression:   true,
		ValueLogMaxMB: 64,
	}
}

// Open opens a KV store
func Open(opt Options, logger zerolog.Logger) (*KV, error) {
	if !opt.MemoryMode && opt.Dir == "" {
		opt.Dir = filepath.Join(os.TempDir(), "voxbridge-kv")
	}

	opts := badger.DefaultOptions(opt.Dir)
	opts.SyncWrites = opt.SyncWrites
	opts.Logger = nil
	if opt.MemoryMode {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts.Logger = nil
	} else {
		if opt.Compression {
			opts.Compression = options.ZSTD
		}
		if opt.ValueLogMaxMB > 0 {
			opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	k := &KV{db: db, logger: logger.With().Str("component", "kv").Logger()}
	k.logger.Info().Str("dir", opt.Dir).Bool("memory", opt.MemoryMode).Msg("opened")
	return k, nil
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	return k.db.Close()
}

func (k *KV) IsClosed() bool {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	return k.closed
}

// SetWithTTL stores value under key; ttl <= 0 keeps it forever
func (k *KV) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return ErrClosed
	}

	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// GetBytes returns ErrNotFound for missing or expired keys
func (k *KV) GetBytes(key string) ([]byte, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return nil, ErrClosed
	}

	var out []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (k *KV) Delete(key string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return ErrClosed
	}

	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Count returns the number of live keys with prefix
func (k *KV) Count(prefix string) (int, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return 0, ErrClosed
	}

	n := 0
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// PutJSON stores v encoded as JSON
func (k *KV) PutJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.SetWithTTL(key, data, ttl)
}

// GetJSON decodes the value under key into v
func (k *KV) GetJSON(key string, v any) error {
	data, err := k.GetBytes(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// RunGC reclaims value log space; badger reports ErrNoRewrite when there is nothing to do
func (k *KV) RunGC() error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	if k.closed {
		return ErrClosed
	}
	err := k.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}
