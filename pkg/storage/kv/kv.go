// Package kv implements a durable local key-value backend on BadgerDB.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

// Internal keys start with a NUL byte so they never collide with backup keys.
// idx:<20-digit unix nanos>:<key> orders keys by time; ts:<key> points at
// the current index entry of key so it can be replaced or removed.
const (
	internalPrefix = "\x00"
	indexPrefix    = internalPrefix + "idx:"
	stampPrefix    = internalPrefix + "ts:"
)

func indexKey(key string, ts time.Time) []byte {
	n := ts.UnixNano()
	if n < 0 {
		n = 0
	}
	return []byte(fmt.Sprintf("%s%020d:%s", indexPrefix, n, key))
}

func stampKey(key string) []byte { return []byte(stampPrefix + key) }

var _ storage.TimeIndexed = (*Store)(nil)

// Store is a storage.Backend backed by a BadgerDB instance
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB at dir. When inMemory is set the
// directory is ignored and nothing touches disk.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Badger's own logger is noisy at info level

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Name returns the backend name
func (s *Store) Name() string { return "kv" }

// Put stores value under key, indexed at the current time
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.PutAt(ctx, key, value, time.Now())
}

// PutAt stores value under key and indexes it at ts
func (s *Store) PutAt(ctx context.Context, key string, value []byte, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := dropIndex(txn, key); err != nil {
			return err
		}
		idx := indexKey(key, ts)
		if err := txn.Set([]byte(key), value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		if err := txn.Set(idx, nil); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
		if err := txn.Set(stampKey(key), idx); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
		return nil
	})
}

// dropIndex removes the time index entry of key, if it has one
func dropIndex(txn *badger.Txn, key string) error {
	item, err := txn.Get(stampKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index of %s: %w", key, err)
	}
	old, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := txn.Delete(old); err != nil {
		return fmt.Errorf("drop index of %s: %w", key, err)
	}
	return txn.Delete(stampKey(key))
}

// Get returns a copy of the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := dropIndex(txn, key); err != nil {
			return err
		}
		if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

// ListKeys returns keys with prefix in byte order
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			k := string(it.Item().KeyCopy(nil))
			if strings.HasPrefix(k, internalPrefix) {
				continue
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	return keys, nil
}

// ListKeysByTime returns keys with prefix, newest first
func (s *Store) ListKeysByTime(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(indexPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			// Skip "<20 digits>:" to reach the indexed key
			rest := string(it.Item().Key())[len(indexPrefix):]
			if len(rest) < 21 {
				continue
			}
			if k := rest[21:]; strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys by time %q: %w", prefix, err)
	}

	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// Probe performs a write/read/delete round trip
func (s *Store) Probe(ctx context.Context) error {
	if err := s.Put(ctx, storage.ProbeKey, []byte("ok")); err != nil {
		return err
	}
	if _, err := s.Get(ctx, storage.ProbeKey); err != nil {
		return err
	}
	return s.Delete(ctx, storage.ProbeKey)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
