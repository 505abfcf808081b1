package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore implements Store on a bbolt database. bbolt serializes writers
// and rolls back a transaction whose function returns an error, which gives
// the all-or-nothing boundary directly.
type BoltStore struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at path and its buckets.
// The parent directory is created if it does not exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("store: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&ledgerTx{kv: boltKV{tx: tx}})
	})
}

func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&ledgerTx{kv: boltKV{tx: tx}})
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

type boltKV struct {
	tx *bbolt.Tx
}

func (b boltKV) get(bucket, key []byte) []byte {
	v := b.tx.Bucket(bucket).Get(key)
	if v == nil {
		return nil
	}
	// Values are only valid for the life of the transaction.
	return bytes.Clone(v)
}

func (b boltKV) put(bucket, key, value []byte) error {
	if !b.tx.Writable() {
		return ErrReadOnly
	}
	if err := b.tx.Bucket(bucket).Put(key, value); err != nil {
		return fmt.Errorf("store: put %s: %w", bucket, err)
	}
	return nil
}

func (b boltKV) del(bucket, key []byte) error {
	if !b.tx.Writable() {
		return ErrReadOnly
	}
	if err := b.tx.Bucket(bucket).Delete(key); err != nil {
		return fmt.Errorf("store: delete %s: %w", bucket, err)
	}
	return nil
}

func (b boltKV) scan(bucket, prefix, from []byte, fn func(k, v []byte) bool) error {
	start := from
	if bytes.Compare(prefix, from) > 0 {
		start = prefix
	}
	c := b.tx.Bucket(bucket).Cursor()
	for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(bytes.Clone(k), bytes.Clone(v)) {
			return nil
		}
	}
	return nil
}
