package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend stores each collection in its own bucket. bbolt holds an
// exclusive file lock, so only one process can open the file at a time.
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create bolt db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the lifetime of the transaction.
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) Put(_ context.Context, collection, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("bolt put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *BoltBackend) Count(_ context.Context, collection string) (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltBackend) Maintain(_ context.Context) error {
	return b.db.Sync()
}
