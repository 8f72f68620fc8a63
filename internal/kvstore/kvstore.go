// Package kvstore implements the ordered byte-string store spec.md
// treats as an external collaborator ("the on-disk KV engine...
// supporting put, get, and range scan"). It backs both the extent
// index (internal/extentindex) and the file-attribute index
// (internal/attrindex).
//
// The engine is go.etcd.io/bbolt: the same storage engine etcd itself
// uses (the teacher already depends on etcd's client, so bbolt sits in
// the same vendor family), giving real put/get/range-scan semantics
// over lexicographically ordered keys plus fsync-before-commit
// durability, matching spec.md §4.3's "a batch_put is considered
// durable once acknowledged; the store must fsync its backing state
// before ack."
package kvstore

import (
	"bytes"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// KV is one key/value pair as stored, with keys ordered lexicographically.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is an ordered byte-string store: put, batch put, get, and
// range scan over one or more named buckets.
type Store struct {
	db   *bolt.DB
	path string
}

// Open creates or opens the bbolt file at path. Every bucket named in
// buckets is created up front so later Put/Get calls never race bucket
// creation.
func Open(path string, buckets ...string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create buckets in %s: %w", path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sanitize closes the store and removes its backing file, mirroring
// the original mdhimSanitize cleanup invoked from meta_finalize() on
// delegator shutdown.
func (s *Store) Sanitize() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kvstore: close before sanitize: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("kvstore: remove %s: %w", s.path, err)
	}
	return nil
}

// Put durably inserts one key/value pair into bucket. bbolt commits a
// read-write transaction with an fsync of the backing file before
// Update returns, so this call only returns once the pair is durable.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		return b.Put(key, value)
	})
}

// BatchPut durably inserts every pair in one transaction: either all
// pairs become visible to a subsequent scan, or none do (spec.md §5's
// "the KV store must not expose partial batches").
func (s *Store) BatchPut(bucket string, pairs []KV) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		for _, kv := range pairs {
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get looks up a single key, returning found=false when absent.
func (s *Store) Get(bucket string, key []byte) (value []byte, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		v := b.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

// RangeScan returns every pair in bucket whose key lies in [lo, hi]
// (inclusive on both ends), walked in ascending key order via a bbolt
// cursor — the Go counterpart of the ordered range-scan the on-disk KV
// engine is specified to support.
func (s *Store) RangeScan(bucket string, lo, hi []byte) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("kvstore: unknown bucket %q", bucket)
		}
		c := b.Cursor()
		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) <= 0; k, v = c.Next() {
			out = append(out, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}
