// Package boltstore is a docstore engine backed by a single bbolt file.
//
// Each collection is a top-level bucket holding a "docs" bucket keyed by _id,
// a "meta" bucket with the index specifications and one bucket per unique
// index mapping the indexed value to the owning _id. A batch is applied in a
// single read-write transaction.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/maruel/datarest/internal/docstore"
)

var (
	docsBucket   = []byte("docs")
	metaBucket   = []byte("meta")
	indexesKey   = []byte("indexes")
	uniquePrefix = "unique:"
)

// DB is a docstore.Store over a bbolt database.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.db.Path()
}

// Collection implements [docstore.Store].
func (db *DB) Collection(name string) docstore.Collection {
	return &collection{db: db, name: name}
}

// HasCollection implements [docstore.Store].
func (db *DB) HasCollection(_ context.Context, name string) (bool, error) {
	if err := docstore.ValidateName(name); err != nil {
		return false, err
	}
	found := false
	err := db.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// ListCollections implements [docstore.Store].
func (db *DB) ListCollections(_ context.Context) ([]string, error) {
	var names []string
	err := db.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// DropCollection implements [docstore.Store].
func (db *DB) DropCollection(_ context.Context, name string) error {
	if err := docstore.ValidateName(name); err != nil {
		return err
	}
	return db.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("drop %s: %w", name, err)
		}
		return nil
	})
}

// RenameCollection implements [docstore.Store].
//
// The copy, the removal of the destination and the removal of the source
// happen in one transaction.
func (db *DB) RenameCollection(_ context.Context, from, to string) error {
	if err := docstore.ValidateName(from); err != nil {
		return err
	}
	if err := docstore.ValidateName(to); err != nil {
		return err
	}
	return db.db.Update(func(tx *bolt.Tx) error {
		src := tx.Bucket([]byte(from))
		if src == nil {
			return fmt.Errorf("rename %s: %w", from, bolt.ErrBucketNotFound)
		}
		if err := tx.DeleteBucket([]byte(to)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		dst, err := tx.CreateBucket([]byte(to))
		if err != nil {
			return err
		}
		if err := copyBucket(dst, src); err != nil {
			return fmt.Errorf("rename %s: %w", from, err)
		}
		return tx.DeleteBucket([]byte(from))
	})
}

func copyBucket(dst, src *bolt.Bucket) error {
	return src.ForEach(func(k, v []byte) error {
		if v != nil {
			return dst.Put(k, v)
		}
		child, err := dst.CreateBucket(k)
		if err != nil {
			return err
		}
		return copyBucket(child, src.Bucket(k))
	})
}

// Sweep implements [docstore.Store].
func (db *DB) Sweep(ctx context.Context, now time.Time) (int, error) {
	names, err := db.ListCollections(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		err := db.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(name))
			if b == nil {
				return nil
			}
			specs, err := readSpecs(b)
			if err != nil {
				return err
			}
			var ttl []docstore.IndexSpec
			for _, spec := range specs {
				if spec.ExpireAfter > 0 {
					ttl = append(ttl, spec)
				}
			}
			if len(ttl) == 0 {
				return nil
			}
			t := newTxn(b, specs)
			if t.docs == nil {
				return nil
			}
			var expired []docstore.Document
			err = t.docs.ForEach(func(_, v []byte) error {
				d, err := docstore.Decode(v)
				if err != nil {
					return err
				}
				for i := range ttl {
					if docstore.Expired(d, &ttl[i], now) {
						expired = append(expired, d)
						break
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			// Deleting while iterating a bbolt cursor skips keys.
			for _, d := range expired {
				if err := t.Remove(d); err != nil {
					return err
				}
			}
			total += len(expired)
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", name, err)
		}
	}
	return total, nil
}

// Close implements [docstore.Store].
func (db *DB) Close() error {
	return db.db.Close()
}

// readSpecs returns the index specifications of a collection bucket.
func readSpecs(b *bolt.Bucket) ([]docstore.IndexSpec, error) {
	meta := b.Bucket(metaBucket)
	if meta == nil {
		return nil, nil
	}
	raw := meta.Get(indexesKey)
	if raw == nil {
		return nil, nil
	}
	var specs []docstore.IndexSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("corrupted index metadata: %w", err)
	}
	return specs, nil
}

func writeSpecs(b *bolt.Bucket, specs []docstore.IndexSpec) error {
	meta, err := b.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(specs)
	if err != nil {
		return err
	}
	return meta.Put(indexesKey, raw)
}

func uniqueBucketName(spec *docstore.IndexSpec) []byte {
	return []byte(uniquePrefix + spec.Name)
}

var _ docstore.Store = (*DB)(nil)
