// Package cas implements the content store (spec §4.A): content-addressed
// bytes plus small raw-key metadata records, backed by bbolt. Grounded on
// the teacher's internal/store/worker.go single-writer pattern, generalized
// from a chromem-go-only store into a general blob store with reference
// counting.
package cas

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"

	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"go.etcd.io/bbolt"
)

var (
	bucketBlobs    = []byte("blobs")
	bucketRefCount = []byte("refcounts")
	bucketRaw      = []byte("raw")
)

// Hash is a hex-encoded SHA-256 digest, the content address of a FileBlob.
type Hash string

// Store is the content-addressed blob store. All operations are safe for
// concurrent use; per-key linearizability is provided by bbolt's
// single-writer transaction model plus an in-process keyed lock for the
// read-modify-write refcount updates.
type Store struct {
	db *bbolt.DB

	mu    sync.Mutex
	locks map[Hash]*sync.Mutex
}

// Open opens (creating if absent) a bbolt-backed content store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("open cas db: %v", err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketRefCount, bucketRaw} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, heikeErrors.Backend(fmt.Sprintf("init cas buckets: %v", err))
	}
	return &Store{db: db, locks: make(map[Hash]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sumHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

func (s *Store) keyLock(h Hash) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[h]
	if !ok {
		l = &sync.Mutex{}
		s.locks[h] = l
	}
	return l
}

// Put stores bytes, returning their content hash. Idempotent: identical
// bytes yield identical hashes and the reference count increments.
func (s *Store) Put(data []byte) (Hash, error) {
	h := sumHash(data)
	lock := s.keyLock(h)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		refs := tx.Bucket(bucketRefCount)

		if blobs.Get([]byte(h)) == nil {
			if err := blobs.Put([]byte(h), data); err != nil {
				return err
			}
		}
		return incrRef(refs, h, 1)
	})
	if err != nil {
		return "", heikeErrors.Backend(fmt.Sprintf("put blob: %v", err))
	}
	return h, nil
}

// Get retrieves bytes by hash, verifying content integrity against the
// address. A hash mismatch (corruption on disk) surfaces as Corrupted.
func (s *Store) Get(h Hash) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(h))
		if v == nil {
			return heikeErrors.NotFound(fmt.Sprintf("blob %s", h))
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sumHash(data) != h {
		slog.Error("content store integrity alert", "hash", h)
		return nil, heikeErrors.Corrupted(fmt.Sprintf("blob %s hash mismatch on read", h))
	}
	return data, nil
}

// Exists reports whether a blob for hash h is present.
func (s *Store) Exists(h Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketBlobs).Get([]byte(h)) != nil
		return nil
	})
	return found, err
}

// Delete decrements the reference count for h, physically removing the
// blob only once the count reaches zero.
func (s *Store) Delete(h Hash) error {
	lock := s.keyLock(h)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketRefCount)
		remaining, err := decrRef(refs, h)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			if err := tx.Bucket(bucketBlobs).Delete([]byte(h)); err != nil {
				return err
			}
			return refs.Delete([]byte(h))
		}
		return nil
	})
}

// AddRef increments the reference count without writing new content; used
// by VFS when multiple overlay entries reference the same existing blob.
func (s *Store) AddRef(h Hash) error {
	lock := s.keyLock(h)
	lock.Lock()
	defer lock.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return incrRef(tx.Bucket(bucketRefCount), h, 1)
	})
}

func incrRef(refs *bbolt.Bucket, h Hash, delta int64) error {
	cur := readRef(refs, h)
	return writeRef(refs, h, cur+delta)
}

func decrRef(refs *bbolt.Bucket, h Hash) (int64, error) {
	cur := readRef(refs, h) - 1
	if cur < 0 {
		cur = 0
	}
	if err := writeRef(refs, h, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

func readRef(refs *bbolt.Bucket, h Hash) int64 {
	v := refs.Get([]byte(h))
	if v == nil || len(v) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeRef(refs *bbolt.Bucket, h Hash, n int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return refs.Put([]byte(h), buf)
}

// PutRaw stores bytes under an explicit key, outside content-addressing.
// Used for small metadata records (e.g. Episode index entries) that are
// looked up by a stable key rather than their content hash.
func (s *Store) PutRaw(key string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRaw).Put([]byte(key), data)
	})
}

// GetRaw retrieves bytes stored via PutRaw.
func (s *Store) GetRaw(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRaw).Get([]byte(key))
		if v == nil {
			return heikeErrors.NotFound(fmt.Sprintf("raw key %s", key))
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// DeleteRaw removes a raw key, if present.
func (s *Store) DeleteRaw(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRaw).Delete([]byte(key))
	})
}

// PutRawBatch writes every entry in a single bbolt transaction, so a
// restore either applies in full or not at all. Used by BKP's
// workspace-granular restore.
func (s *Store) PutRawBatch(entries map[string][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRaw)
		for k, v := range entries {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRawPrefix returns all raw keys with the given prefix as a map from key
// to value; the map carries no ordering. Used by BKP/MT to enumerate index
// entries.
func (s *Store) ListRawPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaw).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			cp := append([]byte(nil), v...)
			out[string(k)] = cp
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(prefix) > len(b) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Snapshot writes a consistent, point-in-time copy of the entire store to
// w, using bbolt's documented hot-backup pattern (a read-only transaction's
// WriteTo). Used by BKP to produce full-store backup archives.
func (s *Store) Snapshot(w io.Writer) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// RawSnapshot is a read-only handle onto a bbolt file produced by
// Snapshot, used to extract a prefix's raw keys without disturbing the
// live Store (BKP's workspace-granular restore reads the prefix it needs
// out of an archived snapshot, rather than swapping the whole db file).
type RawSnapshot struct {
	db *bbolt.DB
}

// OpenRawSnapshot opens path (a file produced by Snapshot) read-only.
func OpenRawSnapshot(path string) (*RawSnapshot, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("open raw snapshot: %v", err))
	}
	return &RawSnapshot{db: db}, nil
}

func (r *RawSnapshot) Close() error {
	return r.db.Close()
}

// GetRaw mirrors Store.GetRaw over the snapshot's raw bucket.
func (r *RawSnapshot) GetRaw(key string) ([]byte, error) {
	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRaw)
		if b == nil {
			return heikeErrors.NotFound(fmt.Sprintf("raw key %s", key))
		}
		v := b.Get([]byte(key))
		if v == nil {
			return heikeErrors.NotFound(fmt.Sprintf("raw key %s", key))
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// ListRawPrefix mirrors Store.ListRawPrefix over the snapshot's raw bucket.
func (r *RawSnapshot) ListRawPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRaw)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			cp := append([]byte(nil), v...)
			out[string(k)] = cp
		}
		return nil
	})
	return out, err
}

// RefCount returns the current reference count for h (0 if unknown).
func (s *Store) RefCount(h Hash) int64 {
	var n int64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = readRef(tx.Bucket(bucketRefCount), h)
		return nil
	})
	return n
}
