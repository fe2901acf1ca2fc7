// Package mtimestore implements the hybrid memory/disk path->mtime cache
// each SyncTask consults before uploading a file and updates after a batch
// is successfully applied: a memory-tier read/write cache in front of a
// persisted store, tolerant of losing recent, un-flushed writes on an
// unclean shutdown.
package mtimestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("mtimes")

// Store is a per-task hybrid memory/disk cache mapping a local path string
// to the last mtime (seconds since the Unix epoch) successfully scheduled
// for upload. A value of 0 means "forget" - the same sentinel Remove uses
// to clear an entry.
type Store struct {
	mem sync.Map // string -> uint64, read-through/write-back cache
	db  *bolt.DB
}

// Open creates or opens the hybrid store backed by a bbolt file under
// cacheDir. memBytes is accepted to leave room for a sized in-memory tier
// later, but this store's memory tier is an unbounded sync.Map: bbolt
// reads are cheap enough locally that a sized eviction policy buys little
// for the per-task working sets this cache actually sees (a handful of
// recently-touched paths), so it is not implemented - every value ever Put
// stays resident until the task exits.
func Open(memBytes int, cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dbPath := filepath.Join(cacheDir, "mtimes.db")
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored mtime for key, if any. The memory tier is
// consulted first; a miss falls through to disk and populates the memory
// tier for next time.
func (s *Store) Get(ctx context.Context, key string) (uint64, bool, error) {
	if v, ok := s.mem.Load(key); ok {
		return v.(uint64), true, nil
	}

	var (
		val uint64
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		ok = true
		val = decodeU64(data)
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("read mtime for %q: %w", key, err)
	}
	if ok {
		s.mem.Store(key, val)
	}
	return val, ok, nil
}

// Put records value for key. It updates the memory tier synchronously and
// persists to disk in the background - durability is eventual, matching
// the original's fire-and-forget put_u64: losing a just-written entry on
// crash only costs a redundant upload next run, never an incorrect result.
func (s *Store) Put(key string, value uint64) {
	s.mem.Store(key, value)
	go func() {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			return b.Put([]byte(key), encodeU64(value))
		})
	}()
}

// Delete removes key from both tiers. The integrity checker uses this to
// prune entries for local paths that no longer exist.
func (s *Store) Delete(key string) {
	s.mem.Delete(key)
	go func() {
		_ = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			return b.Delete([]byte(key))
		})
	}()
}

// Keys returns every path currently recorded on disk, for callers (the
// integrity checker) that need to enumerate the store rather than look up
// one key at a time.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate mtime store: %w", err)
	}
	return keys, nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeU64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
