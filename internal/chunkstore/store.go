// Package chunkstore implements spec.md §4.1: content-addressed, versioned
// storage of objects and their chunks, with an availability bitmap per
// object and LRU eviction with pinning for in-flight transfers.
package chunkstore

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/qrpswarm/chunkswarm/internal/object"
)

var (
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrNotFound         = errors.New("object not found")
	ErrChunkNotFound    = errors.New("chunk not present locally")
	ErrIncomplete       = errors.New("object has missing chunks")
	ErrSealMismatch     = errors.New("sealed bytes do not hash to object id")
	ErrStorageExhausted = errors.New("storage exhausted")
)

var (
	bucketManifests = []byte("manifests")
	bucketBitmaps   = []byte("bitmaps")
)

// entry is the in-memory bookkeeping record for one locally-known object.
type entry struct {
	manifest *object.Manifest
	bitmap   *Bitmap
	chunks   map[int][]byte
	pinned   bool
	lruElem  *list.Element // element in Store.lru, value is objectID
}

// Store is the ChunkStore of spec.md §4.1. Manifests are written to an
// embedded bolt.DB (following the teacher's manager.BoltCAS), but Open
// does not load them back: a Store only knows the objects put or
// registered through it since it was opened. Availability bitmaps and
// chunk bytes are held in memory only. PutChunk keeps chunk bytes within
// maxBytes by evicting the least-recently-used unpinned object; PutObject
// stores a published object's chunks without evicting, so it can take the
// store past maxBytes. Pinned objects (those backing an in-flight
// transfer) are exempt from eviction.
type Store struct {
	db       *bolt.DB
	mu       sync.RWMutex
	entries  map[string]*entry
	lru      *list.List // most-recently-used at back
	maxBytes int64
	curBytes int64
}

// Open creates or opens a Store backed by a bolt database at dbPath.
func Open(dbPath string, maxBytes int64) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketManifests); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(bucketBitmaps)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init chunk store buckets: %w", err)
	}

	s := &Store{
		db:       db,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxBytes: maxBytes,
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutObject splits data into chunks, persists the manifest, and stores
// every chunk locally (the publishing station always holds the full
// object). Returns the content-addressed object_id.
func (s *Store) PutObject(data []byte, meta object.Metadata, opts object.ChunkOptions) (string, error) {
	manifest, chunks, err := object.ComputeManifest(data, meta, opts)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistManifest(manifest); err != nil {
		return "", err
	}

	e := s.getOrCreateEntryLocked(manifest)
	for i, c := range chunks {
		if err := s.storeChunkLocked(e, i, c); err != nil {
			return "", err
		}
	}
	s.touchLocked(manifest.ObjectID)
	return manifest.ObjectID, nil
}

// RegisterManifest makes a manifest known to the store without any chunk
// bytes present yet — the receiving side of a transfer learns the manifest
// first (via SwarmProtocol Announce) and fills in chunks as Delivers
// arrive.
func (s *Store) RegisterManifest(manifest *object.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistManifest(manifest); err != nil {
		return err
	}
	s.getOrCreateEntryLocked(manifest)
	return nil
}

// HasChunk reports whether chunk index of objectID is present locally.
func (s *Store) HasChunk(objectID string, index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[objectID]
	if !ok {
		return false
	}
	return e.bitmap.Has(index)
}

// GetChunk returns the bytes of chunk index of objectID.
func (s *Store) GetChunk(objectID string, index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.bitmap.Has(index) {
		return nil, ErrChunkNotFound
	}
	s.touchLocked(objectID)
	data := e.chunks[index]
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutChunk stores chunk bytes for objectID at index, verifying the bytes
// against the manifest's recorded checksum first. A checksum mismatch is
// not recoverable locally (spec.md §4.1 Failures) — callers must
// re-request the chunk.
func (s *Store) PutChunk(objectID string, index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[objectID]
	if !ok {
		return ErrNotFound
	}
	if index < 0 || index >= len(e.manifest.Chunks) {
		return fmt.Errorf("chunk index %d out of range for object %s", index, objectID)
	}

	want := e.manifest.Chunks[index].Checksum
	got := object.HashChunk(data)
	if want != got {
		return ErrChecksumMismatch
	}

	if err := s.reserveLocked(int64(len(data))); err != nil {
		return err
	}
	if err := s.storeChunkLocked(e, index, data); err != nil {
		return err
	}
	s.touchLocked(objectID)
	return nil
}

// Availability returns the bitmap of locally-held chunks for objectID.
func (s *Store) Availability(objectID string) (*Bitmap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.bitmap, nil
}

// Manifest returns the manifest for objectID, if known.
func (s *Store) Manifest(objectID string) (*object.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.manifest, nil
}

// SealObject verifies that every chunk 0..N-1 is present and that their
// concatenation hashes to objectID, per spec.md §4.1's invariant, then
// returns the complete object bytes.
func (s *Store) SealObject(objectID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.bitmap.IsComplete() {
		return nil, ErrIncomplete
	}

	chunks := make([][]byte, len(e.manifest.Chunks))
	var total []byte
	for i := range e.manifest.Chunks {
		c, ok := e.chunks[i]
		if !ok {
			return nil, ErrIncomplete
		}
		chunks[i] = c
		total = append(total, c...)
	}

	ok2, err := object.VerifyObject(objectID, chunks)
	if err != nil {
		return nil, err
	}
	if !ok2 {
		return nil, ErrSealMismatch
	}
	return total, nil
}

// Pin exempts objectID from LRU eviction (used while a transfer referencing
// it is pending).
func (s *Store) Pin(objectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[objectID]; ok {
		e.pinned = true
	}
}

// Unpin allows objectID to be evicted again.
func (s *Store) Unpin(objectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[objectID]; ok {
		e.pinned = false
	}
}

// Evict removes the least-recently-used unpinned object's chunk bytes and
// clears its availability bitmap (the manifest is kept, so PutChunk can
// refill the object later) and reports whether anything was evicted.
func (s *Store) Evict() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictOneLocked()
}

func (s *Store) evictOneLocked() bool {
	for el := s.lru.Front(); el != nil; el = el.Next() {
		id := el.Value.(string)
		e := s.entries[id]
		if e.pinned {
			continue
		}
		var freed int64
		for i, c := range e.chunks {
			freed += int64(len(c))
			delete(e.chunks, i)
		}
		e.bitmap = NewBitmap(e.manifest.TotalChunks)
		s.curBytes -= freed
		s.lru.Remove(el)
		e.lruElem = nil
		return true
	}
	return false
}

func (s *Store) reserveLocked(n int64) error {
	for s.maxBytes > 0 && s.curBytes+n > s.maxBytes {
		if !s.evictOneLocked() {
			return ErrStorageExhausted
		}
	}
	return nil
}

func (s *Store) getOrCreateEntryLocked(manifest *object.Manifest) *entry {
	if e, ok := s.entries[manifest.ObjectID]; ok {
		return e
	}
	e := &entry{
		manifest: manifest,
		bitmap:   NewBitmap(manifest.TotalChunks),
		chunks:   make(map[int][]byte),
	}
	s.entries[manifest.ObjectID] = e
	return e
}

func (s *Store) storeChunkLocked(e *entry, index int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	if _, exists := e.chunks[index]; !exists {
		s.curBytes += int64(len(cp))
	}
	e.chunks[index] = cp
	return e.bitmap.Set(index)
}

func (s *Store) touchLocked(objectID string) {
	e := s.entries[objectID]
	if e.lruElem != nil {
		s.lru.MoveToBack(e.lruElem)
		return
	}
	e.lruElem = s.lru.PushBack(objectID)
}

func (s *Store) persistManifest(manifest *object.Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(manifest.ObjectID), data)
	})
}
