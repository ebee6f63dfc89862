package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

var ErrTransferNotFound = errors.New("transfer not found")

var bucketTransfers = []byte("transfers")

// record is the on-disk shape of a Transfer, persisted on every state
// transition keyed by transfer_id (spec.md §6).
type record struct {
	ID               string
	ObjectID         string
	Direction        Direction
	Priority         Priority
	Mode             Mode
	Status           Status
	ChunkSize        int
	ObjectSize       int64
	Chunks           []ChunkRecord
	RetryPolicy      RetryPolicy
	FECConfig        FECConfig
	BytesTransmitted int64
	QueuedAt         time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	ErrorMessage     string
}

// Store is the bolt-backed key-value persistence layer for transfers,
// grounded on the teacher's manager.PersistentStore but keyed on
// transfer_id against a single bucket rather than a relational schema, per
// spec.md §6: "Transfer state is persisted on every state transition to a
// key-value store keyed by transfer_id."
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// OpenStore creates or opens a Store backed by a bolt database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open transfer store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketTransfers)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init transfer store bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists t's current state, overwriting any prior record for the
// same transfer_id.
func (s *Store) Save(t *Transfer) error {
	t.mu.RLock()
	rec := record{
		ID:               t.id,
		ObjectID:         t.objectID,
		Direction:        t.direction,
		Priority:         t.priority,
		Mode:             t.mode,
		Status:           t.status,
		ChunkSize:        t.chunkSize,
		ObjectSize:       t.objectSize,
		Chunks:           append([]ChunkRecord(nil), t.chunks...),
		RetryPolicy:      t.retryPolicy,
		FECConfig:        t.fecConfig,
		BytesTransmitted: t.bytesTransmitted,
		QueuedAt:         t.queuedAt,
		StartedAt:        t.startedAt,
		CompletedAt:      t.completedAt,
		ErrorMessage:     t.errorMessage,
	}
	t.mu.RUnlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transfer record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).Put([]byte(rec.ID), data)
	})
}

// Load reconstructs a Transfer from its persisted record.
func (s *Store) Load(transferID string) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransfers).Get([]byte(transferID))
		if v == nil {
			return ErrTransferNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal transfer record: %w", err)
	}

	t := &Transfer{
		id:               rec.ID,
		objectID:         rec.ObjectID,
		direction:        rec.Direction,
		priority:         rec.Priority,
		mode:             rec.Mode,
		status:           rec.Status,
		chunkSize:        rec.ChunkSize,
		objectSize:       rec.ObjectSize,
		chunks:           rec.Chunks,
		retryPolicy:      rec.RetryPolicy,
		fecConfig:        rec.FECConfig,
		bytesTransmitted: rec.BytesTransmitted,
		queuedAt:         rec.QueuedAt,
		startedAt:        rec.StartedAt,
		completedAt:      rec.CompletedAt,
		errorMessage:     rec.ErrorMessage,
		window:           10 * time.Second,
	}
	return t, nil
}

// Delete removes a transfer's persisted record (called once a terminal
// status has been observed by every interested party).
func (s *Store) Delete(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).Delete([]byte(transferID))
	})
}

// ListByStatus returns every persisted transfer currently in status. Used
// on station restart to rehydrate ChunkScheduler's admitted set.
func (s *Store) ListByStatus(status Status) ([]*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == status {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Transfer, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &Transfer{
			id:               rec.ID,
			objectID:         rec.ObjectID,
			direction:        rec.Direction,
			priority:         rec.Priority,
			mode:             rec.Mode,
			status:           rec.Status,
			chunkSize:        rec.ChunkSize,
			objectSize:       rec.ObjectSize,
			chunks:           rec.Chunks,
			retryPolicy:      rec.RetryPolicy,
			fecConfig:        rec.FECConfig,
			bytesTransmitted: rec.BytesTransmitted,
			queuedAt:         rec.QueuedAt,
			startedAt:        rec.StartedAt,
			completedAt:      rec.CompletedAt,
			errorMessage:     rec.ErrorMessage,
			window:           10 * time.Second,
		})
	}
	return out, nil
}
