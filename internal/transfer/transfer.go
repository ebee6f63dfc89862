package transfer

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid transfer state transition")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
)

// throughputSample is one sliding-window observation of bytes acknowledged,
// used to derive Transfer.Throughput the way manager.Session derives its
// Mbps rate from timestamped samples.
type throughputSample struct {
	at    time.Time
	bytes int64
}

// Snapshot is an immutable view of a Transfer handed to external observers
// (spec.md §5: "External observers receive immutable snapshots").
type Snapshot struct {
	TransferID             string
	ObjectID               string
	Direction              Direction
	Priority               Priority
	Mode                   Mode
	Status                 Status
	BytesTransmitted       int64
	ObjectSize             int64
	Progress               float64 // 0..100
	ThroughputBytesPerSec  float64
	EstimatedSecsRemaining float64 // -1 when undefined
	QueuedAt               time.Time
	StartedAt              time.Time
	CompletedAt            time.Time
	ErrorMessage           string
	AbandonedChunks        []int
}

// Transfer is the FSM and owned chunk-state table of spec.md §4.2. All
// mutation happens under mu; Snapshot() is the only way to observe state
// from outside the package, matching spec.md §5's single-point-of-truth
// requirement.
type Transfer struct {
	mu sync.RWMutex

	id         string
	objectID   string
	direction  Direction
	priority   Priority
	mode       Mode
	status     Status
	chunkSize  int
	objectSize int64

	chunks []ChunkRecord

	retryPolicy RetryPolicy
	fecConfig   FECConfig

	bytesTransmitted int64
	queuedAt         time.Time
	startedAt        time.Time
	completedAt      time.Time
	errorMessage     string

	window       time.Duration
	samples      []throughputSample
	lastSnapshot time.Time
}

// New creates a Queued transfer for objectID with totalChunks chunks.
func New(id, objectID string, totalChunks, chunkSize int, objectSize int64, direction Direction, priority Priority, mode Mode) *Transfer {
	chunks := make([]ChunkRecord, totalChunks)
	for i := range chunks {
		chunks[i] = ChunkRecord{Index: i, State: ChunkPending, AssignedLane: -1}
	}
	return &Transfer{
		id:          id,
		objectID:    objectID,
		direction:   direction,
		priority:    priority,
		mode:        mode,
		status:      StatusQueued,
		chunkSize:   chunkSize,
		objectSize:  objectSize,
		chunks:      chunks,
		retryPolicy: DefaultRetryPolicy(),
		fecConfig:   DefaultFECConfig(),
		queuedAt:    time.Now(),
		window:      10 * time.Second,
	}
}

// ID returns the transfer's identifier.
func (t *Transfer) ID() string {
	return t.id
}

// ObjectID returns the object this transfer moves.
func (t *Transfer) ObjectID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objectID
}

// Priority returns the transfer's priority class.
func (t *Transfer) Priority() Priority {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

// Direction returns the transfer's role relative to the local station.
func (t *Transfer) Direction() Direction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.direction
}

// Mode returns the transfer's transport selection.
func (t *Transfer) Mode() Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// Status returns the current FSM state.
func (t *Transfer) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetRetryPolicy overrides the default retry policy (control plane, §6).
func (t *Transfer) SetRetryPolicy(p RetryPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryPolicy = p
}

// RetryPolicy returns the transfer's retry policy.
func (t *Transfer) RetryPolicy() RetryPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retryPolicy
}

// SetFECConfig overrides the default FEC config.
func (t *Transfer) SetFECConfig(c FECConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fecConfig = c
}

// FECConfig returns the transfer's FEC config.
func (t *Transfer) FECConfig() FECConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fecConfig
}

// TransitionTo attempts to move the transfer to newStatus, validating
// against the FSM diagram of spec.md §4.2. Cancellation is permitted from
// any non-terminal state ("Any → Cancelled").
func (t *Transfer) TransitionTo(newStatus Status, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if newStatus == StatusCancelled {
		if t.status == StatusCompleted || t.status == StatusFailed || t.status == StatusCancelled {
			return ErrInvalidTransition
		}
		t.status = StatusCancelled
		t.completedAt = time.Now()
		return nil
	}

	allowed := validTransitions[t.status]
	ok := false
	for _, s := range allowed {
		if s == newStatus {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidTransition
	}

	t.status = newStatus
	switch newStatus {
	case StatusInitializing:
		if t.startedAt.IsZero() {
			t.startedAt = time.Now()
		}
	case StatusCompleted, StatusFailed:
		t.completedAt = time.Now()
	}
	if errMsg != "" {
		t.errorMessage = errMsg
	}
	return nil
}

// Chunk returns a copy of the chunk record at index.
func (t *Transfer) Chunk(index int) (ChunkRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.chunks) {
		return ChunkRecord{}, ErrChunkOutOfRange
	}
	return t.chunks[index], nil
}

// Chunks returns a copy of every chunk record, ordered by index.
func (t *Transfer) Chunks() []ChunkRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChunkRecord, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// SetChunkState updates the state of one chunk record.
func (t *Transfer) SetChunkState(index int, state ChunkState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].State = state
	return nil
}

// AssignChunk marks a chunk Assigned to subcarrier lane.
func (t *Transfer) AssignChunk(index, lane int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].State = ChunkAssigned
	t.chunks[index].AssignedLane = lane
	return nil
}

// RecordAttempt increments a chunk's attempt counter and timestamp —
// called by the RetryEngine each time an allocation for this chunk starts.
func (t *Transfer) RecordAttempt(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].Attempts++
	t.chunks[index].LastAttemptAt = time.Now()
	t.chunks[index].State = ChunkInFlight
	return nil
}

// AcknowledgeChunk marks a chunk Acknowledged and advances
// bytes_transmitted, the source of Progress() and Throughput().
func (t *Transfer) AcknowledgeChunk(index, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	if t.chunks[index].State == ChunkAcknowledged {
		return nil // idempotent: re-delivery of an acked chunk is a no-op (spec.md §5)
	}
	t.chunks[index].State = ChunkAcknowledged
	t.chunks[index].AssignedLane = -1
	t.bytesTransmitted += int64(length)
	t.recordSampleLocked(t.bytesTransmitted)
	return nil
}

// FailChunk records a failed attempt with its error kind.
func (t *Transfer) FailChunk(index int, kind ErrorKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].State = ChunkFailed
	t.chunks[index].LastErrorKind = kind
	t.chunks[index].AssignedLane = -1
	return nil
}

// ScheduleRetry marks a chunk Failed (requeueable) with its error kind and
// sets the earliest time the scheduler may consider it runnable again —
// the RetryEngine's backoff delay (spec.md §4.5).
func (t *Transfer) ScheduleRetry(index int, kind ErrorKind, notBefore time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].State = ChunkFailed
	t.chunks[index].LastErrorKind = kind
	t.chunks[index].AssignedLane = -1
	t.chunks[index].NextEligibleAt = notBefore
	return nil
}

// ResetAttempts zeroes a chunk's attempt counter and marks it immediately
// eligible again — used once per logical block when the RetryEngine
// escalates to FEC redundancy (spec.md §4.5: "reset attempts once").
func (t *Transfer) ResetAttempts(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].Attempts = 0
	t.chunks[index].State = ChunkPending
	t.chunks[index].NextEligibleAt = time.Time{}
	return nil
}

// MarkFECEscalated sets a chunk's FECEscalated flag, recorded by the
// RetryEngine immediately before its one permitted ResetAttempts call
// (spec.md §4.5) so a later failure abandons rather than escalating a
// second time.
func (t *Transfer) MarkFECEscalated(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].FECEscalated = true
	return nil
}

// AbandonChunk marks a chunk permanently Abandoned (retries exhausted).
func (t *Transfer) AbandonChunk(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return ErrChunkOutOfRange
	}
	t.chunks[index].State = ChunkAbandoned
	t.chunks[index].AssignedLane = -1
	return nil
}

// AllAcknowledged reports whether every chunk has reached Acknowledged.
func (t *Transfer) AllAcknowledged() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.chunks {
		if c.State != ChunkAcknowledged {
			return false
		}
	}
	return true
}

// AbandonedFraction returns the fraction of chunks currently Abandoned,
// the quantity the RetryEngine compares against abandon_threshold
// (spec.md §4.5, default 10%).
func (t *Transfer) AbandonedFraction() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.chunks) == 0 {
		return 0
	}
	n := 0
	for _, c := range t.chunks {
		if c.State == ChunkAbandoned {
			n++
		}
	}
	return float64(n) / float64(len(t.chunks))
}

func (t *Transfer) recordSampleLocked(total int64) {
	now := time.Now()
	t.samples = append(t.samples, throughputSample{at: now, bytes: total})
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

// Progress returns the fraction (0-100) of chunks Acknowledged.
func (t *Transfer) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progressLocked()
}

func (t *Transfer) progressLocked() float64 {
	if len(t.chunks) == 0 {
		return 0
	}
	n := 0
	for _, c := range t.chunks {
		if c.State == ChunkAcknowledged {
			n++
		}
	}
	return float64(n) / float64(len(t.chunks)) * 100
}

// Throughput returns bytes/sec measured over the sliding window, and
// whether at least one second of data is available (spec.md §4.2:
// "undefined until throughput has at least one second of data").
func (t *Transfer) Throughput() (bytesPerSec float64, defined bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.throughputLocked()
}

func (t *Transfer) throughputLocked() (float64, bool) {
	if len(t.samples) < 2 {
		return 0, false
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed < 1.0 {
		return 0, false
	}
	delta := last.bytes - first.bytes
	return float64(delta) / elapsed, true
}

// Snapshot returns an immutable view of the transfer for external
// observers.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var abandoned []int
	for _, c := range t.chunks {
		if c.State == ChunkAbandoned {
			abandoned = append(abandoned, c.Index)
		}
	}

	throughput, defined := t.throughputLocked()
	remaining := -1.0
	if defined && throughput > 0 {
		remainingBytes := t.objectSize - t.bytesTransmitted
		if remainingBytes < 0 {
			remainingBytes = 0
		}
		remaining = float64(remainingBytes) / throughput
	}

	return Snapshot{
		TransferID:             t.id,
		ObjectID:               t.objectID,
		Direction:              t.direction,
		Priority:               t.priority,
		Mode:                   t.mode,
		Status:                 t.status,
		BytesTransmitted:       t.bytesTransmitted,
		ObjectSize:             t.objectSize,
		Progress:               t.progressLocked(),
		ThroughputBytesPerSec:  throughput,
		EstimatedSecsRemaining: remaining,
		QueuedAt:               t.queuedAt,
		StartedAt:              t.startedAt,
		CompletedAt:            t.completedAt,
		ErrorMessage:           t.errorMessage,
		AbandonedChunks:        abandoned,
	}
}
