// Package scheduler implements spec.md §4.3, the ChunkScheduler ("the hard
// kernel"): priority dominance across transfers, rarest-first chunk
// selection within a transfer, quality-matched subcarrier assignment, and
// a per-transfer fairness cap. Grounded on the teacher's
// transport.PriorityScheduler strict-priority dispatch loop, generalized
// from a 3-class fixed weighted round robin to the spec's 5 priority
// classes plus within-class scoring.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/qrpswarm/chunkswarm/internal/subcarrier"
	"github.com/qrpswarm/chunkswarm/internal/transfer"
)

// RarityProvider answers "how many known peers hold chunk index of
// objectID" — supplied by internal/swarm from Have/Announce bookkeeping.
type RarityProvider interface {
	SeederCount(objectID string, chunkIndex int) int
}

// Config holds the scheduler's tunables (spec.md §6 control plane keys
// max_lanes_per_transfer, scheduler.tick_interval — tick_interval is owned
// by internal/engine's ticker, not this package).
type Config struct {
	MaxLanesPerTransfer int
}

// DefaultConfig sets max_lanes_per_transfer to half the data carriers of
// the default 48-carrier/8-pilot table, per spec.md §4.3's stated default.
func DefaultConfig() Config {
	return Config{MaxLanesPerTransfer: (subcarrier.DefaultCarrierCount - subcarrier.DefaultPilotCount) / 2}
}

// registeredTransfer pairs a Transfer with the assigned-lane bookkeeping
// the scheduler needs for the fairness cap and for Reclaim.
type registeredTransfer struct {
	t             *transfer.Transfer
	objectID      string
	assignedLanes map[int]int // laneID -> chunkIndex
}

// Scheduler is the ChunkScheduler of spec.md §4.3.
type Scheduler struct {
	mu sync.Mutex

	cfg     Config
	lanes   *subcarrier.Table
	rarity  RarityProvider
	xfers   map[string]*registeredTransfer // keyed by transfer_id
	laneMap map[int]string                 // laneID -> transfer_id, for Reclaim/fairness bookkeeping
}

// New builds a Scheduler over lanes, consulting rarity for rarest-first
// scoring.
func New(cfg Config, lanes *subcarrier.Table, rarity RarityProvider) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		lanes:   lanes,
		rarity:  rarity,
		xfers:   make(map[string]*registeredTransfer),
		laneMap: make(map[int]string),
	}
}

// Register admits a transfer into scheduling consideration.
func (s *Scheduler) Register(t *transfer.Transfer, objectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xfers[t.ID()] = &registeredTransfer{t: t, objectID: objectID, assignedLanes: make(map[int]int)}
}

// Unregister removes a transfer from scheduling (completed, failed, or
// cancelled); its bound lanes are NOT released here — callers release
// lanes via Reclaim as allocations complete, matching spec.md §4.3 step 1
// ("reclaim... whose allocation completed or failed").
func (s *Scheduler) Unregister(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.xfers, transferID)
}

// Reclaim releases laneID (its allocation completed or failed) and frees
// it for the next tick. Outcome determines whether the lane's quality
// sample is nudged down (spec.md §4.3 step 1, §4.4 Release).
func (s *Scheduler) Reclaim(laneID int, outcome subcarrier.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transferID, ok := s.laneMap[laneID]; ok {
		if rt, ok := s.xfers[transferID]; ok {
			delete(rt.assignedLanes, laneID)
		}
		delete(s.laneMap, laneID)
	}
	return s.lanes.Release(laneID, outcome)
}

// candidate is one runnable (transfer, chunk) pair considered this tick.
type candidate struct {
	transferID     string
	objectID       string
	chunkIndex     int
	priority       transfer.Priority
	rarity         int
	assignedLanes  int
	modulation     subcarrier.Modulation
}

// betterThan implements the scheduler's score ordering of spec.md §4.3 step 3:
// (priority_weight, rarity, -already_assigned_lanes_for_transfer,
// -chunk_index), all descending except index which prefers lowest.
func (c candidate) betterThan(o candidate) bool {
	if c.priority != o.priority {
		return c.priority > o.priority
	}
	if c.rarity != o.rarity {
		return c.rarity < o.rarity // rarest (fewest seeders) first
	}
	if c.assignedLanes != o.assignedLanes {
		return c.assignedLanes < o.assignedLanes
	}
	return c.chunkIndex < o.chunkIndex // head-of-object bias
}

// Allocation is emitted to the TransportDispatcher for each tick's
// bindings.
type Allocation struct {
	TransferID string
	ObjectID   string
	ChunkIndex int
	LaneID     int
	Modulation subcarrier.Modulation
}

// Tick runs one scheduling pass: builds the candidate set, walks free
// data lanes in descending quality order, and binds the
// highest-scoring eligible candidate to each, honouring the fairness cap.
// It never blocks on I/O (spec.md §5) — only subcarrier.Table and
// in-memory transfer snapshots are touched.
func (s *Scheduler) Tick() []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.buildCandidatesLocked()
	if len(candidates) == 0 {
		return nil
	}

	freeLanes := s.lanes.FreeDataLanes()
	var out []Allocation

	for _, laneID := range freeLanes {
		idx := s.pickCandidateLocked(candidates)
		if idx < 0 {
			break // no eligible candidate for any remaining lane
		}
		c := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		mod, err := s.lanes.ModulationOf(laneID)
		if err != nil {
			continue
		}
		bitrate, _ := s.lanes.EstimatedBitrate(laneID, mod)
		estDuration := 0.0
		if bitrate > 0 {
			estDuration = 1.0 / bitrate
		}

		if _, err := s.lanes.Bind(c.chunkIndex, laneID, mod, estDuration); err != nil {
			continue
		}

		rt := s.xfers[c.transferID]
		if rt == nil {
			_ = s.lanes.Release(laneID, subcarrier.OutcomeFailed)
			continue
		}
		rt.assignedLanes[laneID] = c.chunkIndex
		s.laneMap[laneID] = c.transferID
		_ = rt.t.AssignChunk(c.chunkIndex, laneID)

		out = append(out, Allocation{
			TransferID: c.transferID,
			ObjectID:   c.objectID,
			ChunkIndex: c.chunkIndex,
			LaneID:     laneID,
			Modulation: mod,
		})
	}
	return out
}

// buildCandidatesLocked gathers every runnable (transfer, chunk) pair:
// chunks in Pending, or Failed with attempts < max_attempts.
func (s *Scheduler) buildCandidatesLocked() []candidate {
	var out []candidate
	for transferID, rt := range s.xfers {
		if rt.t.Status() != transfer.StatusTransmitting && rt.t.Status() != transfer.StatusRetrying {
			continue
		}
		policy := rt.t.RetryPolicy()
		for _, rec := range rt.t.Chunks() {
			runnable := rec.State == transfer.ChunkPending ||
				(rec.State == transfer.ChunkFailed && rec.Attempts < policy.MaxAttempts &&
					(rec.NextEligibleAt.IsZero() || !rec.NextEligibleAt.After(time.Now())))
			if !runnable {
				continue
			}
			rarity := 0
			if s.rarity != nil {
				rarity = s.rarity.SeederCount(rt.objectID, rec.Index)
			}
			out = append(out, candidate{
				transferID:    transferID,
				objectID:      rt.objectID,
				chunkIndex:    rec.Index,
				priority:      rt.t.Priority(),
				rarity:        rarity,
				assignedLanes: len(rt.assignedLanes),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].betterThan(out[j]) })
	return out
}

// pickCandidateLocked returns the index of the best candidate that
// satisfies the fairness cap, or -1 if none qualify. The fairness cap
// only binds when another transfer has pending work of equal or higher
// priority (spec.md §4.3 rule 4).
func (s *Scheduler) pickCandidateLocked(candidates []candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	topPriority := candidates[0].priority

	for i, c := range candidates {
		rt := s.xfers[c.transferID]
		if rt == nil {
			continue
		}
		if len(rt.assignedLanes) < s.cfg.MaxLanesPerTransfer {
			return i
		}
		// Over the cap: only permitted if no other transfer has equal-
		// or-higher-priority pending work, i.e. this candidate itself is
		// the sole remaining priority class.
		contested := false
		for _, o := range candidates {
			if o.transferID != c.transferID && o.priority >= topPriority {
				contested = true
				break
			}
		}
		if !contested {
			return i
		}
	}
	return -1
}
