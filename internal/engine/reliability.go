package engine

import (
	"time"

	"github.com/qrpswarm/chunkswarm/internal/beacon"
)

// beaconReliability adapts *beacon.Monitor to dispatch.ReliabilityProvider,
// the only shape internal/dispatch needs and the only reason the two
// packages ever touch: dispatchHybrid asks "how has this path behaved",
// it has no business knowing beacon's sqlite-backed storage underneath.
type beaconReliability struct {
	mon *beacon.Monitor
}

// PathReliability implements dispatch.ReliabilityProvider.
func (b beaconReliability) PathReliability(origin, target string) (float64, bool) {
	m, err := b.mon.PathMetrics(origin, target)
	if err != nil {
		return 0, false
	}
	return m.Reliability, true
}

// recordBeaconPath feeds one dispatch outcome into the beacon monitor as
// a BeaconPath observation (spec.md §4.9): success reports full signal
// strength, failure reports none, the same [0,1] convention
// dispatchHybrid's ReliabilityProvider lookup reads back out. This is
// the real per-dispatch "path report source" spec.md describes the
// scheduler/dispatcher as consulting — every Deliver/Request send trains
// the reliability score the next Hybrid decision reads.
func (e *Engine) recordBeaconPath(peer string, success bool) {
	signal := 0.0
	if success {
		signal = 1.0
	}
	_ = e.beacon.Observe(beacon.Path{
		Origin:         e.localID,
		Target:         peer,
		HopCount:       1,
		SignalStrength: signal,
		LastHeard:      time.Now(),
	})
	if e.fecEsc != nil {
		e.fecEsc.Observe(success)
	}
}
