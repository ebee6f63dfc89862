// Package beacon implements spec.md §4.9, the BeaconMonitor: a log of
// observed BeaconPath reports and the derived metrics the dispatcher
// consults (average signal strength, a reliability score, day/night
// pattern, reachability matrix, coverage radius). Every dispatch outcome
// in internal/engine feeds Observe, and internal/dispatch's Hybrid
// transport choice reads PathMetrics back out through the
// ReliabilityProvider adapter in internal/engine/reliability.go. It
// contains no transfer logic — it is read-only oracle, as the teacher's
// own FEC loss estimator is to the RetryEngine.
//
// Grounded on two sources: the teacher's fec.AdaptivePolicy EMA
// smoothing (adaptive.go) for the reliability score, and
// runZeroInc-sockstats's Conn (OpenedAt/ClosedAt/SentBytes timestamped
// observation feeding a derived stat) for the BeaconPath record shape —
// reworked here from a TCP socket lifecycle to an RF path report.
// Persisted to the embedded modernc.org/sqlite database in the same
// schema-versioned style as daemon/manager/persistence.go.
package beacon

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// emaAlpha mirrors the teacher's AdaptivePolicy smoothing factor: recent
// observations count for 30%, history for 70%.
const emaAlpha = 0.3

// Path is one observed BeaconPath (spec.md §3).
type Path struct {
	Origin         string
	Target         string
	HopCount       int
	SignalStrength float64 // dBm or normalized [0,1], caller's convention
	LastHeard      time.Time
	Band           string
	FrequencyHz    uint32
}

// pathStats is the running derived state kept per (origin, target).
type pathStats struct {
	avgSignal      float64
	reliability    float64 // EMA of a per-observation hit/variance score, [0,1]
	observations   int
	lastHeard      time.Time
	hourlyHeard    [24]int // count of observations by hour-of-day, for day/night pattern
	coverageRadius float64 // derived from hop_count/signal history
}

// Monitor is the BeaconMonitor of spec.md §4.9.
type Monitor struct {
	db *sql.DB

	mu    sync.RWMutex
	paths map[string]*pathStats // key: origin+"->"+target
}

// Open creates (or reopens) a sqlite-backed Monitor at dbPath.
func Open(dbPath string) (*Monitor, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("beacon: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	m := &Monitor{db: db, paths: make(map[string]*pathStats)}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := m.loadLocked(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Monitor) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS beacon_observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			origin TEXT NOT NULL,
			target TEXT NOT NULL,
			hop_count INTEGER NOT NULL,
			signal_strength REAL NOT NULL,
			last_heard TIMESTAMP NOT NULL,
			band TEXT,
			frequency_hz INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_beacon_path ON beacon_observations(origin, target);
		CREATE INDEX IF NOT EXISTS idx_beacon_heard ON beacon_observations(last_heard);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("beacon: init schema: %w", err)
	}
	var version int
	err := m.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := m.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("beacon: set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("beacon: query schema version: %w", err)
	}
	return nil
}

// loadLocked rebuilds in-memory derived stats from the persisted
// observation log, replaying each row through the same EMA update used
// by Observe so restart behaves identically to a live monitor.
func (m *Monitor) loadLocked() error {
	rows, err := m.db.Query(`SELECT origin, target, hop_count, signal_strength, last_heard, band, frequency_hz FROM beacon_observations ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("beacon: load observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Path
		var lastHeard time.Time
		var band sql.NullString
		var freq sql.NullInt64
		if err := rows.Scan(&p.Origin, &p.Target, &p.HopCount, &p.SignalStrength, &lastHeard, &band, &freq); err != nil {
			return fmt.Errorf("beacon: scan observation: %w", err)
		}
		p.LastHeard = lastHeard
		p.Band = band.String
		p.FrequencyHz = uint32(freq.Int64)
		m.applyLocked(p)
	}
	return rows.Err()
}

func pathKey(origin, target string) string { return origin + "->" + target }

// Observe records a BeaconPath observation, updating the derived
// metrics and persisting the raw observation.
func (m *Monitor) Observe(p Path) error {
	m.mu.Lock()
	m.applyLocked(p)
	m.mu.Unlock()

	_, err := m.db.Exec(
		`INSERT INTO beacon_observations (origin, target, hop_count, signal_strength, last_heard, band, frequency_hz) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Origin, p.Target, p.HopCount, p.SignalStrength, p.LastHeard, p.Band, p.FrequencyHz,
	)
	if err != nil {
		return fmt.Errorf("beacon: persist observation: %w", err)
	}
	return nil
}

func (m *Monitor) applyLocked(p Path) {
	key := pathKey(p.Origin, p.Target)
	st, ok := m.paths[key]
	if !ok {
		st = &pathStats{avgSignal: p.SignalStrength, reliability: 1.0}
		m.paths[key] = st
	}

	st.avgSignal = emaAlpha*p.SignalStrength + (1-emaAlpha)*st.avgSignal

	// A per-observation reliability sample: 1.0 when the signal is at or
	// above its running average (the path is behaving as expected), decayed
	// toward 0 the further below average it falls.
	sample := 1.0
	if st.avgSignal > 0 {
		sample = math.Max(0, math.Min(1, p.SignalStrength/st.avgSignal))
	}
	st.reliability = emaAlpha*sample + (1-emaAlpha)*st.reliability

	st.observations++
	st.lastHeard = p.LastHeard
	st.hourlyHeard[p.LastHeard.Hour()]++

	// Coverage radius estimate: more hops for a still-strong signal implies
	// the path reaches further; weight hop_count by reliability so noisy
	// multi-hop reports don't inflate the estimate.
	st.coverageRadius = float64(p.HopCount) * st.reliability
}

// Metrics is the derived snapshot spec.md §4.9 exposes.
type Metrics struct {
	AverageSignal   float64
	Reliability     float64
	Observations    int
	LastHeard       time.Time
	DayNightPattern [24]int // observation counts per hour-of-day
	CoverageRadius  float64
}

// ErrPathUnknown is returned when no observation has been recorded for
// the requested (origin, target) pair.
var ErrPathUnknown = fmt.Errorf("beacon: no observations for path")

// PathMetrics returns the derived metrics for one (origin, target) path.
func (m *Monitor) PathMetrics(origin, target string) (Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.paths[pathKey(origin, target)]
	if !ok {
		return Metrics{}, ErrPathUnknown
	}
	return Metrics{
		AverageSignal:   st.avgSignal,
		Reliability:     st.reliability,
		Observations:    st.observations,
		LastHeard:       st.lastHeard,
		DayNightPattern: st.hourlyHeard,
		CoverageRadius:  st.coverageRadius,
	}, nil
}

// ReachabilityMatrix returns every known path's current reliability
// score, keyed "origin->target" — the reachability matrix of spec.md
// §4.9, used by the scheduler/dispatcher as a relative ranking oracle.
func (m *Monitor) ReachabilityMatrix() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.paths))
	for key, st := range m.paths {
		out[key] = st.reliability
	}
	return out
}

// Close releases the underlying database handle.
func (m *Monitor) Close() error {
	return m.db.Close()
}
