// Package physicalmap tracks, per worker and per logical data object, the
// set of materialized physical data instances (PDIs): their versions, pin
// counts, and eviction metadata (§4.5). The binder consults it to decide
// whether a read can reuse a local instance, needs a local copy from an
// older instance on the same worker, or needs a remote copy from another
// worker entirely.
package physicalmap

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrNoInstance is returned when no PDI exists anywhere for an LDO.
var ErrNoInstance = errors.New("physicalmap: no physical instance for logical data")

// ErrEvictionImpossible is returned by Allocate when every candidate PDI on
// the target worker is pinned (§4.6 policy: the task just stays ready and
// is retried next round by the binder, this is not a fatal error).
var ErrEvictionImpossible = errors.New("physicalmap: no evictable instance on worker")

// Action tells the binder what must happen to satisfy a read (§4.5).
type Action int

const (
	ActionReuse Action = iota
	ActionLocalCopy
	ActionRemoteCopy
)

func (a Action) String() string {
	switch a {
	case ActionReuse:
		return "reuse"
	case ActionLocalCopy:
		return "local-copy"
	case ActionRemoteCopy:
		return "remote-copy"
	default:
		return "unknown"
	}
}

// Plan is the result of RequireVersion: either a PDI already satisfies the
// read (Action == ActionReuse, Target is it), or Source names the best
// donor instance and Action says how to get it onto the target worker.
type Plan struct {
	Action Action
	Target *types.PhysicalData // nil unless Action == ActionReuse
	Source *types.PhysicalData // the PDI to copy from, nil only if ErrNoInstance
}

// Map is the thread-safe (worker, LDO) -> []PDI store.
type Map struct {
	mu sync.Mutex

	nextPID types.PhysicalDataID
	epoch   uint64

	// instances indexes PDIs by logical data id for cross-worker search,
	// and within that by worker for per-worker eviction scans.
	byLDO map[types.LogicalDataID]map[types.WorkerID][]*types.PhysicalData
	byID  map[types.PhysicalDataID]*types.PhysicalData
}

// New creates an empty physical data map.
func New() *Map {
	return &Map{
		byLDO: make(map[types.LogicalDataID]map[types.WorkerID][]*types.PhysicalData),
		byID:  make(map[types.PhysicalDataID]*types.PhysicalData),
	}
}

func (m *Map) tick() uint64 {
	m.epoch++
	return m.epoch
}

// RequireVersion implements §4.5 RequireVersion: it looks for a PDI already
// at version v on worker; failing that, it picks the best donor PDI
// (highest version <= v anywhere, preferring worker) and reports whether a
// local or remote copy is needed.
func (m *Map) RequireVersion(worker types.WorkerID, ldo types.LogicalDataID, v types.DataVersion) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byWorker := m.byLDO[ldo]
	if byWorker != nil {
		for _, pdi := range byWorker[worker] {
			if pdi.Version == v {
				return Plan{Action: ActionReuse, Target: pdi}, nil
			}
		}
	}

	var best *types.PhysicalData
	var bestOnWorker *types.PhysicalData
	for w, pdis := range byWorker {
		for _, pdi := range pdis {
			if pdi.Version > v {
				continue
			}
			if best == nil || pdi.Version > best.Version {
				best = pdi
			}
			if w == worker && (bestOnWorker == nil || pdi.Version > bestOnWorker.Version) {
				bestOnWorker = pdi
			}
		}
	}

	if best == nil {
		return Plan{}, ErrNoInstance
	}
	if bestOnWorker != nil {
		return Plan{Action: ActionLocalCopy, Source: bestOnWorker}, nil
	}
	return Plan{Action: ActionRemoteCopy, Source: best}, nil
}

// Allocate returns an existing PDI for (worker, ldo, v) if present, or
// reserves a fresh physical data id, evicting a victim if the worker is at
// capacity. cap <= 0 means unbounded (no eviction ever attempted).
func (m *Map) Allocate(worker types.WorkerID, ldo types.LogicalDataID, v types.DataVersion, capacity int) (types.PhysicalDataID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byWorker := m.byLDO[ldo]
	if byWorker == nil {
		byWorker = make(map[types.WorkerID][]*types.PhysicalData)
		m.byLDO[ldo] = byWorker
	}
	for _, pdi := range byWorker[worker] {
		if pdi.Version == v {
			return pdi.ID, nil
		}
	}

	if capacity > 0 && m.workerInstanceCountLocked(worker) >= capacity {
		if err := m.evictOneLocked(worker, ldo); err != nil {
			return 0, err
		}
	}

	m.nextPID++
	pdi := &types.PhysicalData{
		ID:         m.nextPID,
		LogicalID:  ldo,
		Worker:     worker,
		Version:    v,
		LastAccess: m.tick(),
	}
	byWorker[worker] = append(byWorker[worker], pdi)
	m.byID[pdi.ID] = pdi

	log.Debug("pdi allocated", "pdi", pdi.ID, "worker", worker, "ldo", ldo, "version", v)
	return pdi.ID, nil
}

func (m *Map) workerInstanceCountLocked(worker types.WorkerID) int {
	n := 0
	for _, byWorker := range m.byLDO {
		n += len(byWorker[worker])
	}
	return n
}

// evictOneLocked picks a victim across all LDOs on worker per §4.5 policy:
// unpinned and not dirty preferred; among dirty candidates, one whose
// version is covered by an instance elsewhere in the cluster; LRU
// tie-break. excludeLDO is never evicted (it's the allocation in progress).
func (m *Map) evictOneLocked(worker types.WorkerID, excludeLDO types.LogicalDataID) error {
	type candidate struct {
		ldo     types.LogicalDataID
		pdi     *types.PhysicalData
		covered bool
	}
	var clean, dirtyButCovered []candidate

	for ldo, byWorker := range m.byLDO {
		if ldo == excludeLDO {
			continue
		}
		for _, pdi := range byWorker[worker] {
			if pdi.PinCount > 0 {
				continue
			}
			if !pdi.Dirty {
				clean = append(clean, candidate{ldo, pdi, false})
				continue
			}
			if m.coveredElsewhereLocked(ldo, pdi) {
				dirtyButCovered = append(dirtyButCovered, candidate{ldo, pdi, true})
			}
		}
	}

	pick := func(cands []candidate) *candidate {
		var best *candidate
		for i := range cands {
			c := &cands[i]
			if best == nil || c.pdi.LastAccess < best.pdi.LastAccess {
				best = c
			}
		}
		return best
	}

	victim := pick(clean)
	if victim == nil {
		victim = pick(dirtyButCovered)
	}
	if victim == nil {
		return ErrEvictionImpossible
	}

	m.removeLocked(victim.ldo, worker, victim.pdi.ID)
	log.Debug("pdi evicted", "pdi", victim.pdi.ID, "worker", worker, "ldo", victim.ldo, "dirty", victim.pdi.Dirty)
	return nil
}

func (m *Map) coveredElsewhereLocked(ldo types.LogicalDataID, pdi *types.PhysicalData) bool {
	for w, pdis := range m.byLDO[ldo] {
		if w == pdi.Worker {
			continue
		}
		for _, other := range pdis {
			if other.Version >= pdi.Version {
				return true
			}
		}
	}
	return false
}

func (m *Map) removeLocked(ldo types.LogicalDataID, worker types.WorkerID, id types.PhysicalDataID) {
	pdis := m.byLDO[ldo][worker]
	for i, pdi := range pdis {
		if pdi.ID == id {
			m.byLDO[ldo][worker] = append(pdis[:i], pdis[i+1:]...)
			break
		}
	}
	delete(m.byID, id)
}

// MarkDirty flags a PDI as holding content newer than any other copy.
func (m *Map) MarkDirty(id types.PhysicalDataID, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdi, ok := m.byID[id]
	if !ok {
		return ErrNoInstance
	}
	pdi.Dirty = dirty
	return nil
}

// Pin increments a PDI's pin count, making it ineligible for eviction.
func (m *Map) Pin(id types.PhysicalDataID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdi, ok := m.byID[id]
	if !ok {
		return ErrNoInstance
	}
	pdi.PinCount++
	pdi.LastAccess = m.tick()
	return nil
}

// Unpin decrements a PDI's pin count; it is a no-op floor at zero.
func (m *Map) Unpin(id types.PhysicalDataID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdi, ok := m.byID[id]
	if !ok {
		return ErrNoInstance
	}
	if pdi.PinCount > 0 {
		pdi.PinCount--
	}
	return nil
}

// Commit records that id now holds version v, content has landed, and the
// instance is no longer dirty relative to itself (§3 PDI lifecycle).
func (m *Map) Commit(id types.PhysicalDataID, v types.DataVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdi, ok := m.byID[id]
	if !ok {
		return ErrNoInstance
	}
	pdi.Version = v
	pdi.LastAccess = m.tick()
	return nil
}

// Get returns a copy of the PDI for id.
func (m *Map) Get(id types.PhysicalDataID) (types.PhysicalData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pdi, ok := m.byID[id]
	if !ok {
		return types.PhysicalData{}, false
	}
	return *pdi, true
}

// ReleaseWorker drops every physical instance held on worker, used during
// rewind (§7 WorkerLost) once a lost worker's data is known unreachable.
func (m *Map) ReleaseWorker(worker types.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ldo, byWorker := range m.byLDO {
		for _, pdi := range byWorker[worker] {
			delete(m.byID, pdi.ID)
		}
		delete(byWorker, worker)
		if len(byWorker) == 0 {
			delete(m.byLDO, ldo)
		}
	}
}

// LatestInstance returns the highest-version PDI for ldo across every
// worker, ties broken by lowest worker id for determinism. Used by the
// controller to pick a save source when building a checkpoint (§4.9).
func (m *Map) LatestInstance(ldo types.LogicalDataID) (types.PhysicalData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *types.PhysicalData
	for w, pdis := range m.byLDO[ldo] {
		for _, pdi := range pdis {
			if best == nil || pdi.Version > best.Version ||
				(pdi.Version == best.Version && w < best.Worker) {
				best = pdi
			}
		}
	}
	if best == nil {
		return types.PhysicalData{}, false
	}
	return *best, true
}

// InstancesOnWorker returns a copy of every PDI currently on worker, for
// rewind/diagnostics.
func (m *Map) InstancesOnWorker(worker types.WorkerID) []types.PhysicalData {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.PhysicalData
	for _, byWorker := range m.byLDO {
		for _, pdi := range byWorker[worker] {
			out = append(out, *pdi)
		}
	}
	return out
}
