// Package template is the controller-side Template Manager (§4.7): it
// detects repeating sub-DAGs emitted by application code, records their
// slot structure, finalizes them into a reusable schema, and instantiates
// that schema against fresh ids on every subsequent repetition — so the
// controller never has to re-walk an already-seen DAG shape.
package template

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// Status is a template's position in the §4.7 state machine.
type Status int

const (
	StatusAbsent Status = iota
	StatusDetecting
	StatusDetectingHasPartial
	StatusFinalized
)

// ErrAlreadyFinalized is returned by DetectNew on a finalized template
// (§4.7, §7 Conflict).
var ErrAlreadyFinalized = errors.New("template: already finalized")

// ErrNotFinalized is returned by Instantiate before Finalize has run.
var ErrNotFinalized = errors.New("template: not finalized")

// ErrUnknownTemplate is returned by operations on a name never detected.
var ErrUnknownTemplate = errors.New("template: unknown template")

// writerSlot records which slot wrote an LDO reference, precomputed at
// Finalize so Instantiate never re-derives lineage order from scratch.
type writerSlot struct {
	slotIndex int
	depth     types.JobDepth
}

// record is the per-name template state.
type record struct {
	status Status
	slots  []types.TemplateSlot

	// slotLineage maps a reading slot's index to the slots that write any
	// LDO it reads; this is the §4.7 Finalize precomputation.
	slotLineage map[int][]writerSlot

	instantiations int
}

// Manager is the thread-safe template table.
type Manager struct {
	mu      sync.Mutex
	byName  map[string]*record
}

// New creates an empty template manager.
func New() *Manager {
	return &Manager{byName: make(map[string]*record)}
}

// DetectNew begins or restarts detection for name (§4.7).
func (m *Manager) DetectNew(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byName[name]
	if !ok {
		m.byName[name] = &record{status: StatusDetecting, slotLineage: make(map[int][]writerSlot)}
		return nil
	}
	switch r.status {
	case StatusFinalized:
		return ErrAlreadyFinalized
	default:
		r.status = StatusDetecting
		r.slots = nil
		r.slotLineage = make(map[int][]writerSlot)
		return nil
	}
}

// AddComputeJobToTemplate appends one slot during detection; slot.Index
// should be assigned by the caller as the slot's position (0-based, in
// detection order).
func (m *Manager) AddComputeJobToTemplate(name string, slot types.TemplateSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byName[name]
	if !ok {
		return ErrUnknownTemplate
	}
	if r.status == StatusFinalized {
		return ErrAlreadyFinalized
	}
	r.status = StatusDetectingHasPartial
	r.slots = append(r.slots, slot)
	return nil
}

// Finalize seals name's slot list and precomputes, for every write slot, the
// (write -> slot) lineage used at Instantiate time to resolve which slot's
// output a later read slot must be wired to, without re-walking the DAG
// (§4.7).
func (m *Manager) Finalize(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byName[name]
	if !ok {
		return ErrUnknownTemplate
	}
	if r.status == StatusFinalized {
		return ErrAlreadyFinalized
	}

	writers := make(map[types.LogicalDataID][]writerSlot)
	for i, s := range r.slots {
		for _, w := range s.Write {
			writers[w] = append(writers[w], writerSlot{slotIndex: i, depth: 0})
		}
	}
	for i, s := range r.slots {
		for _, rd := range s.Read {
			r.slotLineage[i] = append(r.slotLineage[i], writers[rd]...)
		}
	}

	r.status = StatusFinalized
	log.Debug("template finalized", "name", name, "slots", len(r.slots))
	return nil
}

// Instance is the result of Instantiate: the real job ids bound to every
// slot, in slot order, ready to be spawned into the job graph as ordinary
// tasks (with the slot-level before-set translated into real job ids).
type Instance struct {
	TemplateGenerationID uint64
	Jobs                 []types.Job
}

// Instantiate binds name's slots to freshly supplied real ids and returns
// the resulting task set for the caller to spawn like ordinary tasks
// (§4.7). No Complex Job Entry placeholder is created for the instance.
func (m *Manager) Instantiate(name string, generation uint64, innerIDs []types.JobID, parent types.JobID, region types.Region, params map[string]interface{}) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byName[name]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	if r.status != StatusFinalized {
		return nil, ErrNotFinalized
	}
	if len(innerIDs) != len(r.slots) {
		return nil, errors.New("template: innerIDs length does not match slot count")
	}

	jobs := make([]types.Job, len(r.slots))
	for i, slot := range r.slots {
		seen := make(map[int]bool, len(slot.Before)+len(r.slotLineage[i]))
		var before []types.JobID
		for _, bi := range slot.Before {
			if seen[bi] {
				continue
			}
			seen[bi] = true
			before = append(before, innerIDs[bi])
		}
		// Fold in the precomputed write-slot lineage for this slot's reads:
		// slot.Before alone only carries edges the application made explicit,
		// while slotLineage also covers a read whose writer slot the
		// application didn't bother naming as a before-edge.
		for _, w := range r.slotLineage[i] {
			if seen[w.slotIndex] {
				continue
			}
			seen[w.slotIndex] = true
			before = append(before, innerIDs[w.slotIndex])
		}
		jobs[i] = types.Job{
			ID: innerIDs[i], Kind: slot.Kind, Name: slot.Name,
			Read: slot.Read, Write: slot.Write, Before: before,
			Parent: parent, Sterile: slot.Sterile, Region: region, Params: params,
		}
	}

	r.instantiations++
	log.Debug("template instantiated", "name", name, "generation", generation, "count", r.instantiations)
	return &Instance{TemplateGenerationID: generation, Jobs: jobs}, nil
}

// Status reports a template's current state and instantiation count (for
// metrics/tests).
func (m *Manager) Status(name string) (Status, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byName[name]
	if !ok {
		return StatusAbsent, 0, false
	}
	return r.status, r.instantiations, true
}

// SlotCount reports how many slots name has recorded, for callers that need
// to mint exactly that many fresh ids before calling Instantiate.
func (m *Manager) SlotCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byName[name]
	if !ok {
		return 0
	}
	return len(r.slots)
}
