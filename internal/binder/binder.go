// Package binder is the assignment engine: for each ready compute task it
// picks a worker, resolves every read against the physical data map and
// version lineage, emits whatever create/copy commands are needed to make
// the read-set and write-set materialize on the chosen worker, and returns
// the bound compute command (§4.6).
package binder

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nimbus-sched/nimbus/internal/dataregistry"
	"github.com/nimbus-sched/nimbus/internal/idmaker"
	"github.com/nimbus-sched/nimbus/internal/jobgraph"
	"github.com/nimbus-sched/nimbus/internal/lineage"
	"github.com/nimbus-sched/nimbus/internal/physicalmap"
	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/internal/workerregistry"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrNoEligibleWorker is returned when no live worker satisfies the task's
// required capability, or no worker is registered at all.
var ErrNoEligibleWorker = errors.New("binder: no eligible worker")

// ErrAllocationPressure means every candidate worker is out of evictable
// instances; the task stays ready and is retried next round (§4.6 policy, §7).
var ErrAllocationPressure = errors.New("binder: allocation pressure")

// ErrMissingLDOAtBind is the §7 Fatal condition: a read references an LDO
// with no writer anywhere in the lineage.
var ErrMissingLDOAtBind = errors.New("binder: read references an LDO with no writer in lineage")

// Weights are the α/β/γ cost coefficients from §4.6 step 1.
type Weights struct {
	Alpha float64 // remote-copy bytes
	Beta  float64 // eviction bytes
	Gamma float64 // queue depth
}

// DefaultWeights matches the relative emphasis described in §4.6: remote
// traffic is the dominant cost, eviction a secondary one, queue depth a
// light tie-breaker among otherwise-even placements.
var DefaultWeights = Weights{Alpha: 1.0, Beta: 0.5, Gamma: 0.01}

// Emission pairs a command with the worker it must be sent to.
type Emission struct {
	Worker types.WorkerID
	Msg    transport.Message
}

// PendingWrite is a write bound during this task's assignment, to be
// committed into the lineage and physical map once JobDone arrives for the
// writing task.
type PendingWrite struct {
	LDO     types.LogicalDataID
	Version types.DataVersion
	PDI     types.PhysicalDataID
	Depth   types.JobDepth
	Sterile bool
}

// Result is everything the controller needs to record and dispatch after a
// successful Bind.
type Result struct {
	Worker        types.WorkerID
	Emissions     []Emission
	PendingWrites []PendingWrite
	BoundPDIs     []types.PhysicalDataID // every PDI pinned for this task, for unpin-on-done
}

// Binder wires the job graph, lineage, physical data map, data registry, and
// worker registry together to implement §4.6.
type Binder struct {
	Graph    *jobgraph.Graph
	Lineage  *lineage.Lineage
	PDIs     *physicalmap.Map
	DataReg  *dataregistry.Registry
	Workers  *workerregistry.Registry
	IDs      *idmaker.Maker
	Weights  Weights
	Capacity int // per-worker PDI capacity passed to physicalmap.Allocate; 0 = unbounded
}

// New constructs a Binder over the given components.
func New(g *jobgraph.Graph, l *lineage.Lineage, pdis *physicalmap.Map, dataReg *dataregistry.Registry, workers *workerregistry.Registry, ids *idmaker.Maker, weights Weights, capacity int) *Binder {
	return &Binder{Graph: g, Lineage: l, PDIs: pdis, DataReg: dataReg, Workers: workers, IDs: ids, Weights: weights, Capacity: capacity}
}

// bytesPerCell stands in for a real per-LDO byte-size field: absent one,
// an LDO's region volume (in grid cells) times this constant is the cost
// function's estimate of what a remote copy or eviction of it moves.
const bytesPerCell = 8.0

// bytesForLDO sizes ldo's transfer cost from its registered region volume
// (§4.6 step 1). An LDO the registry doesn't know about yet (a read racing
// a DefineData that hasn't landed) falls back to one unit rather than
// zeroing the term out.
func (b *Binder) bytesForLDO(ldo types.LogicalDataID) float64 {
	ld, err := b.DataReg.Lookup(ldo)
	if err != nil {
		return 1
	}
	return volume(ld.Region) * bytesPerCell
}

func volume(r types.Region) float64 {
	v := r.DX * r.DY * r.DZ
	if v <= 0 {
		return 1
	}
	return v
}

func requiredCapability(task types.Job) (string, bool) {
	if task.Params == nil {
		return "", false
	}
	cap, ok := task.Params["capability"].(string)
	return cap, ok && cap != ""
}

// chooseWorker implements §4.6 step 1: cost = α·remote-bytes + β·eviction-bytes
// + γ·queue-depth over live, capability-eligible workers, ties broken by
// worker id.
func (b *Binder) chooseWorker(task types.Job) (types.WorkerID, error) {
	live := b.Workers.Live()
	if len(live) == 0 {
		return 0, ErrNoEligibleWorker
	}

	cap, needCap := requiredCapability(task)
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	var bestWorker types.WorkerID
	bestCost := -1.0
	found := false

	for _, w := range live {
		if needCap && !w.HasCapability(cap) {
			continue
		}

		var remoteBytes, evictionBytes float64
		for _, l := range task.Read {
			v, err := b.resolveReadVersion(task, l)
			if err != nil {
				continue // evaluated again (and surfaced) during the real bind pass
			}
			plan, err := b.PDIs.RequireVersion(w.ID, l, v)
			if err == nil && plan.Action == physicalmap.ActionRemoteCopy {
				remoteBytes += b.bytesForLDO(l)
			}
		}
		for _, l := range append(append([]types.LogicalDataID{}, task.Read...), task.Write...) {
			if b.Capacity == 0 || len(b.PDIs.InstancesOnWorker(w.ID)) < b.Capacity {
				continue
			}
			if _, onWorker := b.anyOnWorker(w.ID, l); !onWorker {
				evictionBytes += b.bytesForLDO(l)
			}
		}

		cost := b.Weights.Alpha*remoteBytes + b.Weights.Beta*evictionBytes + b.Weights.Gamma*float64(w.QueueDepth)
		if !found || cost < bestCost {
			bestCost = cost
			bestWorker = w.ID
			found = true
		}
	}

	if !found {
		return 0, ErrNoEligibleWorker
	}
	return bestWorker, nil
}

// resolveReadVersion implements the common case of the §4.3 binder
// versioning rule: if the task has an explicit before-edge to one of the
// LDO's writers, that writer's version is required (branch-consistent
// read); otherwise the latest version in the chain is used.
func (b *Binder) resolveReadVersion(task types.Job, ldo types.LogicalDataID) (types.DataVersion, error) {
	if len(task.Before) > 0 {
		ancestors := make(map[types.JobID]bool, len(task.Before))
		for _, id := range task.Before {
			ancestors[id] = true
		}
		if v, err := b.Lineage.RequiredVersion(ldo, ancestors); err == nil {
			return v, nil
		} else if !errors.Is(err, lineage.ErrNoSuchChain) {
			return 0, err
		}
	}
	v, err := b.Lineage.LastVersion(ldo)
	if err != nil {
		return 0, fmt.Errorf("%w: ldo %d: %v", ErrMissingLDOAtBind, ldo, err)
	}
	return v, nil
}

func (b *Binder) newSyntheticID() types.JobID {
	return types.JobID(b.IDs.GetNewID(idmaker.DomainJob, 0))
}

// Bind implements §4.6 in full for a single ready compute task: worker
// selection, read resolution (create/local-copy/remote-copy), write
// preparation, and the bound ComputeJob emission.
func (b *Binder) Bind(task types.Job) (*Result, error) {
	w, err := b.chooseWorker(task)
	if err != nil {
		return nil, err
	}

	res := &Result{Worker: w}
	var extraBefore []types.JobID
	physRead := make([]types.PhysicalDataID, 0, len(task.Read))
	physWrite := make([]types.PhysicalDataID, 0, len(task.Write))

	for _, l := range task.Read {
		v, err := b.resolveReadVersion(task, l)
		if err != nil {
			return nil, err
		}
		plan, err := b.PDIs.RequireVersion(w, l, v)
		if err != nil && !errors.Is(err, physicalmap.ErrNoInstance) {
			return nil, err
		}
		if err == nil && plan.Action == physicalmap.ActionReuse {
			if perr := b.PDIs.Pin(plan.Target.ID); perr != nil {
				return nil, perr
			}
			res.BoundPDIs = append(res.BoundPDIs, plan.Target.ID)
			physRead = append(physRead, plan.Target.ID)
			continue
		}
		if errors.Is(err, physicalmap.ErrNoInstance) {
			return nil, fmt.Errorf("%w: ldo %d has no instance anywhere", ErrMissingLDOAtBind, l)
		}

		destID, aerr := b.PDIs.Allocate(w, l, v, b.Capacity)
		if aerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationPressure, aerr)
		}
		if perr := b.PDIs.Pin(destID); perr != nil {
			return nil, perr
		}
		res.BoundPDIs = append(res.BoundPDIs, destID)
		physRead = append(physRead, destID)

		switch plan.Action {
		case physicalmap.ActionLocalCopy:
			copyID := b.newSyntheticID()
			if err := b.Graph.SpawnAssigned(types.Job{
				ID: copyID, Kind: types.JobLocalCopy, Parent: task.Parent,
				Sterile: true, After: []types.JobID{task.ID},
			}, w); err != nil {
				return nil, err
			}
			res.Emissions = append(res.Emissions, Emission{Worker: w, Msg: &transport.LocalCopy{
				JobID: copyID, FromPDI: plan.Source.ID, ToPDI: destID, After: []types.JobID{task.ID},
			}})
			extraBefore = append(extraBefore, copyID)

		case physicalmap.ActionRemoteCopy:
			receiveID := b.newSyntheticID()
			sendID := b.newSyntheticID()
			if err := b.Graph.SpawnAssigned(types.Job{
				ID: sendID, Kind: types.JobRemoteCopySend, Parent: task.Parent,
				Sterile: true, After: []types.JobID{receiveID},
			}, plan.Source.Worker); err != nil {
				return nil, err
			}
			if err := b.Graph.SpawnAssigned(types.Job{
				ID: receiveID, Kind: types.JobRemoteCopyReceive, Parent: task.Parent,
				Sterile: true, Before: []types.JobID{sendID}, After: []types.JobID{task.ID},
			}, w); err != nil {
				return nil, err
			}
			res.Emissions = append(res.Emissions, Emission{Worker: plan.Source.Worker, Msg: &transport.RemoteCopySend{
				JobID: sendID, ReceiveJobID: receiveID, FromPDI: plan.Source.ID, ToPDI: destID, ToWorker: w, After: []types.JobID{receiveID},
			}})
			res.Emissions = append(res.Emissions, Emission{Worker: w, Msg: &transport.RemoteCopyReceive{
				JobID: receiveID, ToPDI: destID, Before: []types.JobID{sendID}, After: []types.JobID{task.ID},
			}})
			extraBefore = append(extraBefore, receiveID)
		}
	}

	for _, l := range task.Write {
		nextVersion, err := b.Lineage.LastVersion(l)
		if err != nil {
			if !errors.Is(err, lineage.ErrNoSuchChain) {
				return nil, err
			}
			nextVersion = 0
		}
		nextVersion++

		existing, found := b.anyOnWorker(w, l)
		var destID types.PhysicalDataID
		if found {
			destID = existing.ID
			if perr := b.PDIs.Pin(destID); perr != nil {
				return nil, perr
			}
		} else {
			id, aerr := b.PDIs.Allocate(w, l, 0, b.Capacity)
			if aerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrAllocationPressure, aerr)
			}
			if perr := b.PDIs.Pin(id); perr != nil {
				return nil, perr
			}
			destID = id

			createID := b.newSyntheticID()
			if err := b.Graph.SpawnAssigned(types.Job{
				ID: createID, Kind: types.JobCreate, Parent: task.Parent,
				Sterile: true, After: []types.JobID{task.ID},
			}, w); err != nil {
				return nil, err
			}
			res.Emissions = append(res.Emissions, Emission{Worker: w, Msg: &transport.Create{
				Name: task.Name, LDOID: l, JobID: createID, After: []types.JobID{task.ID}, PDIID: destID,
			}})
			extraBefore = append(extraBefore, createID)
		}

		res.BoundPDIs = append(res.BoundPDIs, destID)
		physWrite = append(physWrite, destID)
		res.PendingWrites = append(res.PendingWrites, PendingWrite{
			LDO: l, Version: nextVersion, PDI: destID, Depth: task.Depth, Sterile: task.Sterile,
		})
	}

	if err := b.Graph.MarkAssigned(task.ID, w); err != nil {
		return nil, err
	}
	b.Workers.IncrQueueDepth(w, 1)

	before := dedupJobIDs(append(append([]types.JobID{}, task.Before...), extraBefore...))
	res.Emissions = append(res.Emissions, Emission{Worker: w, Msg: &transport.ComputeJob{
		Name: task.Name, JobID: task.ID, PhysRead: physRead, PhysWrite: physWrite,
		Before: before, After: task.After, Params: task.Params,
	}})

	log.Debug("task bound", "job_id", task.ID, "worker", w, "emissions", len(res.Emissions))
	return res, nil
}

func (b *Binder) anyOnWorker(w types.WorkerID, l types.LogicalDataID) (types.PhysicalData, bool) {
	for _, pdi := range b.PDIs.InstancesOnWorker(w) {
		if pdi.LogicalID == l {
			return pdi, true
		}
	}
	return types.PhysicalData{}, false
}

func dedupJobIDs(ids []types.JobID) []types.JobID {
	seen := make(map[types.JobID]bool, len(ids))
	out := make([]types.JobID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// MergeReceivesIntoMegaRCR scans a batch of emissions produced across
// several Bind calls in the same scheduling round and folds every
// RemoteCopyReceive bound for the same worker within the round into a
// single MegaRCR, per §6/§8 scenario 3. The corresponding RemoteCopySend
// emissions are left as-is: one send per source PDI, since the source
// worker still only needs to push its bytes once.
func MergeReceivesIntoMegaRCR(emissions []Emission) []Emission {
	type key struct {
		worker types.WorkerID
	}
	grouped := make(map[key][]Emission)
	order := make([]key, 0)
	var out []Emission

	for _, e := range emissions {
		if rcr, ok := e.Msg.(*transport.RemoteCopyReceive); ok {
			_ = rcr
			k := key{worker: e.Worker}
			if _, seen := grouped[k]; !seen {
				order = append(order, k)
			}
			grouped[k] = append(grouped[k], e)
			continue
		}
		out = append(out, e)
	}

	for _, k := range order {
		batch := grouped[k]
		if len(batch) == 1 {
			out = append(out, batch[0])
			continue
		}
		mega := &transport.MegaRCR{JobID: batch[0].Msg.(*transport.RemoteCopyReceive).JobID}
		for _, e := range batch {
			rcr := e.Msg.(*transport.RemoteCopyReceive)
			mega.Entries = append(mega.Entries, transport.RCREntry{ReceiveJobID: rcr.JobID, ToPDI: rcr.ToPDI})
			mega.Before = dedupJobIDs(append(mega.Before, rcr.Before...))
			mega.After = dedupJobIDs(append(mega.After, rcr.After...))
		}
		out = append(out, Emission{Worker: k.worker, Msg: mega})
	}
	return out
}
