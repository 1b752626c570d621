// Package jobgraph stores all outstanding tasks in a hash map keyed by job
// id, tracks before/after precedence edges, and promotes tasks to ready as
// their dependencies clear (§4.4). It follows the teacher job manager's
// hybrid design — one map as the single source of truth, small auxiliary
// indices for fast queries — generalized from a flat pending/in-flight queue
// to a true before/after dependency DAG.
package jobgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidSpawn is returned when a spawned task references
	// undefined logical data or dangling before/after/parent ids (§4.4, §7).
	ErrInvalidSpawn = errors.New("jobgraph: invalid spawn")
	// ErrDuplicateJob is returned when a job id is spawned twice.
	ErrDuplicateJob = errors.New("jobgraph: job already exists")
	// ErrJobNotFound is returned by operations on an unknown, non-tombstoned id.
	ErrJobNotFound = errors.New("jobgraph: job not found")
	// ErrNotReady is returned when binding a job that isn't in the ready state.
	ErrNotReady = errors.New("jobgraph: job not ready")
)

// LDOExists is satisfied by dataregistry.Registry.Exists; kept as a narrow
// function type so jobgraph doesn't need to import the registry package.
type LDOExists func(types.LogicalDataID) bool

// Graph is the thread-safe outstanding-task store.
type Graph struct {
	mu sync.Mutex

	ldoExists LDOExists

	jobs       map[types.JobID]*types.Job
	ready      []types.JobID               // FIFO of ready, unassigned job ids
	pendingOn  map[types.JobID]map[types.JobID]bool // job -> still-unresolved before-ids
	afterIndex map[types.JobID][]types.JobID        // predecessor -> dependents waiting on it
	refCount   map[types.JobID]int                  // predecessor -> # dependents still tracking it
	tombstones map[types.JobID]bool                 // completed + garbage-collected ids
}

// New creates an empty job graph. ldoExists is consulted to validate
// read/write sets on spawn.
func New(ldoExists LDOExists) *Graph {
	return &Graph{
		ldoExists:  ldoExists,
		jobs:       make(map[types.JobID]*types.Job),
		pendingOn:  make(map[types.JobID]map[types.JobID]bool),
		afterIndex: make(map[types.JobID][]types.JobID),
		refCount:   make(map[types.JobID]int),
		tombstones: make(map[types.JobID]bool),
	}
}

// knownLocked reports whether id refers to a task that currently exists in
// the graph, has been completed and garbage-collected, or is the root.
func (g *Graph) knownLocked(id types.JobID) bool {
	if id == types.RootJobID {
		return true
	}
	if _, ok := g.jobs[id]; ok {
		return true
	}
	return g.tombstones[id]
}

func (g *Graph) doneLocked(id types.JobID) bool {
	if g.tombstones[id] {
		return true
	}
	j, ok := g.jobs[id]
	return ok && j.State == types.JobDone
}

// Spawn inserts a new task, validating read/write/before/after/parent
// references per §4.4. On success the task is pending, or immediately
// ready if its before-set is already fully satisfied.
func (g *Graph) Spawn(job types.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	for _, ldo := range job.Read {
		if g.ldoExists != nil && !g.ldoExists(ldo) {
			return errInvalid("read set references undefined logical data %d", ldo)
		}
	}
	for _, ldo := range job.Write {
		if g.ldoExists != nil && !g.ldoExists(ldo) {
			return errInvalid("write set references undefined logical data %d", ldo)
		}
	}
	if !g.knownLocked(job.Parent) {
		return errInvalid("parent %d is not ROOT and does not exist", job.Parent)
	}
	for _, b := range job.Before {
		if !g.knownLocked(b) {
			return errInvalid("before-set references unknown job %d", b)
		}
	}
	for _, a := range job.After {
		if !g.knownLocked(a) {
			return errInvalid("after-set references unknown job %d", a)
		}
	}

	j := job
	j.State = types.JobPending

	unresolved := make(map[types.JobID]bool)
	for _, b := range job.Before {
		if g.doneLocked(b) {
			continue
		}
		unresolved[b] = true
		g.afterIndex[b] = append(g.afterIndex[b], job.ID)
		g.refCount[b]++
	}

	g.jobs[job.ID] = &j
	if len(unresolved) == 0 {
		j.State = types.JobReady
		g.ready = append(g.ready, job.ID)
	} else {
		g.pendingOn[job.ID] = unresolved
	}

	log.Debug("job spawned", "job_id", job.ID, "kind", job.Kind, "ready", len(unresolved) == 0)
	return nil
}

// SpawnAssigned inserts a task that the binder has already bound to worker
// at spawn time (the synthetic create/local-copy/remote-copy-send/receive
// jobs emitted alongside a compute task, §4.6 step 2-3). Unlike Spawn, it
// does not enqueue the task onto the ready queue — dispatch already
// happened via the emitted command — but before/after bookkeeping is still
// tracked so downstream GC and completion notification work normally.
func (g *Graph) SpawnAssigned(job types.Job, worker types.WorkerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	j := job
	j.State = types.JobAssigned
	j.Worker = worker
	j.HasWorker = true

	for _, b := range job.Before {
		if g.doneLocked(b) {
			continue
		}
		if g.pendingOn[job.ID] == nil {
			g.pendingOn[job.ID] = make(map[types.JobID]bool)
		}
		g.pendingOn[job.ID][b] = true
		g.afterIndex[b] = append(g.afterIndex[b], job.ID)
		g.refCount[b]++
	}

	g.jobs[job.ID] = &j
	log.Debug("job spawned (pre-assigned)", "job_id", job.ID, "kind", job.Kind, "worker", worker)
	return nil
}

func errInvalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidSpawn}, args...)...)
}

// PopReady removes and returns the head of the ready queue, or nil if empty.
// The task's state is not mutated; callers must call MarkAssigned once a
// worker has actually been chosen (§4.6 step 5), since the binder may fail
// to place it this round and needs to leave it ready (§4.6 policy).
func (g *Graph) PopReady() *types.Job {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.ready) == 0 {
		return nil
	}
	id := g.ready[0]
	g.ready = g.ready[1:]
	j, ok := g.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// Requeue puts an id that PopReady removed back at the front of the ready
// queue, used when the binder could not place it this round (§4.6).
func (g *Graph) Requeue(id types.JobID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = append([]types.JobID{id}, g.ready...)
}

// MarkAssigned transitions a ready task to assigned on the given worker.
func (g *Graph) MarkAssigned(id types.JobID, worker types.WorkerID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, ok := g.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.State != types.JobReady {
		return ErrNotReady
	}
	j.State = types.JobAssigned
	j.Worker = worker
	j.HasWorker = true
	return nil
}

// MarkRunning transitions an assigned task to running (worker ack'd it).
func (g *Graph) MarkRunning(id types.JobID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, ok := g.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.State = types.JobRunning
	return nil
}

// MarkDone transitions a task to done, releases every dependent that was
// waiting on it, and garbage-collects the task immediately if no dependent
// in the graph still references it as a predecessor (§4.4).
func (g *Graph) MarkDone(id types.JobID, runTimeMS, waitTimeMS int64) ([]types.JobID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, ok := g.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	j.State = types.JobDone
	j.RunTimeMS = runTimeMS
	j.WaitTimeMS = waitTimeMS

	var newlyReady []types.JobID
	for _, dep := range g.afterIndex[id] {
		pending, ok := g.pendingOn[dep]
		if !ok {
			continue
		}
		delete(pending, id)
		if len(pending) == 0 {
			delete(g.pendingOn, dep)
			if dj, ok := g.jobs[dep]; ok && dj.State == types.JobPending {
				dj.State = types.JobReady
				g.ready = append(g.ready, dep)
				newlyReady = append(newlyReady, dep)
			}
		}
	}
	// A finished task stops holding the predecessors that counted it at
	// spawn time; each is collected once no dependent references it.
	for _, b := range j.Before {
		deps := g.afterIndex[b]
		for k, dep := range deps {
			if dep == id {
				g.afterIndex[b] = append(deps[:k], deps[k+1:]...)
				g.refCount[b]--
				g.gcIfUnreferencedLocked(b)
				break
			}
		}
	}

	g.gcIfUnreferencedLocked(id)

	log.Debug("job done", "job_id", id, "newly_ready", len(newlyReady))
	return newlyReady, nil
}

// MarkFailed transitions a running/assigned task to failed, used by the
// rewind path when a worker is lost (§7 WorkerLost, §5 timeouts/cancellation).
func (g *Graph) MarkFailed(id types.JobID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, ok := g.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.State = types.JobFailed
	return nil
}

// Remove forcibly deletes a failed task from the graph (used once the
// controller has respawned its replacement from a checkpoint during
// rewind); it does not touch refCount/afterIndex bookkeeping of its own
// predecessors, since a failed task never reached done and therefore never
// decremented anything.
func (g *Graph) Remove(id types.JobID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, id)
	delete(g.pendingOn, id)
}

func (g *Graph) gcIfUnreferencedLocked(id types.JobID) {
	if g.refCount[id] > 0 {
		return
	}
	j, ok := g.jobs[id]
	if !ok || j.State != types.JobDone {
		return
	}
	delete(g.jobs, id)
	delete(g.refCount, id)
	g.tombstones[id] = true
}

// Get returns a copy of the job for id, or false if unknown (and not a
// tombstone).
func (g *Graph) Get(id types.JobID) (types.Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *j, true
}

// JobsOnWorker returns all non-terminal job ids currently assigned to or
// running on worker, used to fail-out a lost worker's in-flight tasks.
func (g *Graph) JobsOnWorker(worker types.WorkerID) []types.JobID {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []types.JobID
	for id, j := range g.jobs {
		if j.HasWorker && j.Worker == worker && (j.State == types.JobAssigned || j.State == types.JobRunning) {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns per-state counts for metrics/status reporting.
func (g *Graph) Stats() map[types.JobState]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := make(map[types.JobState]int)
	for _, j := range g.jobs {
		stats[j.State]++
	}
	return stats
}

// Size returns the number of outstanding (non garbage-collected) tasks.
func (g *Graph) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}
