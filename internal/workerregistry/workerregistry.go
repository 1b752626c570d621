// Package workerregistry is the coarse-mutex-protected table of known
// worker processes: address, capability set, queue depth, and liveness.
// The scheduler core's own data structures are not locked against
// themselves (§5); only this cross-thread handshake surface needs a lock,
// mirroring the teacher worker pool's single guarded registry of live
// workers.
package workerregistry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrUnknownWorker is returned by operations on an unregistered worker id.
var ErrUnknownWorker = errors.New("workerregistry: unknown worker")

// Worker is a snapshot of one registered worker.
type Worker struct {
	ID           types.WorkerID
	Address      string
	Port         int
	Capabilities map[string]bool
	QueueDepth   int
	LastSeen     time.Time
	Lost         bool
}

// HasCapability reports whether the worker advertised cap at handshake.
func (w Worker) HasCapability(cap string) bool {
	if len(w.Capabilities) == 0 {
		return true // no declared capability set means "handles anything" (§12)
	}
	return w.Capabilities[cap]
}

// Registry is the thread-safe worker table.
type Registry struct {
	mu      sync.Mutex
	workers map[types.WorkerID]*Worker
}

// New creates an empty worker registry.
func New() *Registry {
	return &Registry{workers: make(map[types.WorkerID]*Worker)}
}

// Register records or refreshes a worker's handshake (§6 Handshake).
func (r *Registry) Register(id types.WorkerID, address string, port int, capabilities []string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	w, ok := r.workers[id]
	if !ok {
		w = &Worker{ID: id}
		r.workers[id] = w
	}
	w.Address = address
	w.Port = port
	w.Capabilities = caps
	w.LastSeen = now
	w.Lost = false

	log.Debug("worker registered", "worker_id", id, "address", address, "capabilities", capabilities)
}

// Touch refreshes a worker's liveness timestamp without changing its
// capability set, used for any traffic that proves it's still alive.
func (r *Registry) Touch(id types.WorkerID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.LastSeen = now
	return nil
}

// MarkLost flags a worker as lost (handshake timeout or transport failure,
// §7 WorkerLost) so the binder stops assigning to it.
func (r *Registry) MarkLost(id types.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.Lost = true
	return nil
}

// IncrQueueDepth adjusts a worker's outstanding-command counter, consulted
// by the binder's γ·queue-depth cost term (§4.6).
func (r *Registry) IncrQueueDepth(id types.WorkerID, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.QueueDepth += delta
	}
}

// Get returns a copy of the worker for id.
func (r *Registry) Get(id types.WorkerID) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Live returns a copy of every worker not marked lost, for the binder's
// candidate set and the `worker-list` admin command (§6).
func (r *Registry) Live() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if !w.Lost {
			out = append(out, *w)
		}
	}
	return out
}

// All returns a copy of every registered worker, live or lost.
func (r *Registry) All() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}
