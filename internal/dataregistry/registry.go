// Package dataregistry is the catalog of logical data objects (LDOs): named,
// partitioned regions of the global geometric domain (§4.2). The registry is
// append-only during a run — LDOs are defined once by a DefineData command
// and never destroyed in steady state.
package dataregistry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrConflict is returned when Define is called twice for the same id.
var ErrConflict = errors.New("logical data: id already defined")

// ErrNotFound is returned by Lookup for an unknown id.
var ErrNotFound = errors.New("logical data: not found")

// Registry is the thread-safe catalog of LDOs.
type Registry struct {
	mu   sync.RWMutex
	ldos map[types.LogicalDataID]types.LogicalData
	// byName supports the common pattern of application code defining a
	// partition's set of named tiles up front and looking them up later.
	byName map[string]types.LogicalDataID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		ldos:   make(map[types.LogicalDataID]types.LogicalData),
		byName: make(map[string]types.LogicalDataID),
	}
}

// Define registers a new LDO. Defining the same id twice fails with
// ErrConflict and leaves the registry unchanged (§4.2).
func (r *Registry) Define(id types.LogicalDataID, name string, region types.Region, partition types.PartitionID, neighbors []types.LogicalDataID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ldos[id]; exists {
		return ErrConflict
	}

	ldo := types.LogicalData{
		ID:        id,
		Name:      name,
		Region:    region,
		Partition: partition,
		Neighbors: append([]types.LogicalDataID(nil), neighbors...),
	}
	r.ldos[id] = ldo
	r.byName[name] = id

	log.Debug("logical data defined", "id", id, "name", name, "partition", partition)
	return nil
}

// Lookup returns the LDO for id, or ErrNotFound. O(1).
func (r *Registry) Lookup(id types.LogicalDataID) (types.LogicalData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ldo, ok := r.ldos[id]
	if !ok {
		return types.LogicalData{}, ErrNotFound
	}
	return ldo, nil
}

// LookupByName resolves an LDO by its domain-unique name.
func (r *Registry) LookupByName(name string) (types.LogicalData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return types.LogicalData{}, ErrNotFound
	}
	return r.ldos[id], nil
}

// Exists reports whether id has been defined.
func (r *Registry) Exists(id types.LogicalDataID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ldos[id]
	return ok
}

// Count returns the number of defined LDOs, mainly for metrics/tests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ldos)
}

// All returns every defined LDO, used by the controller to enumerate save
// targets when building a checkpoint (§4.9).
func (r *Registry) All() []types.LogicalData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.LogicalData, 0, len(r.ldos))
	for _, ldo := range r.ldos {
		out = append(out, ldo)
	}
	return out
}
