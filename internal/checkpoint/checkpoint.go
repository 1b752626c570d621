// Package checkpoint is the Checkpoint Index (§4.9): a metadata catalog of
// which tasks belong to a checkpoint and, for each (LDO, version), which
// (worker, opaque-handle) pairs hold a persisted snapshot. The controller
// consults it to rewind a lost worker's tasks to the latest checkpoint
// whose data is still recoverable, issuing Load commands from the
// recorded handles.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrUnknownCheckpoint is returned by operations on an unregistered id.
var ErrUnknownCheckpoint = errors.New("checkpoint: unknown checkpoint id")

// ErrNoHandle is returned when no (worker, handle) covers the requested
// (ldo, version<=v).
var ErrNoHandle = errors.New("checkpoint: no saved handle for version")

// Handle is one persisted copy of an LDO at a version, interpreted only by
// the worker that produced it; the core treats the bytes as opaque (§6).
type Handle struct {
	Worker types.WorkerID `json:"worker"`
	Opaque []byte         `json:"opaque"`
}

type versionIndex map[types.DataVersion][]Handle

// entry tracks one checkpoint's membership and save-job bookkeeping,
// mirroring checkpoint_entry.h's CheckpointEntry: a pending counter over
// member tasks, plus a second counter over in-flight save jobs.
type entry struct {
	tasks        map[types.JobID]bool
	pendingCount int

	saveJobs        map[types.JobID]types.LogicalDataID
	pendingSaveCount int

	index map[types.LogicalDataID]versionIndex
}

func newEntry() *entry {
	return &entry{
		tasks:    make(map[types.JobID]bool),
		saveJobs: make(map[types.JobID]types.LogicalDataID),
		index:    make(map[types.LogicalDataID]versionIndex),
	}
}

// Index is the thread-safe, multi-checkpoint catalog.
type Index struct {
	mu      sync.Mutex
	entries map[types.CheckpointID]*entry
}

// New creates an empty checkpoint index.
func New() *Index {
	return &Index{entries: make(map[types.CheckpointID]*entry)}
}

// AddJob registers task as a member of checkpoint id, pending completion.
func (idx *Index) AddJob(id types.CheckpointID, task types.JobID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		e = newEntry()
		idx.entries[id] = e
	}
	if !e.tasks[task] {
		e.tasks[task] = false
		e.pendingCount++
	}
}

// CompleteJob marks a member task done, decrementing the pending counter.
func (idx *Index) CompleteJob(id types.CheckpointID, task types.JobID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		return ErrUnknownCheckpoint
	}
	if done, known := e.tasks[task]; known && !done {
		e.tasks[task] = true
		e.pendingCount--
	}
	return nil
}

// AddSaveDataJob registers an in-flight save of ldo as part of job (§4.9).
func (idx *Index) AddSaveDataJob(id types.CheckpointID, job types.JobID, ldo types.LogicalDataID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		e = newEntry()
		idx.entries[id] = e
	}
	if _, exists := e.saveJobs[job]; !exists {
		e.saveJobs[job] = ldo
		e.pendingSaveCount++
	}
}

// NotifySaveDataJobDone finalizes a save job, indexing (ldo, version,
// worker, handle) for later GetHandleToLoadData calls (§4.9).
func (idx *Index) NotifySaveDataJobDone(id types.CheckpointID, job types.JobID, version types.DataVersion, handle Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		return ErrUnknownCheckpoint
	}
	ldo, known := e.saveJobs[job]
	if !known {
		return fmt.Errorf("checkpoint: save job %d was never registered", job)
	}
	delete(e.saveJobs, job)
	e.pendingSaveCount--

	if e.index[ldo] == nil {
		e.index[ldo] = make(versionIndex)
	}
	e.index[ldo][version] = append(e.index[ldo][version], handle)

	log.Debug("save data job recorded", "checkpoint", id, "ldo", ldo, "version", version, "worker", handle.Worker)
	return nil
}

// GetHandleToLoadData returns the handles for the most recent persisted
// version of ldo that is <= v within checkpoint id (§4.9).
func (idx *Index) GetHandleToLoadData(id types.CheckpointID, ldo types.LogicalDataID, v types.DataVersion) ([]Handle, types.DataVersion, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		return nil, 0, ErrUnknownCheckpoint
	}
	vi, ok := e.index[ldo]
	if !ok {
		return nil, 0, ErrNoHandle
	}

	var best types.DataVersion
	found := false
	for ver := range vi {
		if ver <= v && (!found || ver > best) {
			best = ver
			found = true
		}
	}
	if !found {
		return nil, 0, ErrNoHandle
	}
	return append([]Handle(nil), vi[best]...), best, nil
}

// IsComplete reports whether checkpoint id has zero pending member tasks
// and zero pending save jobs (§4.9).
func (idx *Index) IsComplete(id types.CheckpointID) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		return false, ErrUnknownCheckpoint
	}
	return e.pendingCount == 0 && e.pendingSaveCount == 0, nil
}

// --- persistence: atomic snapshot write/load, grounded on the teacher's
// internal/snapshot temp-file-plus-rename pattern, adapted from an
// in-memory job queue snapshot to this checkpoint catalog. ---

type persistedHandle struct {
	Worker types.WorkerID `json:"worker"`
	Opaque []byte         `json:"opaque"`
}

type persistedEntry struct {
	ID    types.CheckpointID                                                       `json:"id"`
	Index map[types.LogicalDataID]map[types.DataVersion][]persistedHandle `json:"index"`
}

type persistedIndex struct {
	SchemaVersion int              `json:"schema_version"`
	Entries       []persistedEntry `json:"entries"`
}

const schemaVersion = 1

// Write atomically persists the completed-save portion of the index (the
// (ldo,version)->handle catalog) to path via a temp-file-plus-rename, the
// same durability idiom the teacher's snapshot manager uses for job queue
// state.
func (idx *Index) Write(path string) error {
	idx.mu.Lock()
	snap := persistedIndex{SchemaVersion: schemaVersion}
	for id, e := range idx.entries {
		pe := persistedEntry{ID: id, Index: make(map[types.LogicalDataID]map[types.DataVersion][]persistedHandle)}
		for ldo, vi := range e.index {
			pe.Index[ldo] = make(map[types.DataVersion][]persistedHandle)
			for v, handles := range vi {
				for _, h := range handles {
					pe.Index[ldo][v] = append(pe.Index[ldo][v], persistedHandle(h))
				}
			}
		}
		snap.Entries = append(snap.Entries, pe)
	}
	idx.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename temp file: %w", err)
	}
	log.Debug("checkpoint index written", "path", path, "checkpoints", len(snap.Entries))
	return nil
}

// Load replaces the index's (ldo,version)->handle catalog with the
// contents of path. A missing file is treated as a fresh start, mirroring
// the teacher snapshot manager's Load behavior.
func (idx *Index) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: open: %w", err)
	}
	defer f.Close()

	var snap persistedIndex
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		return fmt.Errorf("checkpoint: decode: %w", err)
	}
	if snap.SchemaVersion != schemaVersion {
		return fmt.Errorf("checkpoint: unsupported schema version %d", snap.SchemaVersion)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[types.CheckpointID]*entry)
	for _, pe := range snap.Entries {
		e := newEntry()
		for ldo, vi := range pe.Index {
			e.index[ldo] = make(versionIndex)
			for v, handles := range vi {
				for _, h := range handles {
					e.index[ldo][v] = append(e.index[ldo][v], Handle(h))
				}
			}
		}
		idx.entries[pe.ID] = e
	}
	log.Debug("checkpoint index loaded", "path", path, "checkpoints", len(idx.entries))
	return nil
}
