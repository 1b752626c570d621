// Package lineage tracks, per logical data object, the ordered chain of
// (task, version, depth, sterile) entries describing how the datum evolves
// (§3, §4.3). It is grounded directly on the original Nimbus scheduler's
// LogicalDataLineage (logical_data_lineage.cc): an append-only Chain plus a
// ParentsIndex of the non-sterile ("branching") entries, which is what the
// binder consults to resolve the version a reader requires.
package lineage

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrNonMonotonicVersion is returned when AppendEntry is given a version
// that does not exceed the chain's current maximum (§4.3).
var ErrNonMonotonicVersion = errors.New("lineage: version is not strictly greater than chain max")

// ErrNoSuchChain is returned by operations on an LDO with no lineage yet.
var ErrNoSuchChain = errors.New("lineage: no chain for logical data")

// chain is the per-LDO lineage state: the full entry history plus the
// subsequence of non-sterile ("parent") entries, kept in the same order.
type chain struct {
	entries []types.VersionEntry
	parents []int // indices into entries that are non-sterile
}

// Lineage holds one chain per logical data id.
type Lineage struct {
	mu     sync.RWMutex
	chains map[types.LogicalDataID]*chain
}

// New creates an empty Lineage tracker.
func New() *Lineage {
	return &Lineage{chains: make(map[types.LogicalDataID]*chain)}
}

// AppendEntry records a new writer for ldo. version must exceed the
// chain's current maximum; non-sterile entries are also indexed into the
// parents index (§4.3).
func (l *Lineage) AppendEntry(ldo types.LogicalDataID, task types.JobID, version types.DataVersion, depth types.JobDepth, sterile bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[ldo]
	if !ok {
		c = &chain{}
		l.chains[ldo] = c
	}

	if len(c.entries) > 0 {
		last := c.entries[len(c.entries)-1]
		if version <= last.Version {
			return ErrNonMonotonicVersion
		}
	}

	c.entries = append(c.entries, types.VersionEntry{
		TaskID: task, Version: version, Depth: depth, Sterile: sterile,
	})
	if !sterile {
		c.parents = append(c.parents, len(c.entries)-1)
	}

	log.Debug("lineage entry appended", "ldo", ldo, "task", task, "version", version, "sterile", sterile)
	return nil
}

// InsertParentEntry inserts a late-arriving non-sterile writer in
// version order — used when a writer is reconciled during rewind and
// therefore must be spliced in rather than appended at the tail
// (logical_data_lineage.cc InsertParentLdlEntry).
func (l *Lineage) InsertParentEntry(ldo types.LogicalDataID, task types.JobID, version types.DataVersion, depth types.JobDepth) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[ldo]
	if !ok {
		c = &chain{}
		l.chains[ldo] = c
	}

	entry := types.VersionEntry{TaskID: task, Version: version, Depth: depth, Sterile: false}

	// Find insertion point in entries: the first position from the tail
	// whose version is <= the new version is where we insert after.
	pos := len(c.entries)
	for pos > 0 && c.entries[pos-1].Version > version {
		pos--
	}
	c.entries = append(c.entries, types.VersionEntry{})
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = entry

	// Parent index indices at or after pos shift by one.
	for i, idx := range c.parents {
		if idx >= pos {
			c.parents[i] = idx + 1
		}
	}

	// Insert pos's slot into the parents index, keeping it in chain order.
	ppos := len(c.parents)
	for ppos > 0 && c.parents[ppos-1] > pos {
		ppos--
	}
	c.parents = append(c.parents, 0)
	copy(c.parents[ppos+1:], c.parents[ppos:])
	c.parents[ppos] = pos

	return nil
}

// CleanChain garbage-collects entries older than the earliest non-sterile
// entry still referenced by liveParents, scanning from the tail until every
// id in liveParents has been matched against a parent entry (mirrors
// LogicalDataLineage::CleanChain's reverse scan + erase-before-iterator).
// An empty liveParents set clears the whole chain.
func (l *Lineage) CleanChain(ldo types.LogicalDataID, liveParents map[types.JobID]bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[ldo]
	if !ok {
		return ErrNoSuchChain
	}

	if len(liveParents) == 0 {
		c.entries = nil
		c.parents = nil
		return nil
	}

	remaining := make(map[types.JobID]bool, len(liveParents))
	for k := range liveParents {
		remaining[k] = true
	}

	cutParentIdx := 0
	for i := len(c.parents) - 1; i >= 0; i-- {
		entryIdx := c.parents[i]
		delete(remaining, c.entries[entryIdx].TaskID)
		if len(remaining) == 0 {
			cutParentIdx = i
			break
		}
	}
	if len(remaining) != 0 {
		return errors.New("lineage: live_parents references tasks absent from parents index")
	}

	cutEntryIdx := c.parents[cutParentIdx]
	c.entries = append([]types.VersionEntry(nil), c.entries[cutEntryIdx:]...)
	newParents := make([]int, 0, len(c.parents)-cutParentIdx)
	for _, idx := range c.parents[cutParentIdx:] {
		newParents = append(newParents, idx-cutEntryIdx)
	}
	c.parents = newParents
	return nil
}

// RollbackToVersion discards every chain entry newer than maxVersion,
// used during rewind (§7 WorkerLost) to undo writes from tasks that were
// in flight on a lost worker past the last complete checkpoint. Entries
// at or below maxVersion are kept as-is; the parents index keeps only the
// slots that still point at a kept entry.
func (l *Lineage) RollbackToVersion(ldo types.LogicalDataID, maxVersion types.DataVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[ldo]
	if !ok {
		return ErrNoSuchChain
	}

	cut := len(c.entries)
	for cut > 0 && c.entries[cut-1].Version > maxVersion {
		cut--
	}
	c.entries = c.entries[:cut]

	newParents := c.parents[:0:0]
	for _, idx := range c.parents {
		if idx < cut {
			newParents = append(newParents, idx)
		}
	}
	c.parents = newParents
	return nil
}

// LastVersion returns the most recent version in ldo's chain.
func (l *Lineage) LastVersion(ldo types.LogicalDataID) (types.DataVersion, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[ldo]
	if !ok || len(c.entries) == 0 {
		return 0, ErrNoSuchChain
	}
	return c.entries[len(c.entries)-1].Version, nil
}

// Entries returns a copy of the full chain for ldo, oldest first.
func (l *Lineage) Entries(ldo types.LogicalDataID) []types.VersionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[ldo]
	if !ok {
		return nil
	}
	out := make([]types.VersionEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// RequiredVersion implements the binder's versioning rule (§4.3): the
// version a reader at the given depth on the given ancestor-task set must
// see is the latest entry that is either sterile or the latest non-sterile
// ancestor on the reader's branch, among writers that are transitive
// ancestors of the reader. ancestors is the set of task ids that are
// before(reader) transitively (including reader's direct writers); ties
// between two sterile writers at the same depth break by depth then task
// id, per the spec's proposed (and flagged) tie-break policy.
func (l *Lineage) RequiredVersion(ldo types.LogicalDataID, ancestors map[types.JobID]bool) (types.DataVersion, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[ldo]
	if !ok || len(c.entries) == 0 {
		return 0, ErrNoSuchChain
	}

	var best *types.VersionEntry
	for i := range c.entries {
		e := &c.entries[i]
		if !ancestors[e.TaskID] {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		if e.Version > best.Version {
			best = e
			continue
		}
		if e.Version == best.Version && (e.Depth > best.Depth ||
			(e.Depth == best.Depth && e.TaskID > best.TaskID)) {
			best = e
		}
	}
	if best == nil {
		return 0, ErrNoSuchChain
	}
	return best.Version, nil
}
