package lineage

import (
	"errors"
	"testing"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func TestAppendEntryMonotonic(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 0, true))
	assertNoError(t, l.AppendEntry(1, 20, 2, 1, false))

	err := l.AppendEntry(1, 30, 2, 2, true)
	assertError(t, err, ErrNonMonotonicVersion)

	v, err := l.LastVersion(1)
	assertNoError(t, err)
	if v != 2 {
		t.Errorf("last version: got %d, want 2", v)
	}
}

func TestAppendEntryIndexesNonSterileOnly(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 0, true))  // sterile, not indexed
	assertNoError(t, l.AppendEntry(1, 20, 2, 1, false)) // non-sterile, indexed

	entries := l.Entries(1)
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}

	ver, err := l.RequiredVersion(1, map[types.JobID]bool{10: true, 20: true})
	assertNoError(t, err)
	if ver != 2 {
		t.Errorf("required version: got %d, want 2", ver)
	}
}

func TestRequiredVersionTieBreakDepthThenTaskID(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 3, true))
	// AppendEntry rejects an equal version; a reconciled writer spliced in
	// by InsertParentEntry is how two entries can share one.
	assertNoError(t, l.InsertParentEntry(1, 11, 1, 3)) // same version+depth, higher task id wins

	ver, err := l.RequiredVersion(1, map[types.JobID]bool{10: true, 11: true})
	assertNoError(t, err)
	if ver != 1 {
		t.Fatalf("version: got %d", ver)
	}
}

func TestCleanChainClearsOnEmptyLiveParents(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 0, false))
	assertNoError(t, l.AppendEntry(1, 20, 2, 1, false))

	assertNoError(t, l.CleanChain(1, nil))
	if len(l.Entries(1)) != 0 {
		t.Errorf("expected chain cleared")
	}
}

func TestCleanChainKeepsEntriesAtAndAfterEarliestLiveParent(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 0, false))
	assertNoError(t, l.AppendEntry(1, 11, 2, 1, true))
	assertNoError(t, l.AppendEntry(1, 20, 3, 2, false))
	assertNoError(t, l.AppendEntry(1, 21, 4, 3, true))

	assertNoError(t, l.CleanChain(1, map[types.JobID]bool{20: true}))

	entries := l.Entries(1)
	if len(entries) != 2 {
		t.Fatalf("want 2 surviving entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].TaskID != 20 {
		t.Errorf("first surviving entry: got task %d, want 20", entries[0].TaskID)
	}
}

func TestInsertParentEntryOrdersByVersion(t *testing.T) {
	l := New()
	assertNoError(t, l.AppendEntry(1, 10, 1, 0, false))
	assertNoError(t, l.AppendEntry(1, 30, 3, 2, false))

	// Late-arriving writer at version 2 belongs between the two.
	assertNoError(t, l.InsertParentEntry(1, 20, 2, 1))

	entries := l.Entries(1)
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	for i, want := range []types.DataVersion{1, 2, 3} {
		if entries[i].Version != want {
			t.Errorf("entry %d: got version %d, want %d", i, entries[i].Version, want)
		}
	}
}

func TestLastVersionNoChain(t *testing.T) {
	l := New()
	_, err := l.LastVersion(99)
	assertError(t, err, ErrNoSuchChain)
}
