package jobgraph

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

func allLDOs(types.LogicalDataID) bool { return true }

func TestSpawnImmediatelyReady(t *testing.T) {
	g := New(allLDOs)
	job := types.Job{ID: 1, Kind: types.JobCompute, Parent: types.RootJobID}
	assertNoError(t, g.Spawn(job))

	r := g.PopReady()
	if r == nil || r.ID != 1 {
		t.Fatalf("expected job 1 ready, got %+v", r)
	}
}

func TestSpawnWithBeforeStaysPending(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	assertNoError(t, g.Spawn(types.Job{ID: 2, Parent: types.RootJobID, Before: []types.JobID{1}}))

	if r := g.PopReady(); r == nil || r.ID != 1 {
		t.Fatalf("expected job 1 ready first, got %+v", r)
	}
	if r := g.PopReady(); r != nil {
		t.Fatalf("job 2 should not be ready yet, got %+v", r)
	}

	newlyReady, err := g.MarkDone(1, 5, 1)
	assertNoError(t, err)
	if len(newlyReady) != 1 || newlyReady[0] != 2 {
		t.Fatalf("expected job 2 released, got %v", newlyReady)
	}
	if r := g.PopReady(); r == nil || r.ID != 2 {
		t.Fatalf("expected job 2 ready now, got %+v", r)
	}
}

func TestSpawnRejectsUndefinedLogicalData(t *testing.T) {
	g := New(func(types.LogicalDataID) bool { return false })
	err := g.Spawn(types.Job{ID: 1, Parent: types.RootJobID, Read: []types.LogicalDataID{99}})
	assertError(t, err, ErrInvalidSpawn)
}

func TestSpawnRejectsDanglingBefore(t *testing.T) {
	g := New(allLDOs)
	err := g.Spawn(types.Job{ID: 1, Parent: types.RootJobID, Before: []types.JobID{77}})
	assertError(t, err, ErrInvalidSpawn)
}

func TestSpawnRejectsDuplicateID(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	err := g.Spawn(types.Job{ID: 1, Parent: types.RootJobID})
	assertError(t, err, ErrDuplicateJob)
}

func TestDoneJobGarbageCollectedWhenUnreferenced(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	g.PopReady()
	_, err := g.MarkDone(1, 1, 1)
	assertNoError(t, err)

	if g.Size() != 0 {
		t.Errorf("expected job 1 garbage collected, graph size = %d", g.Size())
	}

	// A later spawn may still reference job 1 in before/parent: it's a
	// known tombstone, not a dangling reference.
	err = g.Spawn(types.Job{ID: 2, Parent: types.RootJobID, Before: []types.JobID{1}})
	assertNoError(t, err)
	if r := g.PopReady(); r == nil || r.ID != 2 {
		t.Fatalf("expected job 2 ready immediately (before already done), got %+v", r)
	}
}

func TestDoneJobKeptUntilAllDependentsRelease(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	assertNoError(t, g.Spawn(types.Job{ID: 2, Parent: types.RootJobID, Before: []types.JobID{1}}))
	assertNoError(t, g.Spawn(types.Job{ID: 3, Parent: types.RootJobID, Before: []types.JobID{1}}))

	g.PopReady() // job 1
	_, err := g.MarkDone(1, 1, 1)
	assertNoError(t, err)

	if g.Size() != 3 {
		t.Fatalf("job 1 still referenced by 2 and 3, expected size 3, got %d", g.Size())
	}
}

func TestMarkAssignedRequiresReady(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID, Before: []types.JobID{types.RootJobID}}))
	err := g.MarkAssigned(1, 7)
	if err == nil {
		t.Fatalf("expected error assigning a pending job")
	}
}

func TestRequeuePutsJobBackAtFront(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	assertNoError(t, g.Spawn(types.Job{ID: 2, Parent: types.RootJobID}))

	first := g.PopReady()
	g.Requeue(first.ID)
	second := g.PopReady()
	if second.ID != first.ID {
		t.Fatalf("expected requeued job back first, got %+v", second)
	}
}

func TestJobsOnWorker(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	g.PopReady()
	assertNoError(t, g.MarkAssigned(1, 42))

	ids := g.JobsOnWorker(42)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected job 1 on worker 42, got %v", ids)
	}
	if len(g.JobsOnWorker(7)) != 0 {
		t.Fatalf("expected no jobs on worker 7")
	}
}

func TestStats(t *testing.T) {
	g := New(allLDOs)
	assertNoError(t, g.Spawn(types.Job{ID: 1, Parent: types.RootJobID}))
	assertNoError(t, g.Spawn(types.Job{ID: 2, Parent: types.RootJobID, Before: []types.JobID{1}}))

	stats := g.Stats()
	if stats[types.JobReady] != 1 || stats[types.JobPending] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
