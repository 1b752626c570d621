package physicalmap

import (
	"testing"
)

func TestAllocateReusesExistingVersion(t *testing.T) {
	m := New()
	id1, err := m.Allocate(1, 100, 1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	id2, err := m.Allocate(1, 100, 1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected reuse of same PDI, got %d and %d", id1, id2)
	}
}

func TestRequireVersionReuse(t *testing.T) {
	m := New()
	id, _ := m.Allocate(1, 100, 3, 0)
	plan, err := m.RequireVersion(1, 100, 3)
	if err != nil {
		t.Fatalf("require version: %v", err)
	}
	if plan.Action != ActionReuse || plan.Target.ID != id {
		t.Fatalf("expected reuse of %d, got %+v", id, plan)
	}
}

func TestRequireVersionLocalCopy(t *testing.T) {
	m := New()
	m.Allocate(1, 100, 1, 0)
	m.Allocate(1, 100, 2, 0) // older instances present on same worker

	plan, err := m.RequireVersion(1, 100, 3)
	if err != nil {
		t.Fatalf("require version: %v", err)
	}
	if plan.Action != ActionLocalCopy {
		t.Fatalf("expected local-copy, got %s", plan.Action)
	}
}

func TestRequireVersionRemoteCopy(t *testing.T) {
	m := New()
	m.Allocate(2, 100, 5, 0)

	plan, err := m.RequireVersion(1, 100, 5)
	if err != nil {
		t.Fatalf("require version: %v", err)
	}
	if plan.Action != ActionRemoteCopy || plan.Source.Worker != 2 {
		t.Fatalf("expected remote-copy from worker 2, got %+v", plan)
	}
}

func TestRequireVersionNoInstance(t *testing.T) {
	m := New()
	_, err := m.RequireVersion(1, 999, 1)
	if err == nil {
		t.Fatalf("expected ErrNoInstance")
	}
}

func TestAllocateEvictsUnpinnedCleanLRUFirst(t *testing.T) {
	m := New()
	old, _ := m.Allocate(1, 100, 1, 1) // capacity 1 forces eviction on next alloc
	m.Unpin(old)

	if _, err := m.Allocate(1, 200, 1, 1); err != nil {
		t.Fatalf("allocate after eviction: %v", err)
	}

	if _, ok := m.Get(old); ok {
		t.Fatalf("expected victim %d evicted", old)
	}
}

func TestAllocateFailsWhenEverythingPinned(t *testing.T) {
	m := New()
	id, _ := m.Allocate(1, 100, 1, 1)
	m.Pin(id)

	_, err := m.Allocate(1, 200, 1, 1)
	if err != ErrEvictionImpossible {
		t.Fatalf("expected ErrEvictionImpossible, got %v", err)
	}
}

func TestAllocateEvictsDirtyOnlyIfCoveredElsewhere(t *testing.T) {
	m := New()
	dirtyID, _ := m.Allocate(1, 100, 1, 1)
	m.MarkDirty(dirtyID, true)
	m.Unpin(dirtyID)

	// Not covered elsewhere yet: eviction must fail.
	if _, err := m.Allocate(1, 200, 1, 1); err != ErrEvictionImpossible {
		t.Fatalf("expected ErrEvictionImpossible before coverage, got %v", err)
	}

	// A copy lands on another worker at >= version: now it's evictable.
	m.Allocate(2, 100, 1, 0)
	if _, err := m.Allocate(1, 200, 1, 1); err != nil {
		t.Fatalf("expected successful eviction once covered, got %v", err)
	}
	if _, ok := m.Get(dirtyID); ok {
		t.Fatalf("expected dirty instance evicted once covered elsewhere")
	}
}

func TestPinUnpinAndCommit(t *testing.T) {
	m := New()
	id, _ := m.Allocate(1, 100, 1, 0)

	if err := m.Pin(id); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := m.Commit(id, 2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	pdi, ok := m.Get(id)
	if !ok || pdi.Version != 2 || pdi.PinCount != 1 {
		t.Fatalf("unexpected pdi state: %+v", pdi)
	}
	if err := m.Unpin(id); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	pdi, _ = m.Get(id)
	if pdi.PinCount != 0 {
		t.Fatalf("expected pin count 0, got %d", pdi.PinCount)
	}
}

func TestInstancesOnWorker(t *testing.T) {
	m := New()
	m.Allocate(1, 100, 1, 0)
	m.Allocate(1, 200, 1, 0)
	m.Allocate(2, 100, 1, 0)

	instances := m.InstancesOnWorker(1)
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances on worker 1, got %d", len(instances))
	}
}
