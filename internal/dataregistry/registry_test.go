package dataregistry

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

func TestDefineAndLookup(t *testing.T) {
	r := New()
	region := types.Region{DX: 1, DY: 1, DZ: 1}
	err := r.Define(1, "tile-0-0-0", region, 0, nil)
	assertNoError(t, err)

	ldo, err := r.Lookup(1)
	assertNoError(t, err)
	if ldo.Name != "tile-0-0-0" {
		t.Errorf("name: got %q", ldo.Name)
	}
	if ldo.Partition != 0 {
		t.Errorf("partition: got %d", ldo.Partition)
	}
}

func TestDefineDuplicateConflict(t *testing.T) {
	r := New()
	region := types.Region{DX: 1, DY: 1, DZ: 1}
	assertNoError(t, r.Define(1, "a", region, 0, nil))
	err := r.Define(1, "b", region, 0, nil)
	assertError(t, err, ErrConflict)

	// The conflicting define must not have clobbered the original.
	ldo, err := r.Lookup(1)
	assertNoError(t, err)
	if ldo.Name != "a" {
		t.Errorf("define conflict mutated existing entry: got name %q", ldo.Name)
	}
}

func TestLookupMissing(t *testing.T) {
	r := New()
	_, err := r.Lookup(99)
	assertError(t, err, ErrNotFound)
}

func TestLookupByName(t *testing.T) {
	r := New()
	region := types.Region{DX: 1, DY: 1, DZ: 1}
	assertNoError(t, r.Define(7, "pressure-field", region, 2, []types.LogicalDataID{1, 2}))

	ldo, err := r.LookupByName("pressure-field")
	assertNoError(t, err)
	if ldo.ID != 7 {
		t.Errorf("id: got %d", ldo.ID)
	}
	if len(ldo.Neighbors) != 2 {
		t.Errorf("neighbors: got %v", ldo.Neighbors)
	}
}
