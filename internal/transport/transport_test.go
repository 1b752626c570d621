package transport

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

// roundTrip exercises the §8 "Laws" round-trip property: serialize(Parse(msg)) == msg.
func roundTrip(t *testing.T, m Message) {
	t.Helper()
	payload, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	fresh, err := New(m.Kind())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := fresh.Parse(payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	replayed, err := fresh.Serialize()
	if err != nil {
		t.Fatalf("serialize after parse: %v", err)
	}
	if !bytes.Equal(payload, replayed) {
		t.Fatalf("round-trip mismatch:\n  got:  %s\n  want: %s", replayed, payload)
	}
	if !reflect.DeepEqual(m, fresh) {
		t.Fatalf("round-trip value mismatch:\n  got:  %+v\n  want: %+v", fresh, m)
	}
}

func TestRoundTripAllKinds(t *testing.T) {
	cases := []Message{
		&Handshake{WorkerID: 1, Address: "10.0.0.1", Port: 9000, Capabilities: []string{"gpu"}},
		&SpawnCompute{Name: "advect", JobID: 10, Read: []types.LogicalDataID{1}, Write: []types.LogicalDataID{2}, Parent: types.RootJobID, Region: types.Region{DX: 1}},
		&SpawnCopy{JobID: 11, FromLDO: 1, ToLDO: 2, Parent: types.RootJobID},
		&DefineData{Name: "tile-0", LDOID: 1, PartitionID: 0},
		&DefinePartition{PartitionID: 0, Region: types.Region{DX: 1, DY: 1, DZ: 1}},
		&JobDone{JobID: 10, After: []types.JobID{11}, RunTimeMS: 5, WaitTimeMS: 1},
		&ComputeJob{Name: "advect", JobID: 10, PhysRead: []types.PhysicalDataID{3}, PhysWrite: []types.PhysicalDataID{4}},
		&LocalCopy{JobID: 12, FromPDI: 3, ToPDI: 4},
		&RemoteCopySend{JobID: 13, ReceiveJobID: 14, FromPDI: 3, ToWorker: 2},
		&RemoteCopyReceive{JobID: 14, ToPDI: 5},
		&MegaRCR{JobID: 15, Entries: []RCREntry{{ReceiveJobID: 14, ToPDI: 5}, {ReceiveJobID: 16, ToPDI: 6}}},
		&Create{Name: "tile-0", LDOID: 1, JobID: 17, PDIID: 3},
		&Terminate{ExitStatus: 2},
	}
	for _, m := range cases {
		m := m
		t.Run(m.Kind().String(), func(t *testing.T) {
			roundTrip(t, m)
		})
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		&Handshake{Address: "w1", Port: 1},
		&Terminate{ExitStatus: 0},
		&JobDone{JobID: 7, RunTimeMS: 3},
	}
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if got.Kind() != want.Kind() {
			t.Fatalf("kind mismatch: got %s, want %s", got.Kind(), want.Kind())
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("value mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &SpawnCompute{JobID: 1, Read: []types.LogicalDataID{1, 2}}
	cloned := orig.Clone().(*SpawnCompute)
	cloned.Read[0] = 99

	if orig.Read[0] == 99 {
		t.Fatalf("clone shared backing array with original")
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Kind(255))
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
