package worker

import (
	"testing"
	"time"

	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

func newTestPool(t *testing.T) (*Pool, chan transport.Message, chan transport.Message) {
	t.Helper()
	in := make(chan transport.Message, 8)
	out := make(chan transport.Message, 8)
	src := &ChanSource{Inbound: in, Outbound: out}
	store := NewLocalStore()
	pool := NewPool(2, src, store, &PeerDialer{Book: NewPeerBook(nil)}, nil)
	if err := pool.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(pool.Stop)
	return pool, in, out
}

func recvDone(t *testing.T, out chan transport.Message) *transport.JobDone {
	t.Helper()
	select {
	case m := <-out:
		done, ok := m.(*transport.JobDone)
		if !ok {
			t.Fatalf("expected JobDone, got %T", m)
		}
		return done
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for JobDone")
		return nil
	}
}

func TestPoolExecutesComputeJob(t *testing.T) {
	_, in, out := newTestPool(t)
	in <- &transport.ComputeJob{JobID: 1, Name: "advect", PhysWrite: []types.PhysicalDataID{100}}

	done := recvDone(t, out)
	if done.JobID != 1 || done.Failed {
		t.Fatalf("unexpected done: %+v", done)
	}
}

func TestPoolLocalCopyMissingSourceFails(t *testing.T) {
	_, in, out := newTestPool(t)
	in <- &transport.LocalCopy{JobID: 2, FromPDI: 999, ToPDI: 1000}

	done := recvDone(t, out)
	if !done.Failed {
		t.Fatalf("expected failure copying from an unmaterialized PDI")
	}
}

func TestPoolLocalCopySucceedsAfterCreate(t *testing.T) {
	pool, in, out := newTestPool(t)
	pool.Store.Put(5, []byte("seed"))

	in <- &transport.LocalCopy{JobID: 3, FromPDI: 5, ToPDI: 6}
	done := recvDone(t, out)
	if done.Failed {
		t.Fatalf("expected success, got failure")
	}
	b, ok := pool.Store.Get(6)
	if !ok || string(b) != "seed" {
		t.Fatalf("expected copied bytes at destination, got %q ok=%v", b, ok)
	}
}

func TestPoolRemoteCopyReceiveWaitsForArrival(t *testing.T) {
	pool, in, out := newTestPool(t)

	in <- &transport.RemoteCopyReceive{JobID: 10, ToPDI: 42}
	time.Sleep(20 * time.Millisecond) // receive command dispatched before data arrives
	pool.Store.Put(42, []byte("payload"))

	done := recvDone(t, out)
	if done.Failed {
		t.Fatalf("expected receive to unblock once data arrived")
	}
}

func TestPoolStopDrainsGoroutines(t *testing.T) {
	in := make(chan transport.Message, 1)
	out := make(chan transport.Message, 1)
	src := &ChanSource{Inbound: in, Outbound: out}
	pool := NewPool(1, src, NewLocalStore(), &PeerDialer{Book: NewPeerBook(nil)}, nil)
	if err := pool.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pool.Stop()
	// Stop should be idempotent.
	pool.Stop()
}
