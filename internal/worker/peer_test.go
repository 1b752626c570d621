package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

func TestPeerBookSetAndAddress(t *testing.T) {
	book := NewPeerBook(map[types.WorkerID]string{1: "10.0.0.1:9000"})

	if a, ok := book.Address(1); !ok || a != "10.0.0.1:9000" {
		t.Fatalf("expected seeded address, got %q ok=%v", a, ok)
	}
	if _, ok := book.Address(2); ok {
		t.Fatalf("expected no address for unregistered worker")
	}

	book.Set(2, "10.0.0.2:9000")
	if a, ok := book.Address(2); !ok || a != "10.0.0.2:9000" {
		t.Fatalf("expected newly set address, got %q ok=%v", a, ok)
	}
}

func TestPeerDialerSendUnknownPeer(t *testing.T) {
	d := &PeerDialer{Book: NewPeerBook(nil)}
	err := d.Send(99, 1, 1, []byte("x"))
	if err != ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestPeerDialerDeliversToPeerServer(t *testing.T) {
	store := NewLocalStore()

	var mu sync.Mutex
	var arrivedJob types.JobID
	var arrivedPDI types.PhysicalDataID
	arrived := make(chan struct{})

	srv, err := ListenPeerServer("127.0.0.1:0", store, func(jobID types.JobID, pdi types.PhysicalDataID) {
		mu.Lock()
		arrivedJob, arrivedPDI = jobID, pdi
		mu.Unlock()
		close(arrived)
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	book := NewPeerBook(map[types.WorkerID]string{7: srv.Addr()})
	dialer := &PeerDialer{Book: book}

	if err := dialer.Send(7, 55, 66, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onArrival callback")
	}

	mu.Lock()
	gotJob, gotPDI := arrivedJob, arrivedPDI
	mu.Unlock()
	if gotJob != 55 || gotPDI != 66 {
		t.Fatalf("unexpected arrival: job=%d pdi=%d", gotJob, gotPDI)
	}

	b, ok := store.Get(uint64(66))
	if !ok || string(b) != "hello" {
		t.Fatalf("expected payload landed in store, got %q ok=%v", b, ok)
	}
}
