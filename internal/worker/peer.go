// Worker-to-worker data movement for RemoteCopySend/RemoteCopyReceive
// (§6). The controller only ever addresses commands to a single worker
// (§6 closed vocabulary has no worker-to-worker message); moving the
// actual bytes between two workers is this package's own wire detail, the
// same way the original scheduler kept a direct TCP connection cache
// between worker processes rather than relaying payloads through the
// controller.
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

// ErrUnknownPeer is returned when no address is registered for a worker id.
var ErrUnknownPeer = errors.New("worker: unknown peer address")

// PeerBook is a small, mutable worker-id -> address directory. Entries are
// seeded from static config at startup and can be extended later as the
// controller introduces new workers.
type PeerBook struct {
	mu   sync.RWMutex
	addr map[types.WorkerID]string
}

// NewPeerBook builds a directory from an initial set of addresses.
func NewPeerBook(initial map[types.WorkerID]string) *PeerBook {
	b := &PeerBook{addr: make(map[types.WorkerID]string)}
	for id, a := range initial {
		b.addr[id] = a
	}
	return b
}

// Set registers or updates a peer's address.
func (b *PeerBook) Set(id types.WorkerID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr[id] = addr
}

// Address looks up a peer's address.
func (b *PeerBook) Address(id types.WorkerID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.addr[id]
	return a, ok
}

// envelope is the datum carried over a worker-to-worker connection: which
// inner job is waiting on the data, which PDI it should land in, and the
// bytes themselves.
type envelope struct {
	ReceiveJobID types.JobID          `json:"receive_job_id"`
	ToPDI        types.PhysicalDataID `json:"to_pdi"`
	Payload      []byte               `json:"payload"`
}

func writeEnvelope(w net.Conn, e envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("worker: encode envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("worker: write envelope length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("worker: write envelope body: %w", err)
	}
	return nil
}

func readEnvelope(r *bufio.Reader) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, err
	}
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return envelope{}, fmt.Errorf("worker: decode envelope: %w", err)
	}
	return e, nil
}

// PeerDialer sends a materialized PDI's bytes to another worker.
type PeerDialer struct {
	Book *PeerBook
}

// Send dials toWorker (if needed) and delivers payload for receiveJobID/toPDI.
func (d *PeerDialer) Send(toWorker types.WorkerID, receiveJobID types.JobID, toPDI types.PhysicalDataID, payload []byte) error {
	addr, ok := d.Book.Address(toWorker)
	if !ok {
		return ErrUnknownPeer
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: dial peer %d at %s: %w", toWorker, addr, err)
	}
	defer conn.Close()
	return writeEnvelope(conn, envelope{ReceiveJobID: receiveJobID, ToPDI: toPDI, Payload: payload})
}

// PeerServer accepts inbound worker-to-worker transfers and lands each
// payload in store, invoking onArrival so the pool can release any
// RemoteCopyReceive/MegaRCR task that was waiting on it.
type PeerServer struct {
	listener  net.Listener
	store     *LocalStore
	onArrival func(receiveJobID types.JobID, toPDI types.PhysicalDataID)
}

// ListenPeerServer starts listening on addr for worker-to-worker transfers.
func ListenPeerServer(addr string, store *LocalStore, onArrival func(types.JobID, types.PhysicalDataID)) (*PeerServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("worker: listen peer server: %w", err)
	}
	return &PeerServer{listener: ln, store: store, onArrival: onArrival}, nil
}

// Addr reports the bound listen address (useful when addr was ":0").
func (s *PeerServer) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until the listener is closed.
func (s *PeerServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *PeerServer) handle(conn net.Conn) {
	defer conn.Close()
	e, err := readEnvelope(bufio.NewReader(conn))
	if err != nil {
		return
	}
	s.store.Put(uint64(e.ToPDI), e.Payload)
	if s.onArrival != nil {
		s.onArrival(e.ReceiveJobID, e.ToPDI)
	}
}

// Close stops accepting new connections.
func (s *PeerServer) Close() error { return s.listener.Close() }
