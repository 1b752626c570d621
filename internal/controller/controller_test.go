package controller

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbus-sched/nimbus/internal/config"
	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

func freshMetricsRegistry() {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
}

func testConfig() config.Controller {
	cfg := config.DefaultController()
	cfg.Transport.ListenAddr = "127.0.0.1:0"
	cfg.Transport.AdminAddr = "127.0.0.1:0"
	cfg.Checkpoint.Dir = ""
	return cfg
}

func startTestController(t *testing.T) *Controller {
	t.Helper()
	freshMetricsRegistry()
	c := New(testConfig())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// fakeWorker performs a real Handshake over TCP and then hands back
// whatever connection it got, so a test can read dispatched commands and
// write JobDone reports as a real worker process would.
type fakeWorker struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialFakeWorker(t *testing.T, controllerAddr string, id types.WorkerID, caps []string) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", controllerAddr)
	if err != nil {
		t.Fatalf("dial controller: %v", err)
	}
	fw := &fakeWorker{conn: conn, br: bufio.NewReader(conn)}
	hs := &transport.Handshake{WorkerID: id, Address: "127.0.0.1", Port: 9100, Capabilities: caps}
	if err := transport.WriteFrame(conn, hs); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return fw
}

func (fw *fakeWorker) recv(t *testing.T) transport.Message {
	t.Helper()
	fw.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := transport.ReadFrame(fw.br)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func (fw *fakeWorker) send(t *testing.T, m transport.Message) {
	t.Helper()
	if err := transport.WriteFrame(fw.conn, m); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	c := startTestController(t)
	if c.Addr() == "" {
		t.Fatal("expected a bound listen address")
	}
}

func TestDoubleStartReturnsError(t *testing.T) {
	c := startTestController(t)
	if err := c.Start(); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSpawnComputeDispatchesToWorker(t *testing.T) {
	c := startTestController(t)

	fw := dialFakeWorker(t, c.Addr(), 7, nil)
	defer fw.conn.Close()

	// Give the accept goroutine a moment to register the handshake before
	// the job graph becomes ready and the dispatch tick fires.
	time.Sleep(50 * time.Millisecond)

	// No reads or writes keeps the binder to a single ComputeJob emission
	// (no synthetic Create/copy jobs), so the wire exchange below is exactly
	// one request/response round trip.
	job := types.Job{
		ID:      100,
		Kind:    types.JobCompute,
		Name:    "advect",
		Region:  types.Region{DX: 1, DY: 1, DZ: 1},
		Sterile: true,
	}
	if err := c.SpawnJob(job); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	msg := fw.recv(t)
	compute, ok := msg.(*transport.ComputeJob)
	if !ok {
		t.Fatalf("expected ComputeJob, got %T", msg)
	}

	fw.send(t, &transport.JobDone{JobID: compute.JobID, After: compute.After})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Graph.Get(job.ID); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := c.Graph.Get(job.ID); ok {
		t.Fatal("expected the completed job to be garbage-collected from the graph")
	}
}

func TestWorkerListReflectsHandshake(t *testing.T) {
	c := startTestController(t)
	fw := dialFakeWorker(t, c.Addr(), 42, []string{"gpu"})
	defer fw.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := c.Workers.Get(42); ok && w.HasCapability("gpu") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected worker 42 to be registered with gpu capability")
}

func TestAdminWorkerListEndpoint(t *testing.T) {
	c := startTestController(t)
	fw := dialFakeWorker(t, c.Addr(), 9, []string{"cpu"})
	defer fw.conn.Close()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + c.AdminAddr() + "/workers")
	if err != nil {
		t.Fatalf("GET /workers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTerminatePropagatesToWorkers(t *testing.T) {
	freshMetricsRegistry()
	c := New(testConfig())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	fw := dialFakeWorker(t, c.Addr(), 3, nil)
	defer fw.conn.Close()
	time.Sleep(50 * time.Millisecond)

	go c.Terminate(7)

	msg := fw.recv(t)
	term, ok := msg.(*transport.Terminate)
	if !ok {
		t.Fatalf("expected Terminate, got %T", msg)
	}
	if term.ExitStatus != 7 {
		t.Fatalf("expected exit status 7, got %d", term.ExitStatus)
	}
}
