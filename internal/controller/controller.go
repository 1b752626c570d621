// Package controller is the scheduler core (§4, §5): the single brain that
// owns the job graph, version lineage, physical data map, binder, worker
// registry, template caches, and checkpoint index, and drives them through
// one serialized command queue rather than locking them against each other
// from multiple goroutines — the same "one goroutine owns the state
// machine, everyone else hands it work through a channel" shape as the
// teacher's JobManager-guarded dispatch/result/timeout/snapshot loops,
// generalized from a flat retry queue to a dependency-graph scheduler.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nimbus-sched/nimbus/internal/binder"
	"github.com/nimbus-sched/nimbus/internal/checkpoint"
	"github.com/nimbus-sched/nimbus/internal/config"
	"github.com/nimbus-sched/nimbus/internal/dataregistry"
	"github.com/nimbus-sched/nimbus/internal/idmaker"
	"github.com/nimbus-sched/nimbus/internal/jobgraph"
	"github.com/nimbus-sched/nimbus/internal/lineage"
	"github.com/nimbus-sched/nimbus/internal/metrics"
	"github.com/nimbus-sched/nimbus/internal/physicalmap"
	"github.com/nimbus-sched/nimbus/internal/template"
	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/internal/workerregistry"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrAlreadyStarted is returned by Start on a second call.
var ErrAlreadyStarted = errors.New("controller: already started")

// dispatchBatch bounds how many ready tasks the core loop binds and
// dispatches per tick, so one flood of spawns can't starve JobDone handling
// or admin commands — the bounded-fairness analogue of the teacher's
// one-job-per-dispatch-tick rule, widened to a small batch since binding a
// single task here can itself fan out several emissions.
const dispatchBatch = 32

// workerConn is a registered worker's live connection plus the mutex
// guarding concurrent writes to it (one writer at a time per net.Conn).
type workerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (wc *workerConn) send(m transport.Message) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return transport.WriteFrame(wc.conn, m)
}

type workerDoneMsg struct {
	worker types.WorkerID
	done   *transport.JobDone
}

// Controller is the scheduler core. Every field below is touched only from
// the run loop except where noted; cross-goroutine access goes through
// adminCh/doneCh instead of ad hoc locking.
type Controller struct {
	cfg config.Controller

	Graph       *jobgraph.Graph
	Lineage     *lineage.Lineage
	DataReg     *dataregistry.Registry
	PDIs        *physicalmap.Map
	Workers     *workerregistry.Registry
	IDs         *idmaker.Maker
	Binder      *binder.Binder
	Templates   *template.Manager
	Checkpoints *checkpoint.Index
	Metrics     *metrics.Collector

	connMu sync.Mutex
	conns  map[types.WorkerID]*workerConn

	pending          map[types.JobID]*binder.Result
	checkpointOfJob  map[types.JobID]types.CheckpointID
	pendingSaves     map[types.JobID]pendingSave
	partitionRegions map[types.PartitionID]types.Region
	megaRCRGroups    map[types.JobID][]types.JobID

	lastCompleteCheckpoint    types.CheckpointID
	hasCompleteCheckpoint     bool

	adminCh chan func(*Controller)
	doneCh  chan workerDoneMsg
	stopCh  chan struct{}

	listener      net.Listener
	adminListener net.Listener

	adminCancel func()

	startOnce sync.Once
	stopOnce  sync.Once
	group     *errgroup.Group
	startTime time.Time
}

// New wires every component together from cfg. It does not start any
// goroutine or listener; call Start for that.
func New(cfg config.Controller) *Controller {
	dataReg := dataregistry.New()
	graph := jobgraph.New(dataReg.Exists)
	lin := lineage.New()
	pdis := physicalmap.New()
	workers := workerregistry.New()
	ids := idmaker.New(cfg.IDMaker.RequesterBits)

	weights := binder.Weights{Alpha: cfg.Binder.Alpha, Beta: cfg.Binder.Beta, Gamma: cfg.Binder.Gamma}
	b := binder.New(graph, lin, pdis, dataReg, workers, ids, weights, cfg.Binder.Capacity)

	return &Controller{
		cfg:             cfg,
		Graph:           graph,
		Lineage:         lin,
		DataReg:         dataReg,
		PDIs:            pdis,
		Workers:         workers,
		IDs:             ids,
		Binder:          b,
		Templates:       template.New(),
		Checkpoints:     checkpoint.New(),
		Metrics:         metrics.NewCollector(),
		conns:            make(map[types.WorkerID]*workerConn),
		pending:          make(map[types.JobID]*binder.Result),
		checkpointOfJob:  make(map[types.JobID]types.CheckpointID),
		pendingSaves:     make(map[types.JobID]pendingSave),
		partitionRegions: make(map[types.PartitionID]types.Region),
		megaRCRGroups:    make(map[types.JobID][]types.JobID),
		adminCh:         make(chan func(*Controller), 256),
		doneCh:          make(chan workerDoneMsg, 256),
		stopCh:          make(chan struct{}),
	}
}

// newCheckpointID mints a collision-free checkpoint id across controller
// restarts by folding a fresh UUID down into the uint64 id space, rather
// than trusting a counter that resets to zero on every process start (§11
// domain stack: github.com/google/uuid).
func newCheckpointID() types.CheckpointID {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return types.CheckpointID(v)
}

// newTemplateGeneration mints a template generation id the same way (§4.7,
// §4.8): generations must never collide across a controller restart either,
// since a stale worker might still hold execution-template state tagged
// with a generation from before the crash.
func newTemplateGeneration() types.TemplateGenerationID {
	u := uuid.New()
	var v uint64
	for _, b := range u[8:16] {
		v = v<<8 | uint64(b)
	}
	return types.TemplateGenerationID(v)
}

// Start recovers the checkpoint index (if one exists on disk), opens the
// worker transport listener, and launches the scheduler core loop, the
// accept loop, and the periodic checkpoint-flush loop under one errgroup.
func (c *Controller) Start() error {
	var started bool
	c.startOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	if c.cfg.Checkpoint.Dir != "" {
		if err := c.Checkpoints.Load(c.checkpointIndexPath()); err != nil {
			return fmt.Errorf("controller: load checkpoint index: %w", err)
		}
	}

	ln, err := net.Listen("tcp", c.cfg.Transport.ListenAddr)
	if err != nil {
		return fmt.Errorf("controller: listen %s: %w", c.cfg.Transport.ListenAddr, err)
	}
	c.listener = ln

	c.group = &errgroup.Group{}
	c.group.Go(func() error { c.acceptLoop(); return nil })
	c.group.Go(func() error { c.runCore(); return nil })
	if c.cfg.Checkpoint.IntervalSeconds > 0 {
		c.group.Go(func() error { c.checkpointLoop(); return nil })
	}
	if c.cfg.Checkpoint.IntervalSeconds > 0 && c.cfg.Checkpoint.Dir != "" {
		c.group.Go(func() error { c.checkpointFlushLoop(); return nil })
	}

	adminCtx, adminCancel := context.WithCancel(context.Background())
	c.adminCancel = adminCancel
	if err := c.StartAdmin(adminCtx); err != nil {
		adminCancel()
		return fmt.Errorf("controller: start admin server: %w", err)
	}

	log.Info("controller started", "listen_addr", ln.Addr().String())
	return nil
}

// Stop closes the listener, every worker connection, and the core loop, and
// waits for them to drain, persisting one final checkpoint index snapshot.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.adminCancel != nil {
			c.adminCancel()
		}
		if c.listener != nil {
			c.listener.Close()
		}
		c.connMu.Lock()
		for _, wc := range c.conns {
			wc.conn.Close()
		}
		c.connMu.Unlock()

		if c.group != nil {
			c.group.Wait()
		}

		if c.cfg.Checkpoint.Dir != "" {
			if err := c.Checkpoints.Write(c.checkpointIndexPath()); err != nil {
				log.Error("controller: final checkpoint index write failed", "error", err)
			}
		}
		log.Info("controller stopped")
	})
}

func (c *Controller) checkpointIndexPath() string {
	return c.cfg.Checkpoint.Dir + "/index.json"
}

// Addr reports the bound worker transport address, useful when
// ListenAddr was ":0" (tests).
func (c *Controller) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// AdminAddr reports the bound admin HTTP address, useful when AdminAddr
// was ":0" (tests). Empty if the admin surface is disabled.
func (c *Controller) AdminAddr() string {
	if c.adminListener == nil {
		return ""
	}
	return c.adminListener.Addr().String()
}

// submit enqueues fn to run serialized on the core loop and blocks until it
// has, mirroring the teacher's pattern of funneling every external mutation
// through one guarded path rather than locking each component separately.
func (c *Controller) submit(fn func(*Controller)) {
	done := make(chan struct{})
	wrapped := func(ctl *Controller) {
		fn(ctl)
		close(done)
	}
	select {
	case c.adminCh <- wrapped:
	case <-c.stopCh:
		return
	}
	select {
	case <-done:
	case <-c.stopCh:
	}
}

// DefinePartition records the geometric region for a tiling class, so a
// later DefineData naming that partition can resolve its region (§4.2's
// DefineData/DefinePartition split: an LDO names its partition, a
// DefinePartition frame separately maps that partition to a region so it
// isn't repeated on every LDO).
func (c *Controller) DefinePartition(id types.PartitionID, region types.Region) {
	c.submit(func(ctl *Controller) {
		ctl.partitionRegions[id] = region
	})
}

// DefineData registers a new logical data object (§4.2, §6 DefineData). The
// LDO's region is resolved from whatever DefinePartition previously
// registered for its partition; load-map batches send DefinePartition
// frames before the DefineData frames that reference them.
func (c *Controller) DefineData(id types.LogicalDataID, name string, partition types.PartitionID, neighbors []types.LogicalDataID) error {
	var outErr error
	c.submit(func(ctl *Controller) {
		region := ctl.partitionRegions[partition]
		outErr = ctl.DataReg.Define(id, name, region, partition, neighbors)
	})
	return outErr
}

// SpawnJob inserts a new task into the job graph (§4.4, §6 SpawnCompute/SpawnCopy).
func (c *Controller) SpawnJob(job types.Job) error {
	var outErr error
	c.submit(func(ctl *Controller) {
		outErr = ctl.Graph.Spawn(job)
		if outErr == nil {
			ctl.Metrics.RecordSpawned()
		}
	})
	return outErr
}

// DetectTemplate begins or restarts detection of a repeating task-graph
// shape under name (§4.7).
func (c *Controller) DetectTemplate(name string) error {
	var outErr error
	c.submit(func(ctl *Controller) { outErr = ctl.Templates.DetectNew(name) })
	return outErr
}

// AddTemplateSlot records one slot of a template still under detection.
func (c *Controller) AddTemplateSlot(name string, slot types.TemplateSlot) error {
	var outErr error
	c.submit(func(ctl *Controller) { outErr = ctl.Templates.AddComputeJobToTemplate(name, slot) })
	return outErr
}

// FinalizeTemplate seals a template's slot list; every instantiation
// thereafter reuses the precomputed slot lineage instead of re-detecting
// the shape (§4.7, §8 scenario 4).
func (c *Controller) FinalizeTemplate(name string) error {
	var outErr error
	c.submit(func(ctl *Controller) { outErr = ctl.Templates.Finalize(name) })
	return outErr
}

// InstantiateTemplate binds name's slots to freshly minted job ids and
// spawns the resulting tasks into the job graph in one call, the hot path
// that lets a repeated sub-DAG skip re-detection (§4.7, §8 scenario 4).
// cacheHit is true whenever this is not the template's first instantiation,
// used only to tag the metric.
func (c *Controller) InstantiateTemplate(name string, parent types.JobID, region types.Region, params map[string]interface{}) (*template.Instance, error) {
	var inst *template.Instance
	var outErr error
	c.submit(func(ctl *Controller) {
		_, priorCount, _ := ctl.Templates.Status(name)
		generation := uint64(newTemplateGeneration())

		slotCount := ctl.Templates.SlotCount(name)
		innerIDs := make([]types.JobID, slotCount)
		for i := range innerIDs {
			innerIDs[i] = types.JobID(ctl.IDs.GetNewID(idmaker.DomainJob, 0))
		}

		instance, err := ctl.Templates.Instantiate(name, generation, innerIDs, parent, region, params)
		if err != nil {
			outErr = err
			return
		}
		for _, job := range instance.Jobs {
			if err := ctl.Graph.Spawn(job); err != nil {
				outErr = err
				return
			}
			ctl.Metrics.RecordSpawned()
		}
		ctl.Metrics.RecordTemplateInstantiation(name, priorCount > 0)
		inst = instance
	})
	return inst, outErr
}

// WorkerList returns a snapshot of every registered worker (live or lost),
// for the `worker-list` admin surface (§14).
func (c *Controller) WorkerList() []workerregistry.Worker {
	var out []workerregistry.Worker
	c.submit(func(ctl *Controller) {
		out = ctl.Workers.All()
	})
	return out
}

// Checkpoint mints a new checkpoint id, registers every currently live job
// as a member (tracking each under checkpointOfJob so its JobDone reaches
// CompleteJob), spawns a Save task for every logical data object's latest
// materialized instance, and returns the id for the caller to poll via
// Checkpoints.IsComplete — the realization of §4.9's AddJob/IsComplete
// pending-counter bookkeeping plus the AddSaveDataJob half that actually
// populates the index with recoverable handles.
func (c *Controller) Checkpoint() types.CheckpointID {
	id := newCheckpointID()
	c.submit(func(ctl *Controller) {
		for _, w := range ctl.Workers.All() {
			for _, jobID := range ctl.Graph.JobsOnWorker(w.ID) {
				ctl.Checkpoints.AddJob(id, jobID)
				ctl.checkpointOfJob[jobID] = id
			}
		}
		for _, ld := range ctl.DataReg.All() {
			ctl.spawnSaveJob(id, ld)
		}
	})
	return id
}

// pendingSave tracks an in-flight Save task's checkpoint membership, so its
// JobDone can resolve back to the right NotifySaveDataJobDone call (§4.9).
type pendingSave struct {
	checkpoint types.CheckpointID
	version    types.DataVersion
}

// spawnSaveJob dispatches a Save task for ld's latest physical instance
// under checkpoint id and registers it with the checkpoint index. An LDO
// with no materialized instance anywhere yet is skipped — there is nothing
// to persist for it in this checkpoint.
func (c *Controller) spawnSaveJob(id types.CheckpointID, ld types.LogicalData) {
	pdi, ok := c.PDIs.LatestInstance(ld.ID)
	if !ok {
		return
	}
	if err := c.PDIs.Pin(pdi.ID); err != nil {
		log.Warn("controller: pin for save failed", "pdi", pdi.ID, "error", err)
		return
	}

	saveID := types.JobID(c.IDs.GetNewID(idmaker.DomainJob, 0))
	job := types.Job{
		ID:     saveID,
		Kind:   types.JobSave,
		Read:   []types.LogicalDataID{ld.ID},
		Region: ld.Region,
		Params: map[string]interface{}{
			"kind":          "save",
			"checkpoint_id": uint64(id),
			"version":       uint64(pdi.Version),
		},
	}
	if err := c.Graph.SpawnAssigned(job, pdi.Worker); err != nil {
		log.Error("controller: failed to spawn save job", "ldo", ld.ID, "job_id", saveID, "error", err)
		if uerr := c.PDIs.Unpin(pdi.ID); uerr != nil {
			log.Warn("controller: unpin after failed save spawn", "pdi", pdi.ID, "error", uerr)
		}
		return
	}
	c.Metrics.RecordSpawned()

	c.Checkpoints.AddSaveDataJob(id, saveID, ld.ID)
	c.pendingSaves[saveID] = pendingSave{checkpoint: id, version: pdi.Version}
	c.pending[saveID] = &binder.Result{Worker: pdi.Worker, BoundPDIs: []types.PhysicalDataID{pdi.ID}}

	msg := &transport.ComputeJob{
		Name:     "checkpoint-save",
		JobID:    saveID,
		PhysRead: []types.PhysicalDataID{pdi.ID},
		Params:   job.Params,
	}
	if err := c.send(pdi.Worker, msg); err != nil {
		log.Error("controller: failed to dispatch save job", "worker", pdi.Worker, "job_id", saveID, "error", err)
	}
}

// Terminate propagates a graceful shutdown to every registered worker with
// the given exit status (§12 terminate_command.h semantics) and then stops
// the controller itself.
func (c *Controller) Terminate(exitStatus int) {
	c.connMu.Lock()
	conns := make([]*workerConn, 0, len(c.conns))
	for _, wc := range c.conns {
		conns = append(conns, wc)
	}
	c.connMu.Unlock()

	for _, wc := range conns {
		if err := wc.send(&transport.Terminate{ExitStatus: exitStatus}); err != nil {
			log.Warn("controller: failed to propagate terminate to worker", "error", err)
		}
	}
	c.Stop()
}

// acceptLoop accepts worker connections until the listener is closed.
func (c *Controller) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				log.Error("controller: accept failed", "error", err)
				return
			}
		}
		go c.handleWorkerConn(conn)
	}
}

// handleWorkerConn reads the connection's first frame and dispatches to
// either the worker lifecycle (a Handshake, followed by a JobDone stream)
// or the load-map batch lifecycle (a DefineData/DefinePartition stream,
// §14's `load-map` — a batch loader is a legitimate sender of those two
// worker-facing messages without ever being a worker itself).
func (c *Controller) handleWorkerConn(conn net.Conn) {
	defer conn.Close()
	r := newFrameReader(conn)

	first, err := r.read()
	if err != nil {
		log.Warn("controller: connection closed before first frame", "error", err)
		return
	}

	switch m := first.(type) {
	case *transport.Handshake:
		c.runWorkerConn(conn, r, m)
	case *transport.DefineData, *transport.DefinePartition:
		c.applyLoadMapFrame(first)
		c.runLoadMapConn(r)
	default:
		log.Warn("controller: unexpected first frame", "kind", m.Kind())
	}
}

// runLoadMapConn drains the remaining DefineData/DefinePartition frames on
// a load-map batch connection until it closes.
func (c *Controller) runLoadMapConn(r *frameReader) {
	for {
		msg, err := r.read()
		if err != nil {
			return
		}
		switch msg.(type) {
		case *transport.DefineData, *transport.DefinePartition:
			c.applyLoadMapFrame(msg)
		default:
			log.Warn("controller: unexpected frame on load-map connection", "kind", msg.Kind())
		}
	}
}

func (c *Controller) applyLoadMapFrame(msg transport.Message) {
	switch m := msg.(type) {
	case *transport.DefineData:
		if err := c.DefineData(m.LDOID, m.Name, m.PartitionID, m.Neighbors); err != nil {
			log.Warn("controller: load-map DefineData failed", "ldo_id", m.LDOID, "error", err)
		}
	case *transport.DefinePartition:
		c.DefinePartition(m.PartitionID, m.Region)
	}
}

// runWorkerConn registers hs as a live worker and streams its JobDone
// reports into doneCh for the core loop.
func (c *Controller) runWorkerConn(conn net.Conn, r *frameReader, hs *transport.Handshake) {
	wc := &workerConn{conn: conn}
	c.connMu.Lock()
	c.conns[hs.WorkerID] = wc
	c.connMu.Unlock()
	c.Workers.Register(hs.WorkerID, hs.Address, hs.Port, hs.Capabilities, time.Now())
	log.Info("worker handshake", "worker_id", hs.WorkerID, "address", hs.Address, "capabilities", hs.Capabilities)

	for {
		msg, err := r.read()
		if err != nil {
			log.Info("controller: worker connection ended", "worker_id", hs.WorkerID, "error", err)
			c.markWorkerLost(hs.WorkerID)
			return
		}
		done, ok := msg.(*transport.JobDone)
		if !ok {
			log.Warn("controller: unexpected frame from worker", "worker_id", hs.WorkerID, "kind", msg.Kind())
			continue
		}
		select {
		case c.doneCh <- workerDoneMsg{worker: hs.WorkerID, done: done}:
		case <-c.stopCh:
			return
		}
	}
}

// markWorkerLost drops the dead connection immediately (connMu is its own
// lock, independent of the core loop) and hands the actual rewind to the
// core loop via submit, since it touches the job graph, lineage, and
// physical map, which are only ever safe to mutate from there.
func (c *Controller) markWorkerLost(id types.WorkerID) {
	c.connMu.Lock()
	delete(c.conns, id)
	c.connMu.Unlock()
	c.submit(func(ctl *Controller) {
		ctl.rewindWorker(id)
	})
}

// rewindWorker implements §7's WorkerLost policy: every task in flight on
// the lost worker fails, every LDO written (or pending a write) by one of
// those tasks is rolled back to the latest checkpointed version, whether or
// not another worker still holds a copy, and a Load task is
// spawned on a surviving worker for each such LDO so execution can resume
// from there (§8 scenario 5). If no checkpoint has ever completed there is
// nothing to load from; the affected tasks stay failed for the application
// to notice and resubmit.
func (c *Controller) rewindWorker(id types.WorkerID) {
	start := time.Now()

	if err := c.Workers.MarkLost(id); err != nil {
		log.Warn("controller: mark lost failed", "worker_id", id, "error", err)
	}
	c.Metrics.RecordWorkerLost()

	touchedLDOs := make(map[types.LogicalDataID]bool)
	for _, jobID := range c.Graph.JobsOnWorker(id) {
		if job, ok := c.Graph.Get(jobID); ok {
			for _, w := range job.Write {
				touchedLDOs[w] = true
			}
		}
		if result, tracked := c.pending[jobID]; tracked {
			for _, pw := range result.PendingWrites {
				touchedLDOs[pw.LDO] = true
			}
			delete(c.pending, jobID)
		}
		if err := c.Graph.MarkFailed(jobID); err != nil {
			log.Warn("controller: mark failed during rewind", "job_id", jobID, "error", err)
			continue
		}
		c.Metrics.RecordFailed()
	}

	c.PDIs.ReleaseWorker(id)

	if len(touchedLDOs) == 0 {
		c.Metrics.ObserveRewindDuration(time.Since(start).Seconds())
		return
	}
	if !c.hasCompleteCheckpoint {
		log.Warn("controller: worker lost with no complete checkpoint to rewind to", "worker_id", id)
		c.Metrics.ObserveRewindDuration(time.Since(start).Seconds())
		return
	}

	survivor, ok := c.pickSurvivor(id)
	if !ok {
		log.Error("controller: no surviving worker to load rewound data onto", "checkpoint", c.lastCompleteCheckpoint)
		c.Metrics.ObserveRewindDuration(time.Since(start).Seconds())
		return
	}

	for ldo := range touchedLDOs {
		c.rewindLDO(ldo, survivor)
	}
	c.Metrics.ObserveRewindDuration(time.Since(start).Seconds())
}

// pickSurvivor returns a deterministic live worker other than exclude, so
// rewind's load targets don't wobble from map iteration order across runs.
func (c *Controller) pickSurvivor(exclude types.WorkerID) (types.WorkerID, bool) {
	live := c.Workers.Live()
	var best *workerregistry.Worker
	for i := range live {
		w := &live[i]
		if w.ID == exclude {
			continue
		}
		if best == nil || w.ID < best.ID {
			best = w
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ID, true
}

// rewindLDO rolls ldo's lineage back to the latest checkpointed version and
// spawns a Load task on target for every handle the checkpoint recorded at
// that version, riding the generic ComputeJob wire message per the Params
// convention every non-compute task kind already uses.
func (c *Controller) rewindLDO(ldo types.LogicalDataID, target types.WorkerID) {
	handles, version, err := c.Checkpoints.GetHandleToLoadData(c.lastCompleteCheckpoint, ldo, ^types.DataVersion(0))
	if err != nil {
		log.Warn("controller: no checkpointed handle for ldo, cannot rewind", "ldo", ldo, "error", err)
		return
	}
	if err := c.Lineage.RollbackToVersion(ldo, version); err != nil {
		log.Warn("controller: lineage rollback failed", "ldo", ldo, "error", err)
	}

	region := types.Region{}
	if ld, err := c.DataReg.Lookup(ldo); err == nil {
		region = ld.Region
	}

	for _, h := range handles {
		pdiID, err := c.PDIs.Allocate(target, ldo, version, c.Binder.Capacity)
		if err != nil {
			log.Error("controller: rewind allocate failed", "ldo", ldo, "worker", target, "error", err)
			continue
		}

		loadID := types.JobID(c.IDs.GetNewID(idmaker.DomainJob, 0))
		job := types.Job{
			ID:     loadID,
			Kind:   types.JobLoad,
			Write:  []types.LogicalDataID{ldo},
			Region: region,
			Params: map[string]interface{}{
				"kind":          "load",
				"checkpoint_id": uint64(c.lastCompleteCheckpoint),
				"version":       uint64(version),
				"handle":        h.Opaque,
				"source_worker": uint64(h.Worker),
			},
		}
		if err := c.Graph.SpawnAssigned(job, target); err != nil {
			log.Error("controller: failed to spawn rewind load job", "ldo", ldo, "job_id", loadID, "error", err)
			continue
		}
		c.Metrics.RecordSpawned()

		c.pending[loadID] = &binder.Result{
			Worker: target,
			PendingWrites: []binder.PendingWrite{
				{LDO: ldo, Version: version, PDI: pdiID, Depth: 0, Sterile: false},
			},
		}

		msg := &transport.ComputeJob{
			Name:      "rewind-load",
			JobID:     loadID,
			PhysWrite: []types.PhysicalDataID{pdiID},
			Params:    job.Params,
		}
		if err := c.send(target, msg); err != nil {
			log.Error("controller: failed to dispatch rewind load job", "worker", target, "job_id", loadID, "error", err)
		}
	}
}

// runCore is the scheduler's single serialized decision loop: drain admin
// commands, drain JobDone reports, then spend the rest of the tick binding
// and dispatching ready tasks, each step bounded so no one source starves
// the others (§5).
func (c *Controller) runCore() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case fn := <-c.adminCh:
			fn(c)
		case d := <-c.doneCh:
			c.handleJobDone(d.worker, d.done)
		case <-ticker.C:
			c.driveDispatch()
			c.Metrics.SetJobGraphSize(c.Graph.Size())
		}
	}
}

// driveDispatch pops up to dispatchBatch ready tasks, binds each, folds
// every RemoteCopyReceive bound this round into a MegaRCR per worker
// (§6/§8 scenario 3), and sends the resulting emissions.
func (c *Controller) driveDispatch() {
	var batch []binder.Emission
	for i := 0; i < dispatchBatch; i++ {
		job := c.Graph.PopReady()
		if job == nil {
			break
		}

		start := time.Now()
		result, err := c.Binder.Bind(*job)
		c.Metrics.ObserveBindLatency(time.Since(start).Seconds())
		if err != nil {
			c.handleBindError(*job, err)
			continue
		}

		c.Metrics.RecordAssigned()
		c.pending[job.ID] = result
		batch = append(batch, result.Emissions...)
	}

	merged := binder.MergeReceivesIntoMegaRCR(batch)
	for _, em := range merged {
		if mega, ok := em.Msg.(*transport.MegaRCR); ok && len(mega.Entries) > 1 {
			members := make([]types.JobID, 0, len(mega.Entries))
			for _, entry := range mega.Entries {
				members = append(members, entry.ReceiveJobID)
			}
			c.megaRCRGroups[mega.JobID] = members
		}
		if err := c.send(em.Worker, em.Msg); err != nil {
			log.Error("controller: failed to dispatch emission", "worker", em.Worker, "kind", em.Msg.Kind(), "error", err)
		}
	}
}

// handleBindError applies §7's per-error-kind policy: allocation pressure
// and no-eligible-worker are retryable (the task stays ready and is tried
// again next tick); anything else is a Fatal condition for this task.
func (c *Controller) handleBindError(job types.Job, err error) {
	switch {
	case errors.Is(err, binder.ErrAllocationPressure), errors.Is(err, binder.ErrNoEligibleWorker):
		c.Graph.Requeue(job.ID)
	default:
		log.Error("controller: fatal bind error", "job_id", job.ID, "error", err)
		if merr := c.Graph.MarkFailed(job.ID); merr != nil {
			log.Error("controller: mark failed", "job_id", job.ID, "error", merr)
		}
		c.Metrics.RecordFailed()
	}
}

// send writes msg to worker's connection, or errUnknownWorkerConn if none
// is registered (e.g. it was lost between bind and dispatch).
var errUnknownWorkerConn = errors.New("controller: no live connection for worker")

func (c *Controller) send(worker types.WorkerID, msg transport.Message) error {
	c.connMu.Lock()
	wc, ok := c.conns[worker]
	c.connMu.Unlock()
	if !ok {
		return errUnknownWorkerConn
	}
	return wc.send(msg)
}

// handleJobDone applies a worker's completion report: on success, commits
// pending writes into the lineage and physical map and releases every PDI
// pinned for the task; on failure, marks the task failed (§4.6, §7).
func (c *Controller) handleJobDone(worker types.WorkerID, msg *transport.JobDone) {
	result := c.pending[msg.JobID]
	delete(c.pending, msg.JobID)

	if result != nil {
		c.Workers.IncrQueueDepth(worker, -1)
	}

	if msg.Failed {
		c.Metrics.RecordFailed()
		if err := c.Graph.MarkFailed(msg.JobID); err != nil {
			log.Warn("controller: mark failed", "job_id", msg.JobID, "error", err)
		}
		c.unpin(result)
		delete(c.checkpointOfJob, msg.JobID)
		delete(c.pendingSaves, msg.JobID)
		return
	}

	if result != nil {
		for _, pw := range result.PendingWrites {
			if err := c.Lineage.AppendEntry(pw.LDO, msg.JobID, pw.Version, pw.Depth, pw.Sterile); err != nil {
				log.Error("controller: lineage append failed", "job_id", msg.JobID, "ldo", pw.LDO, "error", err)
				continue
			}
			if err := c.PDIs.Commit(pw.PDI, pw.Version); err != nil {
				log.Error("controller: commit physical data failed", "job_id", msg.JobID, "pdi", pw.PDI, "error", err)
			}
			if err := c.PDIs.MarkDirty(pw.PDI, true); err != nil {
				log.Warn("controller: mark dirty failed", "pdi", pw.PDI, "error", err)
			}
		}
	}
	c.unpin(result)

	members, isMegaRCR := c.megaRCRGroups[msg.JobID]
	if !isMegaRCR {
		members = []types.JobID{msg.JobID}
	} else {
		delete(c.megaRCRGroups, msg.JobID)
	}
	for _, member := range members {
		if _, err := c.Graph.MarkDone(member, msg.RunTimeMS, msg.WaitTimeMS); err != nil {
			log.Warn("controller: mark done failed", "job_id", member, "error", err)
			continue
		}
		c.Metrics.RecordCompleted()
	}

	if cpID, tracked := c.checkpointOfJob[msg.JobID]; tracked {
		delete(c.checkpointOfJob, msg.JobID)
		if err := c.Checkpoints.CompleteJob(cpID, msg.JobID); err != nil {
			log.Warn("controller: checkpoint complete job failed", "checkpoint", cpID, "job_id", msg.JobID, "error", err)
		}
		c.checkCheckpointComplete(cpID)
	}

	if sv, tracked := c.pendingSaves[msg.JobID]; tracked {
		delete(c.pendingSaves, msg.JobID)
		handle := checkpoint.Handle{
			Worker: worker,
			Opaque: []byte(fmt.Sprintf("pdi-save-job-%d-v%d", msg.JobID, sv.version)),
		}
		if err := c.Checkpoints.NotifySaveDataJobDone(sv.checkpoint, msg.JobID, sv.version, handle); err != nil {
			log.Warn("controller: notify save data job done failed", "checkpoint", sv.checkpoint, "job_id", msg.JobID, "error", err)
		}
		c.checkCheckpointComplete(sv.checkpoint)
	}
}

// checkCheckpointComplete promotes cpID to the latest complete checkpoint
// once both its member tasks and its save jobs have finished (§4.9).
func (c *Controller) checkCheckpointComplete(cpID types.CheckpointID) {
	complete, err := c.Checkpoints.IsComplete(cpID)
	if err != nil || !complete {
		return
	}
	c.lastCompleteCheckpoint = cpID
	c.hasCompleteCheckpoint = true
	log.Info("controller: checkpoint complete", "checkpoint", cpID)
}

func (c *Controller) unpin(result *binder.Result) {
	if result == nil {
		return
	}
	for _, pdi := range result.BoundPDIs {
		if err := c.PDIs.Unpin(pdi); err != nil {
			log.Warn("controller: unpin failed", "pdi", pdi, "error", err)
		}
	}
	c.Metrics.SetPDIPinned(c.countPinned())
}

func (c *Controller) countPinned() int {
	n := 0
	for _, w := range c.Workers.All() {
		for _, pdi := range c.PDIs.InstancesOnWorker(w.ID) {
			if pdi.PinCount > 0 {
				n++
			}
		}
	}
	return n
}

// checkpointLoop periodically mints a new checkpoint and drives its
// save-data jobs, independent of runCore so a slow save dispatch never
// stalls ordinary task binding (§4.9).
func (c *Controller) checkpointLoop() {
	ticker := time.NewTicker(c.cfg.Checkpoint.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Checkpoint()
		}
	}
}

// checkpointFlushLoop periodically persists the checkpoint index to disk
// (§4.9 persistence), independent of the core loop so a slow disk never
// stalls dispatch.
func (c *Controller) checkpointFlushLoop() {
	ticker := time.NewTicker(c.cfg.Checkpoint.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Checkpoints.Write(c.checkpointIndexPath()); err != nil {
				log.Error("controller: periodic checkpoint index write failed", "error", err)
			}
		}
	}
}

// frameReader reads length-prefixed transport frames off a live connection,
// used by handleWorkerConn to decode the worker's Handshake then its
// JobDone stream.
type frameReader struct {
	br *bufio.Reader
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{br: bufio.NewReader(conn)}
}

func (r *frameReader) read() (transport.Message, error) {
	return transport.ReadFrame(r.br)
}
