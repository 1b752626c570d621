// Package worker is the worker process's task execution unit (§4.8, §6): a
// fixed-size pool of goroutines pulling commands from a CommandSource,
// executing them against a LocalStore of materialized physical data, and
// reporting JobDone back — adapted from the teacher's Pool/taskCh/resultCh
// goroutine-pool shape, generalized from one opaque "task" kind to the full
// compute/copy/create command vocabulary, and run under an errgroup that
// Stop waits on; each goroutine returns nil, so the group only does the
// wait bookkeeping and Stop's cancel does the unblocking.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimbus-sched/nimbus/internal/transport"
	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrPoolClosed is returned by pool operations once Stop has run.
var ErrPoolClosed = errors.New("worker: pool is closed")

// Pool runs N goroutines, each independently pulling a command from
// Source, executing it, and reporting JobDone.
type Pool struct {
	Source  CommandSource
	Store   *LocalStore
	Dialer  *PeerDialer
	Compute ComputeFunc

	size int

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool builds a pool of size goroutines. If compute is nil,
// SimulatedCompute is used.
func NewPool(size int, source CommandSource, store *LocalStore, dialer *PeerDialer, compute ComputeFunc) *Pool {
	if compute == nil {
		compute = SimulatedCompute
	}
	return &Pool{
		Source:  source,
		Store:   store,
		Dialer:  dialer,
		Compute: compute,
		size:    size,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the pool's goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker: pool already started")
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	p.cancel = cancel
	p.group, _ = errgroup.WithContext(context.Background())

	for i := 0; i < p.size; i++ {
		id := i
		p.group.Go(func() error {
			p.run(id)
			return nil
		})
	}
	return nil
}

// Stop signals every goroutine to exit after its current command and
// waits for them to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	p.group.Wait()
}

func (p *Pool) run(id int) {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		cmd, err := p.Source.Recv(p.ctx)
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			log.Debug("worker recv error", "worker", id, "error", err)
			continue
		}

		if term, ok := cmd.(*transport.Terminate); ok {
			log.Info("worker received terminate", "exit_status", term.ExitStatus)
			return
		}

		start := time.Now()
		done, execErr := p.execute(cmd)
		done.RunTimeMS = time.Since(start).Milliseconds()
		done.WaitTimeMS = 0
		if execErr != nil {
			done.Failed = true
			log.Warn("worker command failed", "job_id", done.JobID, "error", execErr)
		}

		sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.Source.Send(sendCtx, done); err != nil {
			log.Error("worker failed to report job done", "job_id", done.JobID, "error", err)
		}
		sendCancel()
	}
}

// execute dispatches cmd to the handler for its kind and returns the
// JobDone to report, plus any execution error (also reflected in Failed).
func (p *Pool) execute(cmd transport.Message) (*transport.JobDone, error) {
	switch m := cmd.(type) {
	case *transport.ComputeJob:
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		err := p.Compute(ctx, m, p.Store)
		return &transport.JobDone{JobID: m.JobID, After: m.After, Params: m.Params}, err

	case *transport.Create:
		p.Store.Put(uint64(m.PDIID), nil)
		return &transport.JobDone{JobID: m.JobID, After: m.After}, nil

	case *transport.LocalCopy:
		b, ok := p.Store.Get(uint64(m.FromPDI))
		if !ok {
			return &transport.JobDone{JobID: m.JobID, After: m.After}, errMissingSource(m.FromPDI)
		}
		p.Store.Put(uint64(m.ToPDI), b)
		return &transport.JobDone{JobID: m.JobID, After: m.After}, nil

	case *transport.RemoteCopySend:
		b, ok := p.Store.Get(uint64(m.FromPDI))
		if !ok {
			return &transport.JobDone{JobID: m.JobID, After: m.After}, errMissingSource(m.FromPDI)
		}
		err := p.Dialer.Send(m.ToWorker, m.ReceiveJobID, m.ToPDI, b)
		return &transport.JobDone{JobID: m.JobID, After: m.After}, err

	case *transport.RemoteCopyReceive:
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		_, err := p.Store.Await(ctx, uint64(m.ToPDI))
		return &transport.JobDone{JobID: m.JobID, After: m.After}, err

	case *transport.MegaRCR:
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		var after []types.JobID
		var firstErr error
		for _, entry := range m.Entries {
			if _, err := p.Store.Await(ctx, uint64(entry.ToPDI)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		after = append(after, m.After...)
		return &transport.JobDone{JobID: m.JobID, After: after}, firstErr

	default:
		return &transport.JobDone{}, errUnsupportedCommand(cmd)
	}
}

func errMissingSource(pdi types.PhysicalDataID) error {
	return &missingSourceError{pdi: pdi}
}

type missingSourceError struct{ pdi types.PhysicalDataID }

func (e *missingSourceError) Error() string {
	return "worker: no local data for physical id " + strconv.FormatUint(uint64(e.pdi), 10)
}

func errUnsupportedCommand(cmd transport.Message) error {
	return &unsupportedCommandError{kind: cmd.Kind()}
}

type unsupportedCommandError struct{ kind transport.Kind }

func (e *unsupportedCommandError) Error() string {
	return "worker: unsupported command kind " + e.kind.String()
}

