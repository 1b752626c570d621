package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nimbus-sched/nimbus/internal/transport"
)

// ComputeFunc runs the application-specific body of a ComputeJob against
// already-materialized physical data in store. A real deployment plugs in
// the simulation's actual per-task kernels; SimulatedCompute below is the
// stand-in used when none is supplied, grounded on the teacher's
// random-delay-and-occasional-failure placeholder execution.
type ComputeFunc func(ctx context.Context, job *transport.ComputeJob, store *LocalStore) error

// ErrSimulatedFailure is returned by SimulatedCompute's injected failures.
var ErrSimulatedFailure = errors.New("worker: simulated execution failure")

// SimulatedCompute stands in for a real kernel: a random delay to mimic
// CPU-bound work, a small injected failure rate to exercise the failed
// JobDone path, and writing a deterministic placeholder payload to every output
// PDI so downstream copies have something real to move.
func SimulatedCompute(ctx context.Context, job *transport.ComputeJob, store *LocalStore) error {
	workDuration := time.Duration(rand.Intn(50)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(workDuration):
	}

	if rand.Intn(100) < 5 {
		return ErrSimulatedFailure
	}

	for _, pdi := range job.PhysWrite {
		store.Put(uint64(pdi), []byte(job.Name))
	}
	return nil
}
