// Package exectemplate is the worker-side Execution Template (§4.8): a
// pre-wired, parameter-refreshable task graph built once per template
// shape and then replayed on every instantiation via slot refresh instead
// of re-deriving dependency order from a command sequence each time.
// Nodes live in a flat arena (a slice plus integer indices) rather than as
// a graph of pointers, so the mutually-referencing before/after edges
// never form an ownership cycle.
package exectemplate

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

var log = slog.Default()

// ErrFinalized is returned by structure-mutating calls after Finalize.
var ErrFinalized = errors.New("exectemplate: already finalized")

// ErrNotFinalized is returned by Instantiate before Finalize.
var ErrNotFinalized = errors.New("exectemplate: not finalized")

// ErrUnknownGeneration is returned by runtime calls naming a generation
// that was never instantiated (or has already completed).
var ErrUnknownGeneration = errors.New("exectemplate: unknown template generation")

// ErrUnknownNode is returned when a job id does not map to any node in the
// addressed generation.
var ErrUnknownNode = errors.New("exectemplate: job id not found in generation")

// NodeSpec describes one JobTemplate node's static shape, supplied while
// building the template (before Finalize).
type NodeSpec struct {
	Kind       types.JobKind
	Before     []int // indices of other nodes in this template that precede it
	Recipients int   // for mega-RCR nodes: number of batched (receive-id, to-pdi) entries
}

// node is the frozen, arena-resident static shape of one JobTemplate.
type node struct {
	kind          types.JobKind
	before        []int
	after         []int // back-edges: nodes to notify when this one completes
	dependencyNum int    // before-set size, plus recipients for RCR/mega-RCR nodes
}

// Template is a finalized, reusable node shape. Build it with NewTemplate
// and AddNode, then Finalize before the first Instantiate.
type Template struct {
	mu       sync.Mutex
	nodes    []node
	finalized bool

	gens map[uint64]*generation
}

// NewTemplate creates an empty, still-mutable template.
func NewTemplate() *Template {
	return &Template{gens: make(map[uint64]*generation)}
}

// AddNode appends one node's static shape. Only valid before Finalize.
func (t *Template) AddNode(spec NodeSpec) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, ErrFinalized
	}
	idx := len(t.nodes)
	dep := len(spec.Before) + spec.Recipients
	t.nodes = append(t.nodes, node{kind: spec.Kind, before: append([]int(nil), spec.Before...), dependencyNum: dep})
	return idx, nil
}

// Finalize freezes the node shape and derives each node's after-set
// (back-edges) from the recorded before-sets, so NotifyJobDone can fan out
// in O(1) per dependent rather than rescanning every node's before-set.
func (t *Template) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrFinalized
	}
	for i, n := range t.nodes {
		for _, b := range n.before {
			t.nodes[b].after = append(t.nodes[b].after, i)
		}
	}
	t.finalized = true
	return nil
}

// instanceNode is one generation's live, refreshed copy of a node.
type instanceNode struct {
	innerID           types.JobID
	dependencyCounter int
	done              bool
	rewindGated       bool // set by MarkInnerJobDone(prepareRewind=true)
}

// generation is one Instantiate call's live state: the real job ids bound
// to every node, a completion counter, and any receive events that arrived
// before Instantiate ran.
type generation struct {
	nodes         []instanceNode
	doneCount     int
	idToIndex     map[types.JobID]int
	pendingEvents map[types.JobID]int // job id -> buffered receive-event count, drained on Instantiate
}

// Instantiate refills shared id slots for generation gen, drains any
// receive events buffered under pending_instantiate for this generation,
// and returns the job ids whose dependency counter already reached its
// threshold (§4.8 Lifecycle).
func (t *Template) Instantiate(gen uint64, innerIDs []types.JobID) ([]types.JobID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finalized {
		return nil, ErrNotFinalized
	}
	if len(innerIDs) != len(t.nodes) {
		return nil, errors.New("exectemplate: innerIDs length does not match node count")
	}

	g, buffered := t.gens[gen]
	if !buffered {
		g = &generation{idToIndex: make(map[types.JobID]int)}
		t.gens[gen] = g
	}
	g.nodes = make([]instanceNode, len(t.nodes))
	for i, n := range t.nodes {
		g.nodes[i] = instanceNode{innerID: innerIDs[i], dependencyCounter: n.dependencyNum}
		g.idToIndex[innerIDs[i]] = i
	}

	var ready []types.JobID
	for i := range g.nodes {
		if count, ok := g.pendingEvents[g.nodes[i].innerID]; ok {
			g.nodes[i].dependencyCounter -= count
			delete(g.pendingEvents, g.nodes[i].innerID)
		}
		if g.nodes[i].dependencyCounter <= 0 {
			ready = append(ready, g.nodes[i].innerID)
		}
	}

	log.Debug("exectemplate instantiated", "generation", gen, "nodes", len(g.nodes), "ready", len(ready))
	return ready, nil
}

// NotifyJobDone locates jobID's node within generation gen, marks it done,
// and decrements the dependency counter on every node in its after-set;
// any that reach their threshold are returned as newly ready. allDone is
// true once every node in the generation has reported done, the signal to
// roll the whole instantiation up into a single completion report (§4.8
// Runtime events).
func (t *Template) NotifyJobDone(gen uint64, jobID types.JobID) (ready []types.JobID, allDone bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.gens[gen]
	if !ok {
		return nil, false, ErrUnknownGeneration
	}
	idx, ok := g.idToIndex[jobID]
	if !ok {
		return nil, false, ErrUnknownNode
	}
	if g.nodes[idx].done {
		// idempotent re-delivery: already accounted for.
		return nil, g.doneCount == len(g.nodes), nil
	}
	g.nodes[idx].done = true
	g.doneCount++

	if !g.nodes[idx].rewindGated {
		for _, dep := range t.nodes[idx].after {
			if g.nodes[dep].rewindGated {
				continue
			}
			g.nodes[dep].dependencyCounter--
			if g.nodes[dep].dependencyCounter == 0 && !g.nodes[dep].done {
				ready = append(ready, g.nodes[dep].innerID)
			}
		}
	}

	allDone = g.doneCount == len(g.nodes)
	if allDone {
		delete(t.gens, gen)
	}
	return ready, allDone, nil
}

// ProcessReceiveEvent routes one data-arrival event to the node addressed
// by jobID within generation gen, decrementing its dependency counter one
// recipient's worth. If the generation has not been instantiated yet (the
// event arrives before Instantiate), the event is buffered under
// pending_instantiate and drained on the next Instantiate call for that
// generation (§4.8).
func (t *Template) ProcessReceiveEvent(gen uint64, jobID types.JobID) ([]types.JobID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.gens[gen]
	if !ok || len(g.nodes) == 0 {
		// Not instantiated yet: buffer under pending_instantiate, drained
		// by the next Instantiate call for this generation.
		if g == nil {
			g = &generation{idToIndex: make(map[types.JobID]int), pendingEvents: make(map[types.JobID]int)}
			t.gens[gen] = g
		}
		if g.pendingEvents == nil {
			g.pendingEvents = make(map[types.JobID]int)
		}
		g.pendingEvents[jobID]++
		return nil, nil
	}

	idx, ok := g.idToIndex[jobID]
	if !ok {
		return nil, ErrUnknownNode
	}
	g.nodes[idx].dependencyCounter--
	if g.nodes[idx].dependencyCounter == 0 && !g.nodes[idx].done {
		return []types.JobID{g.nodes[idx].innerID}, nil
	}
	return nil, nil
}

// MarkInnerJobDone flips node jobID within generation gen into rewind
// preparation: once set, its completion (and anything downstream of it)
// no longer fires further ready-list entries, so the controller can
// reinstantiate the generation cleanly after rewind (§4.8 Rewind).
func (t *Template) MarkInnerJobDone(gen uint64, jobID types.JobID, prepareRewind bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.gens[gen]
	if !ok {
		return ErrUnknownGeneration
	}
	idx, ok := g.idToIndex[jobID]
	if !ok {
		return ErrUnknownNode
	}
	g.nodes[idx].rewindGated = prepareRewind
	return nil
}

// NodeCount reports how many nodes the finalized shape holds.
func (t *Template) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
