// Package types defines the core domain model shared by the controller and
// worker sides of the Nimbus runtime: logical data objects, their physical
// materializations, tasks, version lineage entries, and template records.
package types

// JobID identifies a task (job entry) in the job graph.
type JobID uint64

// LogicalDataID identifies a logical data object (LDO).
type LogicalDataID uint64

// PhysicalDataID identifies a physical data instance (PDI) on some worker.
type PhysicalDataID uint64

// TemplateGenerationID tags a single instantiation of a template so that
// out-of-order command deliveries can be routed and ordered correctly.
type TemplateGenerationID uint64

// CheckpointID identifies a checkpoint grouping of tasks and saved versions.
type CheckpointID uint64

// WorkerID identifies a registered worker process.
type WorkerID uint64

// PartitionID identifies a tiling class that an LDO's region belongs to.
type PartitionID uint64

// DataVersion is a per-LDO monotonically increasing version number.
type DataVersion uint64

// JobDepth is the depth of a task in the before/after precedence DAG, used
// to break ties between sterile writers that share a branch (§4.3).
type JobDepth uint64

// Region is an axis-aligned box in grid coordinates.
type Region struct {
	X, Y, Z    float64
	DX, DY, DZ float64
}

// Overlaps reports whether two regions share any volume.
func (r Region) Overlaps(other Region) bool {
	return r.X < other.X+other.DX && other.X < r.X+r.DX &&
		r.Y < other.Y+other.DY && other.Y < r.Y+r.DY &&
		r.Z < other.Z+other.DZ && other.Z < r.Z+r.DZ
}

// LogicalData is a named, partitioned region of the simulation's global
// domain. Identity is stable across a run; LogicalData objects are never
// destroyed once defined (§3).
type LogicalData struct {
	ID        LogicalDataID   `json:"id"`
	Name      string          `json:"name"`
	Region    Region          `json:"region"`
	Partition PartitionID     `json:"partition"`
	Neighbors []LogicalDataID `json:"neighbors,omitempty"`
}

// JobKind enumerates the polymorphic task variants (§3, §9).
type JobKind string

const (
	JobCompute           JobKind = "compute"
	JobLocalCopy         JobKind = "local-copy"
	JobRemoteCopySend    JobKind = "remote-copy-send"
	JobRemoteCopyReceive JobKind = "remote-copy-receive"
	JobMegaRCR           JobKind = "mega-rcr"
	JobCombine           JobKind = "combine"
	JobCreate            JobKind = "create"
	JobSave              JobKind = "save"
	JobLoad              JobKind = "load"
	JobComplex           JobKind = "complex"
)

// JobState is the task's position in the pending -> ready -> assigned ->
// running -> done lifecycle (§4.4).
type JobState string

const (
	JobPending  JobState = "pending"
	JobReady    JobState = "ready"
	JobAssigned JobState = "assigned"
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
)

// RootJobID is the synthetic parent id for tasks spawned with no parent.
const RootJobID JobID = 0

// Job is a task (job entry): the unit the job graph schedules and the
// binder assigns to a worker (§3).
type Job struct {
	ID        JobID                  `json:"id"`
	Kind      JobKind                `json:"kind"`
	Name      string                 `json:"name,omitempty"`
	Read      []LogicalDataID        `json:"read,omitempty"`
	Write     []LogicalDataID        `json:"write,omitempty"`
	Before    []JobID                `json:"before,omitempty"`
	After     []JobID                `json:"after,omitempty"`
	Parent    JobID                  `json:"parent"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Sterile   bool                   `json:"sterile"`
	Region    Region                 `json:"region"`
	State     JobState               `json:"state"`
	Worker    WorkerID               `json:"worker,omitempty"`
	HasWorker bool                   `json:"has_worker"`
	Depth     JobDepth               `json:"depth"`

	RunTimeMS  int64 `json:"run_time_ms,omitempty"`
	WaitTimeMS int64 `json:"wait_time_ms,omitempty"`
}

// VersionEntry is a single link in an LDO's version chain: the task that
// produced the version, the version number, the task's depth, and whether
// the write was sterile (§3, §4.3).
type VersionEntry struct {
	TaskID  JobID       `json:"task_id"`
	Version DataVersion `json:"version"`
	Depth   JobDepth    `json:"depth"`
	Sterile bool        `json:"sterile"`
}

// PhysicalData is a worker-local materialization of an LDO at a specific
// version (§3).
type PhysicalData struct {
	ID         PhysicalDataID `json:"id"`
	LogicalID  LogicalDataID  `json:"logical_id"`
	Worker     WorkerID       `json:"worker"`
	Version    DataVersion    `json:"version"`
	PinCount   int            `json:"pin_count"`
	LastAccess uint64         `json:"last_access_epoch"`
	Dirty      bool           `json:"dirty"`
}

// TemplateSlot is one slot in a finalized controller-side template: the
// operation, its read/write sets, its before-set expressed as slot
// indices (not real ids), and the parent slot index (§3, §4.7).
type TemplateSlot struct {
	Index      int             `json:"index"`
	Kind       JobKind         `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Read       []LogicalDataID `json:"read,omitempty"`
	Write      []LogicalDataID `json:"write,omitempty"`
	Before     []int           `json:"before,omitempty"`
	Sterile    bool            `json:"sterile"`
	Region     Region          `json:"region"`
	ParentSlot int             `json:"parent_slot"`
}

// CheckpointLVW (logical-data, version, worker) plus the opaque handle is
// what the checkpoint index persists per saved datum (§3, §4.9).
type CheckpointLVW struct {
	LogicalID LogicalDataID `json:"logical_id"`
	Version   DataVersion   `json:"version"`
	Worker    WorkerID      `json:"worker"`
	Handle    string        `json:"handle"`
}
