// Package transport defines the closed vocabulary of control messages
// exchanged between the controller and worker processes (§4.10, §6). Each
// message is a plain value type with a deterministic JSON Parse/Serialize
// and an explicit Clone; framing prefixes every message with a kind tag
// and a length so a reader never has to guess where one message ends and
// the next begins. Wire bytes beyond that framing are opaque to the core —
// the controller and workers exchange these Go values directly in-process
// in tests, and through this framing over the wire in production.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

// Kind tags every message on the wire (§6 command vocabulary table).
type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindSpawnCompute
	KindSpawnCopy
	KindDefineData
	KindDefinePartition
	KindJobDone
	KindComputeJob
	KindLocalCopy
	KindRemoteCopySend
	KindRemoteCopyReceive
	KindMegaRCR
	KindCreate
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindSpawnCompute:
		return "SpawnCompute"
	case KindSpawnCopy:
		return "SpawnCopy"
	case KindDefineData:
		return "DefineData"
	case KindDefinePartition:
		return "DefinePartition"
	case KindJobDone:
		return "JobDone"
	case KindComputeJob:
		return "ComputeJob"
	case KindLocalCopy:
		return "LocalCopy"
	case KindRemoteCopySend:
		return "RemoteCopySend"
	case KindRemoteCopyReceive:
		return "RemoteCopyReceive"
	case KindMegaRCR:
		return "MegaRCR"
	case KindCreate:
		return "Create"
	case KindTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// ErrUnknownKind is returned when decoding an unrecognized kind tag.
var ErrUnknownKind = errors.New("transport: unknown message kind")

// Message is implemented by every command in §6. Parse populates the
// receiver from wire bytes; Serialize renders it back; Clone returns a deep
// copy so the controller and worker never share mutable state through a
// single in-process Message value.
type Message interface {
	Kind() Kind
	Serialize() ([]byte, error)
	Parse([]byte) error
	Clone() Message
}

// ---- Worker -> Controller messages ----

// Handshake announces a worker's presence and capability set (§6).
type Handshake struct {
	WorkerID     types.WorkerID `json:"worker_id,omitempty"`
	Address      string         `json:"address"`
	Port         int            `json:"port"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

func (m *Handshake) Kind() Kind { return KindHandshake }
func (m *Handshake) Clone() Message {
	cp := *m
	cp.Capabilities = append([]string(nil), m.Capabilities...)
	return &cp
}

// SpawnCompute requests a new compute task (§6).
type SpawnCompute struct {
	Name    string                    `json:"name"`
	JobID   types.JobID               `json:"job_id"`
	Read    []types.LogicalDataID     `json:"read,omitempty"`
	Write   []types.LogicalDataID     `json:"write,omitempty"`
	Before  []types.JobID             `json:"before,omitempty"`
	After   []types.JobID             `json:"after,omitempty"`
	Parent  types.JobID               `json:"parent"`
	Future  bool                      `json:"future,omitempty"`
	Sterile bool                      `json:"sterile"`
	Region  types.Region              `json:"region"`
	Params  map[string]interface{}    `json:"params,omitempty"`
}

func (m *SpawnCompute) Kind() Kind { return KindSpawnCompute }
func (m *SpawnCompute) Clone() Message {
	cp := *m
	cp.Read = append([]types.LogicalDataID(nil), m.Read...)
	cp.Write = append([]types.LogicalDataID(nil), m.Write...)
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	cp.Params = cloneParams(m.Params)
	return &cp
}

// SpawnCopy requests a copy task outside the normal binder path, e.g. an
// application-driven remap between two differently-partitioned LDOs (§6).
type SpawnCopy struct {
	JobID    types.JobID            `json:"job_id"`
	FromLDO  types.LogicalDataID    `json:"from_ldo"`
	ToLDO    types.LogicalDataID    `json:"to_ldo"`
	Before   []types.JobID          `json:"before,omitempty"`
	After    []types.JobID          `json:"after,omitempty"`
	Parent   types.JobID            `json:"parent"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

func (m *SpawnCopy) Kind() Kind { return KindSpawnCopy }
func (m *SpawnCopy) Clone() Message {
	cp := *m
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	cp.Params = cloneParams(m.Params)
	return &cp
}

// DefineData registers a new logical data object (§6).
type DefineData struct {
	Name        string                  `json:"name"`
	LDOID       types.LogicalDataID     `json:"ldo_id"`
	PartitionID types.PartitionID       `json:"partition_id"`
	Neighbors   []types.LogicalDataID   `json:"neighbors,omitempty"`
	Parent      types.JobID             `json:"parent"`
	Params      map[string]interface{}  `json:"params,omitempty"`
}

func (m *DefineData) Kind() Kind { return KindDefineData }
func (m *DefineData) Clone() Message {
	cp := *m
	cp.Neighbors = append([]types.LogicalDataID(nil), m.Neighbors...)
	cp.Params = cloneParams(m.Params)
	return &cp
}

// DefinePartition registers a partition's region (§6).
type DefinePartition struct {
	PartitionID types.PartitionID `json:"partition_id"`
	Region      types.Region      `json:"region"`
}

func (m *DefinePartition) Kind() Kind   { return KindDefinePartition }
func (m *DefinePartition) Clone() Message { cp := *m; return &cp }

// JobDone reports task completion, including run-time/wait-time cost fields
// (§6, §12) that the controller records on the job graph entry; neither the
// binder's cost function nor the metrics read them.
type JobDone struct {
	JobID     types.JobID            `json:"job_id"`
	After     []types.JobID          `json:"after,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RunTimeMS int64                  `json:"run_time_ms"`
	WaitTimeMS int64                 `json:"wait_time_ms"`
	Failed    bool                   `json:"failed,omitempty"`
}

func (m *JobDone) Kind() Kind { return KindJobDone }
func (m *JobDone) Clone() Message {
	cp := *m
	cp.After = append([]types.JobID(nil), m.After...)
	cp.Params = cloneParams(m.Params)
	return &cp
}

// ---- Controller -> Worker messages ----

// ComputeJob dispatches a bound compute task with physical ids substituted
// in for logical data ids (§6).
type ComputeJob struct {
	Name      string                 `json:"name"`
	JobID     types.JobID            `json:"job_id"`
	PhysRead  []types.PhysicalDataID `json:"phys_read,omitempty"`
	PhysWrite []types.PhysicalDataID `json:"phys_write,omitempty"`
	Before    []types.JobID          `json:"before,omitempty"`
	After     []types.JobID          `json:"after,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (m *ComputeJob) Kind() Kind { return KindComputeJob }
func (m *ComputeJob) Clone() Message {
	cp := *m
	cp.PhysRead = append([]types.PhysicalDataID(nil), m.PhysRead...)
	cp.PhysWrite = append([]types.PhysicalDataID(nil), m.PhysWrite...)
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	cp.Params = cloneParams(m.Params)
	return &cp
}

// LocalCopy copies between two PDIs already on the same worker (§6).
type LocalCopy struct {
	JobID    types.JobID          `json:"job_id"`
	FromPDI  types.PhysicalDataID `json:"from_pdi"`
	ToPDI    types.PhysicalDataID `json:"to_pdi"`
	Before   []types.JobID        `json:"before,omitempty"`
	After    []types.JobID        `json:"after,omitempty"`
}

func (m *LocalCopy) Kind() Kind { return KindLocalCopy }
func (m *LocalCopy) Clone() Message {
	cp := *m
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	return &cp
}

// RemoteCopySend initiates a cross-worker copy; ReceiveJobID correlates it
// with the RemoteCopyReceive (or MegaRCR entry) on the destination (§6).
type RemoteCopySend struct {
	JobID        types.JobID          `json:"job_id"`
	ReceiveJobID types.JobID          `json:"receive_job_id"`
	FromPDI      types.PhysicalDataID `json:"from_pdi"`
	ToPDI        types.PhysicalDataID `json:"to_pdi"`
	ToWorker     types.WorkerID       `json:"to_worker"`
	Before       []types.JobID        `json:"before,omitempty"`
	After        []types.JobID        `json:"after,omitempty"`
}

func (m *RemoteCopySend) Kind() Kind { return KindRemoteCopySend }
func (m *RemoteCopySend) Clone() Message {
	cp := *m
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	return &cp
}

// RemoteCopyReceive is the single-recipient counterpart of RemoteCopySend (§6).
type RemoteCopyReceive struct {
	JobID  types.JobID          `json:"job_id"`
	ToPDI  types.PhysicalDataID `json:"to_pdi"`
	Before []types.JobID        `json:"before,omitempty"`
	After  []types.JobID        `json:"after,omitempty"`
}

func (m *RemoteCopyReceive) Kind() Kind { return KindRemoteCopyReceive }
func (m *RemoteCopyReceive) Clone() Message {
	cp := *m
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	return &cp
}

// RCREntry is one (receive-job-id, destination-pdi) pair batched inside a
// MegaRCR (§6, §8 Testable Property 5).
type RCREntry struct {
	ReceiveJobID types.JobID          `json:"receive_job_id"`
	ToPDI        types.PhysicalDataID `json:"to_pdi"`
}

// MegaRCR batches multiple receives for the same source data into one
// message, releasing every recipient only once the whole batch lands (§6,
// scenario 3).
type MegaRCR struct {
	JobID   types.JobID `json:"job_id"`
	Entries []RCREntry  `json:"entries,omitempty"`
	Before  []types.JobID `json:"before,omitempty"`
	After   []types.JobID `json:"after,omitempty"`
}

func (m *MegaRCR) Kind() Kind { return KindMegaRCR }
func (m *MegaRCR) Clone() Message {
	cp := *m
	cp.Entries = append([]RCREntry(nil), m.Entries...)
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	return &cp
}

// Create instructs a worker to materialize a fresh PDI for an LDO (§6).
type Create struct {
	Name   string               `json:"name"`
	LDOID  types.LogicalDataID  `json:"ldo_id"`
	JobID  types.JobID          `json:"job_id"`
	Before []types.JobID        `json:"before,omitempty"`
	After  []types.JobID        `json:"after,omitempty"`
	PDIID  types.PhysicalDataID `json:"pdi_id"`
}

func (m *Create) Kind() Kind { return KindCreate }
func (m *Create) Clone() Message {
	cp := *m
	cp.Before = append([]types.JobID(nil), m.Before...)
	cp.After = append([]types.JobID(nil), m.After...)
	return &cp
}

// Terminate tells a worker to exit with the given status (§6).
type Terminate struct {
	ExitStatus int `json:"exit_status"`
}

func (m *Terminate) Kind() Kind     { return KindTerminate }
func (m *Terminate) Clone() Message { cp := *m; return &cp }

// Parse/Serialize implementations: JSON is the wire encoding (§11), chosen
// over hand-written binary framing because every field here is already a
// plain value and the round-trip law (§8) is trivially satisfied by
// encoding/json's deterministic field order.

func (m *Handshake) Serialize() ([]byte, error)         { return json.Marshal(m) }
func (m *Handshake) Parse(b []byte) error               { return json.Unmarshal(b, m) }
func (m *SpawnCompute) Serialize() ([]byte, error)       { return json.Marshal(m) }
func (m *SpawnCompute) Parse(b []byte) error             { return json.Unmarshal(b, m) }
func (m *SpawnCopy) Serialize() ([]byte, error)          { return json.Marshal(m) }
func (m *SpawnCopy) Parse(b []byte) error                { return json.Unmarshal(b, m) }
func (m *DefineData) Serialize() ([]byte, error)         { return json.Marshal(m) }
func (m *DefineData) Parse(b []byte) error               { return json.Unmarshal(b, m) }
func (m *DefinePartition) Serialize() ([]byte, error)    { return json.Marshal(m) }
func (m *DefinePartition) Parse(b []byte) error          { return json.Unmarshal(b, m) }
func (m *JobDone) Serialize() ([]byte, error)            { return json.Marshal(m) }
func (m *JobDone) Parse(b []byte) error                  { return json.Unmarshal(b, m) }
func (m *ComputeJob) Serialize() ([]byte, error)         { return json.Marshal(m) }
func (m *ComputeJob) Parse(b []byte) error               { return json.Unmarshal(b, m) }
func (m *LocalCopy) Serialize() ([]byte, error)          { return json.Marshal(m) }
func (m *LocalCopy) Parse(b []byte) error                { return json.Unmarshal(b, m) }
func (m *RemoteCopySend) Serialize() ([]byte, error)     { return json.Marshal(m) }
func (m *RemoteCopySend) Parse(b []byte) error           { return json.Unmarshal(b, m) }
func (m *RemoteCopyReceive) Serialize() ([]byte, error)  { return json.Marshal(m) }
func (m *RemoteCopyReceive) Parse(b []byte) error        { return json.Unmarshal(b, m) }
func (m *MegaRCR) Serialize() ([]byte, error)            { return json.Marshal(m) }
func (m *MegaRCR) Parse(b []byte) error                  { return json.Unmarshal(b, m) }
func (m *Create) Serialize() ([]byte, error)             { return json.Marshal(m) }
func (m *Create) Parse(b []byte) error                   { return json.Unmarshal(b, m) }
func (m *Terminate) Serialize() ([]byte, error)          { return json.Marshal(m) }
func (m *Terminate) Parse(b []byte) error                { return json.Unmarshal(b, m) }

func cloneParams(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// New constructs a zero-valued Message for kind, or ErrUnknownKind.
func New(kind Kind) (Message, error) {
	switch kind {
	case KindHandshake:
		return &Handshake{}, nil
	case KindSpawnCompute:
		return &SpawnCompute{}, nil
	case KindSpawnCopy:
		return &SpawnCopy{}, nil
	case KindDefineData:
		return &DefineData{}, nil
	case KindDefinePartition:
		return &DefinePartition{}, nil
	case KindJobDone:
		return &JobDone{}, nil
	case KindComputeJob:
		return &ComputeJob{}, nil
	case KindLocalCopy:
		return &LocalCopy{}, nil
	case KindRemoteCopySend:
		return &RemoteCopySend{}, nil
	case KindRemoteCopyReceive:
		return &RemoteCopyReceive{}, nil
	case KindMegaRCR:
		return &MegaRCR{}, nil
	case KindCreate:
		return &Create{}, nil
	case KindTerminate:
		return &Terminate{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// WriteFrame writes a length-prefixed, kind-tagged frame: 1 byte kind, 4
// byte big-endian length, then the serialized payload.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("transport: serialize %s: %w", m.Kind(), err)
	}
	header := make([]byte, 5)
	header[0] = byte(m.Kind())
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame written by WriteFrame and parses it into the
// matching Message type.
func ReadFrame(r *bufio.Reader) (Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	kind := Kind(header[0])
	length := binary.BigEndian.Uint32(header[1:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	m, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := m.Parse(payload); err != nil {
		return nil, fmt.Errorf("transport: parse %s: %w", kind, err)
	}
	return m, nil
}
