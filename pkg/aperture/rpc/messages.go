// Package rpc defines Aperture's binary streaming RPC surface over
// google.golang.org/grpc: the Push/Query/QueryStorage/Aggregate/Diff
// service (spec.md §6), using a hand-rolled codec instead of generated
// protobuf stubs so message layout follows pkg/aperture/wire's byte-level
// conventions end to end.
package rpc

import (
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

// BinaryMessage is implemented by every request/response type exchanged
// over the Aperture service; it is the contract the "proto" codec relies
// on in place of generated protobuf marshaling.
type BinaryMessage interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// PushRequest carries one agent-encoded batch payload verbatim; the
// server never decodes it before handing it to the ring.
type PushRequest struct {
	AgentID  string
	Sequence uint64
	Payload  []byte
}

func (m *PushRequest) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.String(m.AgentID)
	w.Uint64(m.Sequence)
	w.Bytes(m.Payload)
	return w.Finish(), nil
}

func (m *PushRequest) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.AgentID = r.String()
	m.Sequence = r.Uint64()
	m.Payload = r.Bytes()
	return r.Err()
}

// PushResponse is the server's accept/reject verdict for a Push call.
type PushResponse struct {
	Accepted bool
}

func (m *PushResponse) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Bool(m.Accepted)
	return w.Finish(), nil
}

func (m *PushResponse) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.Accepted = r.Bool()
	return r.Err()
}

// QueryRequest lists recently buffered batches, optionally filtered to one
// agent.
type QueryRequest struct {
	AgentID string // empty means all agents
	Limit   uint32
}

func (m *QueryRequest) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.String(m.AgentID)
	w.Uint32(m.Limit)
	return w.Finish(), nil
}

func (m *QueryRequest) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.AgentID = r.String()
	m.Limit = r.Uint32()
	return r.Err()
}

// QueryStorageRequest lists durably stored batches within a time range.
type QueryStorageRequest struct {
	TimeStartNs uint64
	TimeEndNs   uint64
	AgentID     string // empty means all agents
	Limit       uint32
}

func (m *QueryStorageRequest) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Uint64(m.TimeStartNs)
	w.Uint64(m.TimeEndNs)
	w.String(m.AgentID)
	w.Uint32(m.Limit)
	return w.Finish(), nil
}

func (m *QueryStorageRequest) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.TimeStartNs = r.Uint64()
	m.TimeEndNs = r.Uint64()
	m.AgentID = r.String()
	m.Limit = r.Uint32()
	return r.Err()
}

// StoredBatchRef is one listing entry returned by Query/QueryStorage; it
// names a batch without re-serializing its full event payload.
type StoredBatchRef struct {
	AgentID      string
	Sequence     uint64
	ReceivedAtNs uint64
	EventCount   uint32
	Payload      []byte
}

// QueryResponse is shared between Query and QueryStorage.
type QueryResponse struct {
	Batches []StoredBatchRef
}

func (m *QueryResponse) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Uint32(uint32(len(m.Batches)))
	for _, b := range m.Batches {
		w.String(b.AgentID)
		w.Uint64(b.Sequence)
		w.Uint64(b.ReceivedAtNs)
		w.Uint32(b.EventCount)
		w.Bytes(b.Payload)
	}
	return w.Finish(), nil
}

func (m *QueryResponse) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	n := r.Uint32()
	m.Batches = make([]StoredBatchRef, 0, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var ref StoredBatchRef
		ref.AgentID = r.String()
		ref.Sequence = r.Uint64()
		ref.ReceivedAtNs = r.Uint64()
		ref.EventCount = r.Uint32()
		ref.Payload = r.Bytes()
		m.Batches = append(m.Batches, ref)
	}
	return r.Err()
}

// AggregateRequest selects the window and class merged by the
// aggregation engine.
type AggregateRequest struct {
	AgentID     string
	TimeStartNs uint64
	TimeEndNs   uint64
	Limit       uint32
	EventType   string // "cpu" | "lock" | "syscall"
}

func (m *AggregateRequest) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.String(m.AgentID)
	w.Uint64(m.TimeStartNs)
	w.Uint64(m.TimeEndNs)
	w.Uint32(m.Limit)
	w.String(m.EventType)
	return w.Finish(), nil
}

func (m *AggregateRequest) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.AgentID = r.String()
	m.TimeStartNs = r.Uint64()
	m.TimeEndNs = r.Uint64()
	m.Limit = r.Uint32()
	m.EventType = r.String()
	return r.Err()
}

// AggregateResponse carries the merged profile pre-rendered as JSON; the
// admin HTTP layer forwards it unchanged, and RPC callers get one
// self-contained payload regardless of which of the three profile shapes
// EventType selected.
type AggregateResponse struct {
	ResultJSON []byte
	Error      string
}

func (m *AggregateResponse) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Bytes(m.ResultJSON)
	w.String(m.Error)
	return w.Finish(), nil
}

func (m *AggregateResponse) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.ResultJSON = r.Bytes()
	m.Error = r.String()
	return r.Err()
}

// DiffRequest selects two independent windows to outer-join by stack.
type DiffRequest struct {
	BaselineStartNs   uint64
	BaselineEndNs     uint64
	ComparisonStartNs uint64
	ComparisonEndNs   uint64
	AgentID           string
	EventType         string
	Limit             uint32
}

func (m *DiffRequest) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Uint64(m.BaselineStartNs)
	w.Uint64(m.BaselineEndNs)
	w.Uint64(m.ComparisonStartNs)
	w.Uint64(m.ComparisonEndNs)
	w.String(m.AgentID)
	w.String(m.EventType)
	w.Uint32(m.Limit)
	return w.Finish(), nil
}

func (m *DiffRequest) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.BaselineStartNs = r.Uint64()
	m.BaselineEndNs = r.Uint64()
	m.ComparisonStartNs = r.Uint64()
	m.ComparisonEndNs = r.Uint64()
	m.AgentID = r.String()
	m.EventType = r.String()
	m.Limit = r.Uint32()
	return r.Err()
}

// DiffResponse carries the outer-joined StackDiff rows pre-rendered as
// JSON, matching AggregateResponse's shape.
type DiffResponse struct {
	ResultJSON []byte
	Error      string
}

func (m *DiffResponse) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.Bytes(m.ResultJSON)
	w.String(m.Error)
	return w.Finish(), nil
}

func (m *DiffResponse) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	m.ResultJSON = r.Bytes()
	m.Error = r.String()
	return r.Err()
}
