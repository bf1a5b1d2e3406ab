package kv

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// OpType describes the effect an Operation records.
type OpType int

const (
	OpTypeRead OpType = iota
	OpTypeSet
	OpTypeDelete
)

func (t OpType) String() string {
	switch t {
	case OpTypeRead:
		return "read"
	case OpTypeSet:
		return "set"
	case OpTypeDelete:
		return "delete"
	}
	return "unknown"
}

// IsWrite reports whether the operation mutates the store.
func (t OpType) IsWrite() bool {
	return t == OpTypeSet || t == OpTypeDelete
}

func (t OpType) valid() bool {
	return t == OpTypeRead || t.IsWrite()
}

// Operation is one immutable entry of a transaction's log.
type Operation struct {
	id        string
	typ       OpType
	key       string
	oldValue  []byte
	newValue  []byte
	metadata  any
	timestamp time.Time
}

func newOperation(typ OpType, key string, oldValue, newValue []byte, metadata any, at time.Time) *Operation {
	return &Operation{
		id:        uuid.NewString(),
		typ:       typ,
		key:       key,
		oldValue:  bytes.Clone(oldValue),
		newValue:  bytes.Clone(newValue),
		metadata:  metadata,
		timestamp: at,
	}
}

func (o *Operation) ID() string           { return o.id }
func (o *Operation) Type() OpType         { return o.typ }
func (o *Operation) Key() string          { return o.key }
func (o *Operation) OldValue() []byte     { return bytes.Clone(o.oldValue) }
func (o *Operation) NewValue() []byte     { return bytes.Clone(o.newValue) }
func (o *Operation) Metadata() any        { return o.metadata }
func (o *Operation) Timestamp() time.Time { return o.timestamp }

// OperationRecord is the serialized form of an Operation.
type OperationRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	OldValue  []byte    `json:"oldValue,omitempty"`
	NewValue  []byte    `json:"newValue,omitempty"`
	Metadata  any       `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Operation) Record() OperationRecord {
	return OperationRecord{
		ID:        o.id,
		Type:      o.typ.String(),
		Key:       o.key,
		OldValue:  o.OldValue(),
		NewValue:  o.NewValue(),
		Metadata:  o.metadata,
		Timestamp: o.timestamp,
	}
}
