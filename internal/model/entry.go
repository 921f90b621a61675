package model

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Epoch identifies one active lifetime of a node pair
type Epoch uint64

// OperationType defines the type of a mutating operation
type OperationType string

const (
	OperationTypePut    OperationType = "put"
	OperationTypeRemove OperationType = "remove"
	OperationTypeClear  OperationType = "clear"
)

// Consistency is the durability condition a write waits for before it is acknowledged
type Consistency string

const (
	// ConsistencyEventual acknowledges once the active applied the write locally
	ConsistencyEventual Consistency = "eventual"
	// ConsistencyStrong acknowledges once the passive applied the write
	ConsistencyStrong Consistency = "strong"
)

// ParseConsistency validates a consistency level name
func ParseConsistency(level string) (Consistency, error) {
	switch Consistency(level) {
	case ConsistencyEventual, ConsistencyStrong:
		return Consistency(level), nil
	case "":
		return ConsistencyStrong, nil
	default:
		return "", fmt.Errorf("invalid consistency level %q: must be one of: eventual, strong", level)
	}
}

// ReplicationRecord is one mutation applied at the active and shipped to the passive
type ReplicationRecord struct {
	Epoch     Epoch         `json:"epoch"`
	Sequence  uint64        `json:"sequence"` // Monotonic within Epoch, starts at 1
	Operation OperationType `json:"operation"`
	Cache     string        `json:"cache"`
	Key       string        `json:"key,omitempty"`
	Value     []byte        `json:"value,omitempty"`
	Token     string        `json:"token,omitempty"` // Client dedup token
	Timestamp int64         `json:"timestamp"`
	Checksum  uint32        `json:"checksum"` // CRC32 of ChecksumPayload
}

// ChecksumPayload returns the bytes covered by the record checksum
func (r *ReplicationRecord) ChecksumPayload() []byte {
	buf := make([]byte, 16, 16+len(r.Operation)+len(r.Cache)+len(r.Key)+len(r.Value)+len(r.Token))
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Epoch))
	binary.BigEndian.PutUint64(buf[8:16], r.Sequence)
	buf = append(buf, r.Operation...)
	buf = append(buf, r.Cache...)
	buf = append(buf, r.Key...)
	buf = append(buf, r.Value...)
	buf = append(buf, r.Token...)
	return buf
}

// Operation is a client mutation submitted to the active node
type Operation struct {
	Type        OperationType `json:"type"`
	Cache       string        `json:"cache"`
	Key         string        `json:"key,omitempty"`
	Value       []byte        `json:"value,omitempty"`
	Token       string        `json:"token"`
	Consistency Consistency   `json:"consistency"`
	// Conditional put variants
	IfAbsent bool `json:"if_absent,omitempty"`
	IfExists bool `json:"if_exists,omitempty"`
}

// OperationResult is the outcome of an Operation
type OperationResult struct {
	Sequence uint64 `json:"sequence"`
	Epoch    Epoch  `json:"epoch"`
	Applied  bool   `json:"applied"`            // False when a conditional put did not match
	Previous []byte `json:"previous,omitempty"` // Existing value for a put-if-absent miss
	Replayed bool   `json:"replayed,omitempty"` // Token was already applied
}

// DedupEntry remembers the outcome of an applied token
type DedupEntry struct {
	Epoch    Epoch     `json:"epoch"`
	Sequence uint64    `json:"sequence"`
	Applied  bool      `json:"applied"`
	Previous []byte    `json:"previous,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// SnapshotEntry is one live entry of a bulk copy
type SnapshotEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// SnapshotChunk is one batch of the bulk copy that seeds a passive. The copy
// reflects every record up to Sequence of Epoch; later records are shipped
// through the replication stream.
type SnapshotChunk struct {
	Epoch    Epoch           `json:"epoch"`
	Sequence uint64          `json:"sequence"`
	Cache    string          `json:"cache"`
	Entries  []SnapshotEntry `json:"entries,omitempty"`
	First    bool            `json:"first,omitempty"` // Passive discards its state before applying
	Last     bool            `json:"last,omitempty"`
	Checksum uint64          `json:"checksum"` // xxhash64 of the entries
}
