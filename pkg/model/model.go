package model

import "time"

// NodeState is the liveness state of a storage node as tracked by the
// registry. Only the registry mutates it.
type NodeState int

const (
	// StateRegistered means the node has registered but has not yet sent a
	// heartbeat.
	StateRegistered NodeState = iota
	// StateActive means the node is heartbeating on schedule.
	StateActive
	// StateSuspected means the node missed enough consecutive heartbeats to
	// be excluded from replica health counting, but has not been evicted yet.
	StateSuspected
	// StateInactive means the node passed the eviction timeout without a
	// heartbeat. Inactive nodes are excluded from placement; their location
	// rows are cleaned up by the replication manager, not the registry.
	StateInactive
)

func (s NodeState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateSuspected:
		return "suspected"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// File is the metadata record for a stored object.
type File struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// StorageNode is a registered storage node. IsActive persists "active or
// suspected"; only truly inactive nodes carry false.
type StorageNode struct {
	NodeID        string    `json:"node_id"`
	Address       string    `json:"address"`
	Capacity      int64     `json:"capacity"`
	UsedSpace     int64     `json:"used_space"`
	IsActive      bool      `json:"is_active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// FreeFraction returns the fraction of the node's capacity still available.
// Nodes with zero capacity rank last.
func (n StorageNode) FreeFraction() float64 {
	if n.Capacity <= 0 {
		return 0
	}
	free := n.Capacity - n.UsedSpace
	if free < 0 {
		free = 0
	}
	return float64(free) / float64(n.Capacity)
}

// FileLocation is a replica assignment: file f has a copy on node n.
// Unique per (file_id, node_id) pair.
type FileLocation struct {
	FileID    string    `json:"file_id"`
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}
