package errdefs

import "errors"

// Sentinel errors shared across the control plane. Components wrap these with
// fmt.Errorf("...: %w", err) and the HTTP layer maps them to status codes
// with errors.Is.
var (
	// ErrNodeUnavailable marks a transport failure to a specific node. Not
	// fatal: callers retry against other replicas.
	ErrNodeUnavailable = errors.New("storage node unavailable")

	// ErrInsufficientNodes means fewer than R eligible placement targets
	// exist. Uploads proceed under-replicated; reconciliation retries.
	ErrInsufficientNodes = errors.New("insufficient eligible nodes")

	// ErrQuorumNotReached means an upload failed to collect W acknowledgements
	// in time. No file row is persisted.
	ErrQuorumNotReached = errors.New("write quorum not reached")

	// ErrChecksumMismatch means stored content does not match the recorded
	// checksum. The replica is treated as unhealthy and repaired around.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFileLost means no healthy replica remains for the file.
	ErrFileLost = errors.New("file lost")

	// ErrFileNotFound is returned for unknown or deleted files, and for
	// downloads that exhausted every known replica.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileDeleted is returned when an operation raced a delete: the file
	// became soft-deleted before the operation committed.
	ErrFileDeleted = errors.New("file is deleted")

	// ErrUnknownNode is returned for a heartbeat or lookup naming a node that
	// was never registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateNode is returned when registering a node_id that already
	// exists.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrDuplicateLocation is returned when a (file_id, node_id) replica
	// assignment already exists.
	ErrDuplicateLocation = errors.New("file location already exists")
)
