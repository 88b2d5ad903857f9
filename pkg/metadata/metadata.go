package metadata

import (
	"context"
	"time"

	"driftfs/pkg/model"
)

// Store is the durable, transactional record of files, nodes and file->node
// location mappings. Updates affecting a single file (commit of locations,
// the is_deleted flag) are atomic per file, so concurrent reconciliation and
// deletes for the same file serialize at file granularity.
type Store interface {
	// CreateFileWithLocations inserts the file row and its initial location
	// rows in one transaction, and bumps used_space on each node.
	CreateFileWithLocations(ctx context.Context, file *model.File, nodeIDs []string) error
	// GetFile returns a file by ID. ErrFileNotFound if unknown.
	GetFile(ctx context.Context, fileID string) (*model.File, error)
	// ListFiles returns all files; deleted files are included only when
	// includeDeleted is set.
	ListFiles(ctx context.Context, includeDeleted bool) ([]model.File, error)
	// MarkFileDeleted soft-deletes a file. ErrFileNotFound if unknown.
	MarkFileDeleted(ctx context.Context, fileID string) error
	// PurgeFile removes the file row. Callers must have removed every
	// location first; purging a file with remaining locations is an error.
	PurgeFile(ctx context.Context, fileID string) error

	// Locations returns the replica assignments for a file.
	Locations(ctx context.Context, fileID string) ([]model.FileLocation, error)
	// LocationsOnNode returns every replica assignment on a node.
	LocationsOnNode(ctx context.Context, nodeID string) ([]model.FileLocation, error)
	// AddLocation inserts a replica assignment and bumps the node's
	// used_space, re-checking the file's is_deleted flag in the same
	// transaction. ErrFileDeleted if the file was deleted in the interim,
	// ErrDuplicateLocation if the pair already exists.
	AddLocation(ctx context.Context, fileID, nodeID string) error
	// RemoveLocation deletes a replica assignment and decrements the node's
	// used_space. Removing a missing location is not an error.
	RemoveLocation(ctx context.Context, fileID, nodeID string) error

	// RegisterNode inserts a node row. ErrDuplicateNode if the ID exists.
	RegisterNode(ctx context.Context, node *model.StorageNode) error
	// GetNode returns a node by ID. ErrUnknownNode if missing.
	GetNode(ctx context.Context, nodeID string) (*model.StorageNode, error)
	// ListNodes returns all registered nodes.
	ListNodes(ctx context.Context) ([]model.StorageNode, error)
	// UpdateHeartbeat records a heartbeat: last_heartbeat, used_space and
	// is_active=true. ErrUnknownNode if missing.
	UpdateHeartbeat(ctx context.Context, nodeID string, usedSpace int64, at time.Time) error
	// SetNodeActive flips the persisted is_active flag.
	SetNodeActive(ctx context.Context, nodeID string, active bool) error
	// RemoveNode deletes the node row. Location rows referencing the node
	// must already be gone.
	RemoveNode(ctx context.Context, nodeID string) error
}
