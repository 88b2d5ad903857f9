package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/metadata"
	"driftfs/pkg/model"
)

const pgUniqueViolation = "23505"

// PostgresStore is the PostgreSQL implementation of metadata.Store. It uses
// database/sql with parameterized queries; per-file atomicity comes from
// single transactions over the file row and its locations.
type PostgresStore struct {
	db *sql.DB
}

var _ metadata.Store = (*PostgresStore)(nil)

func NewStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateFileWithLocations(ctx context.Context, file *model.File, nodeIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const qFile = `
		INSERT INTO files (file_id, filename, size, checksum, created_at, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`
	if _, err := tx.ExecContext(ctx, qFile,
		file.FileID, file.Filename, file.Size, file.Checksum, file.CreatedAt, file.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert file: %w", err)
	}

	const qLoc = `INSERT INTO file_locations (file_id, node_id) VALUES ($1, $2)`
	const qSpace = `UPDATE storage_nodes SET used_space = used_space + $1 WHERE node_id = $2`
	for _, nodeID := range nodeIDs {
		if _, err := tx.ExecContext(ctx, qLoc, file.FileID, nodeID); err != nil {
			return fmt.Errorf("insert location on %s: %w", nodeID, err)
		}
		if _, err := tx.ExecContext(ctx, qSpace, file.Size, nodeID); err != nil {
			return fmt.Errorf("bump used_space on %s: %w", nodeID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	const q = `
		SELECT file_id, filename, size, checksum, created_at, updated_at, is_deleted
		FROM files
		WHERE file_id = $1
	`
	var f model.File
	err := s.db.QueryRowContext(ctx, q, fileID).Scan(
		&f.FileID, &f.Filename, &f.Size, &f.Checksum, &f.CreatedAt, &f.UpdatedAt, &f.IsDeleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, includeDeleted bool) ([]model.File, error) {
	q := `
		SELECT file_id, filename, size, checksum, created_at, updated_at, is_deleted
		FROM files
	`
	if !includeDeleted {
		q += ` WHERE is_deleted = false`
	}
	q += ` ORDER BY created_at, file_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]model.File, 0)
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.FileID, &f.Filename, &f.Size, &f.Checksum, &f.CreatedAt, &f.UpdatedAt, &f.IsDeleted); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresStore) MarkFileDeleted(ctx context.Context, fileID string) error {
	const q = `UPDATE files SET is_deleted = true, updated_at = $2 WHERE file_id = $1`
	res, err := s.db.ExecContext(ctx, q, fileID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ErrFileNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeFile(ctx context.Context, fileID string) error {
	// The NOT EXISTS guard keeps a purge from racing a concurrent repair that
	// inserted a fresh location.
	const q = `
		DELETE FROM files
		WHERE file_id = $1
		  AND NOT EXISTS (SELECT 1 FROM file_locations WHERE file_id = $1)
	`
	res, err := s.db.ExecContext(ctx, q, fileID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ErrFileNotFound
	}
	return nil
}

func (s *PostgresStore) Locations(ctx context.Context, fileID string) ([]model.FileLocation, error) {
	const q = `
		SELECT file_id, node_id, created_at
		FROM file_locations
		WHERE file_id = $1
		ORDER BY created_at
	`
	return s.queryLocations(ctx, q, fileID)
}

func (s *PostgresStore) LocationsOnNode(ctx context.Context, nodeID string) ([]model.FileLocation, error) {
	const q = `
		SELECT file_id, node_id, created_at
		FROM file_locations
		WHERE node_id = $1
		ORDER BY created_at
	`
	return s.queryLocations(ctx, q, nodeID)
}

func (s *PostgresStore) queryLocations(ctx context.Context, q, arg string) ([]model.FileLocation, error) {
	rows, err := s.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locs := make([]model.FileLocation, 0)
	for rows.Next() {
		var l model.FileLocation
		if err := rows.Scan(&l.FileID, &l.NodeID, &l.CreatedAt); err != nil {
			return nil, err
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

func (s *PostgresStore) AddLocation(ctx context.Context, fileID, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the file row so a concurrent delete serializes with this insert.
	const qFile = `SELECT size, is_deleted FROM files WHERE file_id = $1 FOR UPDATE`
	var size int64
	var isDeleted bool
	err = tx.QueryRowContext(ctx, qFile, fileID).Scan(&size, &isDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.ErrFileNotFound
	}
	if err != nil {
		return err
	}
	if isDeleted {
		return errdefs.ErrFileDeleted
	}

	const qLoc = `INSERT INTO file_locations (file_id, node_id) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, qLoc, fileID, nodeID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errdefs.ErrDuplicateLocation
		}
		return fmt.Errorf("insert location: %w", err)
	}

	const qSpace = `UPDATE storage_nodes SET used_space = used_space + $1 WHERE node_id = $2`
	if _, err := tx.ExecContext(ctx, qSpace, size, nodeID); err != nil {
		return fmt.Errorf("bump used_space: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) RemoveLocation(ctx context.Context, fileID, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const qDel = `DELETE FROM file_locations WHERE file_id = $1 AND node_id = $2`
	res, err := tx.ExecContext(ctx, qDel, fileID, nodeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already gone; removal is idempotent.
		return tx.Commit()
	}

	const qSpace = `
		UPDATE storage_nodes
		SET used_space = GREATEST(used_space - (SELECT size FROM files WHERE file_id = $1), 0)
		WHERE node_id = $2
	`
	if _, err := tx.ExecContext(ctx, qSpace, fileID, nodeID); err != nil {
		return fmt.Errorf("decrement used_space: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) RegisterNode(ctx context.Context, node *model.StorageNode) error {
	const q = `
		INSERT INTO storage_nodes (node_id, address, capacity, used_space, is_active, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, q,
		node.NodeID, node.Address, node.Capacity, node.UsedSpace, node.IsActive, node.LastHeartbeat,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errdefs.ErrDuplicateNode
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*model.StorageNode, error) {
	const q = `
		SELECT node_id, address, capacity, used_space, is_active, last_heartbeat
		FROM storage_nodes
		WHERE node_id = $1
	`
	var n model.StorageNode
	err := s.db.QueryRowContext(ctx, q, nodeID).Scan(
		&n.NodeID, &n.Address, &n.Capacity, &n.UsedSpace, &n.IsActive, &n.LastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.ErrUnknownNode
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]model.StorageNode, error) {
	const q = `
		SELECT node_id, address, capacity, used_space, is_active, last_heartbeat
		FROM storage_nodes
		ORDER BY node_id
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]model.StorageNode, 0)
	for rows.Next() {
		var n model.StorageNode
		if err := rows.Scan(&n.NodeID, &n.Address, &n.Capacity, &n.UsedSpace, &n.IsActive, &n.LastHeartbeat); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, nodeID string, usedSpace int64, at time.Time) error {
	const q = `
		UPDATE storage_nodes
		SET last_heartbeat = $2, used_space = $3, is_active = true
		WHERE node_id = $1
	`
	res, err := s.db.ExecContext(ctx, q, nodeID, at, usedSpace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ErrUnknownNode
	}
	return nil
}

func (s *PostgresStore) SetNodeActive(ctx context.Context, nodeID string, active bool) error {
	const q = `UPDATE storage_nodes SET is_active = $2 WHERE node_id = $1`
	res, err := s.db.ExecContext(ctx, q, nodeID, active)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ErrUnknownNode
	}
	return nil
}

func (s *PostgresStore) RemoveNode(ctx context.Context, nodeID string) error {
	const q = `DELETE FROM storage_nodes WHERE node_id = $1`
	res, err := s.db.ExecContext(ctx, q, nodeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.ErrUnknownNode
	}
	return nil
}
