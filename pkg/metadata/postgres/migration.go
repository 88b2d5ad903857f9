package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

type migrationStep struct {
	Name string
	SQL  string
}

var steps = []migrationStep{
	{
		Name: "create_table_files",
		SQL: `CREATE TABLE IF NOT EXISTS files (
  file_id    TEXT        PRIMARY KEY,
  filename   TEXT        NOT NULL,
  size       BIGINT      NOT NULL CHECK (size >= 0),
  checksum   TEXT        NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  is_deleted BOOLEAN     NOT NULL DEFAULT false
);`,
	},
	{
		Name: "create_table_storage_nodes",
		SQL: `CREATE TABLE IF NOT EXISTS storage_nodes (
  node_id        TEXT        PRIMARY KEY,
  address        TEXT        NOT NULL,
  capacity       BIGINT      NOT NULL CHECK (capacity >= 0),
  used_space     BIGINT      NOT NULL DEFAULT 0,
  is_active      BOOLEAN     NOT NULL DEFAULT false,
  last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_table_file_locations",
		SQL: `CREATE TABLE IF NOT EXISTS file_locations (
  file_id    TEXT        NOT NULL REFERENCES files (file_id),
  node_id    TEXT        NOT NULL REFERENCES storage_nodes (node_id),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (file_id, node_id)
);`,
	},
	{
		Name: "create_index_files_is_deleted",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_files_is_deleted ON files (is_deleted);`,
	},
	{
		Name: "create_index_storage_nodes_is_active",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_storage_nodes_is_active ON storage_nodes (is_active);`,
	},
	{
		Name: "create_index_file_locations_file_id",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_file_locations_file_id ON file_locations (file_id);`,
	},
	{
		Name: "create_index_file_locations_node_id",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_file_locations_node_id ON file_locations (node_id);`,
	},
}

// EnsureMigrated creates the schema if the sentinel table is missing.
func EnsureMigrated(ctx context.Context, db *sql.DB) error {
	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass('public.files') IS NOT NULL").Scan(&exists); err != nil {
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}
	if exists {
		return nil
	}

	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
	}
	return nil
}
