package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InitSchema creates the engine metadata tables if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the engine metadata tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	return InitSchema(ctx, db)
}

// InitSchema creates the engine metadata tables through any Querier.
func InitSchema(ctx context.Context, q Querier) error {
	schema := `
	-- Replica identity and local db_version high-water mark (single row)
	CREATE TABLE IF NOT EXISTS crsync_site (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		site_id BLOB NOT NULL,
		db_version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Tables whose writes are versioned and replicated
	CREATE TABLE IF NOT EXISTS crsync_tables (
		name TEXT PRIMARY KEY,
		tracked_at TEXT NOT NULL
	);

	-- Change log: the winning record per (table, pk, column)
	CREATE TABLE IF NOT EXISTS crsync_changes (
		tbl TEXT NOT NULL,
		pk BLOB NOT NULL,
		cid TEXT NOT NULL,
		val,
		val_kind INTEGER NOT NULL,
		col_version INTEGER NOT NULL,
		db_version INTEGER NOT NULL,
		site_id BLOB NOT NULL,
		cl INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk, cid)
	);

	CREATE INDEX IF NOT EXISTS idx_crsync_changes_version
	    ON crsync_changes(db_version, seq);

	-- Causal length per row (odd = live, even = deleted)
	CREATE TABLE IF NOT EXISTS crsync_rows (
		tbl TEXT NOT NULL,
		pk BLOB NOT NULL,
		cl INTEGER NOT NULL,
		PRIMARY KEY (tbl, pk)
	);

	-- Receive cursor per peer: position (db_version, seq) in their log up
	-- to which everything has been applied here
	CREATE TABLE IF NOT EXISTS crsync_peers (
		site_id BLOB PRIMARY KEY,
		last_synced_version INTEGER NOT NULL DEFAULT 0,
		last_synced_seq INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := q.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// DropSchema removes all engine metadata. Replicated tables are kept.
func DropSchema(ctx context.Context, q Querier) error {
	for _, table := range []string{"crsync_peers", "crsync_rows", "crsync_changes", "crsync_tables", "crsync_site"} {
		if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// TableInfo describes a replicated table's columns.
type TableInfo struct {
	Name string
	// PK lists primary key columns in key order.
	PK []string
	// Columns lists non-key columns in declaration order.
	Columns []string
}

// HasColumn reports whether name is a non-key column of the table.
func (ti *TableInfo) HasColumn(name string) bool {
	for _, c := range ti.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// LoadTableInfo reads a table's layout from pragma_table_info.
// Returns sql.ErrNoRows if the table does not exist.
func LoadTableInfo(ctx context.Context, q Querier, table string) (*TableInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Name: table}
	pkByPos := map[int]string{}
	found := false
	for rows.Next() {
		var name string
		var pkPos int
		if err := rows.Scan(&name, &pkPos); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		found = true
		if pkPos > 0 {
			pkByPos[pkPos] = name
			continue
		}
		info.Columns = append(info.Columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table info: %w", err)
	}
	if !found {
		return nil, sql.ErrNoRows
	}

	for i := 1; i <= len(pkByPos); i++ {
		name, ok := pkByPos[i]
		if !ok {
			return nil, fmt.Errorf("table %s has a gap in its primary key", table)
		}
		info.PK = append(info.PK, name)
	}
	return info, nil
}
