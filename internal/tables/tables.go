// Package tables keeps the set of replicated tables and writes winning
// values into them.
//
// A table joins replication through Track, the equivalent of marking it a
// conflict-free replicated relation. Its layout is read once from
// pragma_table_info and cached; materialization then targets the real
// SQLite table with INSERT ... ON CONFLICT DO UPDATE and DELETE.
package tables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/crsync/internal/store"
)

var (
	// ErrUnknownTable is returned for tables that are not tracked.
	ErrUnknownTable = errors.New("table is not tracked")

	// ErrUnknownColumn is returned for columns the local table lacks.
	ErrUnknownColumn = errors.New("column does not exist")

	// ErrUnsupportedTable is returned by Track for tables that cannot
	// converge column by column.
	ErrUnsupportedTable = errors.New("table cannot be replicated")
)

// Registry caches the layout of tracked tables.
type Registry struct {
	mu    sync.RWMutex
	cache map[string]*store.TableInfo
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cache: make(map[string]*store.TableInfo)}
}

// Track marks table as replicated. The table must exist, have a primary
// key, and give every other NOT NULL column a default, since rows are
// assembled one column at a time. Tracking twice is a no-op.
func (r *Registry) Track(ctx context.Context, q store.Querier, table string) (*store.TableInfo, error) {
	if strings.HasPrefix(table, "crsync_") || strings.HasPrefix(table, "sqlite_") {
		return nil, fmt.Errorf("%w: %s is reserved", ErrUnsupportedTable, table)
	}

	info, err := store.LoadTableInfo(ctx, q, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrUnsupportedTable, table)
	}
	if err != nil {
		return nil, err
	}
	if len(info.PK) == 0 {
		return nil, fmt.Errorf("%w: %s has no primary key", ErrUnsupportedTable, table)
	}

	var strict string
	err = q.QueryRowContext(ctx, `
	SELECT name FROM pragma_table_info(?)
	WHERE pk = 0 AND "notnull" = 1 AND dflt_value IS NULL
	LIMIT 1
	`, table).Scan(&strict)
	if err == nil {
		return nil, fmt.Errorf("%w: column %s.%s is NOT NULL without a default", ErrUnsupportedTable, table, strict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO crsync_tables (name, tracked_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		table, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to track %s: %w", table, err)
	}

	r.mu.Lock()
	r.cache[table] = info
	r.mu.Unlock()
	return info, nil
}

// Info returns the layout of a tracked table, or ErrUnknownTable.
func (r *Registry) Info(ctx context.Context, q store.Querier, table string) (*store.TableInfo, error) {
	r.mu.RLock()
	info, ok := r.cache[table]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM crsync_tables WHERE name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up table %s: %w", table, err)
	}

	info, err = store.LoadTableInfo(ctx, q, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s was dropped", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[table] = info
	r.mu.Unlock()
	return info, nil
}

// List returns the tracked table names in order.
func (r *Registry) List(ctx context.Context, q store.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM crsync_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked tables: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked tables: %w", err)
	}
	return names, nil
}

// Forget clears the cache. Call it after the metadata tables are dropped.
func (r *Registry) Forget() {
	r.mu.Lock()
	r.cache = make(map[string]*store.TableInfo)
	r.mu.Unlock()
}
