// Package changelog reads and writes the crsync_changes table: the ordered
// log of winning column assignments that peers pull from.
//
// Extraction (GetChanges, NextBatch) is a pure read ordered by
// (db_version, seq). The clock helpers (Lookup, Put, ...) are the write side
// used by local writes and merges inside their transactions.
package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/store"
)

// ErrInvalidCursor is returned for negative since versions.
var ErrInvalidCursor = errors.New("invalid sync cursor")

const selectColumns = `tbl, pk, cid, val, val_kind, col_version, db_version, site_id, cl, seq`

// Log reads the change log through a storage handle.
type Log struct {
	q store.Querier
}

// New returns a Log reading through q.
func New(q store.Querier) *Log {
	return &Log{q: q}
}

// GetChanges returns every record with db_version > since, ascending by
// (db_version, seq). A cursor past the newest version yields an empty slice.
func (l *Log) GetChanges(ctx context.Context, since int64) ([]change.Record, error) {
	if since < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCursor, since)
	}

	rows, err := l.q.QueryContext(ctx, `
	SELECT `+selectColumns+`
	FROM crsync_changes
	WHERE db_version > ?
	ORDER BY db_version ASC, seq ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// NextBatch returns up to max records positioned after the cursor,
// skipping records that originated at exclude (pass the zero SiteID to
// keep everything).
//
// A batch may end inside a db_version. The receiver's cursor records the
// exact position reached, so the rest of the version follows in the next
// batch and no single version has to fit in one frame.
func (l *Log) NextBatch(ctx context.Context, after change.Cursor, exclude change.SiteID, max int) ([]change.Record, error) {
	if !after.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, after)
	}
	if max < 1 {
		max = 1
	}

	rows, err := l.q.QueryContext(ctx, `
	SELECT `+selectColumns+`
	FROM crsync_changes
	WHERE (db_version > ? OR (db_version = ? AND seq > ?)) AND site_id != ?
	ORDER BY db_version ASC, seq ASC
	LIMIT ?
	`, after.Version, after.Version, after.Seq, exclude.Bytes(), max)
	if err != nil {
		return nil, fmt.Errorf("failed to query change batch: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MaxVersion returns the newest db_version in the log, or 0 when empty.
func (l *Log) MaxVersion(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	if err := l.q.QueryRowContext(ctx, `SELECT MAX(db_version) FROM crsync_changes`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read max db version: %w", err)
	}
	return v.Int64, nil
}

// Count returns the number of records in the log.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM crsync_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return n, nil
}

// scanRecords is a helper function to scan change rows.
func scanRecords(rows *sql.Rows) ([]change.Record, error) {
	records := []change.Record{}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (change.Record, error) {
	var (
		rec     change.Record
		raw     any
		kind    int
		siteRaw []byte
	)
	err := s.Scan(
		&rec.Table,
		&rec.PK,
		&rec.Column,
		&raw,
		&kind,
		&rec.ColVersion,
		&rec.DBVersion,
		&siteRaw,
		&rec.CausalLength,
		&rec.Seq,
	)
	if err != nil {
		return change.Record{}, err
	}

	rec.Value, err = change.FromSQL(change.Kind(kind), raw)
	if err != nil {
		return change.Record{}, fmt.Errorf("failed to decode value of %s.%s: %w", rec.Table, rec.Column, err)
	}
	rec.SiteID, err = change.SiteIDFromBytes(siteRaw)
	if err != nil {
		return change.Record{}, err
	}
	return rec, nil
}
