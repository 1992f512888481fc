package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/store"
)

// Lookup returns the current winning record for one column of one row.
func Lookup(ctx context.Context, q store.Querier, table string, pk []byte, cid string) (change.Record, bool, error) {
	row := q.QueryRowContext(ctx, `
	SELECT `+selectColumns+`
	FROM crsync_changes
	WHERE tbl = ? AND pk = ? AND cid = ?
	`, table, pk, cid)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Record{}, false, nil
	}
	if err != nil {
		return change.Record{}, false, fmt.Errorf("failed to read clock for %s.%s: %w", table, cid, err)
	}
	return rec, true, nil
}

// Put stores rec as the winning record for its column, replacing any
// previous clock.
func Put(ctx context.Context, q store.Querier, rec change.Record) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO crsync_changes (tbl, pk, cid, val, val_kind, col_version, db_version, site_id, cl, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, pk, cid) DO UPDATE SET
		val = excluded.val,
		val_kind = excluded.val_kind,
		col_version = excluded.col_version,
		db_version = excluded.db_version,
		site_id = excluded.site_id,
		cl = excluded.cl,
		seq = excluded.seq
	`,
		rec.Table,
		rec.PK,
		rec.Column,
		rec.Value.SQL(),
		int(rec.Value.Kind()),
		rec.ColVersion,
		rec.DBVersion,
		rec.SiteID.Bytes(),
		rec.CausalLength,
		rec.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to store clock for %s.%s: %w", rec.Table, rec.Column, err)
	}
	return nil
}

// DropColumns removes every column clock of a row, keeping its sentinel.
// Called when the row's lineage advances and older clocks no longer apply.
func DropColumns(ctx context.Context, q store.Querier, table string, pk []byte) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM crsync_changes WHERE tbl = ? AND pk = ? AND cid != ?`,
		table, pk, change.SentinelColumn)
	if err != nil {
		return fmt.Errorf("failed to drop column clocks for %s: %w", table, err)
	}
	return nil
}

// RowCL returns the causal length of a row. found is false for rows this
// replica has never seen.
func RowCL(ctx context.Context, q store.Querier, table string, pk []byte) (cl int64, found bool, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT cl FROM crsync_rows WHERE tbl = ? AND pk = ?`, table, pk).Scan(&cl)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read causal length for %s: %w", table, err)
	}
	return cl, true, nil
}

// SetRowCL records a row's causal length.
func SetRowCL(ctx context.Context, q store.Querier, table string, pk []byte, cl int64) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO crsync_rows (tbl, pk, cl) VALUES (?, ?, ?)
	ON CONFLICT(tbl, pk) DO UPDATE SET cl = excluded.cl
	`, table, pk, cl)
	if err != nil {
		return fmt.Errorf("failed to store causal length for %s: %w", table, err)
	}
	return nil
}
