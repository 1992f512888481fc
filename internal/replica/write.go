package replica

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/changelog"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/tables"
)

// Track marks table as replicated, like crsql_as_crr. Rows that already
// exist are recorded as local changes so peers receive them. It returns
// how many rows were backfilled.
func (r *Replica) Track(ctx context.Context, table string) (int, error) {
	if err := r.Init(ctx); err != nil {
		return 0, err
	}
	site, _ := r.SiteID(ctx)

	var backfilled int
	var dbv int64
	err := r.h.Transaction(ctx, func(q store.Querier) error {
		info, err := r.tables.Track(ctx, q, table)
		if err != nil {
			return err
		}

		existing, err := scanAll(ctx, q, info)
		if err != nil {
			return err
		}

		var records []change.Record
		for _, row := range existing {
			packed, err := change.PackPK(row.PK...)
			if err != nil {
				return err
			}
			if _, found, err := changelog.RowCL(ctx, q, table, packed); err != nil {
				return err
			} else if found {
				continue
			}
			if err := changelog.SetRowCL(ctx, q, table, packed, 1); err != nil {
				return err
			}

			backfilled++
			if len(info.Columns) == 0 {
				records = append(records, lineage(table, packed, 1, site))
				continue
			}
			for _, col := range info.Columns {
				records = append(records, change.Record{
					Table:        table,
					PK:           packed,
					Column:       col,
					Value:        row.values[col],
					ColVersion:   1,
					SiteID:       site,
					CausalLength: 1,
				})
			}
		}

		dbv, err = r.stamp(ctx, q, records)
		return err
	})
	if err != nil {
		// The registry cached the table inside the rolled-back transaction.
		r.tables.Forget()
		return 0, fmt.Errorf("failed to track %s: %w", table, err)
	}

	r.opts.Logger.Printf("Tracking %s (%d existing rows)", table, backfilled)
	if backfilled > 0 {
		r.committed(Commit{Table: table, DBVersion: dbv, Records: backfilled})
	}
	return backfilled, nil
}

// Tables returns the tracked table names.
func (r *Replica) Tables(ctx context.Context) ([]string, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r.tables.List(ctx, r.h)
}

// Write sets columns of the row with primary key pk, inserting the row if
// it does not exist and resurrecting it if it was deleted. All records of
// one call share a db_version. It returns that version, or the current
// version when there was nothing to write.
func (r *Replica) Write(ctx context.Context, table string, pk []change.Value, columns map[string]change.Value) (int64, error) {
	if err := r.Init(ctx); err != nil {
		return 0, err
	}
	site, _ := r.SiteID(ctx)

	packed, err := change.PackPK(pk...)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	var dbv int64
	var n int
	err = r.h.Transaction(ctx, func(q store.Querier) error {
		row, err := r.row(ctx, q, table, packed)
		if err != nil {
			return err
		}
		for _, name := range names {
			if !row.Info.HasColumn(name) {
				return fmt.Errorf("%w: %s.%s", tables.ErrUnknownColumn, table, name)
			}
		}

		cl, found, err := changelog.RowCL(ctx, q, table, packed)
		if err != nil {
			return err
		}

		var records []change.Record
		switch {
		case !found:
			// Fresh insert: column records alone imply the row.
			cl = 1
			if len(names) == 0 {
				records = append(records, lineage(table, packed, cl, site))
			}
		case cl%2 == 0:
			// Resurrection starts a new lineage with fresh column clocks.
			cl++
			if err := changelog.DropColumns(ctx, q, table, packed); err != nil {
				return err
			}
			records = append(records, lineage(table, packed, cl, site))
		}
		if err := changelog.SetRowCL(ctx, q, table, packed, cl); err != nil {
			return err
		}
		if err := row.Ensure(ctx, q); err != nil {
			return err
		}

		for _, name := range names {
			prev, seen, err := changelog.Lookup(ctx, q, table, packed, name)
			if err != nil {
				return err
			}
			cv := int64(1)
			if seen {
				cv = prev.ColVersion + 1
			}
			if err := row.Set(ctx, q, name, columns[name]); err != nil {
				return err
			}
			records = append(records, change.Record{
				Table:        table,
				PK:           packed,
				Column:       name,
				Value:        columns[name],
				ColVersion:   cv,
				SiteID:       site,
				CausalLength: cl,
			})
		}

		n = len(records)
		dbv, err = r.stamp(ctx, q, records)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", table, err)
	}

	if n > 0 {
		r.committed(Commit{Table: table, DBVersion: dbv, Records: n})
	}
	return dbv, nil
}

// Delete removes the row with primary key pk. Deleting a row that does
// not exist returns ErrNotFound.
func (r *Replica) Delete(ctx context.Context, table string, pk []change.Value) (int64, error) {
	if err := r.Init(ctx); err != nil {
		return 0, err
	}
	site, _ := r.SiteID(ctx)

	packed, err := change.PackPK(pk...)
	if err != nil {
		return 0, err
	}

	var dbv int64
	err = r.h.Transaction(ctx, func(q store.Querier) error {
		row, err := r.row(ctx, q, table, packed)
		if err != nil {
			return err
		}

		cl, found, err := changelog.RowCL(ctx, q, table, packed)
		if err != nil {
			return err
		}
		if !found || cl%2 == 0 {
			return ErrNotFound
		}
		cl++

		if err := changelog.DropColumns(ctx, q, table, packed); err != nil {
			return err
		}
		if err := changelog.SetRowCL(ctx, q, table, packed, cl); err != nil {
			return err
		}
		if err := row.Delete(ctx, q); err != nil {
			return err
		}

		dbv, err = r.stamp(ctx, q, []change.Record{lineage(table, packed, cl, site)})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	r.committed(Commit{Table: table, DBVersion: dbv, Records: 1})
	return dbv, nil
}

// Get reads the materialized row with primary key pk.
func (r *Replica) Get(ctx context.Context, table string, pk []change.Value) (map[string]change.Value, bool, error) {
	if err := r.Init(ctx); err != nil {
		return nil, false, err
	}
	packed, err := change.PackPK(pk...)
	if err != nil {
		return nil, false, err
	}
	row, err := r.row(ctx, r.h, table, packed)
	if err != nil {
		return nil, false, err
	}
	return row.Select(ctx, r.h)
}

func (r *Replica) row(ctx context.Context, q store.Querier, table string, packed []byte) (tables.Row, error) {
	info, err := r.tables.Info(ctx, q, table)
	if err != nil {
		return tables.Row{}, err
	}
	return tables.Resolve(info, packed)
}

// stamp gives records the next db_version and consecutive sequence numbers
// and stores them as their columns' clocks. With no records it leaves the
// version alone and returns the current one.
func (r *Replica) stamp(ctx context.Context, q store.Querier, records []change.Record) (int64, error) {
	if len(records) == 0 {
		return r.tracker.Current(ctx, q)
	}

	dbv, err := r.tracker.Next(ctx, q)
	if err != nil {
		return 0, err
	}
	for i := range records {
		records[i].DBVersion = dbv
		records[i].Seq = int64(i)
		if err := changelog.Put(ctx, q, records[i]); err != nil {
			return 0, err
		}
	}
	return dbv, nil
}

func (r *Replica) committed(c Commit) {
	r.opts.Metrics.LocalWrite()
	r.notify()
	if r.opts.OnCommit != nil {
		r.opts.OnCommit(c)
	}
}

// lineage builds the sentinel record for a row's causal length.
func lineage(table string, packed []byte, cl int64, site change.SiteID) change.Record {
	return change.Record{
		Table:        table,
		PK:           packed,
		Column:       change.SentinelColumn,
		Value:        change.Null(),
		ColVersion:   cl,
		SiteID:       site,
		CausalLength: cl,
	}
}

type existingRow struct {
	PK     []change.Value
	values map[string]change.Value
}

// scanAll reads every row of a table into memory.
func scanAll(ctx context.Context, q store.Querier, info *store.TableInfo) ([]existingRow, error) {
	cols := make([]string, 0, len(info.PK)+len(info.Columns))
	for _, c := range info.PK {
		cols = append(cols, store.QuoteIdent(c))
	}
	for _, c := range info.Columns {
		cols = append(cols, store.QuoteIdent(c))
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), store.QuoteIdent(info.Name)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", info.Name, err)
	}
	defer rows.Close()

	var out []existingRow
	for rows.Next() {
		raw := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", info.Name, err)
		}

		row := existingRow{values: make(map[string]change.Value, len(info.Columns))}
		for i, v := range raw {
			val, err := change.Infer(v)
			if err != nil {
				return nil, err
			}
			if i < len(info.PK) {
				row.PK = append(row.PK, val)
			} else {
				row.values[info.Columns[i-len(info.PK)]] = val
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", info.Name, err)
	}
	return out, nil
}
