package merge

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/changelog"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/tables"
)

// applier carries the state of one batch inside its transaction.
type applier struct {
	q       store.Querier
	tables  *tables.Registry
	stamp   int64
	seq     int64
	res     *Result
	touched map[string]bool
}

func (a *applier) apply(ctx context.Context, rec change.Record) error {
	info, err := a.tables.Info(ctx, a.q, rec.Table)
	if err != nil {
		return err
	}
	row, err := tables.Resolve(info, rec.PK)
	if err != nil {
		return err
	}
	if !rec.IsSentinel() && !info.HasColumn(rec.Column) {
		return fmt.Errorf("%w: %s.%s", tables.ErrUnknownColumn, rec.Table, rec.Column)
	}

	localCL, _, err := changelog.RowCL(ctx, a.q, rec.Table, rec.PK)
	if err != nil {
		return err
	}

	switch {
	case rec.CausalLength < localCL:
		a.res.discard(metrics.ReasonStaleLineage)
		return nil
	case rec.CausalLength > localCL:
		return a.advanceLineage(ctx, row, rec)
	}

	// Same lineage: plain last-writer-wins on the column clock.
	local, found, err := changelog.Lookup(ctx, a.q, rec.Table, rec.PK, rec.Column)
	if err != nil {
		return err
	}
	if found {
		switch c := compare(rec, local); {
		case c == 0:
			a.res.discard(metrics.ReasonDuplicate)
			return nil
		case c < 0:
			a.res.discard(metrics.ReasonSuperseded)
			return nil
		}
	}

	if !rec.IsSentinel() {
		if err := row.Set(ctx, a.q, rec.Column, rec.Value); err != nil {
			return err
		}
	}
	return a.keep(ctx, rec)
}

// advanceLineage handles a record from a newer lineage of its row: a
// delete, a resurrection, or the first record ever seen for the row.
func (a *applier) advanceLineage(ctx context.Context, row tables.Row, rec change.Record) error {
	if err := changelog.DropColumns(ctx, a.q, rec.Table, rec.PK); err != nil {
		return err
	}
	if err := changelog.SetRowCL(ctx, a.q, rec.Table, rec.PK, rec.CausalLength); err != nil {
		return err
	}

	// Columns of the older lineage must not survive into the new one, so
	// the row is rebuilt from its defaults.
	if err := row.Delete(ctx, a.q); err != nil {
		return err
	}
	switch {
	case rec.Deletes():
	case rec.IsSentinel():
		if err := row.Ensure(ctx, a.q); err != nil {
			return err
		}
	default:
		if err := row.Set(ctx, a.q, rec.Column, rec.Value); err != nil {
			return err
		}
	}
	return a.keep(ctx, rec)
}

// keep stores rec as its column's clock under the batch's local stamp.
// The origin site is preserved so echo filtering still works downstream.
func (a *applier) keep(ctx context.Context, rec change.Record) error {
	rec.DBVersion = a.stamp
	rec.Seq = a.seq
	a.seq++
	if err := changelog.Put(ctx, a.q, rec); err != nil {
		return err
	}
	a.res.Applied++
	a.touched[rec.Table] = true
	return nil
}

// compare orders two clocks for the same column of the same lineage:
// greater col_version wins, then greater site id.
func compare(a, b change.Record) int {
	switch {
	case a.ColVersion > b.ColVersion:
		return 1
	case a.ColVersion < b.ColVersion:
		return -1
	}
	return a.SiteID.Compare(b.SiteID)
}
