package changelog

import (
	"context"
	"testing"

	"github.com/mschirtzinger/crsync/internal/change"
)

func TestPutAndLookup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	rec := record(1, "title", 1, 0, siteA)

	if _, found, err := Lookup(ctx, db, rec.Table, rec.PK, rec.Column); err != nil || found {
		t.Fatalf("Lookup() before Put = found %v, err %v", found, err)
	}

	seed(t, db, rec)

	newer := rec
	newer.Value = change.Text("updated")
	newer.ColVersion = 2
	newer.DBVersion = 5
	newer.SiteID = siteB
	seed(t, db, newer)

	got, found, err := Lookup(ctx, db, rec.Table, rec.PK, rec.Column)
	if err != nil || !found {
		t.Fatalf("Lookup() = found %v, err %v", found, err)
	}
	if got.ColVersion != 2 || got.DBVersion != 5 || got.SiteID != siteB || !got.Value.Equal(change.Text("updated")) {
		t.Errorf("Lookup() = %s, want the replacing record", got)
	}

	if n, _ := New(db).Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1 clock per column", n)
	}
}

func TestDropColumnsKeepsSentinel(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sentinel := record(1, change.SentinelColumn, 3, 0, siteA)
	sentinel.Value = change.Null()
	sentinel.CausalLength = 2
	sentinel.ColVersion = 2
	seed(t, db,
		record(1, "title", 1, 0, siteA),
		record(1, "done", 1, 1, siteA),
		record(2, "title", 2, 0, siteA),
		sentinel,
	)

	if err := DropColumns(ctx, db, "todos", sentinel.PK); err != nil {
		t.Fatalf("DropColumns() failed: %v", err)
	}

	got, err := New(db).GetChanges(ctx, 0)
	if err != nil {
		t.Fatalf("GetChanges() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2: %v", len(got), got)
	}
	if got[0].Column != "title" || got[1].Column != change.SentinelColumn {
		t.Errorf("remaining records = %s, %s", got[0], got[1])
	}
}

func TestRowCL(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	pk := change.MustPackPK(change.Text("a"), change.Integer(1))

	if _, found, err := RowCL(ctx, db, "todos", pk); err != nil || found {
		t.Fatalf("RowCL() on unseen row = found %v, err %v", found, err)
	}

	for _, cl := range []int64{1, 2, 3} {
		if err := SetRowCL(ctx, db, "todos", pk, cl); err != nil {
			t.Fatalf("SetRowCL(%d) failed: %v", cl, err)
		}
		got, found, err := RowCL(ctx, db, "todos", pk)
		if err != nil || !found || got != cl {
			t.Errorf("RowCL() = %d, %v, %v; want %d", got, found, err, cl)
		}
	}
}
