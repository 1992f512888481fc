package changelog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

var (
	siteA = change.SiteID{1}
	siteB = change.SiteID{2}
)

// record builds a column record for row id in table "todos".
func record(id int64, col string, dbv, seq int64, site change.SiteID) change.Record {
	return change.Record{
		Table:        "todos",
		PK:           change.MustPackPK(change.Integer(id)),
		Column:       col,
		Value:        change.Text(col),
		ColVersion:   1,
		DBVersion:    dbv,
		SiteID:       site,
		CausalLength: 1,
		Seq:          seq,
	}
}

func seed(t *testing.T, db *store.DB, records ...change.Record) {
	t.Helper()
	for _, rec := range records {
		if err := Put(context.Background(), db, rec); err != nil {
			t.Fatalf("Put(%s) failed: %v", rec, err)
		}
	}
}

func versions(records []change.Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.DBVersion
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGetChanges_Ordered(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Inserted out of order on purpose.
	seed(t, db,
		record(3, "title", 3, 0, siteA),
		record(1, "title", 1, 0, siteA),
		record(2, "done", 2, 1, siteA),
		record(2, "title", 2, 0, siteA),
	)

	log := New(db)
	got, err := log.GetChanges(ctx, 0)
	if err != nil {
		t.Fatalf("GetChanges() failed: %v", err)
	}
	if err := change.ValidateBatch(got); err != nil {
		t.Fatalf("GetChanges() returned an invalid batch: %v", err)
	}
	if want := []int64{1, 2, 2, 3}; !equalInts(versions(got), want) {
		t.Errorf("versions = %v, want %v", versions(got), want)
	}
	if got[1].Column != "title" || got[2].Column != "done" {
		t.Errorf("seq order not respected: %s, %s", got[1], got[2])
	}

	after, err := log.GetChanges(ctx, 2)
	if err != nil {
		t.Fatalf("GetChanges(2) failed: %v", err)
	}
	if len(after) != 1 || after[0].DBVersion != 3 {
		t.Errorf("GetChanges(2) = %v, want only version 3", versions(after))
	}
}

func TestGetChanges_Cursor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seed(t, db, record(1, "title", 1, 0, siteA))
	log := New(db)

	if _, err := log.GetChanges(ctx, -1); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("GetChanges(-1) error = %v, want ErrInvalidCursor", err)
	}

	got, err := log.GetChanges(ctx, 99)
	if err != nil {
		t.Fatalf("GetChanges(99) failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("GetChanges(99) = %v, want empty slice", got)
	}
}

func TestGetChanges_KeepsValueKinds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	values := []change.Value{
		change.Null(),
		change.Integer(-7),
		change.Real(1.5),
		change.Text(""),
		change.Blob([]byte{0, 1}),
		change.Bool(true),
	}
	for i, v := range values {
		rec := record(int64(i), "c", int64(i+1), 0, siteA)
		rec.Value = v
		seed(t, db, rec)
	}

	got, err := New(db).GetChanges(ctx, 0)
	if err != nil {
		t.Fatalf("GetChanges() failed: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d records, want %d", len(got), len(values))
	}
	for i, rec := range got {
		if !rec.Value.Equal(values[i]) {
			t.Errorf("record %d value = %s (%s), want %s (%s)", i, rec.Value, rec.Value.Kind(), values[i], values[i].Kind())
		}
	}
}

func TestNextBatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Version 2 holds three records, version 4 holds five.
	seed(t, db,
		record(1, "a", 1, 0, siteA),
		record(2, "a", 2, 0, siteA),
		record(2, "b", 2, 1, siteA),
		record(2, "c", 2, 2, siteA),
		record(3, "a", 3, 0, siteB),
		record(4, "a", 4, 0, siteA),
		record(4, "b", 4, 1, siteA),
		record(4, "c", 4, 2, siteA),
		record(4, "d", 4, 3, siteA),
		record(4, "e", 4, 4, siteA),
		record(5, "a", 5, 0, siteA),
	)
	log := New(db)

	at := func(v, seq int64) change.Cursor { return change.Cursor{Version: v, Seq: seq} }

	tests := []struct {
		name     string
		after    change.Cursor
		exclude  change.SiteID
		max      int
		want     []int64
		wantLast change.Cursor
	}{
		{name: "fits", max: 20, want: []int64{1, 2, 2, 2, 3, 4, 4, 4, 4, 4, 5}, wantLast: at(5, 0)},
		{name: "ends on version boundary", max: 4, want: []int64{1, 2, 2, 2}, wantLast: at(2, 2)},
		{name: "splits a version", max: 3, want: []int64{1, 2, 2}, wantLast: at(2, 1)},
		{name: "resumes inside a version", after: at(2, 1), max: 2, want: []int64{2, 3}, wantLast: at(3, 0)},
		{name: "large version in parts", after: at(4, 1), max: 2, want: []int64{4, 4}, wantLast: at(4, 3)},
		{name: "excludes requesting site", after: at(2, 2), exclude: siteB, max: 20, want: []int64{4, 4, 4, 4, 4, 5}, wantLast: at(5, 0)},
		{name: "past end", after: at(5, 0), max: 10, want: []int64{}},
		{name: "max below one", max: 0, want: []int64{1}, wantLast: at(1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := log.NextBatch(ctx, tt.after, tt.exclude, tt.max)
			if err != nil {
				t.Fatalf("NextBatch() failed: %v", err)
			}
			if !equalInts(versions(got), tt.want) {
				t.Errorf("NextBatch(%s, max=%d) versions = %v, want %v", tt.after, tt.max, versions(got), tt.want)
			}
			if last := change.Last(got); last != tt.wantLast {
				t.Errorf("NextBatch(%s, max=%d) ends at %s, want %s", tt.after, tt.max, last, tt.wantLast)
			}
		})
	}

	if _, err := log.NextBatch(ctx, at(-1, 0), change.SiteID{}, 5); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("NextBatch(-1.0) error = %v, want ErrInvalidCursor", err)
	}
}

func TestNextBatch_ResumeCoversEverything(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var all []change.Record
	for v := int64(1); v <= 6; v++ {
		for s := int64(0); s < v; s++ {
			all = append(all, record(v*10+s, "a", v, s, siteA))
		}
	}
	seed(t, db, all...)
	log := New(db)

	for _, max := range []int{1, 2, 4, 7} {
		var shipped int
		var cursor change.Cursor
		for i := 0; i < 100; i++ {
			batch, err := log.NextBatch(ctx, cursor, change.SiteID{}, max)
			if err != nil {
				t.Fatalf("NextBatch() failed: %v", err)
			}
			if len(batch) == 0 {
				break
			}
			if len(batch) > max {
				t.Fatalf("batch of %d records exceeds max %d", len(batch), max)
			}
			shipped += len(batch)
			cursor = change.Last(batch)
		}
		if shipped != len(all) {
			t.Errorf("max=%d: shipped %d records, want %d", max, shipped, len(all))
		}
	}
}

func TestMaxVersionAndCount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	log := New(db)

	v, err := log.MaxVersion(ctx)
	if err != nil || v != 0 {
		t.Fatalf("MaxVersion() on empty log = %d, %v; want 0, nil", v, err)
	}

	seed(t, db, record(1, "a", 7, 0, siteA), record(2, "a", 3, 0, siteA))

	if v, err := log.MaxVersion(ctx); err != nil || v != 7 {
		t.Errorf("MaxVersion() = %d, %v; want 7, nil", v, err)
	}
	if n, err := log.Count(ctx); err != nil || n != 2 {
		t.Errorf("Count() = %d, %v; want 2, nil", n, err)
	}
}
