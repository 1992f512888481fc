package tables

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

	ddl := `
	CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, done INTEGER NOT NULL DEFAULT 0);
	CREATE TABLE members (org TEXT, user_id INTEGER, role TEXT, PRIMARY KEY (org, user_id));
	CREATE TABLE tags (name TEXT PRIMARY KEY);
	CREATE TABLE strict_notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL);
	CREATE TABLE loose (a TEXT, b TEXT);
	`
	if _, err := db.ExecContext(context.Background(), ddl); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return db
}

func TestTrack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	reg := NewRegistry()

	tests := []struct {
		table   string
		wantErr error
	}{
		{table: "todos"},
		{table: "members"},
		{table: "todos"},
		{table: "missing", wantErr: ErrUnsupportedTable},
		{table: "strict_notes", wantErr: ErrUnsupportedTable},
		{table: "loose", wantErr: ErrUnsupportedTable},
		{table: "crsync_changes", wantErr: ErrUnsupportedTable},
	}

	for _, tt := range tests {
		_, err := reg.Track(ctx, db, tt.table)
		if tt.wantErr == nil && err != nil {
			t.Errorf("Track(%s) failed: %v", tt.table, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("Track(%s) error = %v, want %v", tt.table, err, tt.wantErr)
		}
	}

	names, err := reg.List(ctx, db)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(names) != 2 || names[0] != "members" || names[1] != "todos" {
		t.Errorf("List() = %v, want [members todos]", names)
	}
}

func TestInfo(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := NewRegistry().Track(ctx, db, "members"); err != nil {
		t.Fatalf("Track() failed: %v", err)
	}

	// A fresh registry has to find the table through crsync_tables.
	reg := NewRegistry()
	info, err := reg.Info(ctx, db, "members")
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if len(info.PK) != 2 || info.PK[0] != "org" || info.PK[1] != "user_id" {
		t.Errorf("PK = %v, want [org user_id]", info.PK)
	}

	if _, err := reg.Info(ctx, db, "todos"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Info(untracked) error = %v, want ErrUnknownTable", err)
	}

	// After the metadata is dropped, Forget makes the registry notice.
	if err := store.DropSchema(ctx, db); err != nil {
		t.Fatalf("DropSchema() failed: %v", err)
	}
	if err := store.InitSchema(ctx, db); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	reg.Forget()
	if _, err := reg.Info(ctx, db, "members"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Info() after Forget error = %v, want ErrUnknownTable", err)
	}
}

func TestRowWrites(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	reg := NewRegistry()

	info, err := reg.Track(ctx, db, "todos")
	if err != nil {
		t.Fatalf("Track() failed: %v", err)
	}
	row, err := Resolve(info, change.MustPackPK(change.Integer(1)))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	if _, found, err := row.Select(ctx, db); err != nil || found {
		t.Fatalf("Select() before insert = found %v, err %v", found, err)
	}

	if err := row.Ensure(ctx, db); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if err := row.Ensure(ctx, db); err != nil {
		t.Fatalf("second Ensure() failed: %v", err)
	}
	if err := row.Set(ctx, db, "title", change.Text("buy milk")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := row.Set(ctx, db, "done", change.Bool(true)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := row.Set(ctx, db, "nope", change.Null()); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("Set(unknown column) error = %v, want ErrUnknownColumn", err)
	}

	values, found, err := row.Select(ctx, db)
	if err != nil || !found {
		t.Fatalf("Select() = found %v, err %v", found, err)
	}
	if !values["title"].Equal(change.Text("buy milk")) {
		t.Errorf("title = %s, want \"buy milk\"", values["title"])
	}
	if !values["done"].Equal(change.Integer(1)) {
		t.Errorf("done = %s, want 1", values["done"])
	}

	if err := row.Delete(ctx, db); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, found, _ := row.Select(ctx, db); found {
		t.Error("row still present after Delete()")
	}
}

func TestRowCompositeKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	reg := NewRegistry()

	info, err := reg.Track(ctx, db, "members")
	if err != nil {
		t.Fatalf("Track() failed: %v", err)
	}

	if _, err := Resolve(info, change.MustPackPK(change.Text("acme"))); !errors.Is(err, change.ErrMalformed) {
		t.Errorf("Resolve(short key) error = %v, want ErrMalformed", err)
	}

	row, err := Resolve(info, change.MustPackPK(change.Text("acme"), change.Integer(7)))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if err := row.Set(ctx, db, "role", change.Text("admin")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	var role string
	err = db.QueryRowContext(ctx, `SELECT role FROM members WHERE org = 'acme' AND user_id = 7`).Scan(&role)
	if err != nil || role != "admin" {
		t.Errorf("role = %q, %v; want admin", role, err)
	}
}

func TestRowKeyOnlyTable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	info, err := NewRegistry().Track(ctx, db, "tags")
	if err != nil {
		t.Fatalf("Track() failed: %v", err)
	}
	row, err := Resolve(info, change.MustPackPK(change.Text("urgent")))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if err := row.Ensure(ctx, db); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	values, found, err := row.Select(ctx, db)
	if err != nil || !found || len(values) != 0 {
		t.Errorf("Select() = %v, %v, %v; want empty, true, nil", values, found, err)
	}
}
