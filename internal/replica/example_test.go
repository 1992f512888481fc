package replica_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/replica"
	"github.com/mschirtzinger/crsync/internal/store"
)

func Example() {
	ctx := context.Background()
	dir, _ := os.MkdirTemp("", "crsync-example")
	defer os.RemoveAll(dir)

	open := func(name string) *replica.Replica {
		db, _ := store.Open(filepath.Join(dir, name))
		db.ExecContext(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
		r, _ := replica.Open(ctx, db, &replica.Options{Logger: log.New(io.Discard, "", 0)})
		r.Track(ctx, "notes")
		return r
	}
	a, b := open("a.db"), open("b.db")

	a.Write(ctx, "notes", []change.Value{change.Integer(1)}, map[string]change.Value{
		"body": change.Text("hello from a"),
	})

	aSite, _ := a.SiteID(ctx)
	bSite, _ := b.SiteID(ctx)
	batch, _ := a.NextBatch(ctx, change.Cursor{}, bSite, 100)
	res, _ := b.ApplyFrom(ctx, aSite, batch)

	row, _, _ := b.Get(ctx, "notes", []change.Value{change.Integer(1)})
	body, _ := row["body"].AsText()
	fmt.Println(res.Applied, body)
	// Output: 1 hello from a
}
