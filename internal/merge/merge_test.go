package merge

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/changelog"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/tables"
	"github.com/mschirtzinger/crsync/internal/version"
)

type testReplica struct {
	db       *store.DB
	tracker  *version.Tracker
	resolver *Resolver
	metrics  *metrics.Metrics
}

func newTestReplica(t *testing.T) *testReplica {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	_, err = db.ExecContext(ctx, `CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT, done INTEGER)`)
	require.NoError(t, err)

	tracker := version.New()
	_, _, err = tracker.Init(ctx, db)
	require.NoError(t, err)

	registry := tables.NewRegistry()
	_, err = registry.Track(ctx, db, "todos")
	require.NoError(t, err)

	m := metrics.New()
	resolver := New(tracker, registry, &Config{
		Logger:  log.New(io.Discard, "", 0),
		Metrics: m,
	})
	return &testReplica{db: db, tracker: tracker, resolver: resolver, metrics: m}
}

func (r *testReplica) apply(t *testing.T, records ...change.Record) Result {
	t.Helper()
	res, err := r.resolver.ApplyChanges(context.Background(), r.db, records, ApplyOptions{})
	require.NoError(t, err)
	return res
}

func (r *testReplica) version(t *testing.T) int64 {
	t.Helper()
	v, err := r.tracker.Current(context.Background(), r.db)
	require.NoError(t, err)
	return v
}

// title returns the materialized title of row id, or ok=false if the row
// does not exist.
func (r *testReplica) title(t *testing.T, id int64) (title string, ok bool) {
	t.Helper()
	var s *string
	err := r.db.QueryRowContext(context.Background(), `SELECT title FROM todos WHERE id = ?`, id).Scan(&s)
	if err != nil {
		return "", false
	}
	if s == nil {
		return "", true
	}
	return *s, true
}

var (
	siteA = change.SiteID{0xa}
	siteB = change.SiteID{0xb}
)

func col(id int64, column string, v change.Value, cv, dbv int64, site change.SiteID, cl int64) change.Record {
	return change.Record{
		Table:        "todos",
		PK:           change.MustPackPK(change.Integer(id)),
		Column:       column,
		Value:        v,
		ColVersion:   cv,
		DBVersion:    dbv,
		SiteID:       site,
		CausalLength: cl,
	}
}

func sentinel(id, cl, dbv int64, site change.SiteID) change.Record {
	return col(id, change.SentinelColumn, change.Null(), cl, dbv, site, cl)
}

func TestApply_InsertPropagates(t *testing.T) {
	r := newTestReplica(t)

	batch := []change.Record{
		col(1, "title", change.Text("buy milk"), 1, 5, siteA, 1),
		col(1, "done", change.Integer(0), 1, 5, siteA, 1),
	}
	batch[1].Seq = 1

	res := r.apply(t, batch...)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, int64(5), res.MaxVersion)
	require.Greater(t, res.NewVersion, int64(5))
	require.Equal(t, []string{"todos"}, res.Tables)
	require.Equal(t, res.NewVersion, r.version(t))

	title, ok := r.title(t, 1)
	require.True(t, ok)
	require.Equal(t, "buy milk", title)
}

func TestApply_Idempotent(t *testing.T) {
	r := newTestReplica(t)
	batch := []change.Record{
		col(1, "title", change.Text("a"), 1, 3, siteA, 1),
		col(2, "title", change.Text("b"), 1, 4, siteA, 1),
		sentinel(2, 2, 5, siteA),
	}

	first := r.apply(t, batch...)
	require.Equal(t, 3, first.Applied)
	v := r.version(t)
	before, err := changelog.New(r.db).GetChanges(context.Background(), 0)
	require.NoError(t, err)

	second := r.apply(t, batch...)
	require.Zero(t, second.Applied)
	require.Equal(t, len(batch), second.Discarded)
	require.Equal(t, v, r.version(t), "re-applying must not advance db_version")

	after, err := changelog.New(r.db).GetChanges(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestApply_VersionAlwaysPastBatch(t *testing.T) {
	r := newTestReplica(t)

	// Nothing applies here (the same record twice), yet the local version
	// must still move past what was seen.
	rec := col(1, "title", change.Text("x"), 1, 40, siteA, 1)
	r.apply(t, rec)
	require.Equal(t, int64(41), r.version(t))

	res := r.apply(t, rec)
	require.Zero(t, res.Applied)
	require.Equal(t, int64(41), r.version(t))

	later := col(1, "title", change.Text("x"), 1, 90, siteA, 1)
	res = r.apply(t, later)
	require.Zero(t, res.Applied)
	require.Equal(t, int64(91), r.version(t))
}

func TestApply_ColumnLWW(t *testing.T) {
	tests := []struct {
		name  string
		first change.Record
		then  change.Record
		want  string
	}{
		{
			name:  "higher col_version wins",
			first: col(1, "title", change.Text("old"), 1, 1, siteB, 1),
			then:  col(1, "title", change.Text("new"), 2, 2, siteA, 1),
			want:  "new",
		},
		{
			name:  "lower col_version discarded",
			first: col(1, "title", change.Text("kept"), 3, 1, siteA, 1),
			then:  col(1, "title", change.Text("lost"), 2, 2, siteB, 1),
			want:  "kept",
		},
		{
			name:  "tie broken by greater site",
			first: col(1, "title", change.Text("from a"), 1, 1, siteA, 1),
			then:  col(1, "title", change.Text("from b"), 1, 1, siteB, 1),
			want:  "from b",
		},
		{
			name:  "tie against greater site discarded",
			first: col(1, "title", change.Text("from b"), 1, 1, siteB, 1),
			then:  col(1, "title", change.Text("from a"), 1, 1, siteA, 1),
			want:  "from b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReplica(t)
			r.apply(t, tt.first)
			r.apply(t, tt.then)

			title, ok := r.title(t, 1)
			require.True(t, ok)
			require.Equal(t, tt.want, title)
		})
	}
}

func TestApply_ConcurrentUpdateConverges(t *testing.T) {
	x := col(1, "title", change.Text("x"), 2, 7, siteA, 1)
	y := col(1, "title", change.Text("y"), 2, 3, siteB, 1)

	one := newTestReplica(t)
	one.apply(t, x)
	one.apply(t, y)

	two := newTestReplica(t)
	two.apply(t, y)
	two.apply(t, x)

	for _, r := range []*testReplica{one, two} {
		title, _ := r.title(t, 1)
		require.Equal(t, "y", title, "greater site id must win")
	}
}

func TestApply_CausalLength(t *testing.T) {
	r := newTestReplica(t)

	r.apply(t, col(1, "title", change.Text("v1"), 1, 1, siteA, 1))
	r.apply(t, sentinel(1, 2, 2, siteB))
	_, ok := r.title(t, 1)
	require.False(t, ok, "row should be deleted")

	// A concurrent update from the deleted lineage loses.
	res := r.apply(t, col(1, "title", change.Text("late"), 5, 3, siteA, 1))
	require.Zero(t, res.Applied)
	require.Equal(t, 1, res.DiscardedBy[metrics.ReasonStaleLineage])
	_, ok = r.title(t, 1)
	require.False(t, ok)

	// Resurrection wins over the delete and starts fresh column clocks.
	r.apply(t,
		sentinel(1, 3, 4, siteA),
		col(1, "title", change.Text("again"), 1, 4, siteA, 3),
	)
	title, ok := r.title(t, 1)
	require.True(t, ok)
	require.Equal(t, "again", title)
}

func TestApply_DeleteUnseenRow(t *testing.T) {
	r := newTestReplica(t)

	r.apply(t, sentinel(9, 2, 1, siteA))
	res := r.apply(t, col(9, "title", change.Text("ghost"), 1, 1, siteB, 1))
	require.Zero(t, res.Applied)

	_, ok := r.title(t, 9)
	require.False(t, ok)
}

func TestApply_Restamps(t *testing.T) {
	r := newTestReplica(t)

	res := r.apply(t,
		col(1, "title", change.Text("a"), 1, 100, siteA, 1),
		col(2, "title", change.Text("b"), 1, 101, siteB, 1),
	)

	got, err := changelog.New(r.db).GetChanges(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, rec := range got {
		require.Equal(t, res.NewVersion, rec.DBVersion)
		require.Equal(t, int64(i), rec.Seq)
	}
	require.Equal(t, siteA, got[0].SiteID, "origin site is preserved")
	require.Equal(t, siteB, got[1].SiteID)
}

func TestApply_RejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name    string
		batch   []change.Record
		wantErr error
	}{
		{
			name: "unknown table",
			batch: []change.Record{
				col(1, "title", change.Text("a"), 1, 1, siteA, 1),
				func() change.Record {
					rec := col(2, "title", change.Text("b"), 1, 1, siteA, 1)
					rec.Table = "nope"
					return rec
				}(),
			},
			wantErr: ErrUnknownTable,
		},
		{
			name: "unknown column",
			batch: []change.Record{
				col(1, "title", change.Text("a"), 1, 1, siteA, 1),
				col(1, "color", change.Text("red"), 1, 1, siteA, 1),
			},
			wantErr: tables.ErrUnknownColumn,
		},
		{
			name: "out of order",
			batch: []change.Record{
				col(1, "title", change.Text("a"), 1, 2, siteA, 1),
				col(2, "title", change.Text("b"), 1, 1, siteA, 1),
			},
			wantErr: change.ErrOutOfOrder,
		},
		{
			name: "malformed",
			batch: []change.Record{
				col(1, "title", change.Text("a"), 0, 1, siteA, 1),
			},
			wantErr: change.ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReplica(t)
			v := r.version(t)

			_, err := r.resolver.ApplyChanges(context.Background(), r.db, tt.batch, ApplyOptions{})
			require.ErrorIs(t, err, tt.wantErr)
			require.True(t, IsRejection(err))

			_, ok := r.title(t, 1)
			require.False(t, ok, "no record of a rejected batch may be applied")
			require.Equal(t, v, r.version(t))
		})
	}
}

func TestApply_AfterDiscardsRegressions(t *testing.T) {
	r := newTestReplica(t)

	// The cursor stops inside version 6: its first record was already
	// applied, the second was not.
	inside := col(3, "title", change.Text("seen"), 1, 6, siteA, 1)
	next := col(4, "title", change.Text("next"), 1, 6, siteA, 1)
	next.Seq = 1

	res, err := r.resolver.ApplyChanges(context.Background(), r.db, []change.Record{
		col(1, "title", change.Text("stale"), 1, 3, siteA, 1),
		inside,
		next,
		col(2, "title", change.Text("fresh"), 1, 7, siteA, 1),
	}, ApplyOptions{After: change.Cursor{Version: 6, Seq: 0}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, 2, res.DiscardedBy[metrics.ReasonRegression])
	require.Equal(t, change.Cursor{Version: 7}, res.Last)

	for id, want := range map[int64]bool{1: false, 2: true, 3: false, 4: true} {
		_, ok := r.title(t, id)
		require.Equal(t, want, ok, "row %d", id)
	}
}

func TestApply_WithinRunsInTransaction(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()
	peer := change.SiteID{0xee}
	rec := col(1, "title", change.Text("a"), 1, 8, siteA, 1)

	boom := errors.New("boom")
	_, err := r.resolver.ApplyChanges(ctx, r.db, []change.Record{rec}, ApplyOptions{
		Within: func(q store.Querier, res Result) error {
			require.NoError(t, r.tracker.AdvancePeer(ctx, q, peer, res.Last))
			return boom
		},
	})
	require.ErrorIs(t, err, boom)

	cursor, err := r.tracker.PeerCursor(ctx, r.db, peer)
	require.NoError(t, err)
	require.Zero(t, cursor, "cursor must roll back with the batch")
	_, ok := r.title(t, 1)
	require.False(t, ok)

	_, err = r.resolver.ApplyChanges(ctx, r.db, []change.Record{rec}, ApplyOptions{
		Within: func(q store.Querier, res Result) error {
			return r.tracker.AdvancePeer(ctx, q, peer, res.Last)
		},
	})
	require.NoError(t, err)
	cursor, err = r.tracker.PeerCursor(ctx, r.db, peer)
	require.NoError(t, err)
	require.Equal(t, change.Cursor{Version: 8}, cursor)
}

// TestApply_OrderIndependent applies the same record set in random orders
// on several replicas and checks they all end in the same state.
func TestApply_OrderIndependent(t *testing.T) {
	sites := []change.SiteID{{1}, {2}, {3}}
	var records []change.Record
	for i, site := range sites {
		for id := int64(1); id <= 3; id++ {
			records = append(records,
				col(id, "title", change.Text(site.Short()), int64(1+i%2), int64(i+1), site, 1))
		}
	}
	records = append(records, sentinel(2, 2, 9, sites[0]))

	rng := rand.New(rand.NewSource(1))
	var want map[int64]string
	for round := 0; round < 4; round++ {
		r := newTestReplica(t)
		order := rng.Perm(len(records))
		for _, i := range order {
			r.apply(t, records[i])
		}

		got := map[int64]string{}
		for id := int64(1); id <= 3; id++ {
			if title, ok := r.title(t, id); ok {
				got[id] = title
			}
		}
		if want == nil {
			want = got
			continue
		}
		require.Equal(t, want, got, "round %d diverged (order %v)", round, order)
	}
	require.NotContains(t, want, int64(2))
}
