// Package replica is the entry point for one local copy of a replicated
// dataset.
//
// A Replica owns nothing global: it wraps the storage handle it is given,
// initializes the engine metadata lazily on first use, and exposes local
// writes, change extraction and merge. Every local commit and every merge
// that changes state closes the channel returned by Changed, which is how
// sync sessions learn there is something new to ship.
package replica

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/changelog"
	"github.com/mschirtzinger/crsync/internal/merge"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/tables"
	"github.com/mschirtzinger/crsync/internal/version"
)

// ErrNotFound is returned when deleting a row that does not exist.
var ErrNotFound = errors.New("row not found")

// Commit describes a committed local write.
type Commit struct {
	Table     string
	DBVersion int64
	Records   int
}

// Options configure a Replica.
type Options struct {
	// Logger for replica activity
	Logger *log.Logger

	// Metrics is optional
	Metrics *metrics.Metrics

	// OnCommit is called after every committed local write. Optional.
	OnCommit func(Commit)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Logger: log.New(os.Stderr, "[replica] ", log.LstdFlags),
	}
}

type initState int

const (
	uninitialized initState = iota
	initializing
	ready
)

// initCall is the shared result of one initialization attempt. err is
// written before done is closed.
type initCall struct {
	done chan struct{}
	err  error
}

// Replica is one local replica.
type Replica struct {
	h        store.Handle
	opts     *Options
	tracker  *version.Tracker
	tables   *tables.Registry
	resolver *merge.Resolver
	log      *changelog.Log

	mu    sync.Mutex
	state initState
	call  *initCall
	site  change.SiteID

	changedMu sync.Mutex
	changed   chan struct{}
}

// New returns a Replica over h. Nothing touches storage until the first
// operation, which runs the one-time initialization.
func New(h store.Handle, opts *Options) *Replica {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = DefaultOptions().Logger
	}

	tracker := version.New()
	registry := tables.NewRegistry()
	return &Replica{
		h:       h,
		opts:    opts,
		tracker: tracker,
		tables:  registry,
		resolver: merge.New(tracker, registry, &merge.Config{
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		log:     changelog.New(h),
		changed: make(chan struct{}),
	}
}

// Open returns a Replica over h and initializes it immediately.
func Open(ctx context.Context, h store.Handle, opts *Options) (*Replica, error) {
	r := New(h, opts)
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Init creates the engine metadata and the site identity on first call.
// Concurrent callers share one attempt and its result; a failed attempt
// is forgotten so the next caller tries again.
func (r *Replica) Init(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case ready:
		r.mu.Unlock()
		return nil
	case initializing:
		call := r.call
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	call := &initCall{done: make(chan struct{})}
	r.state = initializing
	r.call = call
	r.mu.Unlock()

	site, err := r.initialize(ctx)

	r.mu.Lock()
	if err != nil {
		r.state = uninitialized
	} else {
		r.state = ready
		r.site = site
	}
	call.err = err
	close(call.done)
	r.mu.Unlock()
	return err
}

func (r *Replica) initialize(ctx context.Context) (change.SiteID, error) {
	var site change.SiteID
	var created bool
	err := r.h.Transaction(ctx, func(q store.Querier) error {
		if err := store.InitSchema(ctx, q); err != nil {
			return err
		}
		var err error
		site, created, err = r.tracker.Init(ctx, q)
		return err
	})
	if err != nil {
		return change.SiteID{}, err
	}

	if created {
		r.opts.Logger.Printf("Created site %s", site)
	} else {
		r.opts.Logger.Printf("Loaded site %s", site)
	}
	return site, nil
}

// SiteID returns the replica's site id.
func (r *Replica) SiteID(ctx context.Context) (change.SiteID, error) {
	if err := r.Init(ctx); err != nil {
		return change.SiteID{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.site, nil
}

// Version returns the local db_version high-water mark.
func (r *Replica) Version(ctx context.Context) (int64, error) {
	if err := r.Init(ctx); err != nil {
		return 0, err
	}
	return r.tracker.Current(ctx, r.h)
}

// Changed returns a channel closed at the next local write or effective
// merge. Take a fresh channel after each wakeup.
func (r *Replica) Changed() <-chan struct{} {
	r.changedMu.Lock()
	defer r.changedMu.Unlock()
	return r.changed
}

func (r *Replica) notify() {
	r.changedMu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.changedMu.Unlock()
}

// GetChanges returns every record with db_version > since.
func (r *Replica) GetChanges(ctx context.Context, since int64) ([]change.Record, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r.log.GetChanges(ctx, since)
}

// NextBatch returns the next batch to ship to exclude after the cursor.
func (r *Replica) NextBatch(ctx context.Context, after change.Cursor, exclude change.SiteID, max int) ([]change.Record, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r.log.NextBatch(ctx, after, exclude, max)
}

// ApplyChanges merges records that did not come through a peer session.
func (r *Replica) ApplyChanges(ctx context.Context, records []change.Record) (merge.Result, error) {
	if err := r.Init(ctx); err != nil {
		return merge.Result{}, err
	}
	res, err := r.resolver.ApplyChanges(ctx, r.h, records, merge.ApplyOptions{})
	if err == nil && res.Applied > 0 {
		r.notify()
	}
	return res, err
}

// ApplyFrom merges a batch received from peer. Records at or before the
// cursor held for peer are discarded, and the cursor advances to the
// batch's last position in the same transaction.
func (r *Replica) ApplyFrom(ctx context.Context, peer change.SiteID, records []change.Record) (merge.Result, error) {
	if err := r.Init(ctx); err != nil {
		return merge.Result{}, err
	}
	cursor, err := r.tracker.PeerCursor(ctx, r.h, peer)
	if err != nil {
		return merge.Result{}, err
	}

	res, err := r.resolver.ApplyChanges(ctx, r.h, records, merge.ApplyOptions{
		After: cursor,
		Within: func(q store.Querier, res merge.Result) error {
			cur, err := r.tracker.PeerCursor(ctx, q, peer)
			if err != nil {
				return err
			}
			if res.Last.Compare(cur) <= 0 {
				return nil
			}
			return r.tracker.AdvancePeer(ctx, q, peer, res.Last)
		},
	})
	if err == nil && res.Applied > 0 {
		r.notify()
	}
	return res, err
}

// PeerCursor returns the position in peer's log applied here.
func (r *Replica) PeerCursor(ctx context.Context, peer change.SiteID) (change.Cursor, error) {
	if err := r.Init(ctx); err != nil {
		return change.Cursor{}, err
	}
	return r.tracker.PeerCursor(ctx, r.h, peer)
}

// Frontier returns every known peer cursor.
func (r *Replica) Frontier(ctx context.Context) (map[change.SiteID]change.Cursor, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r.tracker.Frontier(ctx, r.h)
}
