// Package merge applies remote change records to a replica.
//
// Resolution is per column, last-writer-wins on (col_version, site_id),
// layered under a per-row causal length: odd lengths are live rows, even
// lengths are deleted ones, and a record from an older lineage of the row
// loses to any record from a newer one. Given the same set of records every
// replica reaches the same state regardless of delivery order.
//
// ApplyChanges runs one batch in one transaction. Records that win are
// written into the tracked table, stored as the new clock for their column
// and restamped with a fresh local db_version so that this replica relays
// them to its own peers.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/tables"
	"github.com/mschirtzinger/crsync/internal/version"
)

// ErrUnknownTable is returned when a batch references an untracked table.
// The whole batch is rejected.
var ErrUnknownTable = tables.ErrUnknownTable

// Config holds configuration for a Resolver.
type Config struct {
	// Logger for merge activity
	Logger *log.Logger

	// Metrics receives applied/discarded counts. May be nil.
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[merge] ", log.LstdFlags),
	}
}

// ApplyOptions tune a single ApplyChanges call.
type ApplyOptions struct {
	// After discards records at or before this position as regressions.
	// The transport sets it to the receive cursor of the sending peer,
	// since those records were already applied and acknowledged.
	After change.Cursor

	// Within runs inside the apply transaction after all records are
	// processed. Returning an error rolls back the whole batch.
	Within func(q store.Querier, res Result) error
}

// Result summarizes one ApplyChanges call.
type Result struct {
	Applied   int
	Discarded int
	// DiscardedBy counts discards per reason (see metrics.Reason*).
	DiscardedBy map[string]int
	// MaxVersion is the greatest db_version carried by the batch.
	MaxVersion int64
	// Last is the position of the batch's final record.
	Last change.Cursor
	// NewVersion is the local db_version after the batch.
	NewVersion int64
	// Tables lists the tables that received at least one write.
	Tables []string
}

func (r *Result) discard(reason string) {
	r.Discarded++
	if r.DiscardedBy == nil {
		r.DiscardedBy = make(map[string]int)
	}
	r.DiscardedBy[reason]++
}

// Resolver applies batches against one replica's storage.
type Resolver struct {
	tracker *version.Tracker
	tables  *tables.Registry
	config  *Config
}

// New creates a Resolver.
func New(tracker *version.Tracker, registry *tables.Registry, config *Config) *Resolver {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Resolver{tracker: tracker, tables: registry, config: config}
}

// ApplyChanges merges records into the replica behind h. It is all or
// nothing: a malformed batch, an unknown table or a storage failure rolls
// back every record and leaves versions untouched.
//
// Re-applying a batch is a no-op, and afterwards the local db_version is
// strictly greater than every db_version in the batch.
func (r *Resolver) ApplyChanges(ctx context.Context, h store.Handle, records []change.Record, opts ApplyOptions) (Result, error) {
	if err := change.ValidateBatch(records); err != nil {
		return Result{}, err
	}

	start := time.Now()
	var res Result
	err := h.Transaction(ctx, func(q store.Querier) error {
		res = Result{MaxVersion: change.MaxVersion(records), Last: change.Last(records)}

		cur, err := r.tracker.Current(ctx, q)
		if err != nil {
			return err
		}
		stamp := max(cur, res.MaxVersion) + 1

		a := &applier{
			q:       q,
			tables:  r.tables,
			stamp:   stamp,
			res:     &res,
			touched: make(map[string]bool),
		}
		for i, rec := range records {
			if opts.After.Covers(rec) {
				res.discard(metrics.ReasonRegression)
				continue
			}
			if err := a.apply(ctx, rec); err != nil {
				return fmt.Errorf("record %d (%s): %w", i, rec, err)
			}
		}

		switch {
		case res.Applied > 0:
			if err := r.tracker.Set(ctx, q, stamp); err != nil {
				return err
			}
			res.NewVersion = stamp
		case len(records) > 0 && cur <= res.MaxVersion:
			if err := r.tracker.Set(ctx, q, res.MaxVersion+1); err != nil {
				return err
			}
			res.NewVersion = res.MaxVersion + 1
		default:
			res.NewVersion = cur
		}

		for t := range a.touched {
			res.Tables = append(res.Tables, t)
		}
		sort.Strings(res.Tables)

		if opts.Within != nil {
			return opts.Within(q, res)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply changes: %w", err)
	}

	r.record(res, start)
	return res, nil
}

func (r *Resolver) record(res Result, start time.Time) {
	m := r.config.Metrics
	m.ObserveApply(start)
	m.Applied(res.Applied)
	for reason, n := range res.DiscardedBy {
		m.Discarded(reason, n)
	}

	if n := res.DiscardedBy[metrics.ReasonRegression]; n > 0 {
		r.config.Logger.Printf("Discarded %d record(s) at or below the acknowledged cursor", n)
	}
	if res.Applied > 0 {
		r.config.Logger.Printf("Applied %d record(s), discarded %d, db_version now %d",
			res.Applied, res.Discarded, res.NewVersion)
	}
}

// IsRejection reports whether err means the batch itself was invalid, as
// opposed to a storage or context failure.
func IsRejection(err error) bool {
	return errors.Is(err, change.ErrMalformed) ||
		errors.Is(err, change.ErrOutOfOrder) ||
		errors.Is(err, tables.ErrUnknownTable) ||
		errors.Is(err, tables.ErrUnknownColumn)
}
