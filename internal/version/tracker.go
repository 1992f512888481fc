// Package version keeps the per-replica version bookkeeping: the replica's
// site id, its monotonic db_version high-water mark, and the receive cursor
// for every peer it has synced with.
//
// All state lives in the crsync_site and crsync_peers tables and every
// method takes the Querier to run against. Passing the *sql.Tx of an open
// transaction makes version changes commit or roll back with the data they
// describe, so the tracker needs no locking of its own.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/store"
)

var (
	// ErrRegression is returned when a version update would not move the
	// high-water mark (or a peer cursor) forward.
	ErrRegression = errors.New("version regression")

	// ErrNotInitialized is returned before Init has created the site row.
	ErrNotInitialized = errors.New("replica not initialized")
)

// Tracker reads and advances versions stored in the engine metadata tables.
type Tracker struct{}

// New returns a Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Init loads the site id, creating the site row with a fresh id on first
// use. created reports whether a new identity was minted.
func (t *Tracker) Init(ctx context.Context, q store.Querier) (site change.SiteID, created bool, err error) {
	site, err = t.SiteID(ctx, q)
	if err == nil {
		return site, false, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return change.SiteID{}, false, err
	}

	site = change.NewSiteID()
	_, err = q.ExecContext(ctx,
		`INSERT INTO crsync_site (id, site_id, db_version, created_at) VALUES (0, ?, 0, ?)`,
		site.Bytes(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return change.SiteID{}, false, fmt.Errorf("failed to create site: %w", err)
	}
	return site, true, nil
}

// SiteID returns the replica's site id.
func (t *Tracker) SiteID(ctx context.Context, q store.Querier) (change.SiteID, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `SELECT site_id FROM crsync_site WHERE id = 0`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return change.SiteID{}, ErrNotInitialized
	}
	if err != nil {
		return change.SiteID{}, fmt.Errorf("failed to read site id: %w", err)
	}
	return change.SiteIDFromBytes(raw)
}

// Current returns the local db_version high-water mark.
func (t *Tracker) Current(ctx context.Context, q store.Querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT db_version FROM crsync_site WHERE id = 0`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read db version: %w", err)
	}
	return v, nil
}

// Next advances the high-water mark by one and returns it. Local write
// transactions call it once to stamp all their records.
func (t *Tracker) Next(ctx context.Context, q store.Querier) (int64, error) {
	cur, err := t.Current(ctx, q)
	if err != nil {
		return 0, err
	}
	if err := t.set(ctx, q, cur, cur+1); err != nil {
		return 0, err
	}
	return cur + 1, nil
}

// AdvancePast makes the high-water mark strictly greater than seen, so the
// replica's future writes dominate everything it has merged. It returns the
// resulting version and leaves the mark untouched when it is already ahead.
func (t *Tracker) AdvancePast(ctx context.Context, q store.Querier, seen int64) (int64, error) {
	cur, err := t.Current(ctx, q)
	if err != nil {
		return 0, err
	}
	if cur > seen {
		return cur, nil
	}
	if err := t.set(ctx, q, cur, seen+1); err != nil {
		return 0, err
	}
	return seen + 1, nil
}

// Set moves the high-water mark to v. v must exceed the current value.
func (t *Tracker) Set(ctx context.Context, q store.Querier, v int64) error {
	cur, err := t.Current(ctx, q)
	if err != nil {
		return err
	}
	return t.set(ctx, q, cur, v)
}

func (t *Tracker) set(ctx context.Context, q store.Querier, cur, v int64) error {
	if v <= cur {
		return fmt.Errorf("%w: db_version %d does not exceed %d", ErrRegression, v, cur)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE crsync_site SET db_version = ? WHERE id = 0 AND db_version = ?`, v, cur)
	if err != nil {
		return fmt.Errorf("failed to update db version: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: db_version moved concurrently from %d", ErrRegression, cur)
	}
	return nil
}

// PeerCursor returns the position in peer's change log up to which every
// record has been applied here. Unknown peers start at the zero Cursor.
func (t *Tracker) PeerCursor(ctx context.Context, q store.Querier, peer change.SiteID) (change.Cursor, error) {
	var c change.Cursor
	err := q.QueryRowContext(ctx,
		`SELECT last_synced_version, last_synced_seq FROM crsync_peers WHERE site_id = ?`,
		peer.Bytes()).Scan(&c.Version, &c.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Cursor{}, nil
	}
	if err != nil {
		return change.Cursor{}, fmt.Errorf("failed to read cursor for peer %s: %w", peer.Short(), err)
	}
	return c, nil
}

// AdvancePeer moves a peer cursor forward to c. Setting the same position
// is a no-op; moving it backwards is a regression.
func (t *Tracker) AdvancePeer(ctx context.Context, q store.Querier, peer change.SiteID, c change.Cursor) error {
	cur, err := t.PeerCursor(ctx, q, peer)
	if err != nil {
		return err
	}
	switch c.Compare(cur) {
	case -1:
		return fmt.Errorf("%w: cursor for peer %s would move from %s to %s", ErrRegression, peer.Short(), cur, c)
	case 0:
		return nil
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO crsync_peers (site_id, last_synced_version, last_synced_seq, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(site_id) DO UPDATE SET
		last_synced_version = excluded.last_synced_version,
		last_synced_seq = excluded.last_synced_seq,
		updated_at = excluded.updated_at
	`, peer.Bytes(), c.Version, c.Seq, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store cursor for peer %s: %w", peer.Short(), err)
	}
	return nil
}

// Frontier returns every known peer cursor.
func (t *Tracker) Frontier(ctx context.Context, q store.Querier) (map[change.SiteID]change.Cursor, error) {
	rows, err := q.QueryContext(ctx, `SELECT site_id, last_synced_version, last_synced_seq FROM crsync_peers`)
	if err != nil {
		return nil, fmt.Errorf("failed to query peer cursors: %w", err)
	}
	defer rows.Close()

	frontier := make(map[change.SiteID]change.Cursor)
	for rows.Next() {
		var raw []byte
		var c change.Cursor
		if err := rows.Scan(&raw, &c.Version, &c.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan peer cursor: %w", err)
		}
		site, err := change.SiteIDFromBytes(raw)
		if err != nil {
			return nil, err
		}
		frontier[site] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating peer cursors: %w", err)
	}
	return frontier, nil
}
