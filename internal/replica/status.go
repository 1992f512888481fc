package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/store"
)

// Status is a snapshot of replica state.
type Status struct {
	SiteID    string                   `json:"site_id"`
	DBVersion int64                    `json:"db_version"`
	Changes   int                      `json:"changes"`
	Tables    []string                 `json:"tables"`
	Peers     map[string]change.Cursor `json:"peers"`
}

// Status reads a snapshot of the replica's version state.
func (r *Replica) Status(ctx context.Context) (*Status, error) {
	site, err := r.SiteID(ctx)
	if err != nil {
		return nil, err
	}
	v, err := r.tracker.Current(ctx, r.h)
	if err != nil {
		return nil, err
	}
	n, err := r.log.Count(ctx)
	if err != nil {
		return nil, err
	}
	names, err := r.tables.List(ctx, r.h)
	if err != nil {
		return nil, err
	}
	frontier, err := r.tracker.Frontier(ctx, r.h)
	if err != nil {
		return nil, err
	}

	peers := make(map[string]change.Cursor, len(frontier))
	for peer, cursor := range frontier {
		peers[peer.String()] = cursor
	}
	return &Status{
		SiteID:    site.String(),
		DBVersion: v,
		Changes:   n,
		Tables:    names,
		Peers:     peers,
	}, nil
}

// Stats adapts Status for metrics.StoreCollector.
func (r *Replica) Stats() (metrics.Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := r.Status(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	peers := make(map[string]int64, len(st.Peers))
	for peer, c := range st.Peers {
		peers[peer] = c.Version
	}
	return metrics.Stats{DBVersion: st.DBVersion, Changes: st.Changes, Peers: peers}, nil
}

// Reset destroys the replica's identity and sync history: the change log,
// peer cursors and the rows of every tracked table are removed and a new
// site id is minted. Tables stay tracked, so the replica comes back empty
// and catches up from its peers as if freshly created.
func (r *Replica) Reset(ctx context.Context) (change.SiteID, error) {
	if err := r.Init(ctx); err != nil {
		return change.SiteID{}, err
	}

	var site change.SiteID
	err := r.h.Transaction(ctx, func(q store.Querier) error {
		names, err := r.tables.List(ctx, q)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+store.QuoteIdent(name)); err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}

		if err := store.DropSchema(ctx, q); err != nil {
			return err
		}
		if err := store.InitSchema(ctx, q); err != nil {
			return err
		}
		site, _, err = r.tracker.Init(ctx, q)
		if err != nil {
			return err
		}

		r.tables.Forget()
		for _, name := range names {
			if _, err := r.tables.Track(ctx, q, name); err != nil {
				return err
			}
		}
		return nil
	})
	// The cache may hold tables from the rolled-back attempt.
	r.tables.Forget()
	if err != nil {
		return change.SiteID{}, fmt.Errorf("failed to reset replica: %w", err)
	}

	r.mu.Lock()
	old := r.site
	r.site = site
	r.mu.Unlock()

	r.opts.Logger.Printf("Reset site %s -> %s", old.Short(), site.Short())
	r.notify()
	return site, nil
}
