// Package loadtest drives a local cluster of sync nodes with concurrent
// writers and measures how quickly the replicas converge.
//
// Every node is a full daemon with its own database. Node 0 serves and
// the others dial it, forming a star, so writes made on one leaf reach
// the others only through relay by the hub.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/daemon"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/replica"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/transport"
)

// Table is the table the load is written to.
const Table = "items"

const tableDDL = `CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY,
	value TEXT,
	counter INTEGER NOT NULL DEFAULT 0
)`

// Options configure a load test.
type Options struct {
	// Nodes in the cluster, at least 2
	Nodes int

	// Writers per node
	Writers int

	// WritesPerWriter is how many operations each writer performs
	WritesPerWriter int

	// Rows is the key space writers pick from; a small key space means
	// more conflicts
	Rows int

	// DeleteRatio is the share of operations that delete
	DeleteRatio float64

	// BatchSize for sync sessions
	BatchSize int

	// Dir holds the node databases
	Dir string

	// Seed makes the operation mix reproducible
	Seed uint64

	// Timeout bounds the wait for convergence
	Timeout time.Duration

	// Logger for progress; nodes log to Logger only when Verbose is set
	Logger  *log.Logger
	Verbose bool
}

// DefaultOptions returns a moderate load.
func DefaultOptions() Options {
	return Options{
		Nodes:           3,
		Writers:         4,
		WritesPerWriter: 250,
		Rows:            100,
		DeleteRatio:     0.1,
		BatchSize:       200,
		Seed:            42,
		Timeout:         60 * time.Second,
		Logger:          log.New(io.Discard, "", 0),
	}
}

// LatencyStats captures write latencies.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// Report is the outcome of a load test.
type Report struct {
	Nodes       int
	Writes      *LatencyStats
	WriteTime   time.Duration
	Convergence time.Duration
	Converged   bool
	Rows        int
	Versions    []int64
}

// Node is one member of the cluster.
type Node struct {
	DB     *store.DB
	Daemon *daemon.Daemon

	cancel context.CancelFunc
	done   chan error
}

// Replica returns the node's replica.
func (n *Node) Replica() *replica.Replica {
	return n.Daemon.Replica()
}

// Cluster is a running set of nodes.
type Cluster struct {
	Nodes []*Node
	opts  Options
}

// StartCluster opens and starts opts.Nodes daemons under opts.Dir.
func StartCluster(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Nodes < 2 {
		return nil, fmt.Errorf("need at least 2 nodes, got %d", opts.Nodes)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	c := &Cluster{opts: opts}
	hub := ""
	for i := 0; i < opts.Nodes; i++ {
		var peers []string
		listen := ""
		if i == 0 {
			listen = "127.0.0.1:0"
		} else {
			peers = []string{hub}
		}

		n, err := c.startNode(ctx, i, listen, peers)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Nodes = append(c.Nodes, n)
		if i == 0 {
			hub = n.Daemon.Addr()
		}
	}
	return c, nil
}

func (c *Cluster) startNode(ctx context.Context, i int, listen string, peers []string) (*Node, error) {
	path := filepath.Join(c.opts.Dir, fmt.Sprintf("node-%d.db", i))
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, tableDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s: %w", Table, err)
	}

	logger := log.New(io.Discard, "", 0)
	if c.opts.Verbose {
		logger = log.New(c.opts.Logger.Writer(), fmt.Sprintf("[node-%d] ", i), log.LstdFlags)
	}
	tc := transport.DefaultConfig()
	tc.Logger = logger
	tc.BatchSize = c.opts.BatchSize
	tc.BackoffMin = 50 * time.Millisecond
	tc.BackoffMax = time.Second

	d, err := daemon.New(db, &daemon.Config{
		Listen:        listen,
		Peers:         peers,
		Tables:        []string{Table},
		Transport:     tc,
		Logger:        logger,
		ReplicaLogger: logger,
		Metrics:       metrics.New(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{DB: db, Daemon: d, cancel: cancel, done: make(chan error, 1)}
	go func() { n.done <- d.Start(nctx) }()

	select {
	case <-d.Ready():
		return n, nil
	case err := <-n.done:
		cancel()
		db.Close()
		return nil, fmt.Errorf("node %d failed to start: %w", i, err)
	}
}

// Close stops every node and closes its database.
func (c *Cluster) Close() error {
	var errs []error
	for _, n := range c.Nodes {
		n.cancel()
		if err := <-n.done; err != nil {
			errs = append(errs, err)
		}
		if err := n.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run writes the load and waits for convergence.
func (c *Cluster) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	stats := c.write(ctx)
	writeTime := time.Since(start)
	c.opts.Logger.Printf("Wrote %d operations in %s", stats.TotalOps, writeTime.Round(time.Millisecond))

	report := &Report{Nodes: len(c.Nodes), Writes: stats, WriteTime: writeTime}

	wctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	converged := time.Now()
	rows, err := c.WaitConverged(wctx)
	report.Convergence = time.Since(converged)
	if err != nil {
		return report, err
	}
	report.Converged = true
	report.Rows = rows

	for _, n := range c.Nodes {
		v, err := n.Replica().Version(ctx)
		if err != nil {
			return report, err
		}
		report.Versions = append(report.Versions, v)
	}
	return report, nil
}

// write runs every writer to completion.
func (c *Cluster) write(ctx context.Context) *LatencyStats {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []time.Duration
	var errorCount int

	for ni, n := range c.Nodes {
		for w := 0; w < c.opts.Writers; w++ {
			wg.Add(1)
			go func(writer uint64) {
				defer wg.Done()
				rng := rand.New(rand.NewPCG(c.opts.Seed, writer))
				durations := make([]time.Duration, 0, c.opts.WritesPerWriter)
				errs := 0

				for k := 0; k < c.opts.WritesPerWriter; k++ {
					pk := []change.Value{change.Integer(int64(rng.IntN(c.opts.Rows) + 1))}
					start := time.Now()
					var err error
					if rng.Float64() < c.opts.DeleteRatio {
						_, err = n.Replica().Delete(ctx, Table, pk)
						if errors.Is(err, replica.ErrNotFound) {
							err = nil
						}
					} else {
						_, err = n.Replica().Write(ctx, Table, pk, map[string]change.Value{
							"value":   change.Text(fmt.Sprintf("n%d-w%d-%d", writer>>16, writer&0xffff, k)),
							"counter": change.Integer(int64(k)),
						})
					}
					durations = append(durations, time.Since(start))
					if err != nil {
						errs++
						c.opts.Logger.Printf("Error: writer %d: %v", writer, err)
					}
				}

				mu.Lock()
				all = append(all, durations...)
				errorCount += errs
				mu.Unlock()
			}(uint64(ni)<<16 | uint64(w))
		}
	}
	wg.Wait()

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats
}

// WaitConverged polls until every node holds the same rows on two
// consecutive checks, and returns the row count.
func (c *Cluster) WaitConverged(ctx context.Context) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	stable := 0
	for {
		fps := make([]string, len(c.Nodes))
		rows := 0
		for i, n := range c.Nodes {
			fp, count, err := Fingerprint(ctx, n.DB)
			if err != nil {
				return 0, err
			}
			fps[i], rows = fp, count
		}

		same := true
		for _, fp := range fps[1:] {
			same = same && fp == fps[0]
		}
		if same {
			stable++
			if stable >= 2 {
				return rows, nil
			}
		} else {
			stable = 0
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("replicas did not converge: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Fingerprint renders the load table's contents in key order.
func Fingerprint(ctx context.Context, q store.Querier) (string, int, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, quote(value), counter FROM items ORDER BY id`)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s: %w", Table, err)
	}
	defer rows.Close()

	var b strings.Builder
	n := 0
	for rows.Next() {
		var id, counter int64
		var value string
		if err := rows.Scan(&id, &value, &counter); err != nil {
			return "", 0, fmt.Errorf("failed to scan %s: %w", Table, err)
		}
		fmt.Fprintf(&b, "%d|%s|%d\n", id, value, counter)
		n++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	return b.String(), n, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      mean,
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Write Latency:\n")
	fmt.Fprintf(w, "  Total Ops:     %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
