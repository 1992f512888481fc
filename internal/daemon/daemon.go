// Package daemon runs a replica as a long-lived sync node.
//
// The daemon:
// 1. Opens the replica and tracks the configured tables
// 2. Serves sync sessions, health, status, events and metrics over HTTP
// 3. Keeps a client session open to every configured peer
// 4. Follows the node's role through the marker file
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/replica"
	"github.com/mschirtzinger/crsync/internal/role"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/transport"
)

// Config holds configuration for the daemon.
type Config struct {
	// Listen is the sync server address; empty runs without a server
	Listen string

	// Peers are dialed and kept connected
	Peers []string

	// Tables are tracked before syncing starts
	Tables []string

	// MarkerPath is the role marker file; empty disables role tracking
	MarkerPath string

	// Transport configures sessions, clients and the server
	Transport *transport.Config

	// Role configures the role coordinator
	Role *role.Config

	// Logger for daemon activity
	Logger *log.Logger

	// ReplicaLogger and Metrics are optional
	ReplicaLogger *log.Logger
	Metrics       *metrics.Metrics

	// Events receives sync events. Optional.
	Events *transport.Hub
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8686",
		Transport: transport.DefaultConfig(),
		Role:      role.DefaultConfig(),
		Logger:    log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs one replica, its server, its peer clients and its role
// coordinator.
type Daemon struct {
	db      *store.DB
	replica *replica.Replica
	config  *Config

	server      *transport.Server
	clients     []*transport.Client
	coordinator *role.Coordinator

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over db. Local writes through Replica() are
// published as events and counted in metrics.
func New(db *store.DB, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	d := DefaultConfig()
	if config.Logger == nil {
		config.Logger = d.Logger
	}
	if config.Transport == nil {
		config.Transport = d.Transport
	}
	if config.Role == nil {
		config.Role = d.Role
	}
	config.Transport.Metrics = config.Metrics
	config.Transport.Events = config.Events
	config.Role.Metrics = config.Metrics

	replicaLogger := config.ReplicaLogger
	if replicaLogger == nil {
		replicaLogger = replica.DefaultOptions().Logger
	}
	r := replica.New(db, &replica.Options{
		Logger:  replicaLogger,
		Metrics: config.Metrics,
		OnCommit: func(c replica.Commit) {
			config.Events.Publish(transport.EventLocalWrite, transport.WriteData{
				Table:     c.Table,
				DBVersion: c.DBVersion,
				Records:   c.Records,
			})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	dm := &Daemon{
		db:      db,
		replica: r,
		config:  config,
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.Listen != "" {
		dm.server = transport.NewServer(transport.ServerOptions{
			Addr:   config.Listen,
			Status: func(ctx context.Context) (any, error) { return dm.Status(ctx) },
		}, r, config.Transport)
	}

	for _, peer := range config.Peers {
		c, err := transport.NewClient(peer, r, config.Transport)
		if err != nil {
			cancel()
			return nil, err
		}
		target := c.Target()
		c.OnStateChange(func(st transport.State) {
			config.Logger.Printf("Peer %s: %s", target, st)
		})
		dm.clients = append(dm.clients, c)
	}

	if config.MarkerPath != "" {
		rc := *config.Role
		rc.OnChange = func(obs role.Observation) {
			config.Events.Publish(transport.EventRoleChanged, transport.RoleData{
				Role:    obs.Role.String(),
				Primary: obs.Primary,
			})
		}
		dm.coordinator = role.NewCoordinator(role.MarkerFile{
			Path: config.MarkerPath,
			Self: config.Listen,
		}, &rc)
	}

	return dm, nil
}

// Replica returns the daemon's replica.
func (d *Daemon) Replica() *replica.Replica {
	return d.replica
}

// Ready is closed once the server is listening and peers are being
// dialed.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the server's listening address, or "" without a server.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Start runs the daemon and blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.replica.Init(ctx); err != nil {
		return fmt.Errorf("failed to open replica: %w", err)
	}
	for _, table := range d.config.Tables {
		if _, err := d.replica.Track(ctx, table); err != nil {
			return err
		}
	}
	d.config.Metrics.MustRegister(metrics.NewStoreCollector(d.replica.Stats))

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(d.ctx)
	for _, c := range d.clients {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				// Not retryable, like dialing ourselves. The other peers
				// keep running.
				d.config.Logger.Printf("Error: giving up on peer %s: %v", c.Target(), err)
			}
			return nil
		})
	}
	if d.coordinator != nil {
		g.Go(func() error { return d.coordinator.Run(gctx) })
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := g.Wait(); err != nil {
			d.config.Logger.Printf("Error: %v", err)
		}
	}()

	d.readyOnce.Do(func() { close(d.ready) })
	d.config.Logger.Printf("Running with %d peer(s)", len(d.clients))

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. The database is left open.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	var err error
	if d.server != nil {
		err = d.server.Stop()
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return err
}

// PeerStatus is the state of one outgoing peer connection.
type PeerStatus struct {
	Target    string `json:"target"`
	State     string `json:"state"`
	Site      string `json:"site,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Status is the daemon's view of itself, served on /status.
type Status struct {
	*replica.Status
	Role     string       `json:"role"`
	Primary  string       `json:"primary,omitempty"`
	Sessions int          `json:"sessions"`
	Clients  []PeerStatus `json:"clients"`
}

// Status reports replica, role and connection state.
func (d *Daemon) Status(ctx context.Context) (*Status, error) {
	rs, err := d.replica.Status(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{Status: rs, Role: role.Unknown.String(), Clients: []PeerStatus{}}
	if d.coordinator != nil {
		obs := d.coordinator.Observation()
		st.Role = obs.Role.String()
		st.Primary = obs.Primary
	}
	if d.server != nil {
		st.Sessions = d.server.SessionCount()
	}
	for _, c := range d.clients {
		ps := PeerStatus{Target: c.Target(), State: c.State().String()}
		if p := c.Peer(); !p.IsZero() {
			ps.Site = p.String()
		}
		if err := c.LastError(); err != nil {
			ps.LastError = err.Error()
		}
		st.Clients = append(st.Clients, ps)
	}
	sort.Slice(st.Clients, func(i, j int) bool { return st.Clients[i].Target < st.Clients[j].Target })
	return st, nil
}

// Role returns the current role, or Unknown without role tracking.
func (d *Daemon) Role() role.Role {
	if d.coordinator == nil {
		return role.Unknown
	}
	return d.coordinator.Role()
}
