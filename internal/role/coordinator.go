package role

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/crsync/internal/metrics"
)

// Config holds configuration for a Coordinator.
type Config struct {
	// RecheckInterval re-reads the signal even without file events, to
	// cover events the platform dropped
	RecheckInterval time.Duration

	// Logger for role activity
	Logger *log.Logger

	// Metrics is optional
	Metrics *metrics.Metrics

	// OnChange is called after every role transition. Optional.
	OnChange func(Observation)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecheckInterval: 30 * time.Second,
		Logger:          log.New(os.Stderr, "[role] ", log.LstdFlags),
	}
}

// Coordinator holds the current role as last read from a Signal.
type Coordinator struct {
	signal Signal
	config *Config

	mu      sync.Mutex
	current Observation
	changed chan struct{}
}

// NewCoordinator creates a coordinator in the Unknown role. Call Refresh
// or Run to read the signal.
func NewCoordinator(signal Signal, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Coordinator{
		signal:  signal,
		config:  config,
		changed: make(chan struct{}),
	}
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Role
}

// Primary returns the name of the primary, if known.
func (c *Coordinator) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Primary
}

// Observation returns the current role and primary together.
func (c *Coordinator) Observation() Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Changes returns a channel closed at the next role transition. Take a
// fresh channel after each wakeup.
func (c *Coordinator) Changes() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// WaitKnown blocks until the role is no longer Unknown or ctx ends.
func (c *Coordinator) WaitKnown(ctx context.Context) (Role, error) {
	for {
		c.mu.Lock()
		r, ch := c.current.Role, c.changed
		c.mu.Unlock()
		if r != Unknown {
			return r, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return Unknown, ctx.Err()
		}
	}
}

// Refresh reads the signal once and applies the result. A failed read
// leaves the role unchanged.
func (c *Coordinator) Refresh() error {
	obs, err := c.signal.Read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if obs == c.current {
		c.mu.Unlock()
		return nil
	}
	prev := c.current
	c.current = obs
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if obs.Role == Secondary {
		c.config.Logger.Printf("Role %s -> %s (primary: %s)", prev.Role, obs.Role, obs.Primary)
	} else {
		c.config.Logger.Printf("Role %s -> %s", prev.Role, obs.Role)
	}
	c.config.Metrics.SetRole(obs.Role.String(), Roles()...)
	if c.config.OnChange != nil {
		c.config.OnChange(obs)
	}
	return nil
}

// Run reads the signal, then re-reads it on every change to the marker
// file and at the recheck interval, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Refresh(); err != nil {
		c.config.Logger.Printf("Warning: failed to read role: %v", err)
	}

	var events <-chan MarkerEvent
	var errs <-chan error
	if w, ok := c.signal.(watchable); ok {
		mw, err := NewMarkerWatcher()
		if err != nil {
			return err
		}
		if err := mw.Start(w.WatchPath()); err != nil {
			_ = mw.Stop()
			return err
		}
		defer mw.Stop()
		events, errs = mw.Events(), mw.Errors()
	}

	var recheck <-chan time.Time
	if c.config.RecheckInterval > 0 {
		ticker := time.NewTicker(c.config.RecheckInterval)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.config.Logger.Printf("Marker %s: %s", ev.Op, ev.Path)
			if err := c.Refresh(); err != nil {
				c.config.Logger.Printf("Warning: failed to read role: %v", err)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.config.Logger.Printf("Warning: marker watch error: %v", err)

		case <-recheck:
			if err := c.Refresh(); err != nil {
				c.config.Logger.Printf("Warning: failed to read role: %v", err)
			}
		}
	}
}
