package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/crsync/internal/change"
)

// Dialer opens a connection to a peer. ping may be nil when the transport
// has no keepalive of its own.
type Dialer func(ctx context.Context) (conn net.Conn, ping func(context.Context) error, err error)

// Client keeps a session with one peer alive, reconnecting with
// exponential backoff. Transient failures are never returned to the
// caller; they are visible through State, LastError and state callbacks.
type Client struct {
	target  string
	dial    Dialer
	replica Replica
	config  *Config

	state   atomic.Int32
	peer    atomic.Value // change.SiteID
	lastErr atomic.Value // errorBox

	listenersMu sync.Mutex
	listeners   []func(State)
}

type errorBox struct{ err error }

// NewClient creates a client for a peer address. Accepted forms are
// "host:port", "http(s)://host:port" and "ws(s)://host:port/sync".
func NewClient(peer string, replica Replica, config *Config) (*Client, error) {
	target, err := SyncURL(peer)
	if err != nil {
		return nil, err
	}
	config = config.withDefaults()
	return NewClientWithDialer(target, WebSocketDialer(target, config.MaxFrameSize), replica, config), nil
}

// NewClientWithDialer creates a client that connects through dial. target
// is only used in logs.
func NewClientWithDialer(target string, dial Dialer, replica Replica, config *Config) *Client {
	return &Client{
		target:  target,
		dial:    dial,
		replica: replica,
		config:  config.withDefaults(),
	}
}

// SyncURL normalizes a peer address to its websocket sync endpoint.
func SyncURL(peer string) (string, error) {
	if peer == "" {
		return "", fmt.Errorf("peer address is empty")
	}
	if !strings.Contains(peer, "://") {
		peer = "ws://" + peer
	}

	u, err := url.Parse(peer)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", peer, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid peer address %q: unsupported scheme %s", peer, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid peer address %q: missing host", peer)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}
	return u.String(), nil
}

// WebSocketDialer dials target and adapts the websocket to a net.Conn
// carrying binary frames.
func WebSocketDialer(target string, maxFrame int) Dialer {
	return func(ctx context.Context) (net.Conn, func(context.Context) error, error) {
		ws, _, err := websocket.Dial(ctx, target, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %s: %w", target, err)
		}
		ws.SetReadLimit(int64(maxFrame) + 64)
		// The connection lives until the session closes it, not until the
		// dial context ends.
		return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), ws.Ping, nil
	}
}

// OnStateChange registers fn to be called on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// State returns the current state of the client's session.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Peer returns the peer site id from the most recent handshake.
func (c *Client) Peer() change.SiteID {
	if p, ok := c.peer.Load().(change.SiteID); ok {
		return p
	}
	return change.SiteID{}
}

// LastError returns the error that ended the most recent session.
func (c *Client) LastError() error {
	if b, ok := c.lastErr.Load().(errorBox); ok {
		return b.err
	}
	return nil
}

// Target returns the address the client dials.
func (c *Client) Target() string {
	return c.target
}

func (c *Client) setState(st State) {
	if State(c.state.Swap(int32(st))) == st {
		return
	}
	c.listenersMu.Lock()
	listeners := append([]func(State){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. It returns
// nil on cancellation and an error only for failures that retrying cannot
// fix, such as connecting to ourselves.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.runOnce(ctx, nil)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if !IsRetryable(err) {
			c.setState(StateDisconnected)
			return err
		}

		if established {
			attempt = 0
		}
		delay := Backoff(attempt, c.config.BackoffMin, c.config.BackoffMax)
		attempt++
		c.config.Metrics.Reconnect()
		c.config.Logger.Printf("Connection to %s lost (%v), retrying in %s", c.target, err, delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// SyncOnce connects once and exchanges changes until the session has been
// idle for quiet, then disconnects. The session is idle only after the
// peer has said it is caught up, so a slow peer is waited for rather than
// timed out. Unlike Run it returns every failure.
func (c *Client) SyncOnce(ctx context.Context, quiet time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states := make(chan State, 1)
	established, err := c.runOnce(ctx, func(st State) {
		offerLatest(states, st)
	}, func() {
		go c.watchQuiet(ctx, states, quiet, cancel)
	})
	if established && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// watchQuiet cancels once the session stays idle for quiet. The timer
// runs only while the session is idle.
func (c *Client) watchQuiet(ctx context.Context, states <-chan State, quiet time.Duration, cancel context.CancelFunc) {
	timer := time.NewTimer(quiet)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			timer.Stop()
			if st == StateIdle {
				timer.Reset(quiet)
			}
		case <-timer.C:
			if c.State() == StateIdle {
				cancel()
				return
			}
		}
	}
}

// runOnce dials and runs one session. established reports whether the
// handshake completed.
func (c *Client) runOnce(ctx context.Context, onState func(State), onEstablished ...func()) (established bool, err error) {
	c.setState(StateHandshaking)

	dctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	conn, ping, err := c.dial(dctx)
	cancel()
	if err != nil {
		c.lastErr.Store(errorBox{err})
		c.setState(StateDisconnected)
		return false, err
	}

	var up atomic.Bool
	sess := NewSession(conn, c.replica, c.config)
	sess.ping = ping
	sess.onState = func(st State) {
		if (st == StateSyncing || st == StateIdle) && up.CompareAndSwap(false, true) {
			c.peer.Store(sess.Peer())
			for _, fn := range onEstablished {
				fn()
			}
		}
		c.setState(st)
		if onState != nil {
			onState(st)
		}
	}

	err = sess.Run(ctx)
	c.lastErr.Store(errorBox{err})
	return up.Load(), err
}

// Backoff returns the delay before reconnection attempt n: exponential
// from lo to hi with jitter in the upper half.
func Backoff(n int, lo, hi time.Duration) time.Duration {
	d := lo
	for i := 0; i < n && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}
