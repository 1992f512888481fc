// Package transport ships change batches between replicas.
//
// A Session runs the sync protocol over one connection. It is symmetric:
// both ends send a handshake carrying their site id, then a sync_request
// with the cursor they hold for the other side, and from then on each end
// is both a sender and a receiver. The sender keeps at most one batch
// outstanding and moves on only after the peer acknowledges it; the
// receiver applies a batch and advances its cursor in one transaction
// before acknowledging. A lost connection therefore resumes from the
// receiver's cursor with nothing skipped and nothing applied twice.
//
// Cursors are (db_version, seq) positions, so a batch may stop partway
// through a version. Batches are cut to fit the smaller of the two
// frame limits exchanged in the handshake. A sender that has nothing
// left to ship says caught_up; a session is idle once neither side has
// work in flight and the peer has said so.
//
// Client dials a peer and keeps a session alive across failures; Server
// accepts sessions over websockets and exposes health, status, events and
// metrics endpoints.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/merge"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/wire"
)

// Replica is the local end of a session.
type Replica interface {
	// SiteID returns the local site id.
	SiteID(ctx context.Context) (change.SiteID, error)

	// PeerCursor returns the position in peer's log applied locally.
	PeerCursor(ctx context.Context, peer change.SiteID) (change.Cursor, error)

	// NextBatch returns up to max records after the cursor in log order,
	// skipping records that originated at exclude.
	NextBatch(ctx context.Context, after change.Cursor, exclude change.SiteID, max int) ([]change.Record, error)

	// ApplyFrom merges a batch received from peer and advances the peer
	// cursor in the same transaction.
	ApplyFrom(ctx context.Context, peer change.SiteID, records []change.Record) (merge.Result, error)

	// Changed returns a channel that is closed at the next local change.
	Changed() <-chan struct{}
}

// State is the lifecycle state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateSyncing
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateIdle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds session, client and server configuration.
type Config struct {
	// BatchSize is the most records per batch. Batches are also cut to
	// fit the frame limit.
	BatchSize int

	// HandshakeTimeout bounds the exchange of handshakes
	HandshakeTimeout time.Duration

	// AckTimeout bounds the wait for a batch acknowledgement and any
	// single frame write
	AckTimeout time.Duration

	// PingInterval is how often idle websocket sessions are pinged
	PingInterval time.Duration

	// MaxFrameSize bounds a single frame in bytes, in both directions
	MaxFrameSize int

	// MaxRejects is how many consecutive rejected batches end the session
	MaxRejects int

	// BackoffMin and BackoffMax bound client reconnection delays
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Logger for transport activity
	Logger *log.Logger

	// Metrics and Events are optional
	Metrics *metrics.Metrics
	Events  *Hub
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        500,
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       30 * time.Second,
		PingInterval:     15 * time.Second,
		MaxFrameSize:     wire.DefaultMaxFrameSize,
		MaxRejects:       5,
		BackoffMin:       500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		Logger:           log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = d.AckTimeout
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = d.MaxFrameSize
	}
	if out.BackoffMin <= 0 {
		out.BackoffMin = d.BackoffMin
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = max(d.BackoffMax, out.BackoffMin)
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	return &out
}

// Session runs the sync protocol over one connection.
type Session struct {
	conn    net.Conn
	replica Replica
	config  *Config
	ping    func(context.Context) error
	onState func(State)

	peer      change.SiteID
	peerID    atomic.Value // change.SiteID, for readers outside the session
	state     atomic.Int32
	sendLimit int

	outbound chan outFrame
	inbound  chan inFrame
	requests chan change.Cursor
	acks     chan change.Cursor

	outstanding atomic.Bool
	pending     atomic.Int32 // batches read but not yet applied
	drained     atomic.Bool  // the peer said caught_up since its last batch
	refreshMu   sync.Mutex

	// rejects and closeErr belong to applyLoop.
	rejects  int
	closeErr error
}

// outFrame is an encoded message waiting for the writer.
type outFrame struct {
	typ  wire.Type
	body []byte
}

// inFrame is a batch, or an undecodable frame, waiting for the applier.
type inFrame struct {
	msg *wire.Message
	err error
}

// NewSession prepares a session on conn. The session owns conn and closes
// it when Run returns.
func NewSession(conn net.Conn, replica Replica, config *Config) *Session {
	config = config.withDefaults()
	return &Session{
		conn:      conn,
		replica:   replica,
		config:    config,
		sendLimit: config.MaxFrameSize,
		outbound:  make(chan outFrame, 16),
		inbound:   make(chan inFrame, 4),
		requests:  make(chan change.Cursor, 1),
		acks:      make(chan change.Cursor, 1),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Peer returns the peer site id once the handshake completed.
func (s *Session) Peer() change.SiteID {
	if p, ok := s.peerID.Load().(change.SiteID); ok {
		return p
	}
	return change.SiteID{}
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) != st && s.onState != nil {
		s.onState(st)
	}
}

// refreshState derives the state from the flags. Callers change a flag
// first, so the last refresh always sees the latest values.
func (s *Session) refreshState() {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.outstanding.Load() || s.pending.Load() > 0 || !s.drained.Load() {
		s.setState(StateSyncing)
	} else {
		s.setState(StateIdle)
	}
}

// Run performs the handshake and then syncs until ctx is cancelled or the
// connection fails. It always returns a non-nil error.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.setState(StateDisconnected)

	if err := s.handshake(ctx); err != nil {
		return err
	}

	peer := s.peer.String()
	s.config.Logger.Printf("Session established with %s (%s)", s.peer.Short(), s.conn.RemoteAddr())
	s.config.Metrics.SessionOpened()
	s.config.Events.Publish(EventPeerConnected, PeerData{Peer: peer, Remote: s.conn.RemoteAddr().String()})

	err := s.loop(ctx)
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	s.config.Metrics.SessionClosed()
	s.config.Events.Publish(EventPeerDisconnected, PeerData{Peer: peer, Error: err.Error()})
	s.config.Logger.Printf("Session with %s ended: %v", s.peer.Short(), err)
	return err
}

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)

	local, err := s.replica.SiteID(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	// Write concurrently: on synchronous transports both ends send first.
	written := make(chan error, 1)
	go func() {
		written <- wire.WriteFrame(s.conn, wire.Handshake(local, s.config.MaxFrameSize), s.config.MaxFrameSize)
	}()

	msg, err := wire.ReadFrame(s.conn, s.config.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := <-written; err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	switch {
	case msg.Type == wire.TypeError:
		return fmt.Errorf("%w: %s", ErrPeerClosed, msg.Reason)
	case msg.Type != wire.TypeHandshake:
		return fmt.Errorf("%w: expected handshake, got %s", ErrHandshake, msg.Type)
	case msg.SiteID == local:
		return ErrSelfConnection
	}
	s.peer = msg.SiteID
	s.peerID.Store(msg.SiteID)
	if msg.MaxFrame > 0 && msg.MaxFrame < s.sendLimit {
		s.sendLimit = msg.MaxFrame
	}

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear deadline: %w", err)
	}
	return nil
}

func (s *Session) loop(ctx context.Context) error {
	cursor, err := s.replica.PeerCursor(ctx, s.peer)
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, wire.SyncRequest(cursor)); err != nil {
		return err
	}
	s.setState(StateSyncing)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.applyLoop(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	if s.ping != nil && s.config.PingInterval > 0 {
		g.Go(func() error { return s.pingLoop(gctx) })
	}

	return g.Wait()
}

// enqueue encodes m and hands it to the writer.
func (s *Session) enqueue(ctx context.Context, m *wire.Message) error {
	body, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return s.enqueueBody(ctx, m.Type, body)
}

func (s *Session) enqueueBody(ctx context.Context, typ wire.Type, body []byte) error {
	select {
	case s.outbound <- outFrame{typ: typ, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer on the connection, so the reader never
// blocks on the network.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.AckTimeout)); err != nil {
				return err
			}
			if err := wire.WriteBody(s.conn, f.body); err != nil {
				return err
			}
			if f.typ == wire.TypeError {
				return s.closeErr
			}
		}
	}
}

// readLoop routes incoming frames. Batches go to applyLoop so that a
// closed connection, which ends this loop, cancels an apply in progress.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := wire.ReadFrame(s.conn, s.config.MaxFrameSize)
		switch {
		case errors.Is(err, wire.ErrInvalidMessage):
			// The frame was consumed whole, so the stream is still in sync.
			if err := s.deliver(ctx, inFrame{err: err}); err != nil {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return fmt.Errorf("peer disconnected: %w", err)
		case err != nil:
			return err
		}

		switch msg.Type {
		case wire.TypeSyncRequest:
			offerLatest(s.requests, msg.Since)
		case wire.TypeAck:
			offerLatest(s.acks, msg.Through)
		case wire.TypeCaughtUp:
			s.drained.Store(true)
			s.refreshState()
		case wire.TypeSyncBatch:
			s.drained.Store(false)
			if err := s.deliver(ctx, inFrame{msg: msg}); err != nil {
				return nil
			}
		case wire.TypeError:
			return fmt.Errorf("%w: %s", ErrPeerClosed, msg.Reason)
		default:
			return fmt.Errorf("%w: unexpected %s", ErrProtocol, msg.Type)
		}
	}
}

func (s *Session) deliver(ctx context.Context, f inFrame) error {
	s.pending.Add(1)
	s.refreshState()
	select {
	case s.inbound <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyLoop applies batches in arrival order.
func (s *Session) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.inbound:
			var done bool
			var err error
			if f.err != nil {
				done, err = s.reject(ctx, "invalid_message", f.err)
			} else {
				done, err = s.receive(ctx, f.msg)
			}
			s.pending.Add(-1)
			s.refreshState()
			if done || err != nil {
				return err
			}
		}
	}
}

// receive applies one batch. done reports that the session is ending
// after an error message was queued.
func (s *Session) receive(ctx context.Context, msg *wire.Message) (done bool, err error) {
	cursor, err := s.replica.PeerCursor(ctx, s.peer)
	if err != nil {
		return false, err
	}
	if msg.From.Compare(cursor) > 0 {
		return s.reject(ctx, "gap", fmt.Errorf("batch continues from %s, cursor is %s", msg.From, cursor))
	}
	if err := change.ValidateBatch(msg.Records); err != nil {
		reason := "malformed"
		if errors.Is(err, change.ErrOutOfOrder) {
			reason = "out_of_order"
		}
		return s.reject(ctx, reason, err)
	}

	res, err := s.replica.ApplyFrom(ctx, s.peer, msg.Records)
	if err != nil {
		if merge.IsRejection(err) {
			return s.reject(ctx, "rejected", err)
		}
		return false, err
	}

	s.rejects = 0
	through := cursor.Max(res.Last)
	s.config.Metrics.BatchReceived()
	s.config.Events.Publish(EventBatchApplied, BatchData{
		Peer:      s.peer.String(),
		Records:   len(msg.Records),
		Applied:   res.Applied,
		Discarded: res.Discarded,
		Through:   through.String(),
	})
	return false, s.enqueue(ctx, wire.Ack(through))
}

// reject drops a batch and asks the peer to resend from our cursor. After
// MaxRejects consecutive rejections it queues an error message instead and
// reports done.
func (s *Session) reject(ctx context.Context, reason string, cause error) (done bool, err error) {
	s.rejects++
	s.config.Logger.Printf("Rejected batch from %s (%s): %v", s.peer.Short(), reason, cause)
	s.config.Metrics.BatchRejected(reason)
	s.config.Events.Publish(EventBatchRejected, BatchData{Peer: s.peer.String(), Reason: reason})

	if s.config.MaxRejects > 0 && s.rejects >= s.config.MaxRejects {
		s.closeErr = fmt.Errorf("%w: %d in a row, last: %v", ErrTooManyRejects, s.rejects, cause)
		return true, s.enqueue(ctx, wire.Error(ErrTooManyRejects.Error()))
	}

	cursor, err := s.replica.PeerCursor(ctx, s.peer)
	if err != nil {
		return false, err
	}
	s.drained.Store(false)
	return false, s.enqueue(ctx, wire.SyncRequest(cursor))
}

// sendLoop streams local records to the peer, one unacknowledged batch at
// a time, and says caught_up whenever it runs out after a request or an
// acknowledged batch.
func (s *Session) sendLoop(ctx context.Context) error {
	var pos, through change.Cursor
	known := false // pos is unknown until the peer's first sync_request
	announced := false

	timer := time.NewTimer(s.config.AckTimeout)
	timer.Stop()
	defer timer.Stop()

	for {
		// Grab the channel before reading so no change slips in between.
		changed := s.replica.Changed()

		if known && !s.outstanding.Load() {
			batch, err := s.replica.NextBatch(ctx, pos, s.peer, s.config.BatchSize)
			if err != nil {
				return err
			}
			if len(batch) > 0 {
				body, n, err := wire.FitBatch(pos, batch, s.sendLimit)
				if err != nil {
					return fmt.Errorf("failed to ship batch after %s: %w", pos, err)
				}
				through = change.Last(batch[:n])
				s.outstanding.Store(true)
				s.refreshState()
				announced = false
				if err := s.enqueueBody(ctx, wire.TypeSyncBatch, body); err != nil {
					return nil
				}
				timer.Reset(s.config.AckTimeout)
				s.config.Metrics.BatchSent()
			} else if !announced {
				if err := s.enqueue(ctx, wire.CaughtUp()); err != nil {
					return nil
				}
				announced = true
			}
			s.refreshState()
		}

		select {
		case <-ctx.Done():
			return nil

		case since := <-s.requests:
			if s.outstanding.Load() && since.Compare(through) < 0 {
				s.config.Logger.Printf("Peer %s requested resend from %s", s.peer.Short(), since)
			}
			pos, known = since, true
			announced = false
			s.outstanding.Store(false)
			timer.Stop()

		case acked := <-s.acks:
			if s.outstanding.Load() && acked.Compare(through) >= 0 {
				pos = acked
				s.outstanding.Store(false)
				timer.Stop()
			}

		case <-changed:

		case <-timer.C:
			return fmt.Errorf("%w: batch through %s after %s", ErrAckTimeout, through, s.config.AckTimeout)
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.config.PingInterval)
			err := s.ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrUnresponsive, err)
			}
		}
	}
}

// offerLatest stores v in a one-slot channel, replacing an unread value.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
