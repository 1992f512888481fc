package transport

import (
	"context"
	"errors"

	"github.com/mschirtzinger/crsync/internal/wire"
)

// Common errors returned by sync sessions.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, transport.ErrAckTimeout) {
//	    // the peer stopped acknowledging batches
//	}
var (
	// ErrHandshake is returned when the peer does not complete the
	// handshake in time or sends something else first.
	ErrHandshake = errors.New("handshake failed")

	// ErrSelfConnection is returned when the peer reports our own site id.
	ErrSelfConnection = errors.New("connected to self")

	// ErrProtocol is returned for messages that are invalid in the
	// current session state.
	ErrProtocol = errors.New("protocol violation")

	// ErrAckTimeout is returned when an outstanding batch is not
	// acknowledged within the configured timeout.
	ErrAckTimeout = errors.New("batch acknowledgement timed out")

	// ErrTooManyRejects is returned after MaxRejects consecutive batches
	// from the peer were rejected.
	ErrTooManyRejects = errors.New("too many rejected batches")

	// ErrPeerClosed is returned when the peer ends the session with an
	// error message.
	ErrPeerClosed = errors.New("peer closed the session")

	// ErrUnresponsive is returned when the peer stops answering pings.
	ErrUnresponsive = errors.New("peer unresponsive")

	// ErrClosed is returned by operations on a stopped client or server.
	ErrClosed = errors.New("transport closed")
)

// IsRetryable returns true if reconnecting may succeed. Network failures
// and timeouts are transient; talking to ourselves or being cancelled is
// not. A record that does not fit in a frame will not fit next time either.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}

	if errors.Is(err, ErrSelfConnection) || errors.Is(err, wire.ErrFrameTooLarge) {
		return false
	}

	return true
}

// IsProtocol returns true if the error means the peer misbehaved rather
// than the network failing.
func IsProtocol(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrProtocol) || errors.Is(err, ErrHandshake) {
		return true
	}

	if errors.Is(err, ErrTooManyRejects) {
		return true
	}

	return false
}
