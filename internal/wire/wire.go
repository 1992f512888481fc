// Package wire defines the messages peers exchange and their framing.
//
// Messages are msgpack-encoded and each frame carries a 4-byte big-endian
// length prefix, so a stream transport (TCP, net.Pipe, or a websocket
// wrapped as a net.Conn) can carry them without extra delimiting.
package wire

import (
	"errors"
	"fmt"

	"github.com/mschirtzinger/crsync/internal/change"
)

// ProtocolVersion is sent in every handshake.
const ProtocolVersion = 1

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned for frames above the size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidMessage is returned for messages that decode but make no
	// sense for their type.
	ErrInvalidMessage = errors.New("invalid message")
)

// Type tags a Message.
type Type string

const (
	TypeHandshake   Type = "handshake"
	TypeSyncRequest Type = "sync_request"
	TypeSyncBatch   Type = "sync_batch"
	TypeAck         Type = "ack"
	TypeCaughtUp    Type = "caught_up"
	TypeError       Type = "error"
)

// Message is the tagged union of everything sent on a sync connection.
// Which fields are meaningful depends on Type:
//
//	handshake     SiteID, Protocol, MaxFrame
//	sync_request  Since
//	sync_batch    From, Records
//	ack           Through
//	caught_up     (none)
//	error         Reason
type Message struct {
	Type     Type          `msgpack:"type"`
	SiteID   change.SiteID `msgpack:"site_id"`
	Protocol int           `msgpack:"protocol,omitempty"`

	// MaxFrame is the largest frame body the sender will read. Zero means
	// the default.
	MaxFrame int `msgpack:"max_frame,omitempty"`

	// Since asks the peer to send everything after this position.
	Since change.Cursor `msgpack:"since"`

	// From is the cursor the batch continues from.
	From    change.Cursor   `msgpack:"from"`
	Records []change.Record `msgpack:"records,omitempty"`

	// Through acknowledges every record up to this position.
	Through change.Cursor `msgpack:"applied_through"`

	Reason string `msgpack:"reason,omitempty"`
}

// Handshake returns the first message of a session. maxFrame is the
// largest frame body this side accepts.
func Handshake(site change.SiteID, maxFrame int) *Message {
	return &Message{Type: TypeHandshake, SiteID: site, Protocol: ProtocolVersion, MaxFrame: maxFrame}
}

// SyncRequest asks the peer to stream records after since.
func SyncRequest(since change.Cursor) *Message {
	return &Message{Type: TypeSyncRequest, Since: since}
}

// SyncBatch carries records continuing from the cursor from.
func SyncBatch(from change.Cursor, records []change.Record) *Message {
	return &Message{Type: TypeSyncBatch, From: from, Records: records}
}

// Ack confirms everything through the given position was applied.
func Ack(through change.Cursor) *Message {
	return &Message{Type: TypeAck, Through: through}
}

// CaughtUp tells the peer the sender has nothing more to ship for now.
func CaughtUp() *Message {
	return &Message{Type: TypeCaughtUp}
}

// Error reports why the sender is about to close the session.
func Error(reason string) *Message {
	return &Message{Type: TypeError, Reason: reason}
}

// Validate checks the fields required by the message type. Batch records
// are validated by the receiver, which rejects and re-requests rather than
// failing the frame.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeHandshake:
		if m.SiteID.IsZero() {
			return fmt.Errorf("%w: handshake without site id", ErrInvalidMessage)
		}
		if m.Protocol != ProtocolVersion {
			return fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidMessage, m.Protocol)
		}
		if m.MaxFrame < 0 {
			return fmt.Errorf("%w: negative max frame %d", ErrInvalidMessage, m.MaxFrame)
		}
	case TypeSyncRequest:
		if !m.Since.Valid() {
			return fmt.Errorf("%w: negative since %s", ErrInvalidMessage, m.Since)
		}
	case TypeSyncBatch:
		if !m.From.Valid() {
			return fmt.Errorf("%w: negative batch cursor %s", ErrInvalidMessage, m.From)
		}
		if len(m.Records) == 0 {
			return fmt.Errorf("%w: empty batch", ErrInvalidMessage)
		}
	case TypeAck:
		if !m.Through.Valid() {
			return fmt.Errorf("%w: negative ack %s", ErrInvalidMessage, m.Through)
		}
	case TypeCaughtUp:
	case TypeError:
		if m.Reason == "" {
			return fmt.Errorf("%w: error without reason", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func (m *Message) String() string {
	switch m.Type {
	case TypeHandshake:
		return fmt.Sprintf("handshake{site=%s}", m.SiteID.Short())
	case TypeSyncRequest:
		return fmt.Sprintf("sync_request{since=%s}", m.Since)
	case TypeSyncBatch:
		return fmt.Sprintf("sync_batch{from=%s records=%d through=%s}", m.From, len(m.Records), change.Last(m.Records))
	case TypeAck:
		return fmt.Sprintf("ack{through=%s}", m.Through)
	case TypeCaughtUp:
		return "caught_up"
	case TypeError:
		return fmt.Sprintf("error{%s}", m.Reason)
	default:
		return fmt.Sprintf("unknown{%s}", m.Type)
	}
}
