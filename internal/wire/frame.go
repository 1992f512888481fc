package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mschirtzinger/crsync/internal/change"
)

const headerSize = 4

// Encode returns the msgpack body of m.
func Encode(m *Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return body, nil
}

// WriteFrame encodes m and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, m *Message, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	body, err := Encode(m)
	if err != nil {
		return err
	}
	if len(body) > maxSize {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFrameTooLarge, m.Type, len(body), maxSize)
	}
	return WriteBody(w, body)
}

// WriteBody writes an encoded body as one frame. The header and body go
// out in a single Write so message-oriented transports keep one frame per
// message.
func WriteBody(w io.Writer, body []byte) error {
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// FitBatch encodes the longest prefix of records that fits in one
// sync_batch frame of at most maxSize bytes. It returns the body and how
// many records it holds. A single record that cannot fit is
// ErrFrameTooLarge.
func FitBatch(from change.Cursor, records []change.Record, maxSize int) ([]byte, int, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	n := len(records)
	for n > 0 {
		body, err := Encode(SyncBatch(from, records[:n]))
		if err != nil {
			return nil, 0, err
		}
		if len(body) <= maxSize {
			return body, n, nil
		}
		if n == 1 {
			return nil, 0, fmt.Errorf("%w: record %s is %d bytes encoded (max %d)",
				ErrFrameTooLarge, records[0].Position(), len(body), maxSize)
		}
		// Shrink in proportion to the overshoot, always by at least one.
		next := int(int64(n) * int64(maxSize) / int64(len(body)))
		n = min(max(next, 1), n-1)
	}
	return nil, 0, fmt.Errorf("%w: empty batch", ErrInvalidMessage)
}

// ReadFrame reads one frame and decodes it. It validates the message
// envelope; io.EOF is returned unwrapped when the stream ends cleanly
// between frames.
func ReadFrame(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > uint32(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	var m Message
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
