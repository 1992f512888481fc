package change

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// SiteID is the 128-bit identifier of one replica.
type SiteID [16]byte

// NewSiteID returns a random (v4 UUID) site id.
func NewSiteID() SiteID {
	return SiteID(uuid.New())
}

// ParseSiteID accepts either 32 hex characters or the dashed UUID form.
func ParseSiteID(s string) (SiteID, error) {
	if len(s) == 32 {
		var id SiteID
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return SiteID{}, fmt.Errorf("invalid site id %q: %w", s, err)
		}
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return SiteID{}, fmt.Errorf("invalid site id %q: %w", s, err)
	}
	return SiteID(u), nil
}

// SiteIDFromBytes copies a 16-byte slice into a SiteID.
func SiteIDFromBytes(b []byte) (SiteID, error) {
	var id SiteID
	if len(b) != len(id) {
		return SiteID{}, fmt.Errorf("%w: site id must be %d bytes, got %d", ErrMalformed, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the id is unset.
func (s SiteID) IsZero() bool {
	return s == SiteID{}
}

// Compare orders site ids lexicographically by their bytes.
func (s SiteID) Compare(o SiteID) int {
	return bytes.Compare(s[:], o[:])
}

// Bytes returns a copy of the id as a slice, suitable for BLOB columns.
func (s SiteID) Bytes() []byte {
	b := make([]byte, len(s))
	copy(b, s[:])
	return b
}

// String returns the lowercase hex form.
func (s SiteID) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 8 hex characters, for logs.
func (s SiteID) Short() string {
	return s.String()[:8]
}

// EncodeMsgpack writes the id as a 16-byte bin.
func (s SiteID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(s[:])
}

// DecodeMsgpack reads a 16-byte bin.
func (s *SiteID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	id, err := SiteIDFromBytes(b)
	if err != nil {
		return err
	}
	*s = id
	return nil
}
