package change

import "fmt"

// Cursor is a position in one site's change log. Records are ordered by
// (DBVersion, Seq), so a receiver holding cursor c has every record of the
// sender at or before c and resumes strictly after it. A cursor can stop
// inside a db_version, which lets one large version travel in several
// batches. The zero Cursor precedes every record.
type Cursor struct {
	Version int64 `msgpack:"v" json:"version"`
	Seq     int64 `msgpack:"seq" json:"seq"`
}

// Position returns the cursor that ends exactly at r.
func (r Record) Position() Cursor {
	return Cursor{Version: r.DBVersion, Seq: r.Seq}
}

// Compare returns -1, 0 or +1 as c is before, equal to or after o.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Version < o.Version:
		return -1
	case c.Version > o.Version:
		return 1
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	}
	return 0
}

// Covers reports whether r is at or before c.
func (c Cursor) Covers(r Record) bool {
	return r.Position().Compare(c) <= 0
}

// Max returns the later of c and o.
func (c Cursor) Max(o Cursor) Cursor {
	if o.Compare(c) > 0 {
		return o
	}
	return c
}

// Valid reports whether both components are non-negative.
func (c Cursor) Valid() bool {
	return c.Version >= 0 && c.Seq >= 0
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d.%d", c.Version, c.Seq)
}

// Last returns the position of the last record, or the zero Cursor for
// none. Batches are ordered, so this is also their greatest position.
func Last(records []Record) Cursor {
	if len(records) == 0 {
		return Cursor{}
	}
	return records[len(records)-1].Position()
}
