// Package change defines the versioned change record exchanged between
// replicas, its scalar value type and its storage/wire encodings.
//
// A Record is one last-writer-wins assignment to one column of one row.
// Records are ordered by (DBVersion, Seq), which is also the order the
// change log is read and shipped in.
package change

import (
	"fmt"
	"strings"
)

// SentinelColumn is the column id of row-lineage records: creating a row
// without column values, deleting it, or resurrecting it after a delete.
const SentinelColumn = "-1"

// Record is one versioned write to a single column of a single row.
type Record struct {
	Table        string `msgpack:"tbl"`
	PK           []byte `msgpack:"pk"`
	Column       string `msgpack:"cid"`
	Value        Value  `msgpack:"val"`
	ColVersion   int64  `msgpack:"col_version"`
	DBVersion    int64  `msgpack:"db_version"`
	SiteID       SiteID `msgpack:"site_id"`
	CausalLength int64  `msgpack:"cl"`
	Seq          int64  `msgpack:"seq"`
}

// IsSentinel reports whether the record describes row lineage rather than
// a column value.
func (r Record) IsSentinel() bool {
	return r.Column == SentinelColumn
}

// Deletes reports whether the record marks its row as deleted. Even causal
// lengths are deletions, odd ones are live rows.
func (r Record) Deletes() bool {
	return r.CausalLength%2 == 0
}

// Validate checks that the record carries every field merge needs.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.Table) == "":
		return fmt.Errorf("%w: table is required", ErrMalformed)
	case len(r.PK) == 0:
		return fmt.Errorf("%w: primary key is required", ErrMalformed)
	case r.Column == "":
		return fmt.Errorf("%w: column id is required", ErrMalformed)
	case r.SiteID.IsZero():
		return fmt.Errorf("%w: site id is required", ErrMalformed)
	case r.ColVersion < 1:
		return fmt.Errorf("%w: column version must be positive (got %d)", ErrMalformed, r.ColVersion)
	case r.DBVersion < 1:
		return fmt.Errorf("%w: db version must be positive (got %d)", ErrMalformed, r.DBVersion)
	case r.CausalLength < 1:
		return fmt.Errorf("%w: causal length must be positive (got %d)", ErrMalformed, r.CausalLength)
	case r.Seq < 0:
		return fmt.Errorf("%w: sequence must not be negative (got %d)", ErrMalformed, r.Seq)
	case !r.Value.Kind().Valid():
		return fmt.Errorf("%w: unknown value kind %d", ErrMalformed, r.Value.Kind())
	}

	if r.IsSentinel() && r.ColVersion != r.CausalLength {
		return fmt.Errorf("%w: sentinel column version %d does not match causal length %d",
			ErrMalformed, r.ColVersion, r.CausalLength)
	}
	if !r.IsSentinel() && r.Deletes() {
		return fmt.Errorf("%w: column %q written to a deleted row", ErrMalformed, r.Column)
	}
	if _, err := UnpackPK(r.PK); err != nil {
		return err
	}
	return nil
}

// String renders the record for logs.
func (r Record) String() string {
	return fmt.Sprintf("%s[%x].%s=%s (col_version=%d db_version=%d site=%s cl=%d seq=%d)",
		r.Table, r.PK, r.Column, r.Value, r.ColVersion, r.DBVersion, r.SiteID.Short(), r.CausalLength, r.Seq)
}

// Less orders records by (DBVersion, Seq).
func Less(a, b Record) bool {
	if a.DBVersion != b.DBVersion {
		return a.DBVersion < b.DBVersion
	}
	return a.Seq < b.Seq
}

// ValidateBatch checks every record and that the batch is ascending by
// (DBVersion, Seq). A batch that fails is rejected as a whole.
func ValidateBatch(records []Record) error {
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if i > 0 && Less(r, records[i-1]) {
			return fmt.Errorf("%w: record %d (db_version=%d seq=%d) precedes record %d (db_version=%d seq=%d)",
				ErrOutOfOrder, i, r.DBVersion, r.Seq, i-1, records[i-1].DBVersion, records[i-1].Seq)
		}
	}
	return nil
}

// MaxVersion returns the highest DBVersion in records, or 0 for none.
func MaxVersion(records []Record) int64 {
	var max int64
	for _, r := range records {
		if r.DBVersion > max {
			max = r.DBVersion
		}
	}
	return max
}

// MinVersion returns the lowest DBVersion in records, or 0 for none.
func MinVersion(records []Record) int64 {
	if len(records) == 0 {
		return 0
	}
	min := records[0].DBVersion
	for _, r := range records[1:] {
		if r.DBVersion < min {
			min = r.DBVersion
		}
	}
	return min
}
