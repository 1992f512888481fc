package change

import "errors"

var (
	// ErrMalformed is returned for records or values that cannot be
	// interpreted: missing site id, unknown value kind, bad pk encoding.
	ErrMalformed = errors.New("malformed change record")

	// ErrOutOfOrder is returned when a batch is not ascending by
	// (db_version, seq).
	ErrOutOfOrder = errors.New("change batch out of order")
)
