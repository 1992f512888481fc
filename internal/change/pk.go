package change

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxPKColumns bounds composite keys so a corrupt header cannot force a
// large allocation.
const maxPKColumns = 64

// PackPK encodes primary key values into the byte form stored in
// ChangeRecord.PK. The layout is a uvarint column count followed by, per
// column, a kind byte and its payload. Equal keys always pack to equal bytes.
func PackPK(values ...Value) ([]byte, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: primary key has no columns", ErrMalformed)
	}
	if len(values) > maxPKColumns {
		return nil, fmt.Errorf("%w: primary key has %d columns", ErrMalformed, len(values))
	}

	buf := binary.AppendUvarint(nil, uint64(len(values)))
	for _, v := range values {
		buf = append(buf, byte(v.kind))
		switch v.kind {
		case KindNull:
		case KindInteger:
			buf = binary.AppendVarint(buf, v.i)
		case KindBool:
			buf = append(buf, byte(v.i))
		case KindReal:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
		case KindText:
			buf = binary.AppendUvarint(buf, uint64(len(v.s)))
			buf = append(buf, v.s...)
		case KindBlob:
			buf = binary.AppendUvarint(buf, uint64(len(v.b)))
			buf = append(buf, v.b...)
		default:
			return nil, fmt.Errorf("%w: unknown value kind %d in primary key", ErrMalformed, v.kind)
		}
	}
	return buf, nil
}

// MustPackPK is PackPK for keys known to be valid, such as literals in tests.
func MustPackPK(values ...Value) []byte {
	b, err := PackPK(values...)
	if err != nil {
		panic(err)
	}
	return b
}

// UnpackPK decodes bytes produced by PackPK.
func UnpackPK(b []byte) ([]Value, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 || count == 0 || count > maxPKColumns {
		return nil, fmt.Errorf("%w: bad primary key header", ErrMalformed)
	}
	b = b[n:]

	values := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: truncated primary key", ErrMalformed)
		}
		kind := Kind(b[0])
		b = b[1:]

		switch kind {
		case KindNull:
			values = append(values, Null())
		case KindInteger:
			x, n := binary.Varint(b)
			if n <= 0 {
				return nil, fmt.Errorf("%w: bad integer in primary key", ErrMalformed)
			}
			values = append(values, Integer(x))
			b = b[n:]
		case KindBool:
			if len(b) < 1 {
				return nil, fmt.Errorf("%w: truncated bool in primary key", ErrMalformed)
			}
			values = append(values, Bool(b[0] != 0))
			b = b[1:]
		case KindReal:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: truncated real in primary key", ErrMalformed)
			}
			values = append(values, Real(math.Float64frombits(binary.BigEndian.Uint64(b))))
			b = b[8:]
		case KindText, KindBlob:
			l, n := binary.Uvarint(b)
			if n <= 0 || uint64(len(b)-n) < l {
				return nil, fmt.Errorf("%w: truncated %s in primary key", ErrMalformed, kind)
			}
			payload := b[n : n+int(l)]
			if kind == KindText {
				values = append(values, Text(string(payload)))
			} else {
				values = append(values, Blob(payload))
			}
			b = b[n+int(l):]
		default:
			return nil, fmt.Errorf("%w: unknown value kind %d in primary key", ErrMalformed, kind)
		}
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after primary key", ErrMalformed, len(b))
	}
	return values, nil
}
