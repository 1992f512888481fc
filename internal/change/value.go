package change

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the scalar type carried by a Value.
type Kind uint8

const (
	// KindNull is the SQL NULL.
	KindNull Kind = iota
	// KindInteger is a 64-bit signed integer.
	KindInteger
	// KindReal is a 64-bit IEEE-754 float.
	KindReal
	// KindText is a UTF-8 string.
	KindText
	// KindBlob is raw bytes.
	KindBlob
	// KindBool is a boolean. SQLite stores it as 0/1, the kind survives sync.
	KindBool
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k <= KindBool
}

// Value is a polymorphic column scalar. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Null returns the NULL value.
func Null() Value { return Value{} }

// Integer wraps an int64.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Real wraps a float64.
func Real(f float64) Value { return Value{kind: KindReal, f: f} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Blob wraps a byte slice. The slice is copied.
func Blob(b []byte) Value {
	return Value{kind: KindBlob, b: bytes.Clone(b)}
}

// Bool wraps a boolean.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Kind returns the scalar kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInteger returns the integer payload.
func (v Value) AsInteger() (int64, bool) { return v.i, v.kind == KindInteger }

// AsReal returns the float payload.
func (v Value) AsReal() (float64, bool) { return v.f, v.kind == KindReal }

// AsText returns the string payload.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsBlob returns the byte payload.
func (v Value) AsBlob() ([]byte, bool) { return v.b, v.kind == KindBlob }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.i != 0, v.kind == KindBool }

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger, KindBool:
		return v.i == o.i
	case KindReal:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindText:
		return v.s == o.s
	case KindBlob:
		return bytes.Equal(v.b, o.b)
	default:
		return false
	}
}

// String renders the value for logs and the CLI.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.s)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.b)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	default:
		return "?"
	}
}

// SQL returns the value as a database/sql argument.
func (v Value) SQL() any {
	switch v.kind {
	case KindInteger, KindBool:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return v.s
	case KindBlob:
		if v.b == nil {
			return []byte{}
		}
		return v.b
	default:
		return nil
	}
}

// FromSQL rebuilds a Value from a scanned column and its stored kind.
func FromSQL(kind Kind, raw any) (Value, error) {
	if raw == nil {
		switch kind {
		case KindNull:
			return Null(), nil
		case KindText:
			// Some drivers scan zero-length text and blobs as nil.
			return Text(""), nil
		case KindBlob:
			return Blob(nil), nil
		}
		return Value{}, fmt.Errorf("%w: nil payload for %s value", ErrMalformed, kind)
	}

	switch kind {
	case KindNull:
		return Null(), nil
	case KindInteger, KindBool:
		var i int64
		switch x := raw.(type) {
		case int64:
			i = x
		case float64:
			i = int64(x)
		default:
			return Value{}, fmt.Errorf("%w: cannot read %T as %s", ErrMalformed, raw, kind)
		}
		if kind == KindBool {
			return Bool(i != 0), nil
		}
		return Integer(i), nil
	case KindReal:
		switch x := raw.(type) {
		case float64:
			return Real(x), nil
		case int64:
			return Real(float64(x)), nil
		}
	case KindText:
		switch x := raw.(type) {
		case string:
			return Text(x), nil
		case []byte:
			return Text(string(x)), nil
		}
	case KindBlob:
		switch x := raw.(type) {
		case []byte:
			return Blob(x), nil
		case string:
			return Blob([]byte(x)), nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot read %T as %s", ErrMalformed, raw, kind)
}

// Infer converts a plain Go value into a Value.
func Infer(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Integer(int64(x)), nil
	case int32:
		return Integer(int64(x)), nil
	case int64:
		return Integer(x), nil
	case uint32:
		return Integer(int64(x)), nil
	case float32:
		return Real(float64(x)), nil
	case float64:
		return Real(x), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(x), nil
	case time.Time:
		return Text(x.UTC().Format(time.RFC3339Nano)), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported scalar type %T", ErrMalformed, raw)
	}
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack writes the value as a two-element array [kind, payload].
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindInteger:
		return enc.EncodeInt(v.i)
	case KindReal:
		return enc.EncodeFloat64(v.f)
	case KindText:
		return enc.EncodeString(v.s)
	case KindBlob:
		return enc.EncodeBytes(v.b)
	case KindBool:
		return enc.EncodeBool(v.i != 0)
	default:
		return enc.EncodeNil()
	}
}

// DecodeMsgpack reads a value written by EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("%w: value array has %d elements", ErrMalformed, n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}

	kind := Kind(k)
	switch kind {
	case KindNull:
		*v = Null()
		return dec.DecodeNil()
	case KindInteger:
		i, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		*v = Integer(i)
	case KindReal:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		*v = Real(f)
	case KindText:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*v = Text(s)
	case KindBlob:
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*v = Value{kind: KindBlob, b: b}
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		*v = Bool(b)
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrMalformed, k)
	}
	return nil
}
