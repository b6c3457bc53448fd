package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TypeCode is the wire type tag used throughout the GM3 parameter
// struct and value responses.
type TypeCode byte

const (
	TypeInt8   TypeCode = 1
	TypeInt16  TypeCode = 2
	TypeInt32  TypeCode = 3
	TypeUint8  TypeCode = 4
	TypeUint16 TypeCode = 5
	TypeUint32 TypeCode = 6
	TypeFloat  TypeCode = 7
	TypeDouble TypeCode = 9
	TypeBool   TypeCode = 10
	TypeString TypeCode = 12
	TypeInt64  TypeCode = 13
	TypeUint64 TypeCode = 14
)

// Width returns the fixed wire width of t in bytes. STRING has no fixed
// width; callers must use the null terminator instead.
func (t TypeCode) Width() (int, bool) {
	switch t {
	case TypeInt8, TypeUint8, TypeBool:
		return 1, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeInt32, TypeUint32, TypeFloat:
		return 4, true
	case TypeDouble, TypeInt64, TypeUint64:
		return 8, true
	default:
		return 0, false
	}
}

func (t TypeCode) IsNumeric() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64,
		TypeUint8, TypeUint16, TypeUint32, TypeUint64,
		TypeFloat, TypeDouble:
		return true
	default:
		return false
	}
}

// Value is a tagged union over the TypeCode set. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Value struct {
	Kind TypeCode
	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Str  string
}

// AsJSON returns the native Go scalar an HTTP layer would marshal for
// this value (number, bool, or string), never a wrapper struct.
func (v Value) AsJSON() any {
	switch v.Kind {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.I64
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return v.U64
	case TypeFloat, TypeDouble:
		return v.F64
	case TypeBool:
		return v.Bool
	case TypeString:
		return v.Str
	default:
		return nil
	}
}

// DecodeValue reads a typed value from the front of b. For STRING, b
// must contain the full null-terminated run; the returned consumed
// count includes the terminator.
func DecodeValue(b []byte, t TypeCode) (Value, int, error) {
	if t == TypeString {
		n := 0
		for n < len(b) && b[n] != 0 {
			n++
		}
		if n == len(b) {
			return Value{}, 0, fmt.Errorf("frame: unterminated string value")
		}
		return Value{Kind: TypeString, Str: string(b[:n])}, n + 1, nil
	}

	width, ok := t.Width()
	if !ok {
		return Value{}, 0, fmt.Errorf("frame: unknown type code 0x%02x", byte(t))
	}
	if len(b) < width {
		return Value{}, 0, fmt.Errorf("frame: short value buffer for type 0x%02x: have %d need %d", byte(t), len(b), width)
	}
	raw := b[:width]

	switch t {
	case TypeInt8:
		return Value{Kind: t, I64: int64(int8(raw[0]))}, 1, nil
	case TypeUint8:
		return Value{Kind: t, U64: uint64(raw[0])}, 1, nil
	case TypeBool:
		return Value{Kind: t, Bool: raw[0] != 0}, 1, nil
	case TypeInt16:
		return Value{Kind: t, I64: int64(int16(binary.LittleEndian.Uint16(raw)))}, 2, nil
	case TypeUint16:
		return Value{Kind: t, U64: uint64(binary.LittleEndian.Uint16(raw))}, 2, nil
	case TypeInt32:
		return Value{Kind: t, I64: int64(int32(binary.LittleEndian.Uint32(raw)))}, 4, nil
	case TypeUint32:
		return Value{Kind: t, U64: uint64(binary.LittleEndian.Uint32(raw))}, 4, nil
	case TypeFloat:
		return Value{Kind: t, F64: float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))}, 4, nil
	case TypeDouble:
		return Value{Kind: t, F64: math.Float64frombits(binary.LittleEndian.Uint64(raw))}, 8, nil
	case TypeInt64:
		return Value{Kind: t, I64: int64(binary.LittleEndian.Uint64(raw))}, 8, nil
	case TypeUint64:
		return Value{Kind: t, U64: binary.LittleEndian.Uint64(raw)}, 8, nil
	default:
		return Value{}, 0, fmt.Errorf("frame: unhandled type code 0x%02x", byte(t))
	}
}

// EncodeValue is the inverse of DecodeValue. For STRING it appends the
// trailing NUL.
func EncodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case TypeString:
		return append([]byte(v.Str), 0), nil
	case TypeInt8:
		return []byte{byte(int8(v.I64))}, nil
	case TypeUint8:
		return []byte{byte(v.U64)}, nil
	case TypeBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(v.I64)))
		return b, nil
	case TypeUint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v.U64))
		return b, nil
	case TypeInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v.I64)))
		return b, nil
	case TypeUint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.U64))
		return b, nil
	case TypeFloat:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v.F64)))
		return b, nil
	case TypeDouble:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.F64))
		return b, nil
	case TypeInt64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v.I64))
		return b, nil
	case TypeUint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v.U64)
		return b, nil
	default:
		return nil, fmt.Errorf("frame: unknown type code 0x%02x", byte(v.Kind))
	}
}
