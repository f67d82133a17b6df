// Package packet defines the unit of data exchanged over an arbor tree.
//
// A [Packet] carries a stream id, a tag, the rank of the node it was
// received from and an ordered list of typed [Element]. The element set
// is closed: every value has one of the [DataType] listed below, which
// lets the decoder check the shape of a packet before any filter sees
// it.
package packet

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

var (
	ErrType      = errors.New("packet: element has a different type")
	ErrShape     = errors.New("packet: unexpected packet shape")
	ErrMalformed = errors.New("packet: malformed encoding")
	ErrTruncated = errors.New("packet: truncated encoding")
)

// UnknownSource is the source rank of packets created locally.
const UnknownSource uint32 = math.MaxUint32

// DataType identifies the type of an [Element].
type DataType uint8

const arrayFlag DataType = 0x80

const (
	TypeInvalid DataType = iota
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
	lastScalar
)

const (
	TypeInt8Array    = TypeInt8 | arrayFlag
	TypeUint8Array   = TypeUint8 | arrayFlag
	TypeInt16Array   = TypeInt16 | arrayFlag
	TypeUint16Array  = TypeUint16 | arrayFlag
	TypeInt32Array   = TypeInt32 | arrayFlag
	TypeUint32Array  = TypeUint32 | arrayFlag
	TypeInt64Array   = TypeInt64 | arrayFlag
	TypeUint64Array  = TypeUint64 | arrayFlag
	TypeFloat32Array = TypeFloat32 | arrayFlag
	TypeFloat64Array = TypeFloat64 | arrayFlag
	TypeStringArray  = TypeString | arrayFlag
)

// Kind groups data types by how their values are manipulated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSigned
	KindUnsigned
	KindFloat
	KindString
)

// IsArray reports whether t is an array type.
func (t DataType) IsArray() bool {
	return t&arrayFlag != 0
}

// Scalar returns the element type of an array type, or t itself.
func (t DataType) Scalar() DataType {
	return t &^ arrayFlag
}

// Array returns the array type whose elements are of type t.
func (t DataType) Array() DataType {
	return t | arrayFlag
}

// Valid reports whether t is one of the supported types.
func (t DataType) Valid() bool {
	s := t.Scalar()
	return s > TypeInvalid && s < lastScalar
}

func (t DataType) Kind() Kind {
	switch t.Scalar() {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return KindSigned
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return KindUnsigned
	case TypeFloat32, TypeFloat64:
		return KindFloat
	case TypeString:
		return KindString
	default:
		return KindInvalid
	}
}

// width of the fixed size encoding of a scalar, 0 for strings.
func (t DataType) width() int {
	switch t.Scalar() {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

var typeNames = map[DataType]string{
	TypeInt8:    "int8",
	TypeUint8:   "uint8",
	TypeInt16:   "int16",
	TypeUint16:  "uint16",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeInt64:   "int64",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeString:  "string",
}

func (t DataType) String() string {
	name, ok := typeNames[t.Scalar()]
	if !ok {
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
	if t.IsArray() {
		return "[]" + name
	}
	return name
}

// Element is a single typed value of a [Packet].
//
// Scalars are stored as raw bits in num: integers are sign or zero
// extended to 64 bits and floats are stored as IEEE-754 float64 bits.
type Element struct {
	typ DataType
	num uint64
	str string
	arr any
}

func Int8(v int8) Element       { return Element{typ: TypeInt8, num: uint64(int64(v))} }
func Uint8(v uint8) Element     { return Element{typ: TypeUint8, num: uint64(v)} }
func Int16(v int16) Element     { return Element{typ: TypeInt16, num: uint64(int64(v))} }
func Uint16(v uint16) Element   { return Element{typ: TypeUint16, num: uint64(v)} }
func Int32(v int32) Element     { return Element{typ: TypeInt32, num: uint64(int64(v))} }
func Uint32(v uint32) Element   { return Element{typ: TypeUint32, num: uint64(v)} }
func Int64(v int64) Element     { return Element{typ: TypeInt64, num: uint64(v)} }
func Uint64(v uint64) Element   { return Element{typ: TypeUint64, num: v} }
func Float32(v float32) Element { return Element{typ: TypeFloat32, num: math.Float64bits(float64(v))} }
func Float64(v float64) Element { return Element{typ: TypeFloat64, num: math.Float64bits(v)} }
func String(v string) Element   { return Element{typ: TypeString, str: v} }

// MakeInt builds a scalar of signed type t, truncating v to its width.
func MakeInt(t DataType, v int64) (Element, error) {
	switch t {
	case TypeInt8:
		return Int8(int8(v)), nil
	case TypeInt16:
		return Int16(int16(v)), nil
	case TypeInt32:
		return Int32(int32(v)), nil
	case TypeInt64:
		return Int64(v), nil
	}
	return Element{}, fmt.Errorf("%w: %s is not a signed integer", ErrType, t)
}

// MakeUint builds a scalar of unsigned type t, truncating v to its width.
func MakeUint(t DataType, v uint64) (Element, error) {
	switch t {
	case TypeUint8:
		return Uint8(uint8(v)), nil
	case TypeUint16:
		return Uint16(uint16(v)), nil
	case TypeUint32:
		return Uint32(uint32(v)), nil
	case TypeUint64:
		return Uint64(v), nil
	}
	return Element{}, fmt.Errorf("%w: %s is not an unsigned integer", ErrType, t)
}

// MakeFloat builds a scalar of floating point type t.
func MakeFloat(t DataType, v float64) (Element, error) {
	switch t {
	case TypeFloat32:
		return Float32(float32(v)), nil
	case TypeFloat64:
		return Float64(v), nil
	}
	return Element{}, fmt.Errorf("%w: %s is not a float", ErrType, t)
}

// ArrayItem is the set of Go types which can be carried in array elements.
type ArrayItem interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 |
		float32 | float64 | string
}

// Array builds an array element. The slice is copied.
func Array[T ArrayItem](vs []T) Element {
	cp := make([]T, len(vs))
	copy(cp, vs)
	return Element{typ: arrayTypeOf[T](), arr: cp}
}

func arrayTypeOf[T ArrayItem]() DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return TypeInt8Array
	case uint8:
		return TypeUint8Array
	case int16:
		return TypeInt16Array
	case uint16:
		return TypeUint16Array
	case int32:
		return TypeInt32Array
	case uint32:
		return TypeUint32Array
	case int64:
		return TypeInt64Array
	case uint64:
		return TypeUint64Array
	case float32:
		return TypeFloat32Array
	case float64:
		return TypeFloat64Array
	case string:
		return TypeStringArray
	}
	return TypeInvalid
}

// AsArray returns the values of an array element. The returned slice
// is owned by the element and must not be modified.
func AsArray[T ArrayItem](e Element) ([]T, error) {
	vs, ok := e.arr.([]T)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrType, e.typ)
	}
	return vs, nil
}

func (e Element) Type() DataType {
	return e.typ
}

// Int returns the value of any integer scalar as an int64.
func (e Element) Int() (int64, error) {
	switch e.typ.Kind() {
	case KindSigned, KindUnsigned:
		if !e.typ.IsArray() {
			return int64(e.num), nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not an integer", ErrType, e.typ)
}

// Uint returns the value of any integer scalar as an uint64.
func (e Element) Uint() (uint64, error) {
	switch e.typ.Kind() {
	case KindSigned, KindUnsigned:
		if !e.typ.IsArray() {
			return e.num, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not an integer", ErrType, e.typ)
}

// Float returns the value of any numeric scalar as a float64.
func (e Element) Float() (float64, error) {
	if e.typ.IsArray() {
		return 0, fmt.Errorf("%w: %s is not a number", ErrType, e.typ)
	}
	switch e.typ.Kind() {
	case KindSigned:
		return float64(int64(e.num)), nil
	case KindUnsigned:
		return float64(e.num), nil
	case KindFloat:
		return math.Float64frombits(e.num), nil
	}
	return 0, fmt.Errorf("%w: %s is not a number", ErrType, e.typ)
}

func (e Element) Str() (string, error) {
	if e.typ != TypeString {
		return "", fmt.Errorf("%w: %s is not a string", ErrType, e.typ)
	}
	return e.str, nil
}

// Len returns the number of items of an array element, 1 for scalars.
func (e Element) Len() int {
	if !e.typ.IsArray() {
		return 1
	}
	switch vs := e.arr.(type) {
	case []int8:
		return len(vs)
	case []uint8:
		return len(vs)
	case []int16:
		return len(vs)
	case []uint16:
		return len(vs)
	case []int32:
		return len(vs)
	case []uint32:
		return len(vs)
	case []int64:
		return len(vs)
	case []uint64:
		return len(vs)
	case []float32:
		return len(vs)
	case []float64:
		return len(vs)
	case []string:
		return len(vs)
	}
	return 0
}

func (e Element) clone() Element {
	if !e.typ.IsArray() {
		return e
	}
	switch vs := e.arr.(type) {
	case []int8:
		return Array(vs)
	case []uint8:
		return Array(vs)
	case []int16:
		return Array(vs)
	case []uint16:
		return Array(vs)
	case []int32:
		return Array(vs)
	case []uint32:
		return Array(vs)
	case []int64:
		return Array(vs)
	case []uint64:
		return Array(vs)
	case []float32:
		return Array(vs)
	case []float64:
		return Array(vs)
	case []string:
		return Array(vs)
	}
	return e
}

func (e Element) String() string {
	switch {
	case e.typ.IsArray():
		return fmt.Sprintf("%s%v", e.typ, e.arr)
	case e.typ == TypeString:
		return fmt.Sprintf("%q", e.str)
	case e.typ.Kind() == KindSigned:
		return fmt.Sprintf("%s(%d)", e.typ, int64(e.num))
	case e.typ.Kind() == KindUnsigned:
		return fmt.Sprintf("%s(%d)", e.typ, e.num)
	case e.typ.Kind() == KindFloat:
		return fmt.Sprintf("%s(%g)", e.typ, math.Float64frombits(e.num))
	}
	return "invalid"
}

// Packet is the unit of data flowing through streams.
type Packet struct {
	StreamID uint32
	Tag      Tag

	// Source is the rank of the peer this packet was received from, it is
	// [UnknownSource] for locally created packets.
	Source uint32

	Elements []Element
}

// New creates a locally sourced packet.
func New(streamID uint32, tag Tag, elems ...Element) *Packet {
	return &Packet{
		StreamID: streamID,
		Tag:      tag,
		Source:   UnknownSource,
		Elements: elems,
	}
}

// Expect checks the packet elements have exactly the given types.
func (p *Packet) Expect(types ...DataType) error {
	if len(p.Elements) != len(types) {
		return fmt.Errorf("%w: %d elements, want %d", ErrShape, len(p.Elements), len(types))
	}
	for i, t := range types {
		if p.Elements[i].typ != t {
			return fmt.Errorf("%w: element %d is %s, want %s", ErrShape, i, p.Elements[i].typ, t)
		}
	}
	return nil
}

// At returns the i-th element, or an invalid element if out of range.
func (p *Packet) At(i int) Element {
	if i < 0 || i >= len(p.Elements) {
		return Element{}
	}
	return p.Elements[i]
}

// Clone returns a deep copy of p sharing no memory with it.
func (p *Packet) Clone() *Packet {
	cp := &Packet{
		StreamID: p.StreamID,
		Tag:      p.Tag,
		Source:   p.Source,
		Elements: make([]Element, len(p.Elements)),
	}
	for i, e := range p.Elements {
		cp.Elements[i] = e.clone()
	}
	return cp
}

func (p *Packet) LogValue() slog.Value {
	types := make([]string, len(p.Elements))
	for i, e := range p.Elements {
		types[i] = e.typ.String()
	}
	return slog.GroupValue(
		slog.Uint64("stream", uint64(p.StreamID)),
		slog.String("tag", p.Tag.String()),
		slog.Uint64("source", uint64(p.Source)),
		slog.String("shape", strings.Join(types, ",")),
	)
}
