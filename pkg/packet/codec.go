package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	orderLittle byte = 'L'
	orderBig    byte = 'B'
)

// ByteOrder writes and reads fixed width values. Both
// [binary.LittleEndian] and [binary.BigEndian] implement it.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// nativeOrder is the byte order used by Marshal.
var nativeOrder ByteOrder = func() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// Marshal encodes p using the byte order of the local machine.
func Marshal(p *Packet) ([]byte, error) {
	return MarshalOrder(p, nativeOrder)
}

// MarshalOrder encodes p with fixed width values written in the given
// byte order. The order is recorded in the first byte so any receiver
// can decode it.
func MarshalOrder(p *Packet, order ByteOrder) ([]byte, error) {
	buf := make([]byte, 0, 32)
	if order == binary.BigEndian {
		buf = append(buf, orderBig)
	} else {
		buf = append(buf, orderLittle)
	}

	buf = order.AppendUint32(buf, p.StreamID)
	buf = order.AppendUint32(buf, uint32(p.Tag))
	buf = order.AppendUint32(buf, p.Source)
	buf = protowire.AppendVarint(buf, uint64(len(p.Elements)))

	for i, e := range p.Elements {
		if !e.typ.Valid() {
			return nil, fmt.Errorf("%w: element %d has invalid type", ErrMalformed, i)
		}
		buf = append(buf, byte(e.typ))
		if !e.typ.IsArray() {
			buf = appendScalar(buf, order, e.typ, e.num, e.str)
			continue
		}
		buf = protowire.AppendVarint(buf, uint64(e.Len()))
		buf = appendArray(buf, order, e.arr)
	}
	return buf, nil
}

func appendScalar(buf []byte, order ByteOrder, t DataType, num uint64, str string) []byte {
	switch t.Scalar() {
	case TypeInt8, TypeUint8:
		return append(buf, byte(num))
	case TypeInt16, TypeUint16:
		return order.AppendUint16(buf, uint16(num))
	case TypeInt32, TypeUint32:
		return order.AppendUint32(buf, uint32(num))
	case TypeFloat32:
		return order.AppendUint32(buf, math.Float32bits(float32(math.Float64frombits(num))))
	case TypeInt64, TypeUint64, TypeFloat64:
		return order.AppendUint64(buf, num)
	case TypeString:
		return protowire.AppendString(buf, str)
	}
	return buf
}

func appendArray(buf []byte, order ByteOrder, arr any) []byte {
	switch vs := arr.(type) {
	case []int8:
		for _, v := range vs {
			buf = append(buf, byte(v))
		}
	case []uint8:
		buf = append(buf, vs...)
	case []int16:
		for _, v := range vs {
			buf = order.AppendUint16(buf, uint16(v))
		}
	case []uint16:
		for _, v := range vs {
			buf = order.AppendUint16(buf, v)
		}
	case []int32:
		for _, v := range vs {
			buf = order.AppendUint32(buf, uint32(v))
		}
	case []uint32:
		for _, v := range vs {
			buf = order.AppendUint32(buf, v)
		}
	case []int64:
		for _, v := range vs {
			buf = order.AppendUint64(buf, uint64(v))
		}
	case []uint64:
		for _, v := range vs {
			buf = order.AppendUint64(buf, v)
		}
	case []float32:
		for _, v := range vs {
			buf = order.AppendUint32(buf, math.Float32bits(v))
		}
	case []float64:
		for _, v := range vs {
			buf = order.AppendUint64(buf, math.Float64bits(v))
		}
	case []string:
		for _, v := range vs {
			buf = protowire.AppendString(buf, v)
		}
	}
	return buf
}

// decoder walks an encoded packet, remembering the first error.
type decoder struct {
	buf   []byte
	order binary.ByteOrder
	err   error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrTruncated
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, n := protowire.ConsumeString(d.buf)
	if n < 0 {
		d.err = fmt.Errorf("%w: %w", ErrTruncated, protowire.ParseError(n))
		return ""
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return d.order.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return d.order.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return d.order.Uint64(b)
}

// count reads an array length and checks the remaining input can hold
// at least count items of the given minimum size.
func (d *decoder) count(minSize int) int {
	n := d.varint()
	if d.err != nil {
		return 0
	}
	if minSize > 0 && n > uint64(len(d.buf)/minSize) {
		d.err = ErrTruncated
		return 0
	}
	if minSize == 0 && n > uint64(len(d.buf)) {
		d.err = ErrTruncated
		return 0
	}
	return int(n)
}

// Unmarshal decodes a packet produced by [Marshal] or [MarshalOrder],
// whatever the byte order of the sender.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < 1 {
		return nil, ErrTruncated
	}
	d := &decoder{buf: buf[1:]}
	switch buf[0] {
	case orderLittle:
		d.order = binary.LittleEndian
	case orderBig:
		d.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown byte order %q", ErrMalformed, buf[0])
	}

	p := &Packet{
		StreamID: d.u32(),
		Tag:      Tag(d.u32()),
		Source:   d.u32(),
	}
	n := d.count(2)
	if d.err != nil {
		return nil, d.err
	}

	p.Elements = make([]Element, 0, n)
	for i := 0; i < n; i++ {
		t := DataType(d.u8())
		if d.err != nil {
			return nil, d.err
		}
		if !t.Valid() {
			return nil, fmt.Errorf("%w: element %d has unknown type %d", ErrMalformed, i, uint8(t))
		}
		var e Element
		if t.IsArray() {
			e = d.array(t)
		} else {
			e = d.scalar(t)
		}
		if d.err != nil {
			return nil, fmt.Errorf("element %d: %w", i, d.err)
		}
		p.Elements = append(p.Elements, e)
	}

	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf))
	}
	return p, nil
}

func (d *decoder) scalar(t DataType) Element {
	switch t {
	case TypeInt8:
		return Int8(int8(d.u8()))
	case TypeUint8:
		return Uint8(d.u8())
	case TypeInt16:
		return Int16(int16(d.u16()))
	case TypeUint16:
		return Uint16(d.u16())
	case TypeInt32:
		return Int32(int32(d.u32()))
	case TypeUint32:
		return Uint32(d.u32())
	case TypeInt64:
		return Int64(int64(d.u64()))
	case TypeUint64:
		return Uint64(d.u64())
	case TypeFloat32:
		return Float32(math.Float32frombits(d.u32()))
	case TypeFloat64:
		return Float64(math.Float64frombits(d.u64()))
	case TypeString:
		return String(d.str())
	}
	d.err = ErrMalformed
	return Element{}
}

func (d *decoder) array(t DataType) Element {
	n := d.count(t.width())
	if d.err != nil {
		return Element{}
	}
	switch t.Scalar() {
	case TypeInt8:
		return fill(d, n, func() int8 { return int8(d.u8()) })
	case TypeUint8:
		return fill(d, n, d.u8)
	case TypeInt16:
		return fill(d, n, func() int16 { return int16(d.u16()) })
	case TypeUint16:
		return fill(d, n, d.u16)
	case TypeInt32:
		return fill(d, n, func() int32 { return int32(d.u32()) })
	case TypeUint32:
		return fill(d, n, d.u32)
	case TypeInt64:
		return fill(d, n, func() int64 { return int64(d.u64()) })
	case TypeUint64:
		return fill(d, n, d.u64)
	case TypeFloat32:
		return fill(d, n, func() float32 { return math.Float32frombits(d.u32()) })
	case TypeFloat64:
		return fill(d, n, func() float64 { return math.Float64frombits(d.u64()) })
	case TypeString:
		return fill(d, n, d.str)
	}
	d.err = ErrMalformed
	return Element{}
}

func fill[T ArrayItem](d *decoder, n int, next func() T) Element {
	vs := make([]T, n)
	for i := range vs {
		vs[i] = next()
	}
	return Element{typ: arrayTypeOf[T](), arr: vs}
}
