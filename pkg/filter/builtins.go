package filter

import (
	"fmt"
	"maps"
	"slices"

	"github.com/raskyld/arbor/pkg/packet"
)

func builtins() map[ID]Definition {
	return map[ID]Definition{
		IDNull:        {Name: "null", Transform: null},
		IDSum:         {Name: "sum", Transform: reduce(sumOp)},
		IDAvg:         {Name: "avg", Transform: average},
		IDMin:         {Name: "min", Transform: reduce(minOp)},
		IDMax:         {Name: "max", Transform: reduce(maxOp)},
		IDArrayConcat: {Name: "array_concat", Transform: concat},
		IDIntEqClass:  {Name: "int_eq_class", Transform: intEqClass},
	}
}

func null(in Input) (Output, error) {
	return Output{Packets: in.Packets, State: in.State}, nil
}

// reduceOp combines two values of the same kind.
type reduceOp struct {
	ints   func(a, b int64) int64
	uints  func(a, b uint64) uint64
	floats func(a, b float64) float64
}

var (
	sumOp = reduceOp{
		ints:   func(a, b int64) int64 { return a + b },
		uints:  func(a, b uint64) uint64 { return a + b },
		floats: func(a, b float64) float64 { return a + b },
	}
	minOp = reduceOp{
		ints:   func(a, b int64) int64 { return min(a, b) },
		uints:  func(a, b uint64) uint64 { return min(a, b) },
		floats: func(a, b float64) float64 { return min(a, b) },
	}
	maxOp = reduceOp{
		ints:   func(a, b int64) int64 { return max(a, b) },
		uints:  func(a, b uint64) uint64 { return max(a, b) },
		floats: func(a, b float64) float64 { return max(a, b) },
	}
)

func numeric(e packet.Element) bool {
	if e.Type().IsArray() {
		return false
	}
	switch e.Type().Kind() {
	case packet.KindSigned, packet.KindUnsigned, packet.KindFloat:
		return true
	}
	return false
}

// reduce folds every input packet into one, element by element. All
// packets must share the shape of the first one.
func reduce(op reduceOp) TransformFunc {
	return func(in Input) (Output, error) {
		if len(in.Packets) == 0 {
			return Output{State: in.State}, nil
		}

		first := in.Packets[0]
		acc := slices.Clone(first.Elements)
		for i, e := range acc {
			if !numeric(e) {
				return Output{}, fmt.Errorf("%w: element %d is %s", packet.ErrShape, i, e.Type())
			}
		}

		for _, p := range in.Packets[1:] {
			if len(p.Elements) != len(acc) {
				return Output{}, fmt.Errorf("%w: %d elements, want %d", packet.ErrShape, len(p.Elements), len(acc))
			}
			for i, e := range p.Elements {
				if e.Type() != acc[i].Type() {
					return Output{}, fmt.Errorf("%w: element %d is %s, want %s", packet.ErrShape, i, e.Type(), acc[i].Type())
				}
				var err error
				if acc[i], err = combine(op, acc[i], e); err != nil {
					return Output{}, err
				}
			}
		}

		out := packet.New(first.StreamID, first.Tag, acc...)
		return Output{Packets: []*packet.Packet{out}, State: in.State}, nil
	}
}

func combine(op reduceOp, a, b packet.Element) (packet.Element, error) {
	t := a.Type()
	switch t.Kind() {
	case packet.KindSigned:
		x, _ := a.Int()
		y, _ := b.Int()
		return packet.MakeInt(t, op.ints(x, y))
	case packet.KindUnsigned:
		x, _ := a.Uint()
		y, _ := b.Uint()
		return packet.MakeUint(t, op.uints(x, y))
	case packet.KindFloat:
		x, _ := a.Float()
		y, _ := b.Float()
		return packet.MakeFloat(t, op.floats(x, y))
	}
	return packet.Element{}, fmt.Errorf("%w: %s is not numeric", packet.ErrShape, t)
}

// average expects packets made of a numeric value and the uint32 count
// of samples it averages. It emits the weighted average in the type of
// the first value along with the total count.
func average(in Input) (Output, error) {
	if len(in.Packets) == 0 {
		return Output{State: in.State}, nil
	}

	first := in.Packets[0]
	t := first.At(0).Type()
	var sum float64
	var total uint32
	for _, p := range in.Packets {
		if err := p.Expect(t, packet.TypeUint32); err != nil {
			return Output{}, err
		}
		if !numeric(p.Elements[0]) {
			return Output{}, fmt.Errorf("%w: %s is not numeric", packet.ErrShape, t)
		}
		v, _ := p.Elements[0].Float()
		c, _ := p.Elements[1].Uint()
		sum += v * float64(c)
		total += uint32(c)
	}

	avg := 0.0
	if total > 0 {
		avg = sum / float64(total)
	}

	var value packet.Element
	var err error
	switch t.Kind() {
	case packet.KindSigned:
		value, err = packet.MakeInt(t, int64(avg))
	case packet.KindUnsigned:
		value, err = packet.MakeUint(t, uint64(avg))
	default:
		value, err = packet.MakeFloat(t, avg)
	}
	if err != nil {
		return Output{}, err
	}

	out := packet.New(first.StreamID, first.Tag, value, packet.Uint32(total))
	return Output{Packets: []*packet.Packet{out}, State: in.State}, nil
}

// concat appends the single array element of every packet, in input
// order.
func concat(in Input) (Output, error) {
	if len(in.Packets) == 0 {
		return Output{State: in.State}, nil
	}

	first := in.Packets[0]
	t := first.At(0).Type()
	if !t.IsArray() {
		return Output{}, fmt.Errorf("%w: %s is not an array", packet.ErrShape, t)
	}
	for _, p := range in.Packets {
		if err := p.Expect(t); err != nil {
			return Output{}, err
		}
	}

	var (
		merged packet.Element
		err    error
	)
	switch t.Scalar() {
	case packet.TypeInt8:
		merged, err = concatArrays[int8](in.Packets)
	case packet.TypeUint8:
		merged, err = concatArrays[uint8](in.Packets)
	case packet.TypeInt16:
		merged, err = concatArrays[int16](in.Packets)
	case packet.TypeUint16:
		merged, err = concatArrays[uint16](in.Packets)
	case packet.TypeInt32:
		merged, err = concatArrays[int32](in.Packets)
	case packet.TypeUint32:
		merged, err = concatArrays[uint32](in.Packets)
	case packet.TypeInt64:
		merged, err = concatArrays[int64](in.Packets)
	case packet.TypeUint64:
		merged, err = concatArrays[uint64](in.Packets)
	case packet.TypeFloat32:
		merged, err = concatArrays[float32](in.Packets)
	case packet.TypeFloat64:
		merged, err = concatArrays[float64](in.Packets)
	case packet.TypeString:
		merged, err = concatArrays[string](in.Packets)
	default:
		err = fmt.Errorf("%w: %s", packet.ErrShape, t)
	}
	if err != nil {
		return Output{}, err
	}

	out := packet.New(first.StreamID, first.Tag, merged)
	return Output{Packets: []*packet.Packet{out}, State: in.State}, nil
}

func concatArrays[T packet.ArrayItem](pkts []*packet.Packet) (packet.Element, error) {
	var all []T
	for _, p := range pkts {
		vs, err := packet.AsArray[T](p.Elements[0])
		if err != nil {
			return packet.Element{}, err
		}
		all = append(all, vs...)
	}
	return packet.Array(all), nil
}

// intEqClass merges integer equivalence classes. Each packet holds the
// class values, the number of members of each class and the members
// themselves, grouped by class. Classes are emitted by ascending value.
func intEqClass(in Input) (Output, error) {
	if len(in.Packets) == 0 {
		return Output{State: in.State}, nil
	}

	classes := make(map[uint32][]uint32)
	for _, p := range in.Packets {
		err := p.Expect(packet.TypeUint32Array, packet.TypeUint32Array, packet.TypeUint32Array)
		if err != nil {
			return Output{}, err
		}
		values, _ := packet.AsArray[uint32](p.Elements[0])
		counts, _ := packet.AsArray[uint32](p.Elements[1])
		members, _ := packet.AsArray[uint32](p.Elements[2])
		if len(values) != len(counts) {
			return Output{}, fmt.Errorf("%w: %d values for %d counts", packet.ErrShape, len(values), len(counts))
		}

		offset := 0
		for i, v := range values {
			end := offset + int(counts[i])
			if end > len(members) {
				return Output{}, fmt.Errorf("%w: class %d overflows members", packet.ErrShape, v)
			}
			classes[v] = append(classes[v], members[offset:end]...)
			offset = end
		}
	}

	values := slices.Sorted(maps.Keys(classes))
	counts := make([]uint32, len(values))
	var members []uint32
	for i, v := range values {
		counts[i] = uint32(len(classes[v]))
		members = append(members, classes[v]...)
	}

	first := in.Packets[0]
	out := packet.New(first.StreamID, first.Tag,
		packet.Array(values),
		packet.Array(counts),
		packet.Array(members),
	)
	return Output{Packets: []*packet.Packet{out}, State: in.State}, nil
}
