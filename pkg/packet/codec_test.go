package packet

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePacket() *Packet {
	p := New(7, FirstApplicationTag+3,
		Int8(-3),
		Uint8(250),
		Int16(-1200),
		Uint16(60000),
		Int32(-123456),
		Uint32(4000000000),
		Int64(-1<<40),
		Uint64(1<<63),
		Float32(1.5),
		Float64(-2.25),
		String("hello arbor"),
		Array([]int32{1, -2, 3}),
		Array([]uint64{9, 8}),
		Array([]float64{0.5}),
		Array([]string{"a", "", "ccc"}),
		Array([]uint8{}),
	)
	p.Source = 42
	return p
}

func TestCodec(t *testing.T) {
	for _, order := range []ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			in := samplePacket()
			buf, err := MarshalOrder(in, order)
			require.NoError(t, err)

			out, err := Unmarshal(buf)
			require.NoError(t, err)
			require.Equal(t, in, out)
		})
	}

	t.Run("native order", func(t *testing.T) {
		in := samplePacket()
		buf, err := Marshal(in)
		require.NoError(t, err)
		out, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("orders differ on the wire", func(t *testing.T) {
		p := New(1, FirstApplicationTag, Int32(1))
		le, err := MarshalOrder(p, binary.LittleEndian)
		require.NoError(t, err)
		be, err := MarshalOrder(p, binary.BigEndian)
		require.NoError(t, err)
		require.NotEqual(t, le, be)
		require.Equal(t, orderLittle, le[0])
		require.Equal(t, orderBig, be[0])
	})
}

func TestUnmarshalRejects(t *testing.T) {
	valid, err := MarshalOrder(samplePacket(), binary.LittleEndian)
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := Unmarshal(nil)
		require.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("unknown byte order", func(t *testing.T) {
		buf := append([]byte{'X'}, valid[1:]...)
		_, err := Unmarshal(buf)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		for _, cut := range []int{3, 14, len(valid) / 2, len(valid) - 1} {
			_, err := Unmarshal(valid[:cut])
			require.Error(t, err, "cut at %d", cut)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Unmarshal(append(append([]byte{}, valid...), 0x00))
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown element type", func(t *testing.T) {
		p := New(1, FirstApplicationTag, Uint8(1))
		buf, err := MarshalOrder(p, binary.LittleEndian)
		require.NoError(t, err)
		// header (1+12) + count (1) then the type byte
		buf[14] = 0x7f
		_, err = Unmarshal(buf)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("huge array length", func(t *testing.T) {
		p := New(1, FirstApplicationTag, Array([]uint32{1}))
		buf, err := MarshalOrder(p, binary.LittleEndian)
		require.NoError(t, err)
		buf[15] = 0x7f
		_, err = Unmarshal(buf)
		require.ErrorIs(t, err, ErrTruncated)
	})
}

func TestMarshalInvalidElement(t *testing.T) {
	p := New(1, FirstApplicationTag, Element{})
	_, err := Marshal(p)
	require.ErrorIs(t, err, ErrMalformed)
}
