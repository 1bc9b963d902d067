package encoding

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finish(t *testing.T, e *Encoder) []byte {
	t.Helper()
	b, err := e.Finish()
	require.NoError(t, err)
	return b
}

// TestSizeEncoding11 tests the one byte / escaped int32 size form
func TestSizeEncoding11(t *testing.T) {
	e := NewEncoder(Encoding11)
	e.EncodeSize(0)
	e.EncodeSize(254)
	e.EncodeSize(255)
	b := finish(t, e)
	assert.Equal(t, []byte{0, 254, 255, 255, 0, 0, 0}, b)

	d := NewDecoder(b, Encoding11, nil)
	for _, want := range []int{0, 254, 255} {
		n, err := d.DecodeSize()
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, d.CheckEndOfBuffer())

	_, err := NewDecoder([]byte{255, 0xFF, 0xFF, 0xFF, 0xFF}, Encoding11, nil).DecodeSize()
	assert.ErrorIs(t, err, ErrInvalidSize)
}

// TestVarULongWidths tests that the smallest width is chosen for each range
func TestVarULongWidths(t *testing.T) {
	cases := map[uint64]int{
		0:           1,
		63:          1,
		64:          2,
		16383:       2,
		16384:       4,
		1<<30 - 1:   4,
		1 << 30:     8,
		VarULongMax: 8,
	}
	for v, width := range cases {
		b, err := AppendVarULong(nil, v)
		require.NoError(t, err)
		assert.Len(t, b, width, "value %d", v)
		assert.Equal(t, width, VarULongSize(v))

		got, n, err := ReadVarULong(b)
		require.NoError(t, err)
		assert.Equal(t, width, n)
		assert.Equal(t, v, got)
	}

	b, err := AppendVarULong(nil, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01}, b)

	_, err = AppendVarULong(nil, VarULongMax+1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// TestVarLongSignedRanges tests sign extension on every width
func TestVarLongSignedRanges(t *testing.T) {
	for _, v := range []int64{0, -1, -32, 31, 32, -33, -(1 << 13), 1<<13 - 1, 1 << 29, VarLongMin, VarLongMax} {
		b, err := AppendVarLong(nil, v)
		require.NoError(t, err)
		assert.Equal(t, VarLongSize(v), len(b), "value %d", v)
		got, _, err := ReadVarLong(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	b, err := AppendVarLong(nil, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFC}, b)

	_, err = AppendVarLong(nil, VarLongMax+1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = AppendVarLong(nil, VarLongMin-1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, _, err = ReadVarLong([]byte{0x03, 0x00})
	assert.ErrorIs(t, err, ErrEndOfBuffer)
}

// TestEncoderStickyError tests that the first error disables the encoder
func TestEncoderStickyError(t *testing.T) {
	e := NewEncoder(Encoding20)
	e.EncodeInt32(7)
	e.EncodeVarULong(VarULongMax + 1)
	pos := e.Pos()
	e.EncodeString("ignored")
	assert.Equal(t, pos, e.Pos())

	_, err := e.Finish()
	var me *MarshalError
	require.True(t, errors.As(err, &me))
	assert.ErrorIs(t, err, ErrOutOfRange)

	e = NewEncoder(Encoding{Major: 3})
	_, err = e.Finish()
	assert.ErrorIs(t, err, ErrEncodingMismatch)
}

// TestPrimitives tests reading back a mixed record in both encodings
func TestPrimitives(t *testing.T) {
	for _, enc := range []Encoding{Encoding11, Encoding20} {
		t.Run(enc.String(), func(t *testing.T) {
			e := NewEncoder(enc)
			e.EncodeBool(true)
			e.EncodeUInt8(0xAB)
			e.EncodeInt16(-2)
			e.EncodeInt32(math.MinInt32)
			e.EncodeInt64(math.MaxInt64)
			e.EncodeFloat32(1.5)
			e.EncodeFloat64(-0.25)
			e.EncodeString("grüße")
			e.EncodeBytes([]byte{1, 2, 3})
			e.EncodeStringSeq([]string{"a", "", "c"})
			e.EncodeStringDict(map[string]string{"k": "v", "a": "b"})
			b := finish(t, e)

			d := NewDecoder(b, enc, nil)
			bv, err := d.DecodeBool()
			require.NoError(t, err)
			assert.True(t, bv)
			u8, err := d.DecodeUInt8()
			require.NoError(t, err)
			assert.Equal(t, byte(0xAB), u8)
			i16, err := d.DecodeInt16()
			require.NoError(t, err)
			assert.Equal(t, int16(-2), i16)
			i32, err := d.DecodeInt32()
			require.NoError(t, err)
			assert.Equal(t, int32(math.MinInt32), i32)
			i64, err := d.DecodeInt64()
			require.NoError(t, err)
			assert.Equal(t, int64(math.MaxInt64), i64)
			f32, err := d.DecodeFloat32()
			require.NoError(t, err)
			assert.Equal(t, float32(1.5), f32)
			f64, err := d.DecodeFloat64()
			require.NoError(t, err)
			assert.Equal(t, -0.25, f64)
			s, err := d.DecodeString()
			require.NoError(t, err)
			assert.Equal(t, "grüße", s)
			raw, err := d.DecodeBytes()
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, raw)
			seq, err := d.DecodeStringSeq()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "", "c"}, seq)
			dict, err := d.DecodeStringDict()
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"k": "v", "a": "b"}, dict)
			require.NoError(t, d.CheckEndOfBuffer())
		})
	}
}

// TestDecodeErrors tests the rejection of malformed input
func TestDecodeErrors(t *testing.T) {
	_, err := NewDecoder([]byte{2}, Encoding11, nil).DecodeBool()
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = NewDecoder([]byte{1, 0}, Encoding11, nil).DecodeInt32()
	assert.ErrorIs(t, err, ErrEndOfBuffer)

	_, err = NewDecoder([]byte{2, 0xC3, 0x28}, Encoding11, nil).DecodeString()
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	e := NewEncoder(Encoding11)
	e.EncodeString(string([]byte{0xff, 0xfe}))
	_, err = e.Finish()
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	// a sequence claiming more elements than the buffer can hold
	_, err = DecodeSequence(NewDecoder([]byte{200, 1, 2}, Encoding11, nil), 4, func(d *Decoder) (int32, error) {
		return d.DecodeInt32()
	})
	assert.ErrorIs(t, err, ErrInvalidSize)

	assert.Error(t, NewDecoder([]byte{1}, Encoding11, nil).CheckEndOfBuffer())
}

// TestDictionaryDuplicateKey tests that a repeated key is rejected
func TestDictionaryDuplicateKey(t *testing.T) {
	e := NewEncoder(Encoding20)
	e.EncodeSize(2)
	e.EncodeInt32(1)
	e.EncodeString("a")
	e.EncodeInt32(1)
	e.EncodeString("b")
	b := finish(t, e)

	_, err := DecodeDictionary(NewDecoder(b, Encoding20, nil), 5,
		func(d *Decoder) (int32, error) { return d.DecodeInt32() },
		func(d *Decoder) (string, error) { return d.DecodeString() })
	assert.ErrorIs(t, err, ErrInvalidData)
}

// TestGenericSequence tests EncodeSequence/DecodeSequence with a struct type
func TestGenericSequence(t *testing.T) {
	type point struct{ X, Y int32 }
	in := []point{{1, 2}, {-3, 4}}

	e := NewEncoder(Encoding20)
	EncodeSequence(e, in, func(e *Encoder, p point) {
		e.EncodeVarInt32(p.X)
		e.EncodeVarInt32(p.Y)
	})
	b := finish(t, e)

	out, err := DecodeSequence(NewDecoder(b, Encoding20, nil), 2, func(d *Decoder) (point, error) {
		x, err := d.DecodeVarInt32()
		if err != nil {
			return point{}, err
		}
		y, err := d.DecodeVarInt32()
		return point{x, y}, err
	})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// TestFixedLengthSize tests size placeholders in both encodings
func TestFixedLengthSize(t *testing.T) {
	e := NewEncoder(Encoding20)
	pos := e.ReserveFixedLengthSize()
	e.WriteRaw([]byte{9, 9, 9, 9, 9})
	e.PatchFixedLengthSize(pos, 5)
	b := finish(t, e)
	assert.Equal(t, []byte{0x16, 0, 0, 0}, b[:4])

	n, err := NewDecoder(b, Encoding20, nil).DecodeFixedLengthSize()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	e = NewEncoder(Encoding11)
	pos = e.ReserveFixedLengthSize()
	e.PatchFixedLengthSize(pos, 260)
	assert.Equal(t, []byte{4, 1, 0, 0}, finish(t, e))
}

// TestBitSequence tests bit addressing across two spans
func TestBitSequence(t *testing.T) {
	first := make([]byte, 1)
	second := make([]byte, 2)
	bs := NewBitSequence(first, second)
	assert.Equal(t, 24, bs.Len())

	bs.Set(0, true)
	bs.Set(7, true)
	bs.Set(8, true)
	bs.Set(23, true)
	assert.Equal(t, byte(0x81), first[0])
	assert.Equal(t, []byte{0x01, 0x80}, second)
	assert.True(t, bs.Get(8))
	assert.False(t, bs.Get(9))

	bs.Set(7, false)
	assert.False(t, bs.Get(7))
	bs.Clear()
	assert.Equal(t, []byte{0}, first)
	assert.Equal(t, []byte{0, 0}, second)

	assert.Panics(t, func() { bs.Get(24) })
	assert.Panics(t, func() { bs.Set(-1, true) })
}

// TestBitSequenceWriter tests reserving a bit sequence ahead of its values
func TestBitSequenceWriter(t *testing.T) {
	e := NewEncoder(Encoding20)
	w := e.ReserveBitSequence(10)
	assert.Equal(t, 10, w.Len())
	e.EncodeString("grow the buffer past its first allocation")
	w.Set(1, true)
	w.Set(9, true)
	b := finish(t, e)
	assert.Equal(t, []byte{0x02, 0x02}, b[:2])

	bs, err := NewDecoder(b, Encoding20, nil).DecodeBitSequence(10)
	require.NoError(t, err)
	assert.True(t, bs.Get(1))
	assert.True(t, bs.Get(9))
	assert.False(t, bs.Get(0))
}

// TestParseEncoding tests parsing encoding versions
func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("1.1")
	require.NoError(t, err)
	assert.Equal(t, Encoding11, enc)
	assert.True(t, enc.IsSupported())

	enc, err = ParseEncoding(" 2.0 ")
	require.NoError(t, err)
	assert.Equal(t, Encoding20, enc)

	enc, err = ParseEncoding("1.0")
	require.NoError(t, err)
	assert.Error(t, enc.CheckSupported())

	_, err = ParseEncoding("2")
	assert.Error(t, err)
	_, err = ParseEncoding("x.0")
	assert.Error(t, err)
}
