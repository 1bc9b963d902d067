package encoding

import (
	"math"
	"sort"
	"unicode/utf8"
)

// Decoder reads values written by an Encoder with the same Encoding.
type Decoder struct {
	encoding Encoding
	cur      *ByteCursor
	loader   *SliceLoader
	classes  *classDecoderState
}

// NewDecoder creates a decoder over data. loader resolves class and exception
// type ids and may be nil when the payload carries neither.
func NewDecoder(data []byte, enc Encoding, loader *SliceLoader) *Decoder {
	return &Decoder{encoding: enc, cur: NewByteCursor(data), loader: loader}
}

// Encoding returns the encoding of this decoder
func (d *Decoder) Encoding() Encoding { return d.encoding }

// Pos returns the current read position
func (d *Decoder) Pos() int { return d.cur.Pos() }

// Remaining returns the number of unread bytes
func (d *Decoder) Remaining() int { return d.cur.Remaining() }

// CheckEndOfBuffer fails unless every byte was consumed
func (d *Decoder) CheckEndOfBuffer() error {
	if d.cur.Remaining() != 0 {
		return newMarshalError(ErrInvalidData, "%d trailing bytes", d.cur.Remaining())
	}
	return nil
}

// --------------------------------------------------------------------------
// Primitives
// --------------------------------------------------------------------------

// DecodeBool reads a bool, any value other than 0 or 1 is an error
func (d *Decoder) DecodeBool() (bool, error) {
	b, err := d.cur.Byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, newMarshalError(ErrInvalidData, "invalid bool value %d", b)
	}
}

// DecodeUInt8 reads one byte
func (d *Decoder) DecodeUInt8() (byte, error) { return d.cur.Byte() }

// DecodeInt16 reads a little endian int16
func (d *Decoder) DecodeInt16() (int16, error) {
	v, err := d.cur.uint16()
	return int16(v), err
}

// DecodeUInt16 reads a little endian uint16
func (d *Decoder) DecodeUInt16() (uint16, error) { return d.cur.uint16() }

// DecodeInt32 reads a little endian int32
func (d *Decoder) DecodeInt32() (int32, error) {
	v, err := d.cur.uint32()
	return int32(v), err
}

// DecodeUInt32 reads a little endian uint32
func (d *Decoder) DecodeUInt32() (uint32, error) { return d.cur.uint32() }

// DecodeInt64 reads a little endian int64
func (d *Decoder) DecodeInt64() (int64, error) {
	v, err := d.cur.uint64()
	return int64(v), err
}

// DecodeUInt64 reads a little endian uint64
func (d *Decoder) DecodeUInt64() (uint64, error) { return d.cur.uint64() }

// DecodeFloat32 reads an IEEE 754 single precision float
func (d *Decoder) DecodeFloat32() (float32, error) {
	v, err := d.cur.uint32()
	return math.Float32frombits(v), err
}

// DecodeFloat64 reads an IEEE 754 double precision float
func (d *Decoder) DecodeFloat64() (float64, error) {
	v, err := d.cur.uint64()
	return math.Float64frombits(v), err
}

// DecodeVarULong reads a varulong
func (d *Decoder) DecodeVarULong() (uint64, error) { return d.cur.varULong() }

// DecodeVarLong reads a varlong
func (d *Decoder) DecodeVarLong() (int64, error) { return d.cur.varLong() }

// DecodeVarInt32 reads a varlong that must fit an int32
func (d *Decoder) DecodeVarInt32() (int32, error) {
	v, err := d.cur.varLong()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, newMarshalError(ErrOutOfRange, "varint %d does not fit int32", v)
	}
	return int32(v), nil
}

// DecodeVarUInt32 reads a varulong that must fit a uint32
func (d *Decoder) DecodeVarUInt32() (uint32, error) {
	v, err := d.cur.varULong()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, newMarshalError(ErrOutOfRange, "varuint %d does not fit uint32", v)
	}
	return uint32(v), nil
}

// DecodeSize reads a size written by EncodeSize
func (d *Decoder) DecodeSize() (int, error) {
	if d.encoding == Encoding11 {
		b, err := d.cur.Byte()
		if err != nil {
			return 0, err
		}
		if b < 255 {
			return int(b), nil
		}
		v, err := d.DecodeInt32()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, newMarshalError(ErrInvalidSize, "negative size %d", v)
		}
		return int(v), nil
	}
	v, err := d.cur.varULong()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, newMarshalError(ErrInvalidSize, "size %d exceeds int32", v)
	}
	return int(v), nil
}

// DecodeFixedLengthSize reads a size written with PatchFixedLengthSize
func (d *Decoder) DecodeFixedLengthSize() (int, error) {
	if d.encoding == Encoding11 {
		v, err := d.DecodeInt32()
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, newMarshalError(ErrInvalidSize, "negative size %d", v)
		}
		return int(v), nil
	}
	return d.DecodeSize()
}

// DecodeCollectionSize reads a collection size and checks that the buffer can
// hold that many elements of at least minElementSize bytes
func (d *Decoder) DecodeCollectionSize(minElementSize int) (int, error) {
	n, err := d.DecodeSize()
	if err != nil {
		return 0, err
	}
	if minElementSize > 0 && n > d.cur.Remaining()/minElementSize {
		return 0, newMarshalError(ErrInvalidSize, "collection of %d elements exceeds remaining %d bytes", n, d.cur.Remaining())
	}
	return n, nil
}

// DecodeString reads a size-prefixed UTF-8 string
func (d *Decoder) DecodeString() (string, error) {
	n, err := d.DecodeSize()
	if err != nil {
		return "", err
	}
	b, err := d.cur.Bytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", newMarshalError(ErrInvalidUTF8, "decoding string")
	}
	return string(b), nil
}

// DecodeBytes reads a size-prefixed byte sequence. The result is a copy.
func (d *Decoder) DecodeBytes() ([]byte, error) {
	n, err := d.DecodeSize()
	if err != nil {
		return nil, err
	}
	b, err := d.cur.Bytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// ReadRaw reads n bytes without prefix. The result aliases the input buffer.
func (d *Decoder) ReadRaw(n int) ([]byte, error) { return d.cur.Bytes(n) }

// Skip skips n bytes
func (d *Decoder) Skip(n int) error { return d.cur.Skip(n) }

// SkipSize reads a size and skips that many bytes
func (d *Decoder) SkipSize() error {
	n, err := d.DecodeSize()
	if err != nil {
		return err
	}
	return d.cur.Skip(n)
}

// DecodeBitSequence reads a bit sequence of n bits
func (d *Decoder) DecodeBitSequence(n int) (BitSequence, error) {
	b, err := d.cur.Bytes(BitSequenceByteLen(n))
	if err != nil {
		return BitSequence{}, err
	}
	return NewBitSequence(b, nil), nil
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// DecodeSequence reads a sequence. minElementSize is the smallest encoded size
// of one element and bounds the accepted element count.
func DecodeSequence[T any](d *Decoder, minElementSize int, decodeItem func(*Decoder) (T, error)) ([]T, error) {
	n, err := d.DecodeCollectionSize(minElementSize)
	if err != nil {
		return nil, err
	}
	v := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, err := decodeItem(d)
		if err != nil {
			return nil, err
		}
		v = append(v, item)
	}
	return v, nil
}

// DecodeDictionary reads a dictionary. Duplicate keys are an error.
func DecodeDictionary[K comparable, V any](d *Decoder, minEntrySize int, decodeKey func(*Decoder) (K, error), decodeValue func(*Decoder) (V, error)) (map[K]V, error) {
	n, err := d.DecodeCollectionSize(minEntrySize)
	if err != nil {
		return nil, err
	}
	m := make(map[K]V, n)
	for i := 0; i < n; i++ {
		k, err := decodeKey(d)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(d)
		if err != nil {
			return nil, err
		}
		if _, dup := m[k]; dup {
			return nil, newMarshalError(ErrInvalidData, "duplicate dictionary key %v", k)
		}
		m[k] = v
	}
	return m, nil
}

// DecodeStringSeq reads a sequence of strings
func (d *Decoder) DecodeStringSeq() ([]string, error) {
	return DecodeSequence(d, 1, (*Decoder).DecodeString)
}

// DecodeStringDict reads a string to string dictionary
func (d *Decoder) DecodeStringDict() (map[string]string, error) {
	return DecodeDictionary(d, 2, (*Decoder).DecodeString, (*Decoder).DecodeString)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
