package encoding

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// ClassFormat selects how class instances are written
type ClassFormat byte

const (
	// CompactFormat writes the type id of the most derived slice only and no
	// slice sizes. Receivers must know every type.
	CompactFormat ClassFormat = iota
	// SlicedFormat writes type ids and sizes for every slice so receivers can
	// skip and preserve unknown slices.
	SlicedFormat
)

// Encoder writes values into a growing buffer using the rules of one Encoding.
//
// Like bufio.Writer, the encoder records the first error it encounters (an out
// of range varint, an invalid UTF-8 string, ...) and turns every later call
// into a no-op. The error is returned by Err and Finish.
type Encoder struct {
	encoding    Encoding
	w           bufferWriter
	classFormat ClassFormat
	classes     *classEncoderState
	err         error
}

// NewEncoder creates an encoder for enc. Classes are written in compact format
// unless SetClassFormat is called.
func NewEncoder(enc Encoding) *Encoder {
	e := &Encoder{encoding: enc}
	if !enc.IsSupported() {
		e.err = enc.CheckSupported()
	}
	return e
}

// Encoding returns the encoding of this encoder
func (e *Encoder) Encoding() Encoding { return e.encoding }

// SetClassFormat sets the format used for class instances
func (e *Encoder) SetClassFormat(f ClassFormat) { e.classFormat = f }

// Err returns the first error encountered
func (e *Encoder) Err() error { return e.err }

// Pos returns the number of bytes written so far
func (e *Encoder) Pos() int { return e.w.pos() }

// Finish returns the encoded bytes, or the first error encountered
func (e *Encoder) Finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.w.buf, nil
}

// setErr records err if no error was recorded yet
func (e *Encoder) setErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// --------------------------------------------------------------------------
// Primitives
// --------------------------------------------------------------------------

// EncodeBool writes a bool as one byte (0 or 1)
func (e *Encoder) EncodeBool(v bool) {
	if v {
		e.EncodeUInt8(1)
	} else {
		e.EncodeUInt8(0)
	}
}

// EncodeUInt8 writes a single byte
func (e *Encoder) EncodeUInt8(v byte) {
	if e.err != nil {
		return
	}
	e.w.writeByte(v)
}

// EncodeInt16 writes a little endian int16
func (e *Encoder) EncodeInt16(v int16) { e.EncodeUInt16(uint16(v)) }

// EncodeUInt16 writes a little endian uint16
func (e *Encoder) EncodeUInt16(v uint16) {
	if e.err != nil {
		return
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.w.write(b[:])
}

// EncodeInt32 writes a little endian int32
func (e *Encoder) EncodeInt32(v int32) { e.EncodeUInt32(uint32(v)) }

// EncodeUInt32 writes a little endian uint32
func (e *Encoder) EncodeUInt32(v uint32) {
	if e.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.w.write(b[:])
}

// EncodeInt64 writes a little endian int64
func (e *Encoder) EncodeInt64(v int64) { e.EncodeUInt64(uint64(v)) }

// EncodeUInt64 writes a little endian uint64
func (e *Encoder) EncodeUInt64(v uint64) {
	if e.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.w.write(b[:])
}

// EncodeFloat32 writes an IEEE 754 single precision float
func (e *Encoder) EncodeFloat32(v float32) { e.EncodeUInt32(math.Float32bits(v)) }

// EncodeFloat64 writes an IEEE 754 double precision float
func (e *Encoder) EncodeFloat64(v float64) { e.EncodeUInt64(math.Float64bits(v)) }

// EncodeVarULong writes a varulong of minimal width
func (e *Encoder) EncodeVarULong(v uint64) {
	if e.err != nil {
		return
	}
	buf, err := AppendVarULong(e.w.buf, v)
	if err != nil {
		e.setErr(err)
		return
	}
	e.w.buf = buf
}

// EncodeVarLong writes a varlong of minimal width
func (e *Encoder) EncodeVarLong(v int64) {
	if e.err != nil {
		return
	}
	buf, err := AppendVarLong(e.w.buf, v)
	if err != nil {
		e.setErr(err)
		return
	}
	e.w.buf = buf
}

// EncodeVarInt32 writes an int32 as a varlong
func (e *Encoder) EncodeVarInt32(v int32) { e.EncodeVarLong(int64(v)) }

// EncodeVarUInt32 writes a uint32 as a varulong
func (e *Encoder) EncodeVarUInt32(v uint32) { e.EncodeVarULong(uint64(v)) }

// EncodeSize writes a non-negative size. Encoding 1.1 uses one byte below 255
// and the escape byte 255 followed by an int32 otherwise; 2.0 uses a varulong.
func (e *Encoder) EncodeSize(n int) {
	if e.err != nil {
		return
	}
	if n < 0 {
		e.setErr(newMarshalError(ErrInvalidSize, "negative size %d", n))
		return
	}
	if e.encoding == Encoding11 {
		if n > math.MaxInt32 {
			e.setErr(newMarshalError(ErrOutOfRange, "size %d exceeds int32", n))
			return
		}
		if n < 255 {
			e.w.writeByte(byte(n))
		} else {
			e.w.writeByte(255)
			e.EncodeInt32(int32(n))
		}
		return
	}
	e.EncodeVarULong(uint64(n))
}

// EncodeString writes a size-prefixed UTF-8 string
func (e *Encoder) EncodeString(s string) {
	if e.err != nil {
		return
	}
	if !utf8.ValidString(s) {
		e.setErr(newMarshalError(ErrInvalidUTF8, "encoding string"))
		return
	}
	e.EncodeSize(len(s))
	if e.err == nil {
		e.w.write([]byte(s))
	}
}

// EncodeBytes writes a size-prefixed byte sequence
func (e *Encoder) EncodeBytes(b []byte) {
	e.EncodeSize(len(b))
	e.WriteRaw(b)
}

// WriteRaw appends bytes without any prefix
func (e *Encoder) WriteRaw(b []byte) {
	if e.err != nil {
		return
	}
	e.w.write(b)
}

// --------------------------------------------------------------------------
// Fixed length sizes (placeholders)
// --------------------------------------------------------------------------

// FixedLengthSizeLen is the width of a size placeholder in both encodings
const FixedLengthSizeLen = 4

// ReserveFixedLengthSize reserves a 4 byte size placeholder and returns its
// position for PatchFixedLengthSize
func (e *Encoder) ReserveFixedLengthSize() int {
	if e.err != nil {
		return e.w.pos()
	}
	return e.w.reserve(FixedLengthSizeLen)
}

// PatchFixedLengthSize writes size into a placeholder. Encoding 1.1 uses an
// int32, encoding 2.0 a varulong forced to 4 bytes.
func (e *Encoder) PatchFixedLengthSize(pos int, size int) {
	if e.err != nil {
		return
	}
	var b [4]byte
	if e.encoding == Encoding11 {
		binary.LittleEndian.PutUint32(b[:], uint32(size))
	} else {
		if size < 0 || size > 1<<30-1 {
			e.setErr(newMarshalError(ErrOutOfRange, "size %d does not fit a fixed length varulong", size))
			return
		}
		putVarUInt62(b[:], uint64(size)<<2|sizeClass(4), 4)
	}
	e.w.rewrite(pos, b[:])
}

// ReserveBitSequence reserves room for n bits (zeroed) and returns a writer
func (e *Encoder) ReserveBitSequence(n int) BitSequenceWriter {
	pos := e.w.pos()
	if e.err == nil {
		pos = e.w.reserve(BitSequenceByteLen(n))
	}
	return BitSequenceWriter{enc: e, pos: pos, bits: n}
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// EncodeSequence writes the element count followed by every element
func EncodeSequence[T any](e *Encoder, v []T, encodeItem func(*Encoder, T)) {
	e.EncodeSize(len(v))
	for _, item := range v {
		if e.err != nil {
			return
		}
		encodeItem(e, item)
	}
}

// EncodeDictionary writes the entry count followed by key/value pairs
func EncodeDictionary[K comparable, V any](e *Encoder, m map[K]V, encodeKey func(*Encoder, K), encodeValue func(*Encoder, V)) {
	e.EncodeSize(len(m))
	for k, v := range m {
		if e.err != nil {
			return
		}
		encodeKey(e, k)
		encodeValue(e, v)
	}
}

// EncodeStringSeq writes a sequence of strings
func (e *Encoder) EncodeStringSeq(v []string) {
	EncodeSequence(e, v, (*Encoder).EncodeString)
}

// EncodeStringDict writes a string to string dictionary in key order so the
// output is deterministic
func (e *Encoder) EncodeStringDict(m map[string]string) {
	e.EncodeSize(len(m))
	for _, k := range sortedKeys(m) {
		e.EncodeString(k)
		e.EncodeString(m[k])
	}
}
