package encoding

import (
	"encoding/binary"
	"io"
)

// Variable-length integers store their width in the two low bits of the first
// byte: 0 = 1 byte, 1 = 2 bytes, 2 = 4 bytes, 3 = 8 bytes (little endian). The
// remaining bits hold the value, which reduces the range to 62 bits (unsigned)
// or 61 bits plus sign (signed).
const (
	VarLongMin  int64  = -(1 << 61)
	VarLongMax  int64  = 1<<61 - 1
	VarULongMax uint64 = 1<<62 - 1
)

// VarULongSize returns the number of bytes needed to encode v as a varulong
func VarULongSize(v uint64) int {
	switch {
	case v <= 1<<6-1:
		return 1
	case v <= 1<<14-1:
		return 2
	case v <= 1<<30-1:
		return 4
	default:
		return 8
	}
}

// VarLongSize returns the number of bytes needed to encode v as a varlong
func VarLongSize(v int64) int {
	switch {
	case v >= -(1<<5) && v <= 1<<5-1:
		return 1
	case v >= -(1<<13) && v <= 1<<13-1:
		return 2
	case v >= -(1<<29) && v <= 1<<29-1:
		return 4
	default:
		return 8
	}
}

func sizeClass(width int) uint64 {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// putVarUInt62 writes v (already shifted and tagged) with the given width
func putVarUInt62(b []byte, raw uint64, width int) {
	switch width {
	case 1:
		b[0] = byte(raw)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(raw))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(raw))
	default:
		binary.LittleEndian.PutUint64(b, raw)
	}
}

// appendVarULong appends v using exactly width bytes. The caller guarantees
// that v fits.
func appendVarULong(dst []byte, v uint64, width int) []byte {
	var tmp [8]byte
	putVarUInt62(tmp[:], v<<2|sizeClass(width), width)
	return append(dst, tmp[:width]...)
}

// appendVarLong appends v using exactly width bytes
func appendVarLong(dst []byte, v int64, width int) []byte {
	var tmp [8]byte
	putVarUInt62(tmp[:], uint64(v<<2)|sizeClass(width), width)
	return append(dst, tmp[:width]...)
}

// varWidth returns the width encoded in the first byte of a varint
func varWidth(first byte) int {
	return 1 << (first & 0x03)
}

// readVarULong decodes a varulong from the beginning of b
func readVarULong(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, newMarshalError(ErrEndOfBuffer, "reading varulong")
	}
	width := varWidth(b[0])
	if len(b) < width {
		return 0, 0, newMarshalError(ErrEndOfBuffer, "reading %d byte varulong", width)
	}
	var raw uint64
	switch width {
	case 1:
		raw = uint64(b[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(b))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(b))
	default:
		raw = binary.LittleEndian.Uint64(b)
	}
	return raw >> 2, width, nil
}

// readVarLong decodes a varlong from the beginning of b
func readVarLong(b []byte) (int64, int, error) {
	if len(b) == 0 {
		return 0, 0, newMarshalError(ErrEndOfBuffer, "reading varlong")
	}
	width := varWidth(b[0])
	if len(b) < width {
		return 0, 0, newMarshalError(ErrEndOfBuffer, "reading %d byte varlong", width)
	}
	var v int64
	switch width {
	case 1:
		v = int64(int8(b[0]))
	case 2:
		v = int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		v = int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		v = int64(binary.LittleEndian.Uint64(b))
	}
	return v >> 2, width, nil
}

// AppendVarULong appends v as a varulong of minimal width. It returns an
// error if v exceeds VarULongMax.
func AppendVarULong(dst []byte, v uint64) ([]byte, error) {
	if v > VarULongMax {
		return dst, newMarshalError(ErrOutOfRange, "varulong %d exceeds maximum", v)
	}
	return appendVarULong(dst, v, VarULongSize(v)), nil
}

// ReadVarULong decodes a varulong and returns the value and the bytes consumed
func ReadVarULong(b []byte) (uint64, int, error) {
	return readVarULong(b)
}

// AppendVarLong appends v as a varlong of minimal width
func AppendVarLong(dst []byte, v int64) ([]byte, error) {
	if v < VarLongMin || v > VarLongMax {
		return dst, newMarshalError(ErrOutOfRange, "varlong %d out of range", v)
	}
	return appendVarLong(dst, v, VarLongSize(v)), nil
}

// ReadVarLong decodes a varlong and returns the value and the bytes consumed
func ReadVarLong(b []byte) (int64, int, error) {
	return readVarLong(b)
}

// ReadVarULongFrom reads one varulong from a byte stream. A stream that ends
// after the first byte yields io.ErrUnexpectedEOF.
func ReadVarULongFrom(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	width := varWidth(buf[0])
	if width > 1 {
		if _, err := io.ReadFull(r, buf[1:width]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
	v, _, err := readVarULong(buf[:width])
	return v, err
}
