package encoding

import "encoding/binary"

// ByteCursor reads primitive values from a byte slice. It never copies: the
// slices returned by Bytes alias the underlying buffer.
type ByteCursor struct {
	buf []byte
	pos int
}

// NewByteCursor creates a cursor positioned at the start of buf
func NewByteCursor(buf []byte) *ByteCursor {
	return &ByteCursor{buf: buf}
}

// Pos returns the current read position
func (c *ByteCursor) Pos() int { return c.pos }

// Len returns the total length of the underlying buffer
func (c *ByteCursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes
func (c *ByteCursor) Remaining() int { return len(c.buf) - c.pos }

// Seek moves the cursor to an absolute position
func (c *ByteCursor) Seek(pos int) error {
	if pos < 0 || pos > len(c.buf) {
		return newMarshalError(ErrEndOfBuffer, "seek to %d in buffer of %d bytes", pos, len(c.buf))
	}
	c.pos = pos
	return nil
}

// Skip advances the cursor by n bytes
func (c *ByteCursor) Skip(n int) error {
	if n < 0 || n > c.Remaining() {
		return newMarshalError(ErrEndOfBuffer, "skip %d bytes with %d remaining", n, c.Remaining())
	}
	c.pos += n
	return nil
}

// Peek returns the next byte without consuming it
func (c *ByteCursor) Peek() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, newMarshalError(ErrEndOfBuffer, "peek")
	}
	return c.buf[c.pos], nil
}

// Byte reads one byte
func (c *ByteCursor) Byte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, newMarshalError(ErrEndOfBuffer, "reading byte")
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// Bytes reads n bytes
func (c *ByteCursor) Bytes(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, newMarshalError(ErrEndOfBuffer, "reading %d bytes with %d remaining", n, c.Remaining())
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Slice returns buf[from:to] without moving the cursor
func (c *ByteCursor) Slice(from, to int) []byte {
	return c.buf[from:to]
}

func (c *ByteCursor) uint16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *ByteCursor) uint32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *ByteCursor) uint64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *ByteCursor) varULong() (uint64, error) {
	v, n, err := readVarULong(c.buf[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += n
	return v, nil
}

func (c *ByteCursor) varLong() (int64, error) {
	v, n, err := readVarLong(c.buf[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += n
	return v, nil
}

// bufferWriter is the growable write side used by the Encoder
type bufferWriter struct {
	buf []byte
}

func (w *bufferWriter) pos() int { return len(w.buf) }

func (w *bufferWriter) write(p []byte) { w.buf = append(w.buf, p...) }

func (w *bufferWriter) writeByte(b byte) { w.buf = append(w.buf, b) }

// reserve appends n zero bytes and returns their position
func (w *bufferWriter) reserve(n int) int {
	p := len(w.buf)
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
	return p
}

// rewrite overwrites already written bytes starting at pos
func (w *bufferWriter) rewrite(pos int, p []byte) {
	copy(w.buf[pos:], p)
}
