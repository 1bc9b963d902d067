package encoding

// BitSequence is a view over one or two byte spans treated as a flat bit
// array. Bit i lives in byte i>>3 at bit position i&7; when the first span is
// exhausted, indexing continues in the second span.
type BitSequence struct {
	first  []byte
	second []byte
}

// NewBitSequence creates a bit sequence over first followed by second. Either
// span may be nil.
func NewBitSequence(first, second []byte) BitSequence {
	return BitSequence{first: first, second: second}
}

// BitSequenceByteLen returns the number of bytes needed to hold n bits
func BitSequenceByteLen(n int) int {
	return (n + 7) >> 3
}

// Len returns the number of addressable bits
func (b BitSequence) Len() int {
	return 8 * (len(b.first) + len(b.second))
}

func (b BitSequence) locate(i int) ([]byte, int) {
	if i < 0 || i >= b.Len() {
		panic("encoding: bit index out of range")
	}
	idx := i >> 3
	if idx < len(b.first) {
		return b.first, idx
	}
	return b.second, idx - len(b.first)
}

// Get returns bit i
func (b BitSequence) Get(i int) bool {
	span, idx := b.locate(i)
	return span[idx]&(1<<(uint(i)&7)) != 0
}

// Set sets or clears bit i
func (b BitSequence) Set(i int, v bool) {
	span, idx := b.locate(i)
	if v {
		span[idx] |= 1 << (uint(i) & 7)
	} else {
		span[idx] &^= 1 << (uint(i) & 7)
	}
}

// Clear resets every bit
func (b BitSequence) Clear() {
	for i := range b.first {
		b.first[i] = 0
	}
	for i := range b.second {
		b.second[i] = 0
	}
}

// BitSequenceWriter sets bits of a bit sequence reserved in an Encoder's
// buffer. It addresses the buffer by position, so it stays valid while the
// encoder keeps growing.
type BitSequenceWriter struct {
	enc  *Encoder
	pos  int
	bits int
}

// Len returns the number of bits reserved
func (w BitSequenceWriter) Len() int { return w.bits }

// Set sets or clears bit i
func (w BitSequenceWriter) Set(i int, v bool) {
	if i < 0 || i >= w.bits {
		panic("encoding: bit index out of range")
	}
	n := BitSequenceByteLen(w.bits)
	NewBitSequence(w.enc.w.buf[w.pos:w.pos+n], nil).Set(i, v)
}
