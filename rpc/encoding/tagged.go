package encoding

// TagFormat describes how a tagged value is laid out in encoding 1.1, so that
// a reader that does not know the tag can still skip it.
type TagFormat byte

const (
	TagFormatF1    TagFormat = 0 // fixed 1 byte
	TagFormatF2    TagFormat = 1 // fixed 2 bytes
	TagFormatF4    TagFormat = 2 // fixed 4 bytes
	TagFormatF8    TagFormat = 3 // fixed 8 bytes
	TagFormatSize  TagFormat = 4 // a size
	TagFormatVSize TagFormat = 5 // variable length, size prefixed
	TagFormatFSize TagFormat = 6 // variable length, int32 size prefixed
	TagFormatClass TagFormat = 7 // a class instance
)

const (
	// tagEndMarker11 terminates the tagged members of a slice in encoding 1.1
	tagEndMarker11 byte = 0xFF
	// tagEndMarker20 terminates the tagged members of a slice in encoding 2.0
	tagEndMarker20 int32 = -1
	// tagEscape11 is the tag value announcing a size-encoded tag >= 30
	tagEscape11 = 30
)

// --------------------------------------------------------------------------
// Encoding side
// --------------------------------------------------------------------------

func (e *Encoder) markTagged() {
	if e.classes != nil && e.classes.current != nil && e.classes.current.inSlice {
		e.classes.current.hasTagged = true
	}
}

func (e *Encoder) encodeTagHeader11(tag int, format TagFormat) {
	if tag < tagEscape11 {
		e.EncodeUInt8(byte(tag)<<3 | byte(format))
		return
	}
	e.EncodeUInt8(byte(tagEscape11)<<3 | byte(format))
	e.EncodeSize(tag)
}

// EncodeTagged writes an optional value identified by tag. format is only used
// by encoding 1.1; encoding 2.0 always prefixes the value with its size.
func (e *Encoder) EncodeTagged(tag int, format TagFormat, encodeValue func(*Encoder)) {
	if e.err != nil {
		return
	}
	if tag < 0 {
		e.setErr(newMarshalError(ErrOutOfRange, "negative tag %d", tag))
		return
	}
	e.markTagged()

	if e.encoding == Encoding11 {
		e.encodeTagHeader11(tag, format)
		switch format {
		case TagFormatVSize:
			sub := NewEncoder(e.encoding)
			encodeValue(sub)
			b, err := sub.Finish()
			if err != nil {
				e.setErr(err)
				return
			}
			e.EncodeSize(len(b))
			e.WriteRaw(b)
		case TagFormatFSize:
			pos := e.ReserveFixedLengthSize()
			start := e.Pos()
			encodeValue(e)
			e.PatchFixedLengthSize(pos, e.Pos()-start)
		default:
			encodeValue(e)
		}
		return
	}

	e.EncodeVarInt32(int32(tag))
	pos := e.ReserveFixedLengthSize()
	start := e.Pos()
	encodeValue(e)
	e.PatchFixedLengthSize(pos, e.Pos()-start)
}

// EncodeTaggedString writes an optional string. In encoding 1.1 the string's
// own size prefix doubles as the VSize prefix.
func (e *Encoder) EncodeTaggedString(tag int, s string) {
	if e.encoding == Encoding11 {
		if e.err != nil {
			return
		}
		e.markTagged()
		e.encodeTagHeader11(tag, TagFormatVSize)
		e.EncodeString(s)
		return
	}
	e.EncodeTagged(tag, TagFormatVSize, func(e *Encoder) { e.EncodeString(s) })
}

// encodeTagEndMarker terminates the tagged members of a slice
func (e *Encoder) encodeTagEndMarker() {
	if e.encoding == Encoding11 {
		e.EncodeUInt8(tagEndMarker11)
	} else {
		e.EncodeVarInt32(tagEndMarker20)
	}
}

// --------------------------------------------------------------------------
// Decoding side
// --------------------------------------------------------------------------

// tagLimit returns the position where tagged values of the current scope end
func (d *Decoder) tagLimit() int {
	if d.classes != nil && d.classes.current != nil && d.classes.current.sliceEnd >= 0 {
		return d.classes.current.sliceEnd
	}
	return d.cur.Len()
}

// sliceWithoutTagged reports whether the slice being read was written without
// tagged members, in which case the bytes that follow are not tags.
func (d *Decoder) sliceWithoutTagged() bool {
	if d.classes == nil || d.classes.current == nil || !d.classes.current.inSlice {
		return false
	}
	return d.classes.current.flags&sliceHasTaggedMembers == 0
}

func (d *Decoder) decodeTagHeader11() (int, TagFormat, error) {
	b, err := d.cur.Byte()
	if err != nil {
		return 0, 0, err
	}
	format := TagFormat(b & 0x07)
	tag := int(b >> 3)
	if tag == tagEscape11 {
		tag, err = d.DecodeSize()
		if err != nil {
			return 0, 0, err
		}
	}
	return tag, format, nil
}

// DecodeTagged looks for tag among the remaining tagged values of the current
// scope. Unknown lower tags are skipped. It returns false if the tag is absent.
func (d *Decoder) DecodeTagged(tag int, format TagFormat, decodeValue func(*Decoder) error) (bool, error) {
	if d.sliceWithoutTagged() {
		return false, nil
	}
	if d.encoding == Encoding11 {
		found, f, err := d.seekTag11(tag)
		if err != nil || !found {
			return false, err
		}
		if f != format {
			return false, newMarshalError(ErrInvalidData, "tag %d has format %d, expected %d", tag, f, format)
		}
		switch format {
		case TagFormatVSize:
			n, err := d.DecodeSize()
			if err != nil {
				return false, err
			}
			return true, d.decodeSized(n, decodeValue)
		case TagFormatFSize:
			n, err := d.DecodeFixedLengthSize()
			if err != nil {
				return false, err
			}
			return true, d.decodeSized(n, decodeValue)
		default:
			return true, decodeValue(d)
		}
	}

	found, n, err := d.seekTag20(tag)
	if err != nil || !found {
		return false, err
	}
	return true, d.decodeSized(n, decodeValue)
}

// DecodeTaggedString reads a string written by EncodeTaggedString
func (d *Decoder) DecodeTaggedString(tag int) (string, bool, error) {
	var s string
	if d.sliceWithoutTagged() {
		return "", false, nil
	}
	if d.encoding == Encoding11 {
		found, f, err := d.seekTag11(tag)
		if err != nil || !found {
			return "", false, err
		}
		if f != TagFormatVSize {
			return "", false, newMarshalError(ErrInvalidData, "tagged string %d has format %d", tag, f)
		}
		s, err = d.DecodeString()
		return s, err == nil, err
	}
	found, err := d.DecodeTagged(tag, TagFormatVSize, func(d *Decoder) error {
		var err error
		s, err = d.DecodeString()
		return err
	})
	return s, found, err
}

// decodeSized runs decodeValue and checks that exactly n bytes were consumed
func (d *Decoder) decodeSized(n int, decodeValue func(*Decoder) error) error {
	if n > d.cur.Remaining() {
		return newMarshalError(ErrEndOfBuffer, "tagged value of %d bytes", n)
	}
	start := d.cur.Pos()
	if err := decodeValue(d); err != nil {
		return err
	}
	if d.cur.Pos()-start != n {
		return newMarshalError(ErrInvalidData, "tagged value consumed %d of %d bytes", d.cur.Pos()-start, n)
	}
	return nil
}

// seekTag11 positions the cursor on the value of tag (1.1)
func (d *Decoder) seekTag11(tag int) (bool, TagFormat, error) {
	limit := d.tagLimit()
	for {
		if d.cur.Pos() >= limit {
			return false, 0, nil
		}
		b, err := d.cur.Peek()
		if err != nil {
			return false, 0, err
		}
		if b == tagEndMarker11 {
			return false, 0, nil
		}
		save := d.cur.Pos()
		t, format, err := d.decodeTagHeader11()
		if err != nil {
			return false, 0, err
		}
		if t > tag {
			return false, 0, d.cur.Seek(save)
		}
		if t == tag {
			return true, format, nil
		}
		if err := d.skipTaggedValue11(format); err != nil {
			return false, 0, err
		}
	}
}

// seekTag20 positions the cursor on the value of tag and returns its size (2.0)
func (d *Decoder) seekTag20(tag int) (bool, int, error) {
	limit := d.tagLimit()
	for {
		if d.cur.Pos() >= limit {
			return false, 0, nil
		}
		save := d.cur.Pos()
		t, err := d.DecodeVarInt32()
		if err != nil {
			return false, 0, err
		}
		if t == tagEndMarker20 || int(t) > tag {
			return false, 0, d.cur.Seek(save)
		}
		n, err := d.DecodeSize()
		if err != nil {
			return false, 0, err
		}
		if int(t) == tag {
			return true, n, nil
		}
		if err := d.cur.Skip(n); err != nil {
			return false, 0, err
		}
	}
}

func (d *Decoder) skipTaggedValue11(format TagFormat) error {
	switch format {
	case TagFormatF1:
		return d.cur.Skip(1)
	case TagFormatF2:
		return d.cur.Skip(2)
	case TagFormatF4:
		return d.cur.Skip(4)
	case TagFormatF8:
		return d.cur.Skip(8)
	case TagFormatSize:
		_, err := d.DecodeSize()
		return err
	case TagFormatVSize:
		return d.SkipSize()
	case TagFormatFSize:
		n, err := d.DecodeFixedLengthSize()
		if err != nil {
			return err
		}
		return d.cur.Skip(n)
	default:
		return d.DecodeClass(func(Class) error { return nil })
	}
}

// SkipTaggedValues skips every remaining tagged value of the current scope.
// A slice end marker, if present, is left unread.
func (d *Decoder) SkipTaggedValues() error {
	limit := d.tagLimit()
	for d.cur.Pos() < limit {
		if d.encoding == Encoding11 {
			b, err := d.cur.Peek()
			if err != nil {
				return err
			}
			if b == tagEndMarker11 {
				return nil
			}
			_, format, err := d.decodeTagHeader11()
			if err != nil {
				return err
			}
			if err := d.skipTaggedValue11(format); err != nil {
				return err
			}
			continue
		}
		save := d.cur.Pos()
		t, err := d.DecodeVarInt32()
		if err != nil {
			return err
		}
		if t == tagEndMarker20 {
			return d.cur.Seek(save)
		}
		if err := d.SkipSize(); err != nil {
			return err
		}
	}
	return nil
}

// skipTagEndMarker consumes the end marker that closes a slice's tagged members
func (d *Decoder) skipTagEndMarker() error {
	if d.encoding == Encoding11 {
		b, err := d.cur.Byte()
		if err != nil {
			return err
		}
		if b != tagEndMarker11 {
			return newMarshalError(ErrInvalidData, "missing tagged member end marker")
		}
		return nil
	}
	t, err := d.DecodeVarInt32()
	if err != nil {
		return err
	}
	if t != tagEndMarker20 {
		return newMarshalError(ErrInvalidData, "missing tagged member end marker")
	}
	return nil
}
