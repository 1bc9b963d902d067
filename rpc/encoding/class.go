package encoding

import (
	"reflect"
	"strconv"
	"sync"
)

// Slice header flags. The two low bits hold the kind of type id that follows.
const (
	sliceTypeIDMask          byte = 0x03
	sliceTypeIDNone          byte = 0
	sliceTypeIDString        byte = 1
	sliceTypeIDIndex         byte = 2
	sliceTypeIDCompact       byte = 3
	sliceHasTaggedMembers    byte = 1 << 2
	sliceHasIndirectionTable byte = 1 << 3
	sliceHasSliceSize        byte = 1 << 4
	sliceIsLastSlice         byte = 1 << 5
)

// maxClassGraphDepth bounds the nesting of inline instances
const maxClassGraphDepth = 100

// Class is implemented by class instances that take part in an object graph.
// Implementations must be pointer types: instance identity is pointer identity.
//
// EncodeSlices writes one slice per level of the hierarchy, most derived first,
// each bracketed by StartSlice/EndSlice. DecodeSlices reads them back in the
// same order. SlicedData/SetSlicedData are provided by embedding ClassBase.
type Class interface {
	EncodeSlices(e *Encoder)
	DecodeSlices(d *Decoder) error
	SlicedData() *SlicedData
	SetSlicedData(s *SlicedData)
}

// ClassBase stores the slices preserved for a class or exception instance.
// Embed it in every class and exception type.
type ClassBase struct {
	slicedData *SlicedData
}

// SlicedData returns the preserved unknown slices, or nil
func (b *ClassBase) SlicedData() *SlicedData { return b.slicedData }

// SetSlicedData replaces the preserved unknown slices
func (b *ClassBase) SetSlicedData(s *SlicedData) { b.slicedData = s }

// --------------------------------------------------------------------------
// Preserved slices
// --------------------------------------------------------------------------

// SliceInfo is one slice that the decoder could not map to a known type
type SliceInfo struct {
	TypeID           string
	CompactID        int // -1 if the slice carried no compact id
	Bytes            []byte
	Instances        []Class
	HasTaggedMembers bool
	IsLastSlice      bool
}

// SlicedData holds the unknown most derived slices of an instance. It is
// immutable and bound to the encoding it was decoded with.
type SlicedData struct {
	encoding Encoding
	slices   []*SliceInfo
}

// NewSlicedData creates sliced data from at least one slice. Slice bytes are
// copied.
func NewSlicedData(enc Encoding, slices []SliceInfo) (*SlicedData, error) {
	if len(slices) == 0 {
		return nil, newMarshalError(ErrInvalidData, "sliced data requires at least one slice")
	}
	sd := &SlicedData{encoding: enc}
	for i := range slices {
		s := slices[i]
		s.Bytes = append([]byte(nil), s.Bytes...)
		s.Instances = append([]Class(nil), s.Instances...)
		sd.slices = append(sd.slices, &s)
	}
	return sd, nil
}

// Encoding returns the encoding the slices were read with
func (s *SlicedData) Encoding() Encoding { return s.encoding }

// Len returns the number of preserved slices
func (s *SlicedData) Len() int { return len(s.slices) }

// Slice returns a copy of slice i (most derived first)
func (s *SlicedData) Slice(i int) SliceInfo {
	info := *s.slices[i]
	info.Instances = append([]Class(nil), info.Instances...)
	return info
}

// TypeIDs returns the type ids of the preserved slices, most derived first
func (s *SlicedData) TypeIDs() []string {
	ids := make([]string, 0, len(s.slices))
	for _, sl := range s.slices {
		ids = append(ids, sl.TypeID)
	}
	return ids
}

// UnknownSlicedClass is decoded when no slice of an instance maps to a known
// type. Re-encoding it reproduces the original slices.
type UnknownSlicedClass struct {
	ClassBase
}

// TypeID returns the most derived type id of the instance
func (c *UnknownSlicedClass) TypeID() string {
	if c.slicedData == nil || len(c.slicedData.slices) == 0 {
		return ""
	}
	return c.slicedData.slices[0].TypeID
}

func (c *UnknownSlicedClass) EncodeSlices(*Encoder) {}

func (c *UnknownSlicedClass) DecodeSlices(*Decoder) error { return nil }

// --------------------------------------------------------------------------
// Slice loader
// --------------------------------------------------------------------------

// SliceLoader maps type ids to factories. Generated code registers its types
// on the loader owned by a communicator.
type SliceLoader struct {
	mu         sync.RWMutex
	classes    map[string]func() Class
	compactIDs map[int]func() Class
	exceptions map[string]func() RemoteException
}

// NewSliceLoader creates an empty loader
func NewSliceLoader() *SliceLoader {
	return &SliceLoader{
		classes:    make(map[string]func() Class),
		compactIDs: make(map[int]func() Class),
		exceptions: make(map[string]func() RemoteException),
	}
}

// RegisterClass registers a class factory. compactID < 0 means none.
func (l *SliceLoader) RegisterClass(typeID string, compactID int, factory func() Class) *SliceLoader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[typeID] = factory
	if compactID >= 0 {
		l.compactIDs[compactID] = factory
	}
	return l
}

// RegisterException registers an exception factory
func (l *SliceLoader) RegisterException(typeID string, factory func() RemoteException) *SliceLoader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions[typeID] = factory
	return l
}

func (l *SliceLoader) classFactory(typeID string, compactID int) func() Class {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if typeID != "" {
		return l.classes[typeID]
	}
	return l.compactIDs[compactID]
}

func (l *SliceLoader) exceptionFactory(typeID string) func() RemoteException {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exceptions[typeID]
}

// --------------------------------------------------------------------------
// Encoding side
// --------------------------------------------------------------------------

type classEncoderState struct {
	instances map[Class]int
	nextID    int
	typeIDs   map[string]int
	current   *instanceWriteState
	depth     int
}

type instanceWriteState struct {
	format         ClassFormat
	stringTypeIDs  bool
	firstSlice     bool
	inSlice        bool
	flagsPos       int
	flags          byte
	sizePos        int
	hasTagged      bool
	rawTagged      bool
	indirection    []Class
	indirectionMap map[Class]int
	prev           *instanceWriteState
}

func (e *Encoder) classState() *classEncoderState {
	if e.classes == nil {
		e.classes = &classEncoderState{
			instances: make(map[Class]int),
			nextID:    2,
			typeIDs:   make(map[string]int),
		}
	}
	return e.classes
}

func isNilClass(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// EncodeClass writes a class reference: null, a back reference, an inline
// instance, or (inside a slice in sliced format) an index into the slice's
// indirection table.
func (e *Encoder) EncodeClass(v Class) {
	if e.err != nil {
		return
	}
	st := e.classState()
	if isNilClass(v) {
		e.EncodeSize(0)
		return
	}
	if cur := st.current; cur != nil && cur.inSlice && cur.format == SlicedFormat {
		idx, ok := cur.indirectionMap[v]
		if !ok {
			if cur.indirectionMap == nil {
				cur.indirectionMap = make(map[Class]int)
			}
			cur.indirection = append(cur.indirection, v)
			idx = len(cur.indirection)
			cur.indirectionMap[v] = idx
		}
		e.EncodeSize(idx)
		return
	}
	e.encodeInstance(v)
}

func (e *Encoder) encodeInstance(v Class) {
	st := e.classState()
	if id, ok := st.instances[v]; ok {
		e.EncodeSize(id)
		return
	}
	if st.depth >= maxClassGraphDepth {
		e.setErr(newMarshalError(ErrOutOfRange, "class graph deeper than %d", maxClassGraphDepth))
		return
	}

	e.EncodeSize(1)
	st.instances[v] = st.nextID
	st.nextID++

	format := e.classFormat
	sd := v.SlicedData()
	if sd != nil {
		if sd.encoding != e.encoding {
			e.setErr(newMarshalError(ErrEncodingMismatch, "sliced data read with %s cannot be written with %s", sd.encoding, e.encoding))
			return
		}
		format = SlicedFormat
	}

	st.current = &instanceWriteState{format: format, firstSlice: true, prev: st.current}
	st.depth++
	if sd != nil {
		e.encodePreservedSlices(sd)
	}
	v.EncodeSlices(e)
	st.depth--
	st.current = st.current.prev
}

// StartSlice begins a slice of the instance being encoded. compactID < 0
// means the type has no compact id. last must be true for the base-most slice.
func (e *Encoder) StartSlice(typeID string, compactID int, last bool) {
	if e.err != nil {
		return
	}
	st := e.classState()
	cur := st.current
	if cur == nil {
		e.setErr(newMarshalError(ErrInvalidData, "StartSlice called outside of a class or exception"))
		return
	}
	cur.inSlice = true
	cur.hasTagged = false
	cur.rawTagged = false
	cur.indirection = nil
	cur.indirectionMap = nil
	cur.flagsPos = e.w.reserve(1)
	cur.flags = 0
	if last {
		cur.flags |= sliceIsLastSlice
	}
	if cur.format == SlicedFormat || cur.firstSlice {
		e.encodeTypeID(cur, typeID, compactID)
	}
	if cur.format == SlicedFormat {
		cur.flags |= sliceHasSliceSize
		cur.sizePos = e.ReserveFixedLengthSize()
	}
	cur.firstSlice = false
}

func (e *Encoder) encodeTypeID(cur *instanceWriteState, typeID string, compactID int) {
	st := e.classes
	switch {
	case cur.stringTypeIDs:
		cur.flags |= sliceTypeIDString
		e.EncodeString(typeID)
	case compactID >= 0:
		cur.flags |= sliceTypeIDCompact
		e.EncodeSize(compactID)
	default:
		if idx, ok := st.typeIDs[typeID]; ok {
			cur.flags |= sliceTypeIDIndex
			e.EncodeSize(idx)
			return
		}
		st.typeIDs[typeID] = len(st.typeIDs) + 1
		cur.flags |= sliceTypeIDString
		e.EncodeString(typeID)
	}
}

// EndSlice finishes the current slice: tagged member end marker, slice size,
// indirection table and flags.
func (e *Encoder) EndSlice() {
	if e.err != nil {
		return
	}
	cur := e.classState().current
	if cur == nil || !cur.inSlice {
		e.setErr(newMarshalError(ErrInvalidData, "EndSlice without StartSlice"))
		return
	}
	if cur.hasTagged {
		if !cur.rawTagged {
			e.encodeTagEndMarker()
		}
		cur.flags |= sliceHasTaggedMembers
	}
	if cur.flags&sliceHasSliceSize != 0 {
		size := e.Pos() - cur.sizePos
		if e.encoding != Encoding11 {
			size -= FixedLengthSizeLen
		}
		e.PatchFixedLengthSize(cur.sizePos, size)
	}

	cur.inSlice = false
	table := cur.indirection
	cur.indirection = nil
	cur.indirectionMap = nil
	if len(table) > 0 {
		cur.flags |= sliceHasIndirectionTable
		e.EncodeSize(len(table))
		for _, v := range table {
			if isNilClass(v) {
				e.setErr(newMarshalError(ErrInvalidData, "nil instance in indirection table"))
				return
			}
			e.encodeInstance(v)
		}
	}
	if e.err == nil {
		e.w.rewrite(cur.flagsPos, []byte{cur.flags})
	}
}

func (e *Encoder) encodePreservedSlices(sd *SlicedData) {
	cur := e.classes.current
	for _, info := range sd.slices {
		e.StartSlice(info.TypeID, info.CompactID, info.IsLastSlice)
		if cur.flags&sliceHasSliceSize == 0 {
			e.setErr(newMarshalError(ErrInvalidData, "preserved slices require the sliced format"))
			return
		}
		e.WriteRaw(info.Bytes)
		cur.hasTagged = info.HasTaggedMembers
		cur.rawTagged = true
		cur.indirection = append([]Class(nil), info.Instances...)
		e.EndSlice()
	}
}

// --------------------------------------------------------------------------
// Decoding side
// --------------------------------------------------------------------------

type classDecoderState struct {
	instances []Class
	patches   map[int][]func(Class) error
	typeIDs   []string
	current   *instanceReadState
	depth     int
}

type instanceReadState struct {
	exception     bool
	flags         byte
	typeID        string
	compactID     int
	sliceStart    int
	sliceEnd      int
	tableEnd      int
	indirection   []int
	pendingHeader bool
	inSlice       bool
	skipped       []*SliceInfo
	prev          *instanceReadState
}

func newInstanceReadState(prev *instanceReadState, exception bool) *instanceReadState {
	return &instanceReadState{exception: exception, sliceEnd: -1, tableEnd: -1, compactID: -1, prev: prev}
}

func (d *Decoder) classState() *classDecoderState {
	if d.classes == nil {
		d.classes = &classDecoderState{patches: make(map[int][]func(Class) error)}
	}
	return d.classes
}

// DecodeClass reads a class reference and hands the instance to assign. For
// references to an instance whose decoding is still in progress, assign runs
// as soon as the instance exists.
func (d *Decoder) DecodeClass(assign func(Class) error) error {
	st := d.classState()
	if rs := st.current; rs != nil && rs.inSlice && rs.flags&sliceHasSliceSize != 0 {
		idx, err := d.DecodeSize()
		if err != nil {
			return err
		}
		if idx == 0 {
			return assign(nil)
		}
		if idx > len(rs.indirection) {
			return newMarshalError(ErrInvalidData, "indirection index %d out of range", idx)
		}
		return d.resolve(rs.indirection[idx-1], assign)
	}

	id, err := d.decodeInstanceMarker()
	if err != nil {
		return err
	}
	if id == 0 {
		return assign(nil)
	}
	return d.resolve(id, assign)
}

// DecodeClassInto reads a class reference into dst, checking its type
func DecodeClassInto[T Class](d *Decoder, dst *T) error {
	return d.DecodeClass(func(c Class) error {
		if c == nil {
			var zero T
			*dst = zero
			return nil
		}
		v, ok := c.(T)
		if !ok {
			return newMarshalError(ErrInvalidData, "expected instance of %T, got %T", *dst, c)
		}
		*dst = v
		return nil
	})
}

func (d *Decoder) resolve(id int, assign func(Class) error) error {
	st := d.classes
	if inst := st.instances[id-2]; inst != nil {
		return assign(inst)
	}
	st.patches[id] = append(st.patches[id], assign)
	return nil
}

func (d *Decoder) register(id int, inst Class) error {
	st := d.classes
	st.instances[id-2] = inst
	patches := st.patches[id]
	delete(st.patches, id)
	for _, p := range patches {
		if err := p(inst); err != nil {
			return err
		}
	}
	return nil
}

// decodeInstanceMarker returns 0 for null or the id of the referenced instance
func (d *Decoder) decodeInstanceMarker() (int, error) {
	st := d.classState()
	n, err := d.DecodeSize()
	if err != nil {
		return 0, err
	}
	switch {
	case n == 0:
		return 0, nil
	case n == 1:
		return d.decodeNewInstance()
	case n-2 >= len(st.instances):
		return 0, newMarshalError(ErrInvalidData, "instance id %d out of range", n)
	default:
		return n, nil
	}
}

func (d *Decoder) decodeNewInstance() (int, error) {
	st := d.classes
	if st.depth >= maxClassGraphDepth {
		return 0, newMarshalError(ErrOutOfRange, "class graph deeper than %d", maxClassGraphDepth)
	}
	st.instances = append(st.instances, nil)
	id := len(st.instances) + 1

	rs := newInstanceReadState(st.current, false)
	st.current = rs
	st.depth++
	defer func() {
		st.depth--
		st.current = rs.prev
	}()

	first := true
	for {
		if err := d.readSliceHeader(rs); err != nil {
			return 0, err
		}
		if first && rs.typeID == "" && rs.compactID < 0 {
			return 0, newMarshalError(ErrInvalidData, "first slice of an instance has no type id")
		}
		first = false

		if factory := d.loader.classFactory(rs.typeID, rs.compactID); factory != nil {
			inst := factory()
			if err := d.register(id, inst); err != nil {
				return 0, err
			}
			rs.pendingHeader = true
			if err := inst.DecodeSlices(d); err != nil {
				return 0, err
			}
			if len(rs.skipped) > 0 {
				inst.SetSlicedData(&SlicedData{encoding: d.encoding, slices: rs.skipped})
			}
			return id, nil
		}

		if rs.flags&sliceHasSliceSize == 0 {
			return 0, newMarshalError(ErrUnknownTypeID, "cannot skip unknown class %q%s without slice size", rs.typeID, compactSuffix(rs.compactID))
		}
		if err := d.skipSlice(rs); err != nil {
			return 0, err
		}
		if rs.flags&sliceIsLastSlice != 0 {
			inst := &UnknownSlicedClass{}
			inst.SetSlicedData(&SlicedData{encoding: d.encoding, slices: rs.skipped})
			if err := d.register(id, inst); err != nil {
				return 0, err
			}
			return id, nil
		}
	}
}

func compactSuffix(compactID int) string {
	if compactID < 0 {
		return ""
	}
	return " (compact id " + strconv.Itoa(compactID) + ")"
}

// readSliceHeader reads flags, type id, slice size and, if present, the
// indirection table that follows the slice body. The cursor is left at the
// start of the slice body.
func (d *Decoder) readSliceHeader(rs *instanceReadState) error {
	st := d.classes
	flags, err := d.cur.Byte()
	if err != nil {
		return err
	}
	rs.flags = flags
	rs.typeID = ""
	rs.compactID = -1
	rs.indirection = nil

	switch flags & sliceTypeIDMask {
	case sliceTypeIDString:
		s, err := d.DecodeString()
		if err != nil {
			return err
		}
		rs.typeID = s
		if !rs.exception {
			st.typeIDs = append(st.typeIDs, s)
		}
	case sliceTypeIDIndex:
		idx, err := d.DecodeSize()
		if err != nil {
			return err
		}
		if idx < 1 || idx > len(st.typeIDs) {
			return newMarshalError(ErrInvalidData, "type id index %d out of range", idx)
		}
		rs.typeID = st.typeIDs[idx-1]
	case sliceTypeIDCompact:
		cid, err := d.DecodeSize()
		if err != nil {
			return err
		}
		rs.compactID = cid
	}
	if rs.exception && (rs.typeID == "" || flags&sliceHasSliceSize == 0) {
		return newMarshalError(ErrInvalidData, "exception slice without string type id or slice size")
	}

	rs.sliceEnd = -1
	rs.tableEnd = -1
	if flags&sliceHasSliceSize != 0 {
		sizePos := d.cur.Pos()
		n, err := d.DecodeFixedLengthSize()
		if err != nil {
			return err
		}
		if d.encoding == Encoding11 {
			if n < FixedLengthSizeLen {
				return newMarshalError(ErrInvalidSize, "slice size %d", n)
			}
			rs.sliceEnd = sizePos + n
		} else {
			rs.sliceEnd = d.cur.Pos() + n
		}
		if rs.sliceEnd > d.cur.Len() {
			return newMarshalError(ErrEndOfBuffer, "slice ends beyond buffer")
		}
	}
	rs.sliceStart = d.cur.Pos()

	if flags&sliceHasIndirectionTable != 0 {
		if rs.sliceEnd < 0 {
			return newMarshalError(ErrInvalidData, "indirection table without slice size")
		}
		if err := d.cur.Seek(rs.sliceEnd); err != nil {
			return err
		}
		n, err := d.DecodeCollectionSize(1)
		if err != nil {
			return err
		}
		if n == 0 {
			return newMarshalError(ErrInvalidData, "empty indirection table")
		}
		// nested instances must not see this slice as their enclosing slice
		inSlice := rs.inSlice
		rs.inSlice = false
		table := make([]int, 0, n)
		for i := 0; i < n; i++ {
			id, err := d.decodeInstanceMarker()
			if err != nil {
				return err
			}
			if id == 0 {
				return newMarshalError(ErrInvalidData, "null entry in indirection table")
			}
			table = append(table, id)
		}
		rs.inSlice = inSlice
		rs.indirection = table
		rs.tableEnd = d.cur.Pos()
		if err := d.cur.Seek(rs.sliceStart); err != nil {
			return err
		}
	}
	return nil
}

// skipSlice preserves the current slice as a SliceInfo and moves past it
func (d *Decoder) skipSlice(rs *instanceReadState) error {
	info := &SliceInfo{
		TypeID:           rs.typeID,
		CompactID:        rs.compactID,
		Bytes:            append([]byte(nil), d.cur.Slice(rs.sliceStart, rs.sliceEnd)...),
		HasTaggedMembers: rs.flags&sliceHasTaggedMembers != 0,
		IsLastSlice:      rs.flags&sliceIsLastSlice != 0,
	}
	if len(rs.indirection) > 0 {
		info.Instances = make([]Class, len(rs.indirection))
		for i, id := range rs.indirection {
			i := i
			if err := d.resolve(id, func(c Class) error {
				info.Instances[i] = c
				return nil
			}); err != nil {
				return err
			}
		}
	}
	end := rs.sliceEnd
	if rs.tableEnd >= 0 {
		end = rs.tableEnd
	}
	rs.skipped = append(rs.skipped, info)
	rs.sliceEnd = -1
	rs.tableEnd = -1
	return d.cur.Seek(end)
}

// StartSlice begins reading the next slice of the instance being decoded
func (d *Decoder) StartSlice() error {
	st := d.classState()
	rs := st.current
	if rs == nil {
		return newMarshalError(ErrInvalidData, "StartSlice called outside of a class or exception")
	}
	if rs.pendingHeader {
		rs.pendingHeader = false
		rs.inSlice = true
		return nil
	}
	if err := d.readSliceHeader(rs); err != nil {
		return err
	}
	rs.inSlice = true
	return nil
}

// EndSlice skips unread tagged members and data of the current slice
func (d *Decoder) EndSlice() error {
	st := d.classState()
	rs := st.current
	if rs == nil || !rs.inSlice {
		return newMarshalError(ErrInvalidData, "EndSlice without StartSlice")
	}
	if rs.flags&sliceHasTaggedMembers != 0 {
		if err := d.SkipTaggedValues(); err != nil {
			return err
		}
		if err := d.skipTagEndMarker(); err != nil {
			return err
		}
	}
	if rs.sliceEnd >= 0 {
		if d.cur.Pos() > rs.sliceEnd {
			return newMarshalError(ErrInvalidData, "slice overrun by %d bytes", d.cur.Pos()-rs.sliceEnd)
		}
		if err := d.cur.Seek(rs.sliceEnd); err != nil {
			return err
		}
	}
	if rs.tableEnd >= 0 {
		if err := d.cur.Seek(rs.tableEnd); err != nil {
			return err
		}
	}
	rs.inSlice = false
	rs.indirection = nil
	rs.sliceEnd = -1
	rs.tableEnd = -1
	return nil
}
