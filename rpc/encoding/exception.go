package encoding

// RemoteException is a user exception that travels in a response payload.
// Like classes, exceptions are written as a list of slices, most derived
// first, and always in sliced format with string type ids.
type RemoteException interface {
	error
	EncodeSlices(e *Encoder)
	DecodeSlices(d *Decoder) error
	SlicedData() *SlicedData
	SetSlicedData(s *SlicedData)
}

// UnknownSlicedRemoteException is decoded when none of the slices of an
// exception map to a registered type.
type UnknownSlicedRemoteException struct {
	ClassBase
	TypeID string
}

func (e *UnknownSlicedRemoteException) Error() string {
	return "unknown remote exception " + e.TypeID
}

func (e *UnknownSlicedRemoteException) EncodeSlices(*Encoder) {}

func (e *UnknownSlicedRemoteException) DecodeSlices(*Decoder) error { return nil }

// EncodeException writes ex, including any slices it preserved when it was
// decoded.
func (e *Encoder) EncodeException(ex RemoteException) {
	if e.err != nil {
		return
	}
	if isNilClass(ex) {
		e.setErr(newMarshalError(ErrInvalidData, "cannot encode nil exception"))
		return
	}
	st := e.classState()
	st.current = &instanceWriteState{
		format:        SlicedFormat,
		stringTypeIDs: true,
		firstSlice:    true,
		prev:          st.current,
	}
	defer func() { st.current = st.current.prev }()

	if sd := ex.SlicedData(); sd != nil {
		if sd.encoding != e.encoding {
			e.setErr(newMarshalError(ErrEncodingMismatch, "sliced data read with %s cannot be written with %s", sd.encoding, e.encoding))
			return
		}
		e.encodePreservedSlices(sd)
	}
	ex.EncodeSlices(e)
}

// DecodeException reads an exception. The first slice whose type id is
// registered with the loader determines the concrete type; more derived
// unknown slices are preserved in its sliced data.
func (d *Decoder) DecodeException() (RemoteException, error) {
	st := d.classState()
	rs := newInstanceReadState(st.current, true)
	st.current = rs
	defer func() { st.current = rs.prev }()

	mostDerived := ""
	for {
		if err := d.readSliceHeader(rs); err != nil {
			return nil, err
		}
		if mostDerived == "" {
			mostDerived = rs.typeID
		}
		if factory := d.loader.exceptionFactory(rs.typeID); factory != nil {
			ex := factory()
			rs.pendingHeader = true
			if err := ex.DecodeSlices(d); err != nil {
				return nil, err
			}
			if len(rs.skipped) > 0 {
				ex.SetSlicedData(&SlicedData{encoding: d.encoding, slices: rs.skipped})
			}
			return ex, nil
		}
		if err := d.skipSlice(rs); err != nil {
			return nil, err
		}
		if rs.flags&sliceIsLastSlice != 0 {
			ex := &UnknownSlicedRemoteException{TypeID: mostDerived}
			ex.SetSlicedData(&SlicedData{encoding: d.encoding, slices: rs.skipped})
			return ex, nil
		}
	}
}
