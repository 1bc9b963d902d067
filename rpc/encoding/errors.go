package encoding

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by MarshalError. Use errors.Is to test for them.
var (
	ErrEndOfBuffer      = errors.New("end of buffer")
	ErrInvalidSize      = errors.New("invalid size")
	ErrInvalidUTF8      = errors.New("invalid UTF-8 string")
	ErrOutOfRange       = errors.New("value out of range")
	ErrUnknownTypeID    = errors.New("unknown type id")
	ErrEncodingMismatch = errors.New("encoding mismatch")
	ErrInvalidData      = errors.New("invalid data")
)

// MarshalError reports malformed, truncated or out-of-range wire data, or a
// value that cannot be represented on the wire.
type MarshalError struct {
	Msg string
	Err error
}

func (e *MarshalError) Error() string {
	if e.Err == nil {
		return "marshal error: " + e.Msg
	}
	if e.Msg == "" {
		return "marshal error: " + e.Err.Error()
	}
	return fmt.Sprintf("marshal error: %s: %v", e.Msg, e.Err)
}

func (e *MarshalError) Unwrap() error { return e.Err }

// newMarshalError creates a MarshalError with a formatted message
func newMarshalError(cause error, format string, args ...interface{}) *MarshalError {
	return &MarshalError{Msg: fmt.Sprintf(format, args...), Err: cause}
}
