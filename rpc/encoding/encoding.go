package encoding

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding is the version of the byte-level rules used for a payload
type Encoding struct {
	Major byte
	Minor byte
}

var (
	// Encoding11 is the encoding of the ice1 protocol
	Encoding11 = Encoding{Major: 1, Minor: 1}
	// Encoding20 is the encoding of the ice2 protocol
	Encoding20 = Encoding{Major: 2, Minor: 0}
)

func (e Encoding) String() string {
	return strconv.Itoa(int(e.Major)) + "." + strconv.Itoa(int(e.Minor))
}

// IsSupported reports whether e is one of the encodings this package implements
func (e Encoding) IsSupported() bool {
	return e == Encoding11 || e == Encoding20
}

// CheckSupported returns a MarshalError if e is not supported
func (e Encoding) CheckSupported() error {
	if !e.IsSupported() {
		return newMarshalError(ErrEncodingMismatch, "encoding %s is not supported", e)
	}
	return nil
}

// ParseEncoding parses "major.minor"
func ParseEncoding(s string) (Encoding, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Encoding{}, fmt.Errorf("invalid encoding %q", s)
	}
	ma, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return Encoding{}, fmt.Errorf("invalid encoding major version %q: %w", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return Encoding{}, fmt.Errorf("invalid encoding minor version %q: %w", s, err)
	}
	return Encoding{Major: byte(ma), Minor: byte(mi)}, nil
}
