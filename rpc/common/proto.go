package common

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// --------------------------------------------------------------------------
// Protocol
// --------------------------------------------------------------------------

// Protocol selects the frame layout used on a connection
type Protocol byte

const (
	ProtocolUnknown Protocol = iota
	ProtocolIce1             // 14 byte message headers, request ids, encoding 1.1
	ProtocolIce2             // request per stream over Slic or QUIC, encoding 2.0
)

// String returns the protocol name as used in endpoint URIs
func (p Protocol) String() string {
	switch p {
	case ProtocolIce1:
		return "ice1"
	case ProtocolIce2:
		return "ice2"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// Encoding returns the default encoding pinned by the protocol
func (p Protocol) Encoding() encoding.Encoding {
	if p == ProtocolIce1 {
		return encoding.Encoding11
	}
	return encoding.Encoding20
}

// IsSupported reports whether p is ice1 or ice2
func (p Protocol) IsSupported() bool {
	return p == ProtocolIce1 || p == ProtocolIce2
}

// ParseProtocol parses "ice1" or "ice2"
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ice1", "1":
		return ProtocolIce1, nil
	case "ice2", "2":
		return ProtocolIce2, nil
	default:
		return ProtocolUnknown, fmt.Errorf("unknown protocol: %s", s)
	}
}

// MarshalJSON encodes the protocol as its name
func (p Protocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a protocol name
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseProtocol(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// --------------------------------------------------------------------------
// Reply status
// --------------------------------------------------------------------------

// ReplyStatus is the first byte of every response payload
type ReplyStatus byte

const (
	ReplyOk ReplyStatus = iota
	ReplyUserException
	ReplyObjectNotExist
	ReplyFacetNotExist
	ReplyOperationNotExist
	ReplyUnknownLocalException
	ReplyUnknownUserException
	ReplyUnknownException
)

var replyStatusNames = map[ReplyStatus]string{
	ReplyOk:                    "Ok",
	ReplyUserException:         "UserException",
	ReplyObjectNotExist:        "ObjectNotExist",
	ReplyFacetNotExist:         "FacetNotExist",
	ReplyOperationNotExist:     "OperationNotExist",
	ReplyUnknownLocalException: "UnknownLocalException",
	ReplyUnknownUserException:  "UnknownUserException",
	ReplyUnknownException:      "UnknownException",
}

func (s ReplyStatus) String() string {
	if name, ok := replyStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ReplyStatus(%d)", byte(s))
}

// IsValid reports whether s is a known reply status
func (s ReplyStatus) IsValid() bool {
	return s <= ReplyUnknownException
}

// HasPayload reports whether the response body is an encapsulation
func (s ReplyStatus) HasPayload() bool {
	return s == ReplyOk || s == ReplyUserException
}

// MarshalJSON encodes the reply status as its name
func (s ReplyStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// --------------------------------------------------------------------------
// Operation mode (ice1 wire value)
// --------------------------------------------------------------------------

// OperationMode is the ice1 request mode byte
type OperationMode byte

const (
	ModeNormal     OperationMode = 0
	ModeIdempotent OperationMode = 2
)

// --------------------------------------------------------------------------
// Endpoint selection
// --------------------------------------------------------------------------

// EndpointSelectionType selects the order in which endpoints are tried
type EndpointSelectionType byte

const (
	EndpointSelectionOrdered EndpointSelectionType = iota
	EndpointSelectionRandom
)

func (t EndpointSelectionType) String() string {
	if t == EndpointSelectionRandom {
		return "random"
	}
	return "ordered"
}

// ParseEndpointSelection parses "ordered" or "random"
func ParseEndpointSelection(s string) (EndpointSelectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ordered":
		return EndpointSelectionOrdered, nil
	case "random":
		return EndpointSelectionRandom, nil
	default:
		return EndpointSelectionOrdered, fmt.Errorf("unknown endpoint selection: %s", s)
	}
}
