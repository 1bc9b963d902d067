package common

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/slicerpc/rpc/encoding"
)

// Identity addresses a target object: an optional category and a name
type Identity struct {
	Name     string
	Category string
}

// NewIdentity creates an identity, the category may be empty
func NewIdentity(category, name string) Identity {
	return Identity{Name: name, Category: category}
}

// IsZero reports whether the identity has no name
func (id Identity) IsZero() bool {
	return id.Name == ""
}

// String renders "category/name", or "name" for an empty category. '/' and
// '\' inside either part are escaped with a backslash.
func (id Identity) String() string {
	if id.Category == "" {
		return escapeIdentityPart(id.Name)
	}
	return escapeIdentityPart(id.Category) + "/" + escapeIdentityPart(id.Name)
}

// ParseIdentity parses the output of Identity.String
func ParseIdentity(s string) (Identity, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return Identity{}, fmt.Errorf("invalid identity %q: trailing escape", s)
			}
			i++
			cur.WriteByte(s[i])
		case '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())

	var id Identity
	switch len(parts) {
	case 1:
		id.Name = parts[0]
	case 2:
		id.Category, id.Name = parts[0], parts[1]
	default:
		return Identity{}, fmt.Errorf("invalid identity %q: too many '/'", s)
	}
	if id.Name == "" {
		return Identity{}, fmt.Errorf("invalid identity %q: empty name", s)
	}
	return id, nil
}

func escapeIdentityPart(s string) string {
	if !strings.ContainsAny(s, `/\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// Encode writes the identity as name followed by category
func (id Identity) Encode(e *encoding.Encoder) {
	e.EncodeString(id.Name)
	e.EncodeString(id.Category)
}

// DecodeIdentity reads an identity written by Identity.Encode
func DecodeIdentity(d *encoding.Decoder) (Identity, error) {
	name, err := d.DecodeString()
	if err != nil {
		return Identity{}, err
	}
	category, err := d.DecodeString()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Category: category}, nil
}
