package v1alpha1

import (
	"fmt"
	"strings"
)

// PathElement is one (type, key) segment of a resource address.
type PathElement struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Element builds a PathElement.
func Element(childType, key string) PathElement {
	return PathElement{Type: childType, Key: key}
}

func (e PathElement) String() string {
	return e.Type + "=" + e.Key
}

// Address is the ordered path from the root to a resource. The empty Address is the root.
type Address []PathElement

// ParseAddress parses the CLI form "/subsystem=elytron/key-store=ks1".
// "" and "/" both denote the root.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return Address{}, nil
	}
	parts := strings.Split(raw, "/")
	addr := make(Address, 0, len(parts))
	for _, part := range parts {
		childType, key, ok := strings.Cut(part, "=")
		childType = strings.TrimSpace(childType)
		key = strings.TrimSpace(key)
		if !ok || childType == "" || key == "" {
			return nil, fmt.Errorf("invalid address segment %q in %q", part, raw)
		}
		addr = append(addr, PathElement{Type: childType, Key: key})
	}
	return addr, nil
}

// MustParseAddress is ParseAddress for literals.
func MustParseAddress(raw string) Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	if len(a) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, el := range a {
		b.WriteByte('/')
		b.WriteString(el.String())
	}
	return b.String()
}

// Append returns a new Address with el appended; a is not modified.
func (a Address) Append(el PathElement) Address {
	out := make(Address, len(a), len(a)+1)
	copy(out, a)
	return append(out, el)
}

// Parent returns the address of the parent resource. The root is its own parent.
func (a Address) Parent() Address {
	if len(a) == 0 {
		return Address{}
	}
	out := make(Address, len(a)-1)
	copy(out, a[:len(a)-1])
	return out
}

// Last returns the final path element.
func (a Address) Last() (PathElement, bool) {
	if len(a) == 0 {
		return PathElement{}, false
	}
	return a[len(a)-1], true
}

// Types returns the child types along the path, e.g. ["subsystem", "key-store"].
func (a Address) Types() []string {
	out := make([]string, len(a))
	for i, el := range a {
		out[i] = el.Type
	}
	return out
}

func (a Address) Equal(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
