package fdt

import "bytes"

// Property is a device-tree property value. When building, exactly one of
// the typed fields should be populated. Parse returns every property as
// Bytes; use the accessors to interpret it.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

func (p Property) definedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// StringList decodes a raw property as NUL-terminated strings. It fails if
// the value is empty or not terminated.
func (p Property) StringList() ([]string, bool) {
	if len(p.Strings) > 0 {
		return p.Strings, true
	}
	if len(p.Bytes) == 0 || p.Bytes[len(p.Bytes)-1] != 0 {
		return nil, false
	}
	parts := bytes.Split(p.Bytes[:len(p.Bytes)-1], []byte{0})
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = string(part)
	}
	return out, true
}

// FirstString returns the first string of a string property.
func (p Property) FirstString() (string, bool) {
	list, ok := p.StringList()
	if !ok {
		return "", false
	}
	return list[0], true
}

// Uint64 decodes a one or two cell integer property.
func (p Property) Uint64() (uint64, bool) {
	switch {
	case len(p.U64) == 1:
		return p.U64[0], true
	case len(p.U32) == 1:
		return uint64(p.U32[0]), true
	case len(p.Bytes) == 4:
		return uint64(be32(p.Bytes)), true
	case len(p.Bytes) == 8:
		return be64(p.Bytes), true
	}
	return 0, false
}

// Node is a device-tree node.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

// Child returns the first direct child called name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Compatible reports whether n lists compat in its compatible property.
func (n Node) Compatible(compat string) bool {
	list, ok := n.Properties["compatible"].StringList()
	if !ok {
		return false
	}
	for _, c := range list {
		if c == compat {
			return true
		}
	}
	return false
}
