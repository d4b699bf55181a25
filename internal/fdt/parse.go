package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Parse decodes an FDT blob into a node tree. Property values are returned
// as Bytes.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if be32(blob[0:]) != magic {
		return Node{}, fmt.Errorf("%w: bad magic %#x", ErrMalformed, be32(blob[0:]))
	}
	total := be32(blob[4:])
	offStruct := be32(blob[8:])
	offStrings := be32(blob[12:])
	sizeStrings := be32(blob[32:])
	sizeStruct := be32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: blocks exceed blob", ErrMalformed)
	}

	r := &reader{
		structs: blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	r.skipNops()
	if tok, err := r.u32(); err != nil || tok != tokenBeginNode {
		return Node{}, fmt.Errorf("%w: missing root node", ErrMalformed)
	}
	root, err := r.node()
	if err != nil {
		return Node{}, err
	}
	r.skipNops()
	if tok, err := r.u32(); err != nil || tok != tokenEnd {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

type reader struct {
	structs []byte
	strings []byte
	off     int
}

// node reads a node whose begin token has been consumed.
func (r *reader) node() (Node, error) {
	name, err := r.cstring()
	if err != nil {
		return Node{}, err
	}
	n := Node{Name: name}

	for {
		tok, err := r.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenNop:
		case tokenProp:
			size, err := r.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := r.u32()
			if err != nil {
				return Node{}, err
			}
			if r.off+int(size) > len(r.structs) {
				return Node{}, fmt.Errorf("%w: property in %q overruns block", ErrMalformed, n.Name)
			}
			pname, err := r.propName(nameOff)
			if err != nil {
				return Node{}, err
			}
			val := append([]byte(nil), r.structs[r.off:r.off+int(size)]...)
			r.off = align4(r.off + int(size))
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			p := Property{Bytes: val}
			if size == 0 {
				p = Property{Flag: true}
			}
			n.Properties[pname] = p
		case tokenBeginNode:
			child, err := r.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %#x in %q", ErrMalformed, tok, n.Name)
		}
	}
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.structs) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := be32(r.structs[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) skipNops() {
	for r.off+4 <= len(r.structs) && be32(r.structs[r.off:]) == tokenNop {
		r.off += 4
	}
}

func (r *reader) cstring() (string, error) {
	i := bytes.IndexByte(r.structs[r.off:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	s := string(r.structs[r.off : r.off+i])
	r.off = align4(r.off + i + 1)
	return s, nil
}

func (r *reader) propName(off uint32) (string, error) {
	if int(off) >= len(r.strings) {
		return "", fmt.Errorf("%w: name offset %#x out of range", ErrMalformed, off)
	}
	i := bytes.IndexByte(r.strings[off:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated property name", ErrMalformed)
	}
	return string(r.strings[off : int(off)+i]), nil
}

func align4(v int) int { return (v + 3) &^ 3 }

func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
