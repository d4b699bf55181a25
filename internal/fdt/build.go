// Package fdt reads and writes flattened device trees. It covers what a
// dom0less boot needs: nodes with string and integer properties.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Build serializes the node tree into an FDT blob. Properties are emitted
// in name order so output is reproducible.
func Build(root Node) ([]byte, error) {
	w := &writer{stringsOff: make(map[string]uint32)}
	if err := w.node(root); err != nil {
		return nil, err
	}
	return w.finish(), nil
}

type writer struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (w *writer) node(n Node) error {
	w.token(tokenBeginNode)
	w.structBuf.WriteString(n.Name)
	w.structBuf.WriteByte(0)
	w.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := encodeProperty(name, n.Properties[name])
		if err != nil {
			return fmt.Errorf("fdt: node %q: %w", n.Name, err)
		}
		w.token(tokenProp)
		w.u32(uint32(len(data)))
		w.u32(w.stringOffset(name))
		w.structBuf.Write(data)
		w.pad()
	}

	for _, child := range n.Children {
		if err := w.node(child); err != nil {
			return err
		}
	}

	w.token(tokenEndNode)
	return nil
}

func encodeProperty(name string, p Property) ([]byte, error) {
	switch p.definedCount() {
	case 0:
		return nil, fmt.Errorf("property %q has no values", name)
	case 1:
	default:
		return nil, fmt.Errorf("property %q has multiple value kinds", name)
	}

	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		out := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			out = binary.BigEndian.AppendUint32(out, v)
		}
		return out, nil
	case "u64":
		out := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			out = binary.BigEndian.AppendUint64(out, v)
		}
		return out, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	default:
		return nil, nil
	}
}

func (w *writer) finish() []byte {
	w.token(tokenEnd)

	structBytes := w.structBuf.Bytes()
	stringsBytes := w.strings.Bytes()

	// One empty memory reservation entry terminates the map.
	const memReserveSize = 16
	offMemReserve := headerSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	for i, v := range []uint32{
		magic,
		uint32(totalSize),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offMemReserve),
		version,
		lastCompVer,
		0, // boot cpu
		uint32(len(stringsBytes)),
		uint32(len(structBytes)),
	} {
		binary.BigEndian.PutUint32(blob[i*4:], v)
	}
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (w *writer) stringOffset(name string) uint32 {
	if off, ok := w.stringsOff[name]; ok {
		return off
	}
	off := uint32(w.strings.Len())
	w.strings.WriteString(name)
	w.strings.WriteByte(0)
	w.stringsOff[name] = off
	return off
}

func (w *writer) token(t uint32) { w.u32(t) }

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structBuf.Write(tmp[:])
}

func (w *writer) pad() {
	for w.structBuf.Len()%4 != 0 {
		w.structBuf.WriteByte(0)
	}
}
