package fdt

import (
	"fmt"

	"github.com/tinyrange/llcc/internal/llc/placement"
)

// DomainCompatible marks /chosen children that describe boot-time domains.
const DomainCompatible = "crux,domain"

// DomU is a domain created at boot from the device tree.
type DomU struct {
	Name string
	// LLCColors is the domain's color spec, empty for the default set.
	LLCColors string
	// MemoryKiB and CPUs are carried through for the domain builder.
	MemoryKiB uint64
	CPUs      uint32
}

// BuildDom0less renders a device tree with the memory map and one /chosen
// child per domain.
func BuildDom0less(banks []placement.Bank, domains []DomU) ([]byte, error) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
	}

	for _, b := range banks {
		root.Children = append(root.Children, Node{
			Name: fmt.Sprintf("memory@%x", b.Start),
			Properties: map[string]Property{
				"device_type": {Strings: []string{"memory"}},
				"reg":         {U64: []uint64{b.Start, b.Size}},
			},
		})
	}

	chosen := Node{Name: "chosen"}
	for _, d := range domains {
		if d.Name == "" {
			return nil, fmt.Errorf("fdt: domain without a node name")
		}
		props := map[string]Property{
			"compatible": {Strings: []string{DomainCompatible}},
		}
		if d.LLCColors != "" {
			props["llc-colors"] = Property{Strings: []string{d.LLCColors}}
		}
		if d.MemoryKiB != 0 {
			props["memory"] = Property{U64: []uint64{d.MemoryKiB}}
		}
		if d.CPUs != 0 {
			props["cpus"] = Property{U32: []uint32{d.CPUs}}
		}
		chosen.Children = append(chosen.Children, Node{Name: d.Name, Properties: props})
	}
	root.Children = append(root.Children, chosen)

	return Build(root)
}

// ReadDom0less returns the boot-time domains listed under /chosen, in tree
// order. Children that are not domains are skipped. A domain node with a
// malformed property is an error.
func ReadDom0less(blob []byte) ([]DomU, error) {
	root, err := Parse(blob)
	if err != nil {
		return nil, err
	}
	chosen, ok := root.Child("chosen")
	if !ok {
		return nil, fmt.Errorf("%w: no /chosen node", ErrMalformed)
	}

	var out []DomU
	for _, n := range chosen.Children {
		if !n.Compatible(DomainCompatible) {
			continue
		}
		d := DomU{Name: n.Name}
		if p, ok := n.Properties["llc-colors"]; ok {
			if d.LLCColors, ok = p.FirstString(); !ok {
				return nil, fmt.Errorf("%w: invalid domain %s: bad llc-colors", ErrMalformed, n.Name)
			}
		}
		if p, ok := n.Properties["memory"]; ok {
			if d.MemoryKiB, ok = p.Uint64(); !ok {
				return nil, fmt.Errorf("%w: invalid domain %s: bad memory", ErrMalformed, n.Name)
			}
		}
		if p, ok := n.Properties["cpus"]; ok {
			v, ok := p.Uint64()
			if !ok || v > 1<<32-1 {
				return nil, fmt.Errorf("%w: invalid domain %s: bad cpus", ErrMalformed, n.Name)
			}
			d.CPUs = uint32(v)
		}
		out = append(out, d)
	}
	return out, nil
}
