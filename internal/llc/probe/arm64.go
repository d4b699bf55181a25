package probe

// ARM64 cache identification register layout (Arm ARM DDI 0487).
const (
	clidrCtypeLevels = 7
	clidrCtypeMask   = 0x7
	ctypeUnified     = 0b100

	ccsidrLineSizeMask = 0x7

	ccsidrNumSetsShift = 13
	ccsidrNumSetsMask  = 0x7fff

	ccsidrNumSetsShiftCCIDX = 32
	ccsidrNumSetsMaskCCIDX  = 0xffffff

	mmfr2CCIDXShift = 20
)

// ARM64Registers supplies the system register values needed to size the LLC.
// CCSIDR returns CCSIDR_EL1 after CSSELR_EL1 selected the given zero-based
// cache level.
type ARM64Registers struct {
	CLIDR  uint64
	MMFR2  uint64
	CCSIDR func(level int) uint64
}

// ARM64Geometry describes the last unified cache level found in CLIDR_EL1.
type ARM64Geometry struct {
	Level    int
	LineSize uint64
	NumSets  uint64
}

// WaySize is the bytes covered by one way.
func (g ARM64Geometry) WaySize() uint64 { return g.LineSize * g.NumSets }

// DecodeARM64 finds the outermost unified cache and decodes its geometry.
// ok is false when no unified cache is reported.
func DecodeARM64(regs ARM64Registers) (ARM64Geometry, bool) {
	n := clidrCtypeLevels
	for ; n != 0; n-- {
		ctype := (regs.CLIDR >> (3 * (n - 1))) & clidrCtypeMask
		if ctype == ctypeUnified {
			break
		}
	}
	if n == 0 || regs.CCSIDR == nil {
		return ARM64Geometry{}, false
	}

	ccsidr := regs.CCSIDR(n - 1)

	// Log2(line size in bytes) - 4.
	lineSize := uint64(1) << ((ccsidr & ccsidrLineSizeMask) + 4)

	shift, mask := uint64(ccsidrNumSetsShift), uint64(ccsidrNumSetsMask)
	if (regs.MMFR2>>mmfr2CCIDXShift)&0x7 != 0 {
		shift, mask = ccsidrNumSetsShiftCCIDX, ccsidrNumSetsMaskCCIDX
	}
	numSets := ((ccsidr >> shift) & mask) + 1

	return ARM64Geometry{Level: n, LineSize: lineSize, NumSets: numSets}, true
}

// ARM64 is a Probe backed by captured system registers.
type ARM64 struct {
	Registers ARM64Registers
}

func (p ARM64) WaySize() uint64 {
	g, ok := DecodeARM64(p.Registers)
	if !ok {
		return 0
	}
	return g.WaySize()
}
