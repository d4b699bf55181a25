// Package placement chooses where the hypervisor image is relocated when LLC
// coloring is enabled, and lays out its pages over colored frames.
package placement

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/llcc/internal/llc"
)

const (
	// DefaultAlign is the relocation alignment, one level-2 block.
	DefaultAlign = 0x200000
	// Limit32Bit is the highest end address usable by 32-bit hypervisors.
	Limit32Bit = 1 << 32
)

// Bank is a range of physical RAM from the boot memory map.
type Bank struct {
	Start uint64
	Size  uint64
}

// End returns the first address after the bank.
func (b Bank) End() uint64 { return b.Start + b.Size }

// Region is a reserved physical range the relocation must avoid (boot
// modules, firmware tables, reserved-memory nodes).
type Region struct {
	Name  string
	Start uint64
	Size  uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Start + r.Size }

func (r Region) overlaps(start, end uint64) bool {
	return start < r.End() && r.Start < end
}

// HighestFit returns the highest end address e such that [e-size, e) lies in
// [start, end), is align-aligned at both ends when size is a multiple of
// align, and overlaps none of reserved. ok is false when nothing fits.
func HighestFit(start, end, size, align uint64, reserved []Region) (uint64, bool) {
	return highestFit(start, end, size, align, reserved, 0)
}

func highestFit(start, end, size, align uint64, reserved []Region, first int) (uint64, bool) {
	start = alignUp(start, align)
	end = alignDown(end, align)
	if start > end || end-start < size {
		return 0, false
	}

	for i := first; i < len(reserved); i++ {
		r := reserved[i]
		if !r.overlaps(start, end) {
			continue
		}
		// Prefer the space above the reservation, then fall back below it.
		if e, ok := highestFit(r.End(), end, size, align, reserved, i+1); ok {
			return e, true
		}
		return highestFit(start, r.Start, size, align, reserved, i+1)
	}

	return end, true
}

// Request describes a relocation.
type Request struct {
	Banks    []Bank
	Reserved []Region

	// ImageSize is the linked size of the hypervisor image.
	ImageSize uint64
	// Align defaults to DefaultAlign.
	Align uint64
	// Limit, when non-zero, is an exclusive ceiling on the relocated end
	// address. Use Limit32Bit for 32-bit hypervisors.
	Limit uint64

	Logger *slog.Logger
}

// Result is the chosen relocation target.
type Result struct {
	Start uint64
	Size  uint64
}

// End returns the first address after the relocated span.
func (r Result) End() uint64 { return r.Start + r.Size }

// Frame returns the first frame of the span.
func (r Result) Frame(pageSize uint64) llc.Frame { return llc.Frame(r.Start / pageSize) }

// Relocate reserves a span large enough for the image laid out over the
// whole color space and places it as high as possible in RAM. Failing to
// find room is fatal.
func Relocate(space *llc.Space, req Request) (Result, error) {
	align := req.Align
	if align == 0 {
		align = DefaultAlign
	}
	if align&(align-1) != 0 {
		return Result{}, fmt.Errorf("%w: relocation alignment %#x is not a power of 2", llc.ErrFatal, align)
	}
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}

	size := space.ColoredMapSize(req.ImageSize, align)
	if size == 0 {
		return Result{}, fmt.Errorf("%w: empty hypervisor image", llc.ErrFatal)
	}

	reserved := sortedRegions(req.Reserved)

	var paddr uint64
	for _, bank := range req.Banks {
		if bank.Size < size {
			continue
		}

		end := bank.End()
		if req.Limit != 0 && end > req.Limit {
			end = req.Limit
		}
		if end <= bank.Start {
			continue
		}

		e, ok := HighestFit(bank.Start, end, size, align, reserved)
		if !ok {
			continue
		}
		if s := e - size; s > paddr {
			paddr = s
		}
	}

	if paddr == 0 {
		return Result{}, fmt.Errorf("%w: not enough memory to relocate hypervisor (need %#x bytes)", llc.ErrFatal, size)
	}

	log.Info("placing hypervisor", "start", fmt.Sprintf("%#x", paddr), "end", fmt.Sprintf("%#x", paddr+size))
	return Result{Start: paddr, Size: size}, nil
}

func sortedRegions(in []Region) []Region {
	out := make([]Region, 0, len(in))
	for _, r := range in {
		if r.Size != 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
