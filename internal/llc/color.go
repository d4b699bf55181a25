// Package llc implements last-level-cache coloring: the color space derived
// from the LLC geometry, the hypervisor's reserved colors and the colored
// frame walk used to lay out the hypervisor image.
package llc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrFatal marks conditions that must abort boot. Coloring was requested
	// but cannot be established, and running uncolored would silently break
	// isolation.
	ErrFatal = errors.New("llc: fatal")

	ErrColorOutOfRange = errors.New("llc: color out of range")
)

// Color is an LLC color index in [0, MaxColors).
type Color uint32

// Frame is a physical frame number.
type Frame uint64

// ColorSet is an ordered list of colors. Duplicates are allowed.
type ColorSet []Color

// Clone returns a copy of s that does not alias it.
func (s ColorSet) Clone() ColorSet {
	if s == nil {
		return nil
	}
	out := make(ColorSet, len(s))
	copy(out, s)
	return out
}

// String renders s in range-compressed form, e.g. "{ 0, 2-6, 15-16 }".
func (s ColorSet) String() string {
	var b strings.Builder
	b.WriteString("{ ")
	for i := 0; i < len(s); i++ {
		start, end := s[i], s[i]
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		for i < len(s)-1 && end+1 == s[i+1] {
			i++
			end++
		}
		if start != end {
			b.WriteByte('-')
			b.WriteString(strconv.FormatUint(uint64(end), 10))
		}
		if i < len(s)-1 {
			b.WriteString(", ")
		}
	}
	b.WriteString(" }")
	return b.String()
}

// Check reports whether every color in colors is addressable with maxColors
// colors. The error names the first color that is not.
func Check(colors []Color, maxColors uint32) error {
	for _, c := range colors {
		if uint32(c) >= maxColors {
			return fmt.Errorf("%w: LLC color %d >= %d (max allowed)", ErrColorOutOfRange, c, maxColors)
		}
	}
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
