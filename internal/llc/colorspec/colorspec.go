// Package colorspec parses and formats the textual color-set syntax used on
// the boot command line and in per-domain configuration:
//
//	COLOR_CONFIGURATION ::= COLOR | RANGE,...,COLOR | RANGE
//	RANGE               ::= COLOR-COLOR
//
// "0,2-6,15-16" represents the colors 0,2,3,4,5,6,15,16. Numbers accept the
// C conventions of a 0x prefix for hex and a leading 0 for octal.
package colorspec

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrSyntax   = errors.New("colorspec: syntax error")
	ErrRange    = errors.New("colorspec: range start greater than end")
	ErrCapacity = errors.New("colorspec: too many colors")
	ErrOverflow = errors.New("colorspec: value out of range")
)

// ParseInto parses spec into dst and returns the number of colors written.
// Ranges are expanded in ascending order; duplicates are kept. len(dst) is
// the capacity; exceeding it is an error. On error the contents of dst are
// unspecified.
//
// An empty spec yields zero colors.
func ParseInto[C ~uint32](dst []C, spec string) (int, error) {
	s := spec
	n := 0

	for s != "" {
		start, rest, err := scanUint(s)
		if err != nil {
			return 0, fmt.Errorf("%w at offset %d in %q", err, len(spec)-len(s), spec)
		}
		s = rest
		end := start

		if strings.HasPrefix(s, "-") {
			s = s[1:]
			end, rest, err = scanUint(s)
			if err != nil {
				return 0, fmt.Errorf("%w at offset %d in %q", err, len(spec)-len(s), spec)
			}
			s = rest
		}

		if start > end {
			return 0, fmt.Errorf("%w: %d-%d", ErrRange, start, end)
		}
		if uint64(end-start) > math.MaxUint32-uint64(n) {
			return 0, fmt.Errorf("%w: range %d-%d", ErrOverflow, start, end)
		}
		if uint64(n)+uint64(end-start) >= uint64(len(dst)) {
			return 0, fmt.Errorf("%w: %q needs more than %d", ErrCapacity, spec, len(dst))
		}

		for c := uint64(start); c <= uint64(end); c++ {
			dst[n] = C(c)
			n++
		}

		switch {
		case s == "":
		case s[0] == ',':
			s = s[1:]
			if s == "" {
				return 0, fmt.Errorf("%w: trailing ',' in %q", ErrSyntax, spec)
			}
		default:
			return 0, fmt.Errorf("%w: unexpected %q in %q", ErrSyntax, s[0], spec)
		}
	}

	return n, nil
}

// Parse is ParseInto with a freshly allocated buffer of the given capacity.
// The returned slice is trimmed to the parsed length.
func Parse[C ~uint32](spec string, capacity int) ([]C, error) {
	if capacity < 0 {
		capacity = 0
	}
	buf := make([]C, capacity)
	n, err := ParseInto(buf, spec)
	if err != nil {
		return nil, err
	}
	return buf[:n:n], nil
}

// Format renders colors in the minimal form accepted by Parse: runs of
// consecutive ascending colors collapse into ranges.
func Format[C ~uint32](colors []C) string {
	var b strings.Builder
	for i := 0; i < len(colors); i++ {
		start, end := colors[i], colors[i]
		for i < len(colors)-1 && end+1 == colors[i+1] {
			i++
			end++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		if start != end {
			b.WriteByte('-')
			b.WriteString(strconv.FormatUint(uint64(end), 10))
		}
	}
	return b.String()
}

// scanUint reads one unsigned integer from the front of s using strtoul base
// detection. At least one digit is required.
func scanUint(s string) (uint32, string, error) {
	base := uint64(10)
	digits := s
	switch {
	case len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') && digitValue(s[2]) < 16:
		base = 16
		digits = s[2:]
	case len(s) > 1 && s[0] == '0':
		base = 8
	}

	var v uint64
	i := 0
	for ; i < len(digits); i++ {
		d := digitValue(digits[i])
		if d >= base {
			break
		}
		v = v*base + d
		if v > math.MaxUint32 {
			return 0, "", fmt.Errorf("%w: %q", ErrOverflow, s)
		}
	}
	if i == 0 {
		return 0, "", fmt.Errorf("%w: expected a number", ErrSyntax)
	}
	return uint32(v), digits[i:], nil
}

func digitValue(c byte) uint64 {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0')
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10
	}
	return math.MaxUint64
}
