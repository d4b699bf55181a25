// Package bootcfg reads the boot inputs for LLC coloring: the hypervisor
// command line and a YAML board description.
package bootcfg

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/llcc/internal/llc"
)

var ErrBadParam = errors.New("bootcfg: bad parameter")

// Cmdline holds the coloring parameters found on a command line.
type Cmdline struct {
	Coloring         llc.Enable
	LLCSize          uint64
	LLCNumWays       uint64
	HypervisorColors string
	Dom0Colors       string
}

// ParseCmdline extracts the coloring parameters from a space separated
// command line. Unrelated words are ignored. A later occurrence of a
// parameter overrides an earlier one.
func ParseCmdline(cmdline string) (Cmdline, error) {
	c := Cmdline{Coloring: llc.EnableUnset}

	scanner := bufio.NewScanner(strings.NewReader(cmdline))
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		key, val, hasVal := strings.Cut(scanner.Text(), "=")

		var err error
		switch key {
		case "llc-coloring":
			var on bool
			on, err = parseBool(val, hasVal)
			c.Coloring = llc.EnableOff
			if on {
				c.Coloring = llc.EnableOn
			}
		case "no-llc-coloring":
			if !hasVal {
				c.Coloring = llc.EnableOff
			}
		case "llc-size":
			c.LLCSize, err = ParseSize(val)
		case "llc-nr-ways":
			c.LLCNumWays, err = strconv.ParseUint(val, 0, 64)
		case "hv-llc-colors", "crux-llc-colors":
			c.HypervisorColors = val
		case "dom0-llc-colors":
			c.Dom0Colors = val
		default:
			continue
		}
		if err != nil {
			return Cmdline{}, fmt.Errorf("%w %s=%q: %w", ErrBadParam, key, val, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Cmdline{}, err
	}
	return c, nil
}

// Options converts c into initialization options.
func (c Cmdline) Options() llc.Options {
	return llc.Options{
		Enabled:          c.Coloring,
		LLCSize:          c.LLCSize,
		LLCNumWays:       c.LLCNumWays,
		HypervisorColors: c.HypervisorColors,
		Dom0Colors:       c.Dom0Colors,
	}
}

// ParseSize parses a size with an optional unit suffix: B, K, M, G or T in
// either case. A bare number is taken as KiB. Hexadecimal sizes cannot use
// the B suffix since it is a digit there.
func ParseSize(s string) (uint64, error) {
	num, unit := s, byte(0)
	if n := len(s); n > 1 && strings.IndexByte("bBkKmMgGtT", s[n-1]) >= 0 {
		num, unit = s[:n-1], s[n-1]|0x20
	}
	if unit == 'b' && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		num, unit = s, 0
	}

	n, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, err
	}

	shift := 10
	switch unit {
	case 'b':
		shift = 0
	case 'm':
		shift = 20
	case 'g':
		shift = 30
	case 't':
		shift = 40
	}
	if n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %s overflows", s)
	}
	return n << shift, nil
}

func parseBool(s string, hasVal bool) (bool, error) {
	if !hasVal {
		return true, nil
	}
	switch s {
	case "1", "yes", "on", "true", "enable":
		return true, nil
	case "0", "no", "off", "false", "disable":
		return false, nil
	}
	return false, errors.New("not a boolean")
}
