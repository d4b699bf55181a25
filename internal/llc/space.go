package llc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/tinyrange/llcc/internal/llc/colorspec"
)

const (
	// DefaultPageSize is the frame size colors are derived from.
	DefaultPageSize = 0x1000
	// DefaultMaxColorsCap bounds every color table, mirroring a build-time
	// LLC_COLORS_ORDER of 6.
	DefaultMaxColorsCap = 64
	// DefaultHypervisorColors is how many colors the hypervisor keeps when
	// no explicit configuration is given.
	DefaultHypervisorColors = 1
)

// Enable is the llc-coloring tri-state from the command line.
type Enable int8

const (
	// EnableUnset enables coloring only if both LLCSize and LLCNumWays are
	// given.
	EnableUnset Enable = iota - 1
	EnableOff
	EnableOn
)

func (e Enable) String() string {
	switch e {
	case EnableOff:
		return "off"
	case EnableOn:
		return "on"
	default:
		return "unset"
	}
}

// WayProber returns the LLC way size in bytes, or zero if it cannot be
// determined. See package probe.
type WayProber interface {
	WaySize() uint64
}

// Options are the boot inputs to Init.
type Options struct {
	Enabled Enable

	// LLCSize and LLCNumWays override hardware probing when both are set.
	LLCSize    uint64
	LLCNumWays uint64

	// PageSize defaults to DefaultPageSize.
	PageSize uint64
	// MaxColorsCap defaults to DefaultMaxColorsCap and must be a power of
	// two.
	MaxColorsCap uint32
	// DefaultHypervisorColors defaults to DefaultHypervisorColors.
	DefaultHypervisorColors uint32

	// HypervisorColors and Dom0Colors are color specs; empty means not
	// configured.
	HypervisorColors string
	Dom0Colors       string

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.PageSize == 0 {
		out.PageSize = DefaultPageSize
	}
	if out.MaxColorsCap == 0 {
		out.MaxColorsCap = DefaultMaxColorsCap
	}
	if out.DefaultHypervisorColors == 0 {
		out.DefaultHypervisorColors = DefaultHypervisorColors
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Space is the boot-time color configuration. It is built once by Init and
// never modified afterwards, so it can be shared without locking.
type Space struct {
	enabled   bool
	pageSize  uint64
	maxColors uint32
	capacity  uint32
	waySize   uint64

	hvColors     ColorSet
	hvSorted     ColorSet
	defaults     ColorSet
	dom0Colors   ColorSet
	dom0ParseErr error
}

// Disabled returns a Space with coloring turned off. All frame operations on
// it are identities.
func Disabled() *Space {
	return &Space{pageSize: DefaultPageSize}
}

// Init derives the color space from the LLC geometry and the configured
// hypervisor colors. Errors wrapping ErrFatal must abort boot.
func Init(opts Options, prober WayProber) (*Space, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	if !isPowerOfTwo(uint64(opts.MaxColorsCap)) {
		return nil, fmt.Errorf("%w: color table capacity %d isn't a power of 2", ErrFatal, opts.MaxColorsCap)
	}
	if !isPowerOfTwo(opts.PageSize) {
		return nil, fmt.Errorf("%w: page size %#x isn't a power of 2", ErrFatal, opts.PageSize)
	}

	explicitSizes := opts.LLCSize != 0 && opts.LLCNumWays != 0

	var waySize uint64
	switch {
	case opts.Enabled != EnableOff && explicitSizes:
		waySize = opts.LLCSize / opts.LLCNumWays
	case opts.Enabled != EnableOn:
		return &Space{pageSize: opts.PageSize, capacity: opts.MaxColorsCap}, nil
	default:
		if prober != nil {
			waySize = prober.WaySize()
		}
		if waySize == 0 {
			return nil, fmt.Errorf("%w: LLC probing failed and 'llc-size' or 'llc-nr-ways' missing", ErrFatal)
		}
	}

	if waySize%opts.PageSize != 0 {
		return nil, fmt.Errorf("%w: LLC way size %#x must be a multiple of the page size %#x", ErrFatal, waySize, opts.PageSize)
	}

	// Colors map onto frame number bits, so their count must be a power of 2.
	maxColors := waySize / opts.PageSize
	if maxColors&(maxColors-1) != 0 {
		return nil, fmt.Errorf("%w: number of LLC colors (%d) isn't a power of 2", ErrFatal, maxColors)
	}

	if maxColors > uint64(opts.MaxColorsCap) {
		log.Warn("number of LLC colors too big, using configured max",
			"colors", maxColors, "max", opts.MaxColorsCap)
		maxColors = uint64(opts.MaxColorsCap)
	} else if maxColors < 2 {
		return nil, fmt.Errorf("%w: number of LLC colors %d < 2", ErrFatal, maxColors)
	}

	s := &Space{
		enabled:   true,
		pageSize:  opts.PageSize,
		maxColors: uint32(maxColors),
		capacity:  opts.MaxColorsCap,
		waySize:   waySize,
		defaults:  make(ColorSet, maxColors),
	}
	for i := range s.defaults {
		s.defaults[i] = Color(i)
	}

	if opts.HypervisorColors == "" {
		n := min(opts.DefaultHypervisorColors, s.maxColors)
		log.Warn("hypervisor LLC color config not found, using first colors", "count", n)
		s.hvColors = s.defaults[:n:n].Clone()
	} else {
		colors, err := colorspec.Parse[Color](opts.HypervisorColors, int(opts.MaxColorsCap))
		if err != nil {
			return nil, fmt.Errorf("%w: bad LLC color config for hypervisor: %w", ErrFatal, err)
		}
		if len(colors) > int(s.maxColors) {
			return nil, fmt.Errorf("%w: bad LLC color config for hypervisor: %d colors > %d", ErrFatal, len(colors), s.maxColors)
		}
		if err := Check(colors, s.maxColors); err != nil {
			return nil, fmt.Errorf("%w: bad LLC color config for hypervisor: %w", ErrFatal, err)
		}
		s.hvColors = colors
	}
	s.hvSorted = s.hvColors.Clone()
	slices.Sort(s.hvSorted)

	if opts.Dom0Colors != "" {
		colors, err := colorspec.Parse[Color](opts.Dom0Colors, int(opts.MaxColorsCap))
		if err != nil {
			log.Error("bad dom0 LLC color config", "spec", opts.Dom0Colors, "err", err)
			s.dom0ParseErr = err
		} else {
			s.dom0Colors = colors
		}
	}

	return s, nil
}

// Enabled reports whether coloring is active.
func (s *Space) Enabled() bool { return s.enabled }

// MaxColors returns the number of colors, or zero when coloring is disabled.
func (s *Space) MaxColors() uint32 { return s.maxColors }

// Capacity returns the configured color table capacity.
func (s *Space) Capacity() uint32 { return s.capacity }

// PageSize returns the frame size in bytes.
func (s *Space) PageSize() uint64 { return s.pageSize }

// WaySize returns the LLC way size the space was derived from.
func (s *Space) WaySize() uint64 { return s.waySize }

// HypervisorColors returns the hypervisor's colors in configured order.
func (s *Space) HypervisorColors() ColorSet { return s.hvColors.Clone() }

// DefaultColors returns {0, ..., MaxColors-1}. The result is a copy.
func (s *Space) DefaultColors() ColorSet { return s.defaults.Clone() }

// DefaultView returns the shared default set without copying. Callers must
// not modify it.
func (s *Space) DefaultView() ColorSet { return s.defaults[:len(s.defaults):len(s.defaults)] }

// Dom0Colors returns the colors configured for the boot domain, if any, and
// the error from parsing them.
func (s *Space) Dom0Colors() (ColorSet, error) {
	return s.dom0Colors.Clone(), s.dom0ParseErr
}

// FrameToColor returns the color of frame f.
func (s *Space) FrameToColor(f Frame) Color {
	if !s.enabled {
		return 0
	}
	return Color(uint64(f) & s.colorMask())
}

// AddressToColor returns the color of the frame containing paddr.
func (s *Space) AddressToColor(paddr uint64) Color {
	return s.FrameToColor(Frame(paddr / s.pageSize))
}

func (s *Space) colorMask() uint64 { return uint64(s.maxColors) - 1 }

func (s *Space) withColor(f Frame, c Color) Frame {
	return Frame(uint64(f)&^s.colorMask() | uint64(c))
}

// Dump writes the coloring summary shown by the debug key handler.
func (s *Space) Dump(w io.Writer) error {
	if !s.enabled {
		return nil
	}
	_, err := fmt.Fprintf(w, "LLC coloring info:\n"+
		"    Number of LLC colors supported: %d\n"+
		"    Hypervisor LLC colors (%d): %s\n",
		s.maxColors, len(s.hvColors), s.hvColors)
	return err
}

// LogValue implements slog.LogValuer.
func (s *Space) LogValue() slog.Value {
	if !s.enabled {
		return slog.GroupValue(slog.Bool("enabled", false))
	}
	return slog.GroupValue(
		slog.Bool("enabled", true),
		slog.Uint64("maxColors", uint64(s.maxColors)),
		slog.Uint64("waySize", s.waySize),
		slog.String("hypervisorColors", colorspec.Format(s.hvColors)),
	)
}

// IsFatal reports whether err must abort boot.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
