package bootcfg

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/placement"
	"github.com/tinyrange/llcc/internal/llc/probe"
)

// Board describes a machine to boot: its command line, memory map and the
// domains created at boot.
type Board struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name,omitempty"`
	Cmdline string `yaml:"cmdline"`

	PageSize     uint64 `yaml:"pageSize,omitempty"`
	MaxColorsCap uint32 `yaml:"maxColorsCap,omitempty"`

	Probe     ProbeConfig     `yaml:"probe,omitempty"`
	Image     ImageConfig     `yaml:"image"`
	Placement PlacementConfig `yaml:"placement,omitempty"`

	Memory   []Bank         `yaml:"memory"`
	Reserved []Region       `yaml:"reserved,omitempty"`
	Domains  []DomainConfig `yaml:"domains,omitempty"`
}

// ProbeConfig selects how the LLC way size is found when the command line
// does not give it.
type ProbeConfig struct {
	// Kind is "static", "sysfs", "arm64" or "none".
	Kind    string `yaml:"kind,omitempty"`
	WaySize uint64 `yaml:"waySize,omitempty"`
	// SysfsRoot overrides probe.DefaultSysfsRoot.
	SysfsRoot string `yaml:"sysfsRoot,omitempty"`

	// Captured ARM64 cache identification registers. CCSIDR is indexed by
	// zero-based cache level.
	CLIDR  uint64   `yaml:"clidr,omitempty"`
	MMFR2  uint64   `yaml:"mmfr2,omitempty"`
	CCSIDR []uint64 `yaml:"ccsidr,omitempty"`
}

type ImageConfig struct {
	Size uint64 `yaml:"size"`
}

type PlacementConfig struct {
	Align      uint64 `yaml:"align,omitempty"`
	Limit32Bit bool   `yaml:"limit32bit,omitempty"`
}

type Bank struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

type Region struct {
	Name  string `yaml:"name,omitempty"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// DomainConfig is a domain built at boot. LLCColors is a color spec; Colors
// is an explicit list handed over as a caller buffer. At most one may be set.
type DomainConfig struct {
	ID        uint16   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	LLCColors string   `yaml:"llcColors,omitempty"`
	Colors    []uint32 `yaml:"colors,omitempty"`
}

func (b *Board) normalize() {
	if b.Version == 0 {
		b.Version = 1
	}
	if b.Probe.Kind == "" {
		b.Probe.Kind = "none"
		if b.Probe.WaySize != 0 {
			b.Probe.Kind = "static"
		}
	}
	if b.PageSize == 0 {
		b.PageSize = llc.DefaultPageSize
		// A board probed from the running host uses the host's pages.
		if b.Probe.Kind == "sysfs" {
			b.PageSize = probe.HostPageSize()
		}
	}
	if b.MaxColorsCap == 0 {
		b.MaxColorsCap = llc.DefaultMaxColorsCap
	}
	if b.Placement.Align == 0 {
		b.Placement.Align = placement.DefaultAlign
	}
}

func (b *Board) validate() error {
	switch b.Probe.Kind {
	case "none", "static", "sysfs", "arm64":
	default:
		return fmt.Errorf("unknown probe kind %q", b.Probe.Kind)
	}
	if len(b.Memory) == 0 {
		return fmt.Errorf("no memory banks")
	}
	seen := make(map[uint16]bool)
	for _, d := range b.Domains {
		if d.ID == 0 {
			return fmt.Errorf("domain %q: id 0 is reserved for dom0", d.Name)
		}
		if seen[d.ID] {
			return fmt.Errorf("domain %d listed twice", d.ID)
		}
		seen[d.ID] = true
		if d.LLCColors != "" && len(d.Colors) > 0 {
			return fmt.Errorf("domain %d: llcColors and colors are exclusive", d.ID)
		}
	}
	return nil
}

// ParseBoard decodes a board description.
func ParseBoard(data []byte) (Board, error) {
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("parse board: %w", err)
	}
	b.normalize()
	if err := b.validate(); err != nil {
		return Board{}, fmt.Errorf("invalid board: %w", err)
	}
	return b, nil
}

// LoadBoard reads a board description from path.
func LoadBoard(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseBoard(data)
}

// WriteBoard writes b as YAML to path.
func WriteBoard(path string, b Board) error {
	b.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&b); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Options parses the command line and combines it with the board's table
// geometry.
func (b Board) Options(logger *slog.Logger) (llc.Options, error) {
	c, err := ParseCmdline(b.Cmdline)
	if err != nil {
		return llc.Options{}, err
	}
	opts := c.Options()
	opts.PageSize = b.PageSize
	opts.MaxColorsCap = b.MaxColorsCap
	opts.Logger = logger
	return opts, nil
}

// Prober returns the way size source the board asks for, or nil.
func (b Board) Prober(logger *slog.Logger) probe.Probe {
	switch b.Probe.Kind {
	case "static":
		return probe.Static(b.Probe.WaySize)
	case "sysfs":
		return probe.Sysfs{Root: b.Probe.SysfsRoot, Logger: logger}
	case "arm64":
		ccsidr := b.Probe.CCSIDR
		return probe.ARM64{Registers: probe.ARM64Registers{
			CLIDR: b.Probe.CLIDR,
			MMFR2: b.Probe.MMFR2,
			CCSIDR: func(level int) uint64 {
				if level < 0 || level >= len(ccsidr) {
					return 0
				}
				return ccsidr[level]
			},
		}}
	}
	return nil
}

// Banks returns the memory map for placement.
func (b Board) Banks() []placement.Bank {
	out := make([]placement.Bank, len(b.Memory))
	for i, m := range b.Memory {
		out[i] = placement.Bank{Start: m.Start, Size: m.Size}
	}
	return out
}

// ReservedRegions returns ranges placement must avoid.
func (b Board) ReservedRegions() []placement.Region {
	out := make([]placement.Region, len(b.Reserved))
	for i, r := range b.Reserved {
		out[i] = placement.Region{Name: r.Name, Start: r.Start, Size: r.Size}
	}
	return out
}

// Limit returns the placement ceiling, zero for none.
func (b Board) Limit() uint64 {
	if b.Placement.Limit32Bit {
		return placement.Limit32Bit
	}
	return 0
}
