package bootcfg

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/placement"
	"github.com/tinyrange/llcc/internal/llc/probe"
)

func TestParseCmdline(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cmdline string
		want    Cmdline
	}{
		{"empty", "", Cmdline{Coloring: llc.EnableUnset}},
		{"unrelated words", "console=dtuart dom0_mem=1G sync_console", Cmdline{Coloring: llc.EnableUnset}},
		{
			"full",
			"console=dtuart llc-coloring=on llc-size=1M llc-nr-ways=16 hv-llc-colors=0-1 dom0-llc-colors=2-7",
			Cmdline{
				Coloring:         llc.EnableOn,
				LLCSize:          1 << 20,
				LLCNumWays:       16,
				HypervisorColors: "0-1",
				Dom0Colors:       "2-7",
			},
		},
		{"bare flag", "llc-coloring", Cmdline{Coloring: llc.EnableOn}},
		{"negated flag", "no-llc-coloring", Cmdline{Coloring: llc.EnableOff}},
		{"off", "llc-coloring=0", Cmdline{Coloring: llc.EnableOff}},
		{"last wins", "llc-nr-ways=8 llc-nr-ways=0x10", Cmdline{Coloring: llc.EnableUnset, LLCNumWays: 16}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCmdline(tc.cmdline)
			if err != nil {
				t.Fatalf("ParseCmdline: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ParseCmdline mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCmdlineErrors(t *testing.T) {
	for _, cmdline := range []string{
		"llc-coloring=maybe",
		"llc-size=big",
		"llc-nr-ways=-1",
		"llc-size=1Q",
	} {
		if _, err := ParseCmdline(cmdline); !errors.Is(err, ErrBadParam) {
			t.Fatalf("ParseCmdline(%q): got %v, want %v", cmdline, err, ErrBadParam)
		}
	}
}

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"512", 512 << 10},
		{"512b", 512},
		{"64K", 64 << 10},
		{"2m", 2 << 20},
		{"1G", 1 << 30},
		{"1t", 1 << 40},
		{"0x10M", 16 << 20},
		{"0x1b", 0x1b << 10},
	} {
		got, err := ParseSize(tc.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSize(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}

	if _, err := ParseSize("0x100000000000T"); err == nil {
		t.Fatal("ParseSize accepted an overflowing size")
	}
}

func TestCmdlineOptions(t *testing.T) {
	c, err := ParseCmdline("llc-size=64K llc-nr-ways=4 hv-llc-colors=3")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	s, err := llc.Init(c.Options(), nil)
	if err != nil {
		t.Fatalf("llc.Init: %v", err)
	}
	if !s.Enabled() || s.MaxColors() != 4 {
		t.Fatalf("enabled=%v maxColors=%d", s.Enabled(), s.MaxColors())
	}
	if diff := cmp.Diff(llc.ColorSet{3}, s.HypervisorColors()); diff != "" {
		t.Fatalf("hypervisor colors mismatch (-want +got):\n%s", diff)
	}
}

const boardYAML = `
name: test
cmdline: "llc-coloring=on llc-size=1M llc-nr-ways=16 hv-llc-colors=0"
probe:
  kind: sysfs
  sysfsRoot: /tmp/cache
image:
  size: 0x200000
placement:
  limit32bit: true
memory:
  - start: 0x40000000
    size: 0x80000000
reserved:
  - name: initrd
    start: 0x48000000
    size: 0x1000000
domains:
  - id: 1
    name: domU1
    llcColors: "4-7"
  - id: 2
    colors: [8, 9]
`

func TestParseBoard(t *testing.T) {
	b, err := ParseBoard([]byte(boardYAML))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if b.Version != 1 || b.PageSize != probe.HostPageSize() || b.MaxColorsCap != llc.DefaultMaxColorsCap {
		t.Fatalf("defaults not applied: %+v", b)
	}
	if b.Placement.Align != placement.DefaultAlign {
		t.Fatalf("Align = %#x", b.Placement.Align)
	}
	if b.Limit() != placement.Limit32Bit {
		t.Fatalf("Limit = %#x", b.Limit())
	}
	if diff := cmp.Diff([]placement.Bank{{Start: 0x40000000, Size: 0x80000000}}, b.Banks()); diff != "" {
		t.Fatalf("Banks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]placement.Region{{Name: "initrd", Start: 0x48000000, Size: 0x1000000}}, b.ReservedRegions()); diff != "" {
		t.Fatalf("ReservedRegions mismatch (-want +got):\n%s", diff)
	}
	want := []DomainConfig{
		{ID: 1, Name: "domU1", LLCColors: "4-7"},
		{ID: 2, Colors: []uint32{8, 9}},
	}
	if diff := cmp.Diff(want, b.Domains); diff != "" {
		t.Fatalf("Domains mismatch (-want +got):\n%s", diff)
	}

	p, ok := b.Prober(nil).(probe.Sysfs)
	if !ok || p.Root != "/tmp/cache" {
		t.Fatalf("Prober = %#v", b.Prober(nil))
	}

	opts, err := b.Options(nil)
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Enabled != llc.EnableOn || opts.LLCSize != 1<<20 || opts.PageSize != b.PageSize {
		t.Fatalf("Options = %+v", opts)
	}
}

func TestParseBoardInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"no memory", "cmdline: x\n"},
		{"bad probe", "probe: {kind: cpuid}\nmemory: [{start: 0, size: 1}]\n"},
		{"dom0 id", "memory: [{start: 0, size: 1}]\ndomains: [{id: 0}]\n"},
		{"duplicate id", "memory: [{start: 0, size: 1}]\ndomains: [{id: 3}, {id: 3}]\n"},
		{"both color forms", "memory: [{start: 0, size: 1}]\ndomains: [{id: 3, llcColors: '1', colors: [1]}]\n"},
		{"not yaml", "memory: [\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBoard([]byte(tc.yaml)); err == nil {
				t.Fatal("ParseBoard accepted an invalid board")
			}
		})
	}
}

func TestStaticProbeDefault(t *testing.T) {
	b, err := ParseBoard([]byte("probe: {waySize: 65536}\nmemory: [{start: 0, size: 1}]\n"))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if got := b.Prober(nil); got != probe.Static(65536) {
		t.Fatalf("Prober = %#v", got)
	}
}

func TestARM64Probe(t *testing.T) {
	// L1 split, L2 unified; L2 has 64-byte lines and 1024 sets.
	b, err := ParseBoard([]byte(`
probe:
  kind: arm64
  clidr: 0x23
  ccsidr: [0, 0x7fe002]
memory: [{start: 0, size: 1}]
`))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if b.PageSize != llc.DefaultPageSize {
		t.Fatalf("PageSize = %#x", b.PageSize)
	}
	if got := b.Prober(nil).WaySize(); got != 64*1024 {
		t.Fatalf("WaySize = %#x, want %#x", got, 64*1024)
	}
}

func TestWriteBoardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	in, err := ParseBoard([]byte(boardYAML))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if err := WriteBoard(path, in); err != nil {
		t.Fatalf("WriteBoard: %v", err)
	}
	out, err := LoadBoard(path)
	if err != nil {
		t.Fatalf("LoadBoard: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
