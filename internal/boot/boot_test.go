package boot

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinyrange/llcc/internal/bootcfg"
	"github.com/tinyrange/llcc/internal/domain"
	"github.com/tinyrange/llcc/internal/fdt"
	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/placement"
	"github.com/tinyrange/llcc/internal/llc/probe"
)

const mib = 1 << 20

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func testBoard(t *testing.T, cmdline string, domains ...bootcfg.DomainConfig) bootcfg.Board {
	t.Helper()
	return bootcfg.Board{
		Version:      1,
		Cmdline:      cmdline,
		PageSize:     llc.DefaultPageSize,
		MaxColorsCap: llc.DefaultMaxColorsCap,
		Probe:        bootcfg.ProbeConfig{Kind: "none"},
		Image:        bootcfg.ImageConfig{Size: 2 * mib},
		Placement:    bootcfg.PlacementConfig{Align: placement.DefaultAlign},
		Memory:       []bootcfg.Bank{{Start: 0x40000000, Size: 256 * mib}},
		Domains:      domains,
	}
}

const coloredCmdline = "llc-coloring=on llc-size=64K llc-nr-ways=4 hv-llc-colors=0 dom0-llc-colors=1-2"

func TestRunColored(t *testing.T) {
	board := testBoard(t, coloredCmdline,
		bootcfg.DomainConfig{ID: 1, Name: "domU1", LLCColors: "3"},
		bootcfg.DomainConfig{ID: 2, Name: "domU2", Colors: []uint32{2, 3}},
		bootcfg.DomainConfig{ID: 3, Name: "domU3"},
	)
	reg := prometheus.NewRegistry()
	res, err := Run(board, quiet(), WithRegisterer(reg))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Space.Enabled() || res.Space.MaxColors() != 4 {
		t.Fatalf("space enabled=%v maxColors=%d", res.Space.Enabled(), res.Space.MaxColors())
	}
	if res.Dom0DirectMap {
		t.Fatal("colored dom0 must not be direct-mapped")
	}
	if res.Placement == nil || res.Layout == nil {
		t.Fatal("colored boot did not relocate the image")
	}
	if want := uint64(0x40000000 + 256*mib - 8*mib); res.Placement.Start != want || res.Placement.Size != 8*mib {
		t.Fatalf("placement = %#x+%#x, want %#x+%#x", res.Placement.Start, res.Placement.Size, want, 8*mib)
	}

	for _, tc := range []struct {
		id   domain.ID
		want llc.ColorSet
	}{
		{Dom0ID, llc.ColorSet{1, 2}},
		{1, llc.ColorSet{3}},
		{2, llc.ColorSet{2, 3}},
		{3, llc.ColorSet{0, 1, 2, 3}},
	} {
		got, err := res.Controller.OwnerColors(tc.id)
		if err != nil {
			t.Fatalf("OwnerColors(%d): %v", tc.id, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("d%d colors mismatch (-want +got):\n%s", tc.id, diff)
		}
	}

	n, err := testutil.GatherAndCount(reg, "llc_domain_colors")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("%d llc_domain_colors series, want 4", n)
	}
}

func TestRunDisabled(t *testing.T) {
	board := testBoard(t, "console=dtuart", bootcfg.DomainConfig{ID: 1, Name: "domU1", LLCColors: "3"})
	res, err := Run(board, quiet())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Space.Enabled() {
		t.Fatal("coloring enabled without sizes")
	}
	if !res.Dom0DirectMap {
		t.Fatal("uncolored dom0 should be direct-mapped")
	}
	if res.Placement != nil {
		t.Fatal("uncolored boot relocated the image")
	}
	if got := res.Dom0.Binding().Kind(); got != domain.Unbound {
		t.Fatalf("dom0 binding = %v, want unbound", got)
	}
}

func TestRunProbe(t *testing.T) {
	board := testBoard(t, "llc-coloring=on")
	res, err := Run(board, quiet(), WithProber(probe.Static(8*llc.DefaultPageSize)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Space.MaxColors() != 8 {
		t.Fatalf("MaxColors = %d, want 8", res.Space.MaxColors())
	}

	// Board selects no probe and the command line gives no sizes.
	if _, err := Run(board, quiet()); !llc.IsFatal(err) {
		t.Fatalf("Run without way size: got %v, want fatal", err)
	}
}

func TestRunFatal(t *testing.T) {
	for _, tc := range []struct {
		name  string
		board bootcfg.Board
	}{
		{"bad dom0 colors", testBoard(t, coloredCmdline+" dom0-llc-colors=0-4")},
		{"bad domain colors", testBoard(t, coloredCmdline, bootcfg.DomainConfig{ID: 1, Name: "x", LLCColors: "0,2-6,"})},
		{"bad domain array", testBoard(t, coloredCmdline, bootcfg.DomainConfig{ID: 1, Name: "x", Colors: []uint32{9}})},
		{"bad hypervisor colors", testBoard(t, "llc-size=64K llc-nr-ways=4 hv-llc-colors=7")},
		{"bad cmdline", testBoard(t, "llc-size=huge")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Run(tc.board, quiet()); !llc.IsFatal(err) {
				t.Fatalf("got %v, want fatal", err)
			}
		})
	}

	board := testBoard(t, coloredCmdline)
	board.Memory = []bootcfg.Bank{{Start: 0x40000000, Size: 4 * mib}}
	_, err := Run(board, quiet())
	if !llc.IsFatal(err) {
		t.Fatalf("no room for image: got %v, want fatal", err)
	}
}

func TestRunDeviceTree(t *testing.T) {
	blob, err := fdt.BuildDom0less(nil, []fdt.DomU{
		{Name: "vm1", LLCColors: "2-3"},
		{Name: "vm2"},
	})
	if err != nil {
		t.Fatalf("BuildDom0less: %v", err)
	}
	board := testBoard(t, coloredCmdline, bootcfg.DomainConfig{ID: 5, Name: "domU5"})
	res, err := Run(board, quiet(), WithDeviceTree(blob))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	d6, err := res.Controller.Domain(6)
	if err != nil || d6.Name != "vm1" {
		t.Fatalf("Domain(6) = %v, %v", d6, err)
	}
	colors, _ := res.Controller.OwnerColors(6)
	if diff := cmp.Diff(llc.ColorSet{2, 3}, colors); diff != "" {
		t.Fatalf("vm1 colors mismatch (-want +got):\n%s", diff)
	}
	if d7, err := res.Controller.Domain(7); err != nil || d7.Binding().Kind() != domain.Default {
		t.Fatalf("Domain(7) = %v, %v", d7, err)
	}

	bad, _ := fdt.BuildDom0less(nil, []fdt.DomU{{Name: "vm", LLCColors: "5-2"}})
	if _, err := Run(board, quiet(), WithDeviceTree(bad)); !llc.IsFatal(err) || !errors.Is(err, domain.ErrInvalidColor) {
		t.Fatalf("bad dom0less colors: got %v", err)
	}
}
