package probe

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeCacheIndex(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for k, v := range files {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", k, err)
		}
	}
}

func TestSysfsPicksHighestUnifiedLevel(t *testing.T) {
	root := t.TempDir()
	writeCacheIndex(t, root, "index0", map[string]string{
		"type": "Data", "level": "1", "coherency_line_size": "64", "number_of_sets": "64",
	})
	writeCacheIndex(t, root, "index2", map[string]string{
		"type": "Unified", "level": "2", "coherency_line_size": "64", "number_of_sets": "1024",
	})
	writeCacheIndex(t, root, "index3", map[string]string{
		"type": "Unified", "level": "3", "coherency_line_size": "64", "number_of_sets": "2048",
	})

	p := Sysfs{Root: root, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if got := p.WaySize(); got != 64*2048 {
		t.Fatalf("WaySize() = %d, want %d", got, 64*2048)
	}
}

func TestSysfsMissing(t *testing.T) {
	p := Sysfs{Root: filepath.Join(t.TempDir(), "nope"), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if got := p.WaySize(); got != 0 {
		t.Fatalf("WaySize() = %d, want 0", got)
	}
}

func TestDecodeARM64(t *testing.T) {
	// L1 split (0b011), L2 unified (0b100) at level index 2.
	clidr := uint64(0b011) | uint64(0b100)<<3
	var selected int
	regs := ARM64Registers{
		CLIDR: clidr,
		CCSIDR: func(level int) uint64 {
			selected = level
			// Line size 64 bytes (log2 - 4 = 2), 1024 sets.
			return 2 | uint64(1023)<<ccsidrNumSetsShift
		},
	}
	g, ok := DecodeARM64(regs)
	if !ok {
		t.Fatal("DecodeARM64 found no unified cache")
	}
	if selected != 1 {
		t.Fatalf("selected CSSELR level %d, want 1", selected)
	}
	if g.Level != 2 || g.LineSize != 64 || g.NumSets != 1024 {
		t.Fatalf("geometry = %+v", g)
	}
	if got := (ARM64{Registers: regs}).WaySize(); got != 64*1024 {
		t.Fatalf("WaySize() = %d, want %d", got, 64*1024)
	}
}

func TestDecodeARM64CCIDX(t *testing.T) {
	regs := ARM64Registers{
		CLIDR: uint64(0b100),
		MMFR2: 1 << mmfr2CCIDXShift,
		CCSIDR: func(int) uint64 {
			return 3 | uint64(4095)<<ccsidrNumSetsShiftCCIDX
		},
	}
	g, ok := DecodeARM64(regs)
	if !ok {
		t.Fatal("DecodeARM64 found no unified cache")
	}
	if g.LineSize != 128 || g.NumSets != 4096 {
		t.Fatalf("geometry = %+v", g)
	}
}

func TestDecodeARM64NoUnified(t *testing.T) {
	regs := ARM64Registers{CLIDR: 0b011, CCSIDR: func(int) uint64 { return 0 }}
	if _, ok := DecodeARM64(regs); ok {
		t.Fatal("DecodeARM64 reported a unified cache")
	}
	if got := (ARM64{Registers: regs}).WaySize(); got != 0 {
		t.Fatalf("WaySize() = %d, want 0", got)
	}
}

func TestAdapters(t *testing.T) {
	if got := Static(0x10000).WaySize(); got != 0x10000 {
		t.Fatalf("Static = %#x", got)
	}
	if got := Func(func() uint64 { return 7 }).WaySize(); got != 7 {
		t.Fatalf("Func = %d", got)
	}
	if HostPageSize() == 0 {
		t.Fatal("HostPageSize() = 0")
	}
}
