// Package probe determines the LLC way size, the one hardware input the
// color space needs.
package probe

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Probe returns the LLC way size in bytes, or zero when it is unsupported or
// probing failed.
type Probe interface {
	WaySize() uint64
}

// Static reports a fixed way size.
type Static uint64

func (s Static) WaySize() uint64 { return uint64(s) }

// Func adapts a function to Probe.
type Func func() uint64

func (f Func) WaySize() uint64 { return f() }

// HostPageSize returns the page size of the running kernel.
func HostPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

// DefaultSysfsRoot is where Linux exposes cpu0's cache hierarchy.
const DefaultSysfsRoot = "/sys/devices/system/cpu/cpu0/cache"

// Sysfs reads the host cache topology from Linux sysfs. The LLC is the
// highest-level unified cache; its way size is line size times number of
// sets.
type Sysfs struct {
	Root   string
	Logger *slog.Logger
}

func (p Sysfs) WaySize() uint64 {
	root := p.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		log.Warn("LLC probe: read cache topology", "root", root, "err", err)
		return 0
	}

	var (
		bestLevel uint64
		bestLine  uint64
		bestSets  uint64
	)
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), "index") {
			continue
		}
		dir := filepath.Join(root, ent.Name())
		typ, err := readString(dir, "type")
		if err != nil || typ != "Unified" {
			continue
		}
		level, err := readUint(dir, "level")
		if err != nil || level <= bestLevel {
			continue
		}
		line, err := readUint(dir, "coherency_line_size")
		if err != nil {
			continue
		}
		sets, err := readUint(dir, "number_of_sets")
		if err != nil {
			continue
		}
		bestLevel, bestLine, bestSets = level, line, sets
	}

	if bestLevel == 0 {
		return 0
	}
	log.Info("LLC found", "level", bestLevel, "lineSize", bestLine, "sets", bestSets)
	return bestLine * bestSets
}

func readString(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(dir, name string) (uint64, error) {
	s, err := readString(dir, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}
