package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/llcc/internal/fdt"
	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/colorspec"
)

func newTestCLI() (*cli, *bytes.Buffer) {
	var out bytes.Buffer
	return &cli{stdout: &out, stderr: &bytes.Buffer{}}, &out
}

func TestParseCommand(t *testing.T) {
	c, out := newTestCLI()
	if err := c.run([]string{"parse", "-max", "16", "0,2-6,15"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "7 LLC colors: { 0, 2-6, 15 }\ncanonical: 0,2-6,15\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}

	c, _ = newTestCLI()
	if err := c.run([]string{"parse", "-max", "16", "0,16"}); !errors.Is(err, llc.ErrColorOutOfRange) {
		t.Fatalf("out of range: got %v", err)
	}
	if err := c.run([]string{"parse", "1-"}); !errors.Is(err, colorspec.ErrSyntax) {
		t.Fatalf("malformed: got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _ := newTestCLI()
	if err := c.run([]string{"frobnicate"}); !errors.Is(err, errUsage) {
		t.Fatalf("got %v, want usage error", err)
	}
	if err := c.run(nil); !errors.Is(err, errUsage) {
		t.Fatalf("got %v, want usage error", err)
	}
}

func TestBoardCommands(t *testing.T) {
	dir := t.TempDir()
	board := filepath.Join(dir, "board.yaml")

	c, _ := newTestCLI()
	if err := c.run([]string{"template", "-o", board}); err != nil {
		t.Fatalf("template: %v", err)
	}

	c, out := newTestCLI()
	if err := c.run([]string{"info", "-config", board}); err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(out.String(), "Number of LLC colors supported: 16") {
		t.Fatalf("info output:\n%s", out.String())
	}

	c, out = newTestCLI()
	if err := c.run([]string{"boot", "-config", board}); err != nil {
		t.Fatalf("boot: %v", err)
	}
	for _, want := range []string{
		"dom0 direct-mapped: false",
		"d0: 7 LLC colors: { 1-7 }",
		"d1: 4 LLC colors: { 8-11 }",
		"d2: 4 LLC colors: { 12-15 }",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("boot output missing %q:\n%s", want, out.String())
		}
	}

	c, out = newTestCLI()
	if err := c.run([]string{"map", "-config", board}); err != nil {
		t.Fatalf("map: %v", err)
	}
	if !strings.HasPrefix(out.String(), "512 pages mapped") {
		t.Fatalf("map output = %q", out.String())
	}

	dtb := filepath.Join(dir, "domus.dtb")
	c, _ = newTestCLI()
	if err := c.run([]string{"dtb", "-config", board, "-o", dtb}); err != nil {
		t.Fatalf("dtb: %v", err)
	}
	blob, err := os.ReadFile(dtb)
	if err != nil {
		t.Fatalf("read dtb: %v", err)
	}
	domUs, err := fdt.ReadDom0less(blob)
	if err != nil {
		t.Fatalf("ReadDom0less: %v", err)
	}
	if len(domUs) != 2 || domUs[1].LLCColors != "12-15" {
		t.Fatalf("exported domains = %+v", domUs)
	}
}

func TestBootFatal(t *testing.T) {
	board := filepath.Join(t.TempDir(), "board.yaml")
	data := "cmdline: llc-coloring=on\nmemory: [{start: 0x40000000, size: 0x10000000}]\n"
	if err := os.WriteFile(board, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, _ := newTestCLI()
	if err := c.run([]string{"boot", "-config", board}); !llc.IsFatal(err) {
		t.Fatalf("got %v, want fatal", err)
	}
}
