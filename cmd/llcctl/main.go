// Command llcctl inspects and exercises LLC coloring configurations: it
// parses color specs, boots a board description and exports dom0less
// device trees.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/llcc/internal/llc"
)

var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(c *cli, args []string) error
}

func commands() []command {
	return []command{
		{"parse", "parse [-max N] <spec>      validate a color spec", (*cli).parse},
		{"info", "info -config board.yaml    print the color space", (*cli).info},
		{"boot", "boot -config board.yaml    boot a board and dump domain colors", (*cli).boot},
		{"map", "map -config board.yaml     list the hypervisor's colored frames", (*cli).mapFrames},
		{"dtb", "dtb -config board.yaml -o out.dtb  export domains as a dom0less device tree", (*cli).dtb},
		{"template", "template -o board.yaml     write an example board description", (*cli).template},
	}
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger
	// tty enables progress output on stderr.
	tty bool
}

func main() {
	c := &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		tty:    isTerminal(os.Stderr),
	}
	if err := c.run(os.Args[1:]); err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			os.Exit(0)
		case errors.Is(err, errUsage):
			c.usage()
		case llc.IsFatal(err):
			fmt.Fprintf(os.Stderr, "panic: %v\n", err)
		default:
			fmt.Fprintf(os.Stderr, "llcctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func (c *cli) run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(c, args[1:])
		}
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func (c *cli) usage() {
	fmt.Fprintf(c.stderr, "Usage: llcctl <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands() {
		fmt.Fprintf(c.stderr, "  %s\n", cmd.usage)
	}
}

// flags returns a flag set for a subcommand with the shared -debug flag.
func (c *cli) flags(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	debug := fs.Bool("debug", false, "Enable debug logging")
	return fs, debug
}

func (c *cli) setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	c.log = slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}
