package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/llcc/internal/boot"
	"github.com/tinyrange/llcc/internal/bootcfg"
	"github.com/tinyrange/llcc/internal/fdt"
	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/colorspec"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *cli) parse(args []string) error {
	fs, debug := c.flags("parse")
	maxColors := fs.Uint("max", llc.DefaultMaxColorsCap, "Number of LLC colors to validate against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.setupLogging(*debug)
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: parse takes one color spec", errUsage)
	}

	colors, err := colorspec.Parse[llc.Color](fs.Arg(0), int(*maxColors))
	if err != nil {
		return err
	}
	if err := llc.Check(colors, uint32(*maxColors)); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d LLC colors: %s\n", len(colors), llc.ColorSet(colors))
	fmt.Fprintf(c.stdout, "canonical: %s\n", colorspec.Format(colors))
	return nil
}

// loadBoard parses a subcommand with a -config flag and loads the board.
func (c *cli) loadBoard(name string, args []string, extra func(fs *flag.FlagSet)) (bootcfg.Board, error) {
	fs, debug := c.flags(name)
	config := fs.String("config", "", "Board description (YAML)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return bootcfg.Board{}, err
	}
	c.setupLogging(*debug)
	if *config == "" {
		return bootcfg.Board{}, fmt.Errorf("%w: -config is required", errUsage)
	}
	return bootcfg.LoadBoard(*config)
}

func (c *cli) info(args []string) error {
	board, err := c.loadBoard("info", args, nil)
	if err != nil {
		return err
	}
	opts, err := board.Options(c.log)
	if err != nil {
		return err
	}
	space, err := llc.Init(opts, board.Prober(c.log))
	if err != nil {
		return err
	}
	if !space.Enabled() {
		fmt.Fprintln(c.stdout, "LLC coloring disabled")
		return nil
	}
	fmt.Fprintf(c.stdout, "LLC way size: %#x\n", space.WaySize())
	return space.Dump(c.stdout)
}

func (c *cli) boot(args []string) error {
	var dtbPath, metricsAddr *string
	board, err := c.loadBoard("boot", args, func(fs *flag.FlagSet) {
		dtbPath = fs.String("dtb", "", "Device tree with dom0less domains")
		metricsAddr = fs.String("metrics-listen", "", "Serve Prometheus metrics on this address after boot")
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	opts := []boot.Option{boot.WithLogger(c.log), boot.WithRegisterer(reg)}
	if *dtbPath != "" {
		blob, err := os.ReadFile(*dtbPath)
		if err != nil {
			return fmt.Errorf("read device tree: %w", err)
		}
		opts = append(opts, boot.WithDeviceTree(blob))
	}

	res, err := boot.Run(board, opts...)
	if err != nil {
		return err
	}
	if res.Placement != nil {
		fmt.Fprintf(c.stdout, "hypervisor relocated to [%#x, %#x)\n", res.Placement.Start, res.Placement.End())
	}
	fmt.Fprintf(c.stdout, "dom0 direct-mapped: %v\n", res.Dom0DirectMap)
	if err := res.Controller.Dump(c.stdout); err != nil {
		return err
	}

	if *metricsAddr == "" {
		return nil
	}
	c.log.Info("serving metrics", "addr", *metricsAddr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(*metricsAddr, mux); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *cli) mapFrames(args []string) error {
	var list *bool
	board, err := c.loadBoard("map", args, func(fs *flag.FlagSet) {
		list = fs.Bool("list", false, "Print every page mapping")
	})
	if err != nil {
		return err
	}

	res, err := boot.Run(board, boot.WithLogger(c.log))
	if err != nil {
		return err
	}
	if res.Layout == nil {
		return errors.New("LLC coloring disabled, image is not colored")
	}

	var bar *progressbar.ProgressBar
	if c.tty && !*list {
		bar = progressbar.Default(int64(res.Layout.Pages()), "mapping")
	}

	pageSize := res.Space.PageSize()
	var first, last llc.Frame
	n := uint64(0)
	for m := range res.Layout.Mappings() {
		if n == 0 {
			first = m.Frame
		}
		last = m.Frame
		n++
		if *list {
			fmt.Fprintf(c.stdout, "%#010x -> %#x (color %d)\n", m.Offset, uint64(m.Frame)*pageSize, res.Space.FrameToColor(m.Frame))
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if err := res.Layout.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "%d pages mapped, frames %#x-%#x within [%#x, %#x)\n",
		n, first, last, res.Placement.Start, res.Placement.End())
	return nil
}

func (c *cli) dtb(args []string) error {
	var out *string
	board, err := c.loadBoard("dtb", args, func(fs *flag.FlagSet) {
		out = fs.String("o", "", "Output device tree blob")
	})
	if err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("%w: -o is required", errUsage)
	}

	domains := make([]fdt.DomU, 0, len(board.Domains))
	for _, d := range board.Domains {
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("domU%d", d.ID)
		}
		spec := d.LLCColors
		if len(d.Colors) > 0 {
			spec = colorspec.Format(d.Colors)
		}
		domains = append(domains, fdt.DomU{Name: name, LLCColors: spec})
	}

	blob, err := fdt.BuildDom0less(board.Banks(), domains)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(c.stdout, "wrote %d domains to %s\n", len(domains), *out)
	return nil
}

func (c *cli) template(args []string) error {
	fs, debug := c.flags("template")
	out := fs.String("o", "board.yaml", "Output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.setupLogging(*debug)

	return bootcfg.WriteBoard(*out, bootcfg.Board{
		Name:    "example",
		Cmdline: "llc-coloring=on llc-size=1M llc-nr-ways=16 hv-llc-colors=0 dom0-llc-colors=1-7",
		Image:   bootcfg.ImageConfig{Size: 0x200000},
		Memory:  []bootcfg.Bank{{Start: 0x40000000, Size: 0x80000000}},
		Domains: []bootcfg.DomainConfig{
			{ID: 1, Name: "domU1", LLCColors: "8-11"},
			{ID: 2, Name: "domU2", Colors: []uint32{12, 13, 14, 15}},
		},
	})
}
