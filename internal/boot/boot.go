// Package boot runs the coloring part of hypervisor boot: it builds the
// color space, relocates the hypervisor image onto its colors, creates dom0
// and the domains described by the board or device tree.
package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/llcc/internal/bootcfg"
	"github.com/tinyrange/llcc/internal/domain"
	"github.com/tinyrange/llcc/internal/domctl"
	"github.com/tinyrange/llcc/internal/fdt"
	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/placement"
)

// Dom0ID is the boot domain's id.
const Dom0ID domain.ID = 0

// Result is the state left after a successful boot.
type Result struct {
	Space      *llc.Space
	Controller *domctl.Controller

	// Placement and Layout are nil when coloring is disabled.
	Placement *placement.Result
	Layout    *placement.Layout

	Dom0 *domain.Domain
	// Dom0DirectMap is false when coloring is enabled: a colored dom0
	// cannot have its guest addresses equal to machine addresses.
	Dom0DirectMap bool
}

type options struct {
	log       *slog.Logger
	prober    llc.WayProber
	reg       prometheus.Registerer
	alloc     domain.Allocator
	dtb       []byte
	hasProber bool
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the boot logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithProber overrides the way size source the board selects.
func WithProber(p llc.WayProber) Option {
	return func(o *options) { o.prober, o.hasProber = p, true }
}

// WithRegisterer exports the controller metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithAllocator sets the allocator for domain color sets.
func WithAllocator(a domain.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithDeviceTree adds the dom0less domains found in blob. They are created
// after the board's domains, with ids following the highest board id.
func WithDeviceTree(blob []byte) Option {
	return func(o *options) { o.dtb = blob }
}

// Run boots board. Every error it returns wraps llc.ErrFatal: a boot that
// cannot honor its coloring configuration must not continue.
func Run(board bootcfg.Board, opts ...Option) (*Result, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log

	llcOpts, err := board.Options(log)
	if err != nil {
		return nil, fatal(err)
	}
	prober := o.prober
	if !o.hasProber {
		if p := board.Prober(log); p != nil {
			prober = p
		}
	}

	space, err := llc.Init(llcOpts, prober)
	if err != nil {
		return nil, fatal(err)
	}
	log.Info("LLC coloring", "space", space)

	res := &Result{Space: space, Dom0DirectMap: !space.Enabled()}

	if space.Enabled() {
		if err := relocate(res, board, log); err != nil {
			return nil, err
		}
	}

	binderOpts := []domain.Option{domain.WithLogger(log)}
	if o.alloc != nil {
		binderOpts = append(binderOpts, domain.WithAllocator(o.alloc))
	}
	copier := &domctl.LocalCopier{}
	ctlOpts := []domctl.Option{domctl.WithLogger(log), domctl.WithCopier(copier)}
	if o.reg != nil {
		ctlOpts = append(ctlOpts, domctl.WithRegisterer(o.reg))
	}
	ctl, err := domctl.New(domain.NewBinder(space, binderOpts...), ctlOpts...)
	if err != nil {
		return nil, fatal(err)
	}
	res.Controller = ctl

	res.Dom0, err = ctl.CreateDomain(Dom0ID, "dom0")
	if err != nil {
		return nil, fatal(err)
	}
	if err := ctl.BindDom0(Dom0ID); err != nil {
		return nil, fatal(fmt.Errorf("error initializing LLC coloring for domain 0: %w", err))
	}

	domains, err := collectDomains(board, o.dtb)
	if err != nil {
		return nil, fatal(err)
	}
	for _, dc := range domains {
		if err := createDomain(ctl, copier, dc); err != nil {
			return nil, fatal(err)
		}
	}

	log.Info("boot complete", "domains", len(domains)+1, "dom0DirectMap", res.Dom0DirectMap)
	return res, nil
}

func relocate(res *Result, board bootcfg.Board, log *slog.Logger) error {
	span, err := placement.Relocate(res.Space, placement.Request{
		Banks:     board.Banks(),
		Reserved:  board.ReservedRegions(),
		ImageSize: board.Image.Size,
		Align:     board.Placement.Align,
		Limit:     board.Limit(),
		Logger:    log,
	})
	if err != nil {
		return fatal(err)
	}
	layout := placement.NewLayout(res.Space, span, board.Image.Size)
	if err := layout.Validate(); err != nil {
		return fatal(err)
	}
	res.Placement = &span
	res.Layout = layout
	return nil
}

func collectDomains(board bootcfg.Board, dtb []byte) ([]bootcfg.DomainConfig, error) {
	out := append([]bootcfg.DomainConfig(nil), board.Domains...)
	if dtb == nil {
		return out, nil
	}

	domUs, err := fdt.ReadDom0less(dtb)
	if err != nil {
		return nil, fmt.Errorf("malformed DTB: %w", err)
	}
	var next uint16
	for _, d := range board.Domains {
		next = max(next, d.ID)
	}
	for _, d := range domUs {
		if next == math.MaxUint16 {
			return nil, errors.New("no more domain IDs available")
		}
		next++
		out = append(out, bootcfg.DomainConfig{ID: next, Name: d.Name, LLCColors: d.LLCColors})
	}
	return out, nil
}

func createDomain(ctl *domctl.Controller, copier *domctl.LocalCopier, dc bootcfg.DomainConfig) error {
	id := domain.ID(dc.ID)
	d, err := ctl.CreateDomain(id, dc.Name)
	if err != nil {
		return fmt.Errorf("error creating domain %s: %w", dc.Name, err)
	}
	if !ctl.Space().Enabled() {
		return nil
	}

	switch {
	case dc.LLCColors != "":
		if _, err := ctl.SetOwnerColorsFromString(id, dc.LLCColors); err != nil {
			return fmt.Errorf("error initializing LLC coloring for domain %v: %w", d, err)
		}
	case len(dc.Colors) > 0:
		colors := make([]llc.Color, len(dc.Colors))
		for i, c := range dc.Colors {
			colors[i] = llc.Color(c)
		}
		h := copier.Put(colors)
		defer copier.Release(h)
		if err := ctl.SetOwnerColors(id, h, uint32(len(colors))); err != nil {
			return fmt.Errorf("error initializing LLC coloring for domain %v: %w", d, err)
		}
	}
	return nil
}

func fatal(err error) error {
	if llc.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", llc.ErrFatal, err)
}
