// Package domctl is the management surface for LLC coloring: it keeps the
// domain table, forwards color requests to a domain.Binder and reports
// results as errno values.
package domctl

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/llcc/internal/domain"
	"github.com/tinyrange/llcc/internal/llc"
)

var (
	ErrNoDomain     = errors.New("domctl: no such domain")
	ErrDomainExists = errors.New("domctl: domain already exists")
)

// Controller owns the domain table. The mutex guards the table only;
// operations on one domain are serialised by the caller, as the binder
// requires.
type Controller struct {
	mu      sync.Mutex
	domains map[domain.ID]*domain.Domain

	binder  *domain.Binder
	copier  Copier
	metrics *metrics
	reg     prometheus.Registerer
	log     *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithCopier sets how SetOwnerColors reads caller buffers. Without one,
// SetOwnerColors fails with EFAULT.
func WithCopier(c Copier) Option {
	return func(ctl *Controller) { ctl.copier = c }
}

// WithRegisterer registers the controller's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(ctl *Controller) { ctl.reg = reg }
}

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// New returns a controller serving binder.
func New(binder *domain.Binder, opts ...Option) (*Controller, error) {
	ctl := &Controller{
		domains: make(map[domain.ID]*domain.Domain),
		binder:  binder,
		copier:  nilCopier{},
		metrics: newMetrics(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(ctl)
	}
	if ctl.reg != nil {
		if err := ctl.metrics.register(ctl.reg); err != nil {
			return nil, fmt.Errorf("domctl: register metrics: %w", err)
		}
	}
	ctl.metrics.maxColors.Set(float64(binder.Space().MaxColors()))
	return ctl, nil
}

// Space returns the color space behind the controller.
func (c *Controller) Space() *llc.Space { return c.binder.Space() }

// CreateDomain adds a domain and binds it to the default colors.
func (c *Controller) CreateDomain(id domain.ID, name string) (*domain.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.domains[id]; ok {
		return nil, fmt.Errorf("%w: d%d", ErrDomainExists, id)
	}
	d := domain.New(id, name)
	c.binder.BindDefault(d)
	c.domains[id] = d

	c.metrics.domains.Set(float64(len(c.domains)))
	c.metrics.setDomain(d)
	c.log.Debug("domain created", "domain", d, "binding", d.Binding().Kind())
	return d, nil
}

// DestroyDomain releases the domain's colors and forgets it.
func (c *Controller) DestroyDomain(id domain.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[id]
	if !ok {
		return fmt.Errorf("%w: d%d", ErrNoDomain, id)
	}
	c.binder.Unbind(d)
	delete(c.domains, id)

	c.metrics.domains.Set(float64(len(c.domains)))
	c.metrics.dropDomain(id)
	return nil
}

// Domain looks up a domain by id.
func (c *Controller) Domain(id domain.ID) (*domain.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: d%d", ErrNoDomain, id)
	}
	return d, nil
}

// Domains yields the known domains in id order.
func (c *Controller) Domains() iter.Seq[*domain.Domain] {
	c.mu.Lock()
	list := slices.SortedFunc(maps.Values(c.domains), func(a, b *domain.Domain) int {
		return cmp.Compare(a.ID, b.ID)
	})
	c.mu.Unlock()
	return slices.Values(list)
}

// MaxColors returns the number of colors, zero when coloring is disabled.
func (c *Controller) MaxColors() uint32 { return c.binder.Space().MaxColors() }

// OwnerColors returns a copy of the domain's colors.
func (c *Controller) OwnerColors(id domain.ID) (llc.ColorSet, error) {
	d, err := c.Domain(id)
	if err != nil {
		return nil, err
	}
	return c.binder.Colors(d), nil
}

// SetOwnerColors installs count colors read from the caller buffer h.
func (c *Controller) SetOwnerColors(id domain.ID, h Handle, count uint32) error {
	err := c.setOwnerColors(id, h, count)
	c.metrics.observeBind("array", err)
	return err
}

func (c *Controller) setOwnerColors(id domain.ID, h Handle, count uint32) error {
	d, err := c.Domain(id)
	if err != nil {
		return err
	}
	if err := c.binder.BindExplicitFrom(d, int(count), callerSource{c: c.copier, h: h}); err != nil {
		return err
	}
	c.metrics.setDomain(d)
	return nil
}

// SetOwnerColorsFromString parses spec and installs the result.
func (c *Controller) SetOwnerColorsFromString(id domain.ID, spec string) (domain.Fit, error) {
	fit, err := c.setOwnerColorsFromString(id, spec)
	c.metrics.observeBind("string", err)
	return fit, err
}

func (c *Controller) setOwnerColorsFromString(id domain.ID, spec string) (domain.Fit, error) {
	d, err := c.Domain(id)
	if err != nil {
		return domain.FitNone, err
	}
	fit, err := c.binder.BindFromString(d, spec)
	if err != nil {
		return fit, err
	}
	if fit == domain.FitOversized {
		c.log.Warn("keeping LLC colors in oversized buffer", "domain", d)
	}
	c.metrics.setDomain(d)
	return fit, nil
}

// BindDom0 applies the boot command line's dom0 colors to domain id.
func (c *Controller) BindDom0(id domain.ID) error {
	d, err := c.Domain(id)
	if err == nil {
		err = c.binder.BindDom0(d)
	}
	c.metrics.observeBind("dom0", err)
	if err != nil {
		return err
	}
	c.metrics.setDomain(d)
	return nil
}

// FrameToColor returns the color of frame f.
func (c *Controller) FrameToColor(f llc.Frame) llc.Color {
	return c.binder.Space().FrameToColor(f)
}

// ColoredFrame returns the next hypervisor-colored frame at or above f.
func (c *Controller) ColoredFrame(f llc.Frame) llc.Frame {
	return c.binder.Space().ColoredFrame(f)
}

// Dump writes the coloring summary followed by every domain's colors.
func (c *Controller) Dump(w io.Writer) error {
	if err := c.binder.Space().Dump(w); err != nil {
		return err
	}
	for d := range c.Domains() {
		if !c.binder.Space().Enabled() {
			break
		}
		if _, err := fmt.Fprintf(w, "%v: ", d); err != nil {
			return err
		}
		if err := c.binder.Dump(d, w); err != nil {
			return err
		}
	}
	return nil
}

type nilCopier struct{}

func (nilCopier) CopyFromCaller([]llc.Color, Handle) error {
	return errors.New("domctl: no caller memory configured")
}
