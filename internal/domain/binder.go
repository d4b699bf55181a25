package domain

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/llcc/internal/llc"
	"github.com/tinyrange/llcc/internal/llc/colorspec"
)

var (
	ErrAlreadyBound = errors.New("domain: LLC colors already set")
	ErrTooMany      = errors.New("domain: too many LLC colors")
	ErrInvalidColor = errors.New("domain: bad LLC color config")
	ErrNoMemory     = errors.New("domain: out of memory")
	ErrFault        = errors.New("domain: cannot read caller buffer")
	ErrNotSupported = errors.New("domain: LLC coloring disabled")
)

// Fit tells how a string-configured set was stored.
type Fit uint8

const (
	// FitNone means nothing was installed.
	FitNone Fit = iota
	// FitExact means the set was stored in an exactly sized buffer.
	FitExact
	// FitOversized means shrinking the parse buffer failed and the
	// validated set was kept in the larger buffer.
	FitOversized
)

func (f Fit) String() string {
	switch f {
	case FitExact:
		return "exact"
	case FitOversized:
		return "oversized"
	default:
		return "none"
	}
}

// Binder assigns color sets to domains against one color space. It holds no
// per-domain state and adds no locking.
type Binder struct {
	space *llc.Space
	alloc Allocator
	log   *slog.Logger
}

// Option configures a Binder.
type Option func(*Binder)

// WithAllocator overrides the heap allocator.
func WithAllocator(a Allocator) Option {
	return func(b *Binder) { b.alloc = a }
}

// WithLogger sets the logger used to report rejected configurations.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) { b.log = l }
}

// NewBinder returns a Binder for space.
func NewBinder(space *llc.Space, opts ...Option) *Binder {
	b := &Binder{
		space: space,
		alloc: HeapAllocator{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Space returns the color space the binder validates against.
func (b *Binder) Space() *llc.Space { return b.space }

// BindDefault points d at the shared default set. It is a no-op when
// coloring is disabled.
func (b *Binder) BindDefault(d *Domain) {
	if !b.space.Enabled() {
		return
	}
	def := b.space.DefaultView()
	d.binding = Binding{kind: Default, buf: def, count: len(def)}
}

// BindExplicit installs a private copy of colors.
func (b *Binder) BindExplicit(d *Domain, colors []llc.Color) error {
	return b.BindExplicitFrom(d, len(colors), SliceSource(colors))
}

// BindExplicitFrom installs n colors read from src. d must still be bound to
// the default set. A request for zero colors succeeds without changing the
// binding.
func (b *Binder) BindExplicitFrom(d *Domain, n int, src Source) error {
	if !b.space.Enabled() {
		return ErrNotSupported
	}
	if d.binding.kind != Default {
		return fmt.Errorf("%w: %v is %v", ErrAlreadyBound, d, d.binding.kind)
	}
	if n == 0 {
		return nil
	}
	if n < 0 || n > int(b.space.MaxColors()) {
		return fmt.Errorf("%w: %d > %d", ErrTooMany, n, b.space.MaxColors())
	}

	buf, err := b.alloc.Alloc(n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	if err := src.CopyColors(buf); err != nil {
		b.alloc.Free(buf)
		return fmt.Errorf("%w: %w", ErrFault, err)
	}

	if err := llc.Check(buf, b.space.MaxColors()); err != nil {
		b.log.Error("bad LLC color config", "domain", d, "err", err)
		b.alloc.Free(buf)
		return fmt.Errorf("%w: %w", ErrInvalidColor, err)
	}

	d.binding = Binding{kind: Owned, buf: buf, count: n}
	return nil
}

// BindFromString parses spec and installs the result. An empty spec is a
// successful no-op. The parse buffer is sized for the whole color space and
// shrunk afterwards; if shrinking fails the validated set is kept in the
// larger buffer and FitOversized is returned.
func (b *Binder) BindFromString(d *Domain, spec string) (Fit, error) {
	if spec == "" {
		return FitNone, nil
	}
	if !b.space.Enabled() {
		return FitNone, ErrNotSupported
	}
	if d.binding.kind != Default {
		return FitNone, fmt.Errorf("%w: %v is %v", ErrAlreadyBound, d, d.binding.kind)
	}

	scratch, err := b.alloc.Alloc(int(b.space.MaxColors()))
	if err != nil {
		return FitNone, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	n, err := colorspec.ParseInto(scratch, spec)
	if err != nil {
		b.log.Error("error parsing LLC color configuration", "domain", d, "spec", spec, "err", err)
		b.alloc.Free(scratch)
		return FitNone, fmt.Errorf("%w: %w", ErrInvalidColor, err)
	}

	if err := llc.Check(scratch[:n], b.space.MaxColors()); err != nil {
		b.log.Error("bad LLC color config", "domain", d, "err", err)
		b.alloc.Free(scratch)
		return FitNone, fmt.Errorf("%w: %w", ErrInvalidColor, err)
	}

	exact, err := b.alloc.Realloc(scratch, n)
	if err != nil {
		d.binding = Binding{kind: Oversized, buf: scratch, count: n}
		return FitOversized, nil
	}
	if len(exact) == 0 || &exact[0] != &scratch[0] {
		b.alloc.Free(scratch)
	}

	d.binding = Binding{kind: Owned, buf: exact, count: n}
	return FitExact, nil
}

// BindDom0 installs the boot domain's command-line colors, if any were
// given.
func (b *Binder) BindDom0(d *Domain) error {
	colors, parseErr := b.space.Dom0Colors()
	if parseErr != nil {
		b.log.Error("bad LLC color config", "domain", d, "err", parseErr)
		return fmt.Errorf("%w: %w", ErrInvalidColor, parseErr)
	}
	if len(colors) == 0 {
		return nil
	}
	if !b.space.Enabled() {
		return ErrNotSupported
	}
	if d.binding.kind != Default {
		return fmt.Errorf("%w: %v is %v", ErrAlreadyBound, d, d.binding.kind)
	}

	if len(colors) > int(b.space.MaxColors()) {
		b.log.Error("bad LLC color config", "domain", d, "count", len(colors), "max", b.space.MaxColors())
		return fmt.Errorf("%w: %w: %d > %d", ErrInvalidColor, ErrTooMany, len(colors), b.space.MaxColors())
	}
	if err := llc.Check(colors, b.space.MaxColors()); err != nil {
		b.log.Error("bad LLC color config", "domain", d, "err", err)
		return fmt.Errorf("%w: %w", ErrInvalidColor, err)
	}

	buf, err := b.alloc.Alloc(len(colors))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	copy(buf, colors)
	d.binding = Binding{kind: Owned, buf: buf, count: len(colors)}
	return nil
}

// Unbind releases d's colors. A domain on the shared default set owns
// nothing, so only its binding is reset.
func (b *Binder) Unbind(d *Domain) {
	if d.binding.Owned() {
		b.alloc.Free(d.binding.buf)
	}
	d.binding = Binding{kind: Freed}
}

// Colors returns a copy of d's current set.
func (b *Binder) Colors(d *Domain) llc.ColorSet {
	switch d.binding.kind {
	case Default, Owned, Oversized:
		return d.binding.colors().Clone()
	}
	return nil
}

// Dump writes d's colors in the debug key handler format.
func (b *Binder) Dump(d *Domain, w io.Writer) error {
	if !b.space.Enabled() {
		return nil
	}
	_, err := fmt.Fprintf(w, "%d LLC colors: %s\n", d.binding.count, d.binding.colors())
	return err
}
