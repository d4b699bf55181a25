package placement

import (
	"fmt"
	"iter"

	"github.com/tinyrange/llcc/internal/llc"
)

// Mapping places one page of the hypervisor image.
type Mapping struct {
	// Offset is the byte offset of the page within the image.
	Offset uint64
	// Frame is the physical frame backing it.
	Frame llc.Frame
}

// Layout is the colored mapping of the hypervisor image inside a relocated
// span.
type Layout struct {
	space *llc.Space
	span  Result
	pages uint64
}

// NewLayout describes imageSize bytes mapped over hypervisor colors starting
// at the bottom of span.
func NewLayout(space *llc.Space, span Result, imageSize uint64) *Layout {
	ps := space.PageSize()
	return &Layout{
		space: space,
		span:  span,
		pages: (imageSize + ps - 1) / ps,
	}
}

// Pages returns the number of image pages.
func (l *Layout) Pages() uint64 { return l.pages }

// Mappings yields every image page with its colored frame, in ascending
// frame order.
func (l *Layout) Mappings() iter.Seq[Mapping] {
	ps := l.space.PageSize()
	return func(yield func(Mapping) bool) {
		for i, f := range l.space.ColoredFrames(l.span.Frame(ps), l.pages) {
			if !yield(Mapping{Offset: i * ps, Frame: f}) {
				return
			}
		}
	}
}

// Validate checks that every colored frame stays inside the relocated span
// and carries a hypervisor color.
func (l *Layout) Validate() error {
	ps := l.space.PageSize()
	allowed := make(map[llc.Color]struct{})
	for _, c := range l.space.HypervisorColors() {
		allowed[c] = struct{}{}
	}
	first, last := l.span.Frame(ps), llc.Frame(l.span.End()/ps)

	for m := range l.Mappings() {
		if m.Frame < first || m.Frame >= last {
			return fmt.Errorf("placement: page at offset %#x maps to frame %#x outside [%#x, %#x)",
				m.Offset, m.Frame, first, last)
		}
		if !l.space.Enabled() {
			continue
		}
		if _, ok := allowed[l.space.FrameToColor(m.Frame)]; !ok {
			return fmt.Errorf("placement: frame %#x has color %d not reserved for the hypervisor",
				m.Frame, l.space.FrameToColor(m.Frame))
		}
	}
	return nil
}
