package llc

import "iter"

// ColoredFrame returns the lowest frame >= f whose color belongs to the
// hypervisor. Colors are matched against the sorted hypervisor set; past the
// highest color the walk moves to the next color-space stride and takes the
// lowest one.
func (s *Space) ColoredFrame(f Frame) Frame {
	if !s.enabled {
		return f
	}

	color := s.FrameToColor(f)
	for _, c := range s.hvSorted {
		if color == c {
			return f
		}
		if color < c {
			return s.withColor(f, c)
		}
	}

	return s.withColor(f+Frame(s.maxColors), s.hvSorted[0])
}

// ColoredFrames yields count hypervisor frames starting at the first
// colored frame at or above start. The index is the page offset within the
// image.
func (s *Space) ColoredFrames(start Frame, count uint64) iter.Seq2[uint64, Frame] {
	return func(yield func(uint64, Frame) bool) {
		f := s.ColoredFrame(start)
		for i := uint64(0); i < count; i++ {
			if !yield(i, f) {
				return
			}
			f = s.ColoredFrame(f + 1)
		}
	}
}

// ColoredMapSize is the physical span that must be reserved to hold an image
// of imageSize bytes in hypervisor colors. The whole color space is
// reserved, since the colored walk advances in color-space strides.
func (s *Space) ColoredMapSize(imageSize, align uint64) uint64 {
	if !s.enabled {
		return alignUp(imageSize, align)
	}
	return alignUp(imageSize*uint64(s.maxColors), align)
}
