package domain

import (
	"errors"

	"github.com/tinyrange/llcc/internal/llc"
)

var errAllocSize = errors.New("domain: invalid allocation size")

// Allocator provides storage for private color sets. Implementations may
// fail, in which case the bind operation reports ErrNoMemory.
type Allocator interface {
	Alloc(n int) (llc.ColorSet, error)
	// Realloc returns a buffer of exactly n colors holding buf[:n]. On
	// failure buf remains valid.
	Realloc(buf llc.ColorSet, n int) (llc.ColorSet, error)
	Free(buf llc.ColorSet)
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) (llc.ColorSet, error) {
	if n < 0 {
		return nil, errAllocSize
	}
	return make(llc.ColorSet, n), nil
}

func (HeapAllocator) Realloc(buf llc.ColorSet, n int) (llc.ColorSet, error) {
	if n < 0 || n > len(buf) {
		return nil, errAllocSize
	}
	out := make(llc.ColorSet, n)
	copy(out, buf)
	return out, nil
}

func (HeapAllocator) Free(llc.ColorSet) {}

// Source supplies colors from outside the binder, typically a buffer owned
// by an unprivileged caller.
type Source interface {
	CopyColors(dst []llc.Color) error
}

// SliceSource is a Source backed by a local slice.
type SliceSource []llc.Color

func (s SliceSource) CopyColors(dst []llc.Color) error {
	if len(dst) > len(s) {
		return errors.New("domain: source shorter than requested count")
	}
	copy(dst, s)
	return nil
}
