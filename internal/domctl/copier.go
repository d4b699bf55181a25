package domctl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/llcc/internal/llc"
)

var errBadHandle = errors.New("domctl: bad caller handle")

// Handle names a caller-owned buffer of colors.
type Handle uint64

// Copier reads colors out of a caller's address space. It fails if h does
// not name a readable buffer of at least len(dst) colors.
type Copier interface {
	CopyFromCaller(dst []llc.Color, h Handle) error
}

// LocalCopier serves handles for buffers held in this process, the way a
// toolstack would stage a guest handle before issuing the call.
type LocalCopier struct {
	mu   sync.Mutex
	next Handle
	bufs map[Handle][]llc.Color
}

// Put stages colors and returns a handle for them.
func (c *LocalCopier) Put(colors []llc.Color) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bufs == nil {
		c.bufs = make(map[Handle][]llc.Color)
	}
	c.next++
	c.bufs[c.next] = append([]llc.Color(nil), colors...)
	return c.next
}

// Release drops a staged buffer.
func (c *LocalCopier) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bufs, h)
}

func (c *LocalCopier) CopyFromCaller(dst []llc.Color, h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.bufs[h]
	if !ok {
		return fmt.Errorf("%w %d", errBadHandle, h)
	}
	if len(buf) < len(dst) {
		return fmt.Errorf("%w %d: %d colors staged, %d requested", errBadHandle, h, len(buf), len(dst))
	}
	copy(dst, buf)
	return nil
}

// callerSource adapts a Copier and handle to domain.Source.
type callerSource struct {
	c Copier
	h Handle
}

func (s callerSource) CopyColors(dst []llc.Color) error {
	return s.c.CopyFromCaller(dst, s.h)
}
