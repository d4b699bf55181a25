// Package domain binds LLC color sets to guest domains.
//
// A domain starts Unbound, is bound to the shared default set when it is
// created with coloring enabled, may receive one explicit set (from the
// management plane, the boot domain's command line or a dom0less
// configuration string) and releases that set when it is destroyed.
package domain

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/llcc/internal/llc"
)

// ID is a domain identifier.
type ID uint16

// Domain is the per-domain state owned by this package. Callers serialise
// operations on a single domain.
type Domain struct {
	ID   ID
	Name string

	binding Binding
}

// New returns an unbound domain.
func New(id ID, name string) *Domain {
	return &Domain{ID: id, Name: name}
}

func (d *Domain) String() string {
	if d == nil {
		return "d?"
	}
	return fmt.Sprintf("d%d", d.ID)
}

// LogValue implements slog.LogValuer.
func (d *Domain) LogValue() slog.Value {
	if d == nil {
		return slog.StringValue("d?")
	}
	if d.Name == "" {
		return slog.StringValue(d.String())
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(d.ID)),
		slog.String("name", d.Name),
	)
}

// Binding returns the domain's current binding.
func (d *Domain) Binding() Binding { return d.binding }

// Kind discriminates Binding.
type Kind uint8

const (
	// Unbound domains have never been given colors.
	Unbound Kind = iota
	// Default domains share the color space's default set. They own no
	// storage.
	Default
	// Owned domains hold a private, exactly sized set.
	Owned
	// Oversized domains hold a private set whose buffer is larger than the
	// set because shrinking it failed. The contents are validated.
	Oversized
	// Freed domains have released their colors.
	Freed
)

func (k Kind) String() string {
	switch k {
	case Unbound:
		return "unbound"
	case Default:
		return "default"
	case Owned:
		return "owned"
	case Oversized:
		return "oversized"
	case Freed:
		return "freed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Binding is a domain's color assignment. For Default the colors alias the
// color space and must not be released; for Owned and Oversized buf is
// domain storage and the set is buf[:count].
type Binding struct {
	kind  Kind
	buf   llc.ColorSet
	count int
}

// Kind returns the binding variant.
func (b Binding) Kind() Kind { return b.kind }

// Len returns the number of colors in the set.
func (b Binding) Len() int { return b.count }

// Owned reports whether the binding holds domain-private storage.
func (b Binding) Owned() bool { return b.kind == Owned || b.kind == Oversized }

// BufferLen returns the size of the backing buffer; it differs from Len only
// for Oversized bindings.
func (b Binding) BufferLen() int { return len(b.buf) }

func (b Binding) colors() llc.ColorSet { return b.buf[:b.count:b.count] }
