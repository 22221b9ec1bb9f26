// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package object defines the managed-object header (§3.2) and the typed
// vtable contract external collaborators (the object-model surface for
// built-in types, §6) must satisfy. The CORE only ever calls through this
// vtable; it never inspects a concrete type's fields.
package object

import (
	"sync"
	"sync/atomic"
)

// Flag bits packed into the low bits of the local/shared refcount words.
// Local carries IMMORTAL/DEFERRED; Shared carries MAYBE_WEAKREF/MERGED.
// Each word is therefore (count << RefShift) | flags, matching §3.2.
type Flag uint32

const (
	// FlagImmortal marks an object that is never deallocated; Incref and
	// Decref on it are no-ops. Packed into Header.Local.
	FlagImmortal Flag = 1 << iota
	// FlagDeferred marks an object whose local refcount changes are elided
	// on the owning thread; the tracing GC owns its true count. Packed
	// into Header.Local.
	FlagDeferred
)

const (
	// FlagMaybeWeakref marks an object a weak reference may point to.
	// Packed into Header.Shared.
	FlagMaybeWeakref Flag = 1 << iota
	// FlagMerged marks an object whose local and shared counts have been
	// combined; it is about to die. Packed into Header.Shared.
	FlagMerged
)

// RefShift is the number of low bits of Local/Shared reserved for flags.
const RefShift = 2

// GCFlag bits packed into the low bits of the GC header's prev pointer.
type GCFlag uint8

const (
	GCTracked GCFlag = 1 << iota
	GCUnreachable
	GCFinalized
)

// Slots is the typed vtable every managed type must provide (§6, §3.2).
// A nil method means "the type does not support this operation"; callers
// translate a nil hit into the appropriate TypeError.
type Slots struct {
	Name string

	Iter     func(self Ref) (Ref, error)
	IterNext func(self Ref) (Ref, error, bool) // bool: false means exhausted

	Call func(self Ref, args []Ref, kwargs map[string]Ref) (Ref, error)

	GetAttr func(self Ref, name string) (Ref, error)
	SetAttr func(self Ref, name string, value Ref) error

	RichCompare func(self, other Ref, op CompareOp) (Ref, error)

	// Numeric/sequence/mapping operator tables. Keyed by opcode family so a
	// type only needs to populate what it supports.
	Numeric  map[string]func(self, other Ref) (Ref, error)
	Sequence map[string]func(self Ref, args ...Ref) (Ref, error)
	Mapping  map[string]func(self Ref, args ...Ref) (Ref, error)

	// Async method table.
	AwaitMethod func(self Ref) (Ref, error)
	AIter       func(self Ref) (Ref, error)
	ANext       func(self Ref) (Ref, error)

	// Traverse calls visit for every object this object references, for
	// the tracing GC's reachability walk. Required for any type that can
	// participate in a reference cycle.
	Traverse func(self Ref, visit func(Ref))

	// Finalize runs once, before the object is freed, iff the type defines
	// one (__del__-style finalizers).
	Finalize func(self Ref)

	// IsGC reports whether instances of this type need to be tracked by
	// the cyclic collector at all (immutable container-free types need
	// not be).
	IsGC func(self Ref) bool
}

// CompareOp enumerates the rich-compare operators (Py_LT .. Py_GE).
type CompareOp uint8

const (
	CompareLT CompareOp = iota
	CompareLE
	CompareEQ
	CompareNE
	CompareGT
	CompareGE
)

// Header is the fixed-size managed-object header every heap allocation in
// the CORE carries (§3.2). Header embeds sync.Mutex to serve as the
// per-object mutex used by the critical-section runtime (§4.2); callers
// must never lock it directly — always go through critsec.Begin.
type Header struct {
	Type *Slots

	// OwningThread is the thread id that currently owns biased refcounting
	// for this object; 0 means "shared" (no biased owner).
	OwningThread uint64

	// Local and Shared pack (count << RefShift) | flags, per §3.2. They are
	// mutated exclusively through the rc package's Incref/Decref family;
	// exported here only so rc (which depends on object) can see them
	// without a forced import cycle. Local is touched non-atomically by
	// the owning thread's fast path and atomically otherwise; Shared is
	// always atomic.
	Local  atomic.Uint32
	Shared atomic.Uint32

	Mutex sync.Mutex

	GCPrev  *Header
	GCNext  *Header
	GCFlags GCFlag
}

// Ref is a handle to a managed object: everything the CORE's register file,
// hash map, and MRO cache pass around. It is a thin pointer wrapper with no
// ownership tag bits; registers in frame.Stack are plain Refs, so no layer
// of this module carries the 2-bit ownership tag described in spec §3.1.
type Ref struct {
	Header *Header
	Value  any // the concrete Go value backing this object, opaque to the CORE
}

// Nil is the zero Ref; it never satisfies IsZero-free code paths.
var Nil = Ref{}

// IsNil reports whether r is the zero Ref.
func (r Ref) IsNil() bool { return r.Header == nil }

// New allocates a fresh object header carrying slots and value, with a
// local refcount of one owned by owningThread. The header is an ordinary Go
// allocation, not arena-backed; objects that are immortal from construction
// use NewImmortal instead.
func New(slots *Slots, value any, owningThread uint64) Ref {
	h := &Header{Type: slots, OwningThread: owningThread}
	h.Local.Store(1 << RefShift)
	return Ref{Header: h, Value: value}
}

// NewImmortal is New plus FlagImmortal, for singletons (None, True, False,
// interned small ints) that the refcount engine never deallocates.
func NewImmortal(slots *Slots, value any) Ref {
	h := &Header{Type: slots}
	h.Local.Store(uint32(FlagImmortal))
	return Ref{Header: h, Value: value}
}

// NewDeferred is New plus FlagDeferred, for objects (code objects, module-
// level functions, globals) whose true refcount is maintained by the
// tracing GC instead of per-operation Incref/Decref (§4.1 "Deferred RC").
func NewDeferred(slots *Slots, value any) Ref {
	h := &Header{Type: slots}
	h.Local.Store(uint32(FlagDeferred))
	return Ref{Header: h, Value: value}
}
