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

// Package rc implements the biased/deferred reference-counting engine
// (§4.1): Incref/Decref pairs that take a fast non-atomic path on an
// object's owning thread and an atomic path otherwise, with a merge step
// when ownership transfers away and the local count hits zero.
//
// The resource-lifecycle discipline here is the generalization of the
// teacher's probe-lang VM resourceState tracking (resourceLive / Moved /
// Dropped in probe-lang/lang/vm/vm.go): ErrResourceFault there becomes
// ErrDoubleFree here, for the same "use/drop after the handle is gone"
// mistake, just applied to every managed object instead of one opt-in
// resource type.
package rc

import (
	"errors"
	"sync/atomic"

	"github.com/probechain/go-probe/object"
)

// ErrDoubleFree is the value Decref panics with when the owning thread
// decrefs an object whose local count is already zero and not immortal — a debug-mode invariant violation (§3.1's
// ownership contract was broken somewhere upstream).
var ErrDoubleFree = errors.New("rc: decref of a dead object")

// Incref increments the reference count for ref, taking the fast
// non-atomic path if thread owns it.
//
// Immortal objects are untouched (no-op). Deferred objects also skip the
// bump on the owning thread, since their true count is tracked by the
// tracing GC; incref from a non-owning thread still must be visible to the
// GC, so it always goes through the atomic shared path regardless of the
// DEFERRED flag.
func Incref(ref object.Ref, thread uint64) {
	h := ref.Header
	local := h.Local.Load()
	if local&uint32(object.FlagImmortal) != 0 {
		return
	}
	if h.OwningThread == thread {
		if local&uint32(object.FlagDeferred) != 0 {
			return
		}
		h.Local.Add(1 << object.RefShift)
		return
	}
	increfShared(h)
}

func increfShared(h *object.Header) {
	newWord := h.Shared.Add(1 << object.RefShift)
	wasZero := (newWord-(1<<object.RefShift))>>object.RefShift == 0
	if wasZero && newWord&uint32(object.FlagMerged) == 0 {
		for {
			cur := h.Shared.Load()
			if cur&uint32(object.FlagMaybeWeakref) != 0 {
				break
			}
			if h.Shared.CompareAndSwap(cur, cur|uint32(object.FlagMaybeWeakref)) {
				break
			}
		}
	}
}

// Decref decrements the reference count for ref, merging local into shared
// and invoking the type's destructor path via destroy when the object's
// total count reaches zero. destroy is supplied by the caller (normally
// arena.Free) so that rc has no dependency on the allocator.
func Decref(ref object.Ref, thread uint64, destroy func(object.Ref)) {
	h := ref.Header
	local := h.Local.Load()
	if local&uint32(object.FlagImmortal) != 0 {
		return
	}

	if h.OwningThread == thread {
		if local&uint32(object.FlagDeferred) != 0 {
			return
		}
		count := local >> object.RefShift
		if count == 0 {
			panic(ErrDoubleFree)
		}
		h.Local.Add(^uint32((1<<object.RefShift) - 1)) // subtract one count unit
		if count-1 == 0 {
			mergeAndMaybeDestroy(ref, destroy)
		}
		return
	}

	// Non-owning thread: atomic subtract from shared. atomic.Uint32.Add
	// returns the value *after* the add, so newWord already reflects the
	// post-decrement count.
	newWord := h.Shared.Add(^uint32((1<<object.RefShift) - 1))
	newCount := newWord >> object.RefShift
	if newCount == 0 && newWord&uint32(object.FlagMerged) != 0 {
		destroy(ref)
	}
}

// mergeAndMaybeDestroy folds the owning thread's (now zero) local count
// into shared and destroys the object if the merged total is zero. Called
// only from the owning thread, after Local's count has reached zero.
func mergeAndMaybeDestroy(ref object.Ref, destroy func(object.Ref)) {
	h := ref.Header
	localFlags := h.Local.Load() & uint32((1<<object.RefShift)-1)
	h.Local.Store(localFlags) // count now zero, flags preserved

	for {
		old := h.Shared.Load()
		sharedCount := old >> object.RefShift
		sharedFlags := old & uint32((1<<object.RefShift)-1)
		newWord := (sharedCount << object.RefShift) | sharedFlags | uint32(object.FlagMerged)
		if h.Shared.CompareAndSwap(old, newWord) {
			if sharedCount == 0 {
				destroy(ref)
			}
			return
		}
	}
}

// TryIncrefFast optimistically increments the local count; it succeeds iff
// the object is immortal or owned by thread. Used at speculative
// acquisition points (weak reference upgrade, concurrent hash-table read,
// §4.1 "Try-incref-fast").
func TryIncrefFast(ref object.Ref, thread uint64) bool {
	h := ref.Header
	local := h.Local.Load()
	if local&uint32(object.FlagImmortal) != 0 {
		return true
	}
	if h.OwningThread != thread {
		return false
	}
	if local&uint32(object.FlagDeferred) == 0 {
		h.Local.Add(1 << object.RefShift)
	}
	return true
}

// TryIncrefShared performs a compare-and-swap on the shared refcount,
// succeeding only if the current value is neither zero nor MERGED
// (§4.1 "Try-incref-shared"). This is the primitive the concurrent hash
// map's lock-free read path uses to acquire a reference to a candidate
// value without ever blocking.
func TryIncrefShared(ref object.Ref) bool {
	h := ref.Header
	for i := 0; i < 64; i++ {
		old := h.Shared.Load()
		count := old >> object.RefShift
		if old&uint32(object.FlagMerged) != 0 {
			// Still might be alive via Local on the owning thread, but the
			// documented contract is that MERGED means "about to die" —
			// refuse the speculative acquisition and let the caller retry
			// the whole lookup.
			return false
		}
		if count == 0 {
			if h.Local.Load()>>object.RefShift == 0 {
				return false
			}
			// Local still holds references; shared being zero just means
			// no other thread currently holds one. CAS in one unit.
		}
		if h.Shared.CompareAndSwap(old, old+(1<<object.RefShift)) {
			return true
		}
	}
	return false
}

// DecrefShared undoes a reference acquired via TryIncrefShared or
// increfShared, always operating on the Shared field regardless of which
// thread owns the object. Callers that speculatively acquired a reference
// through the shared path (the hash-map read path's candidate acquisition,
// §4.4) must unwind through this function rather than the owner-aware
// Decref — otherwise a reader racing with an object whose OwningThread
// happens to equal the reader's own pseudo-thread id would wrongly decrement
// Local instead of the Shared unit it actually incremented.
func DecrefShared(ref object.Ref, destroy func(object.Ref)) {
	h := ref.Header
	if h.Local.Load()&uint32(object.FlagImmortal) != 0 {
		return
	}
	newWord := h.Shared.Add(^uint32((1<<object.RefShift) - 1))
	newCount := newWord >> object.RefShift
	if newCount == 0 && newWord&uint32(object.FlagMerged) != 0 {
		destroy(ref)
	}
}

// XFetchRef atomically loads the object pointer behind slot and acquires a
// reference on it, retrying if the slot changes underneath (§4.1). slot
// must only ever be written with Release-ordered stores (object.Ref is a
// struct, so in Go this is modeled as an atomic.Pointer to a Ref).
func XFetchRef(slot *atomic.Pointer[object.Ref], thread uint64) (object.Ref, bool) {
	for i := 0; i < 64; i++ {
		p := slot.Load()
		if p == nil {
			return object.Ref{}, false
		}
		candidate := *p
		if TryIncrefFast(candidate, thread) {
			if slot.Load() == p {
				return candidate, true
			}
			Decref(candidate, thread, func(object.Ref) {})
			continue
		}
		if TryIncrefShared(candidate) {
			if slot.Load() == p {
				return candidate, true
			}
			DecrefShared(candidate, func(object.Ref) {})
			continue
		}
	}
	return object.Ref{}, false
}
