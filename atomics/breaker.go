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

// Package atomics collects the memory-ordering primitives shared by every
// other CORE package: the eval-breaker bitmask, a retrying CAS helper for
// lock-bit style fields, and a monotonic version counter used by the
// concurrent hash map and the MRO cache.
//
// Go's sync/atomic does not expose separate relaxed/acquire/release
// operations the way C++ <atomic> does; every operation here is at least
// acquire/release, which is stricter than spec requires but never unsound.
// Call sites document which ordering the spec actually calls for.
package atomics

import "sync/atomic"

// Bit is a single eval-breaker condition.
type Bit uint32

const (
	// BitPendingSignal is set when a host signal handler has queued a
	// signal for delivery at the next safe point.
	BitPendingSignal Bit = 1 << iota
	// BitPendingCall is set when a generic callback has been scheduled via
	// Py_AddPendingCall-style machinery.
	BitPendingCall
	// BitDropLock requests that the current thread release and re-acquire
	// its critical sections at the next suspension point.
	BitDropLock
	// BitStopTheWorld requests that the thread enter a GC safepoint.
	BitStopTheWorld
	// BitAsyncExc indicates an asynchronous exception has been posted to
	// this thread via async_exc.
	BitAsyncExc
	// BitMergeRequest asks a DEFERRED object's owning thread to merge its
	// local refcount into the shared field before the GC can trust the
	// count.
	BitMergeRequest
)

// Breaker is the eval-breaker word on a thread state: a bitmask of
// asynchronous conditions the dispatch loop checks at every safety point
// (§4.6). Zero value is "nothing pending".
type Breaker struct {
	bits atomic.Uint32
}

// Raise sets bit, returning true if it transitioned from clear to set.
func (b *Breaker) Raise(bit Bit) bool {
	for {
		old := b.bits.Load()
		if old&uint32(bit) != 0 {
			return false
		}
		if b.bits.CompareAndSwap(old, old|uint32(bit)) {
			return true
		}
	}
}

// Clear clears bit, returning true if it had been set.
func (b *Breaker) Clear(bit Bit) bool {
	for {
		old := b.bits.Load()
		if old&uint32(bit) == 0 {
			return false
		}
		if b.bits.CompareAndSwap(old, old&^uint32(bit)) {
			return true
		}
	}
}

// Any reports whether any bit is pending; the evaluator's hot loop calls
// this once per safety point.
func (b *Breaker) Any() bool { return b.bits.Load() != 0 }

// Test reports whether bit is currently set.
func (b *Breaker) Test(bit Bit) bool { return b.bits.Load()&uint32(bit) != 0 }

// Snapshot returns the full bitmask, for diagnostics.
func (b *Breaker) Snapshot() uint32 { return b.bits.Load() }

// VersionTag is a monotonically increasing per-structure counter bumped on
// every structural mutation (§4.4). Every bump goes straight to the shared
// counter; there is no thread-local accumulation, so concurrent mutators
// contend on the same counter.
type VersionTag struct {
	shared atomic.Uint64
}

const versionFoldEvery = 1024

// Bump advances the shared tag by one and returns the new value. It always
// publishes immediately, so readers never observe staleness beyond normal
// acquire/release visibility latency; no caller in this module batches
// bumps (namemap calls Bump once per structural change).
func (v *VersionTag) Bump() uint64 { return v.shared.Add(1) }

// Load reads the current tag with acquire semantics.
func (v *VersionTag) Load() uint64 { return v.shared.Load() }

// FoldThreshold reports the batch size (1024 bumps) for a per-thread
// accumulator folding into the shared tag; nothing in this module uses it.
func FoldThreshold() uint64 { return versionFoldEvery }

// CASRetryLimit bounds the spin count of optimistic retry loops (try-incref,
// hash bucket probing under a stale version tag) before callers fall back to
// a blocking acquisition. It exists so hot loops have a documented escape
// hatch rather than spinning unboundedly under pathological contention.
const CASRetryLimit = 64
