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

// Package gc implements the CORE's generation-tracking boundary (§6 "the
// CORE exposes track/untrack primitives and reports live object counts;
// collection is triggered when live count exceeds a threshold"). It does
// not implement a collector itself — tp_traverse graph-walking, cycle
// detection and sweeping belong to the embedding host's object model,
// explicitly out of CORE scope (§1) — only the generation's membership
// set and the threshold check that decides when a host should run one.
//
// The membership set is a mapset.Set, the same thread-safe set type the
// teacher uses for block-ancestry bookkeeping in miner/worker.go; that
// usage and this one share the same requirement (concurrent add/remove
// plus a cheap cardinality check) even though the domains differ.
package gc

import (
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set"

	"github.com/probechain/go-probe/object"
	"github.com/probechain/go-probe/weakref"
)

// Generation is one GC generation's tracked-object membership set, guarded
// by its own threshold for triggering a collection (§6).
type Generation struct {
	tracked   mapset.Set
	threshold int64
	live      atomic.Int64

	mu        sync.Mutex
	collectAt int64 // next live count, set under mu, that should trigger a collection

	// Weakrefs is the registry weak references against this generation's
	// objects are taken through; Finalize clears it the same step
	// _PyGen_Finalize-style finalization clears a dying object's
	// ob_weakreflist in original_source/Modules/_weakref.c.
	Weakrefs *weakref.Registry
}

// NewGeneration returns a Generation that recommends a collection once its
// live count reaches threshold.
func NewGeneration(threshold int64) *Generation {
	return &Generation{
		tracked:   mapset.NewSet(),
		threshold: threshold,
		collectAt: threshold,
		Weakrefs:  weakref.New(),
	}
}

// Track adds h to the generation (PyObject_GC_Track). A container object
// becomes visible to a future collection's tp_traverse walk only once
// tracked; freshly allocated objects with no outbound references yet
// typically track themselves only after their fields are populated.
func (g *Generation) Track(h *object.Header) {
	if g.tracked.Add(h) {
		g.live.Add(1)
	}
}

// Untrack removes h from the generation (PyObject_GC_UnTrack), used once an
// object's refcount reaches zero through the normal rc path or once a
// collector has proven it unreachable.
func (g *Generation) Untrack(h *object.Header) {
	if g.tracked.Contains(h) {
		g.tracked.Remove(h)
		g.live.Add(-1)
	}
}

// Tracked reports whether h is currently a member of the generation.
func (g *Generation) Tracked(h *object.Header) bool { return g.tracked.Contains(h) }

// Live returns the generation's current tracked-object count.
func (g *Generation) Live() int64 { return g.live.Load() }

// ShouldCollect reports whether the live count is at or above the current
// collection point. It returns true on every call while that holds; only
// Collected moves the point, to the post-collection count plus threshold —
// mirroring CPython's "collection runs, then the threshold resets relative
// to the post-collection count" cadence.
func (g *Generation) ShouldCollect() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live.Load() >= g.collectAt
}

// Collected tells the generation a collection just ran, rearming the
// threshold relative to the live count that survived it.
func (g *Generation) Collected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collectAt = g.live.Load() + g.threshold
}

// Each calls fn once for every tracked header, for a host's tp_traverse
// walk. fn must not mutate the generation's membership; Track/Untrack
// calls from within fn are undefined.
func (g *Generation) Each(fn func(*object.Header)) {
	for h := range g.tracked.Iter() {
		fn(h.(*object.Header))
	}
}

// Finalize runs h's type-supplied Finalize slot (if any), untracks h, and
// clears every weak reference taken against it — the single death step
// original_source/Objects/genobject.c and Modules/_weakref.c split across
// gen_dealloc and clear_weakref. Called once, when h's refcount reaches
// zero (normally from rc.Decref's destroy callback); calling it twice for
// the same header double-runs a __del__-style finalizer, which this method
// does not guard against — the caller's refcount discipline is the only
// thing that makes Finalize a one-shot.
func (g *Generation) Finalize(ref object.Ref) {
	if ref.Header.Type != nil && ref.Header.Type.Finalize != nil {
		ref.Header.Type.Finalize(ref)
	}
	g.Untrack(ref.Header)
	g.Weakrefs.Clear(ref.Header)
}
