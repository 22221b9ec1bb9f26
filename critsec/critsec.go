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

// Package critsec implements the critical-section runtime (§4.2): scoped
// regions over one or two object mutexes that may be implicitly released at
// a suspension point and resumed later. This replaces a process-wide
// interpreter lock with per-object locks while preserving the property that
// no suspension point ever blocks while holding one.
//
// The shape mirrors the teacher's probe-lang VM, which always pairs a
// mutation with an immediately-preceding gas check (its only "might fail
// and unwind" point) and never holds anything across it; begin/end here
// generalizes that single-section discipline to a chain so sections can
// nest, and adds the implicit-release behavior the teacher's VM never
// needed (it has no concurrency).
package critsec

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

// admission bounds how many two-lock sections may be mid-acquisition across
// the whole process at once, smoothing contention under the address-order
// protocol without changing its correctness.
var admission = semaphore.NewWeighted(1 << 16)

// Node is one entry in a thread's critical-section chain.
type Node struct {
	mu     *sync.Mutex
	mu2    *sync.Mutex // non-nil for a begin2 section
	active bool
	prev   *Node
}

// Chain is the per-thread-state critical-section chain (§3.4).
type Chain struct {
	head *Node
}

func addrOf(mu *sync.Mutex) uintptr { return uintptr(unsafe.Pointer(mu)) }

// Begin acquires mu's lock bit (fast path: uncontended CAS via sync.Mutex's
// own fast path, which Go already implements internally) and pushes a
// section node onto the chain.
func Begin(c *Chain, mu *sync.Mutex) *Node {
	mu.Lock()
	n := &Node{mu: mu, active: true, prev: c.head}
	c.head = n
	return n
}

// Begin2 takes two mutexes in ascending address order, so that any two
// threads racing to lock the same pair always agree on acquisition order —
// this is what makes the two-lock variant deadlock-free (§4.2, tested by
// spec property 4). The identical-mutex case degenerates to a single lock.
func Begin2(ctx context.Context, c *Chain, m1, m2 *sync.Mutex) (*Node, error) {
	if m1 == m2 {
		n := Begin(c, m1)
		return n, nil
	}
	if err := admission.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer admission.Release(1)

	a, b := m1, m2
	if addrOf(a) > addrOf(b) {
		a, b = b, a
	}
	a.Lock()
	b.Lock()
	n := &Node{mu: a, mu2: b, active: true, prev: c.head}
	c.head = n
	return n, nil
}

// End releases n's lock(s) and pops it from the chain. If the next-outer
// section had been marked inactive by a prior EndAll, it is resumed (its
// lock re-acquired) before End returns, matching §4.2's "resume on close".
func End(c *Chain, n *Node) {
	release(n)
	c.head = n.prev
	resumeOutermostInactive(c)
}

func release(n *Node) {
	if !n.active {
		return
	}
	if n.mu2 != nil {
		n.mu2.Unlock()
	}
	n.mu.Unlock()
	n.active = false
}

// EndAll is called on any operation that would suspend (I/O, lock
// acquisition, a foreign call that may itself block): it releases every
// still-active section on the chain and marks each inactive, so that the
// invariant "at any suspension point the thread holds zero locks" holds
// (§5). The sections are not popped — Resume walks the same chain back to
// active once the blocking operation returns.
func EndAll(c *Chain) {
	for n := c.head; n != nil; n = n.prev {
		release(n)
	}
}

// Resume walks the chain from the head to the outermost inactive entry and
// re-acquires locks in order, clearing the inactive bit on each as it goes.
// Collecting the nodes first and then acquiring outermost-first avoids
// acquiring a lock out of the order it was originally taken in.
func Resume(c *Chain) {
	var toResume []*Node
	for n := c.head; n != nil && !n.active; n = n.prev {
		toResume = append(toResume, n)
	}
	for i := len(toResume) - 1; i >= 0; i-- {
		n := toResume[i]
		n.mu.Lock()
		if n.mu2 != nil {
			n.mu2.Lock()
		}
		n.active = true
	}
}

// resumeOutermostInactive runs Resume when the section an End call uncovers
// was left inactive, per End's "calls resume" contract; Resume re-acquires
// every consecutive inactive section from the head outward, not only that
// one.
func resumeOutermostInactive(c *Chain) {
	if c.head != nil && !c.head.active {
		Resume(c)
	}
}

// Held reports whether the chain currently holds any active section, for
// the "thread holds zero locks" assertion at a suspension point (§8 property
// 3's sibling check — used by tests and by the stop-the-world safepoint).
func Held(c *Chain) bool {
	for n := c.head; n != nil; n = n.prev {
		if n.active {
			return true
		}
	}
	return false
}
