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

// Package mrocache implements the per-type MRO cache (§4.5): a lock-free
// read, copy-on-grow hash table from interned method name to resolved
// attribute (or a "known absent" sentinel), used to memoize attribute
// resolution across a type's method resolution order.
//
// Each bucket conceptually packs (name, value_word) with the low bit of
// value_word meaning "known absent"; this package keeps that as an
// explicit Hit/Value pair instead of raw bit-packing (Go has no tagged
// pointers), but the probing discipline — backward linear probe from the
// hash-selected bucket, wrapping once before declaring a miss — is exactly
// §4.5's.
package mrocache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/probechain/go-probe/object"
)

// Entry is one resolved (or known-absent) attribute lookup result.
type Entry struct {
	Hit   bool
	Value object.Ref
}

type bucket struct {
	name    string
	occupied bool
	entry   Entry
}

type bucketArray struct {
	mask    uint64
	buckets []bucket
	usable  int
}

func newBucketArray(capacity int) *bucketArray {
	return &bucketArray{
		mask:    uint64(capacity - 1),
		buckets: make([]bucket, capacity),
		usable:  capacity * 7 / 8,
	}
}

const minCapacity = 8

// sharedEmpty is the process-wide shared empty bucket array Erase installs,
// so erasing a cache allocates nothing (§4.5 "The process-wide empty-bucket
// pool ensures erase allocates nothing").
var sharedEmpty = newBucketArray(minCapacity)

// mroMutex is the single global MRO mutex §4.5 specifies guarding Insert
// and Erase across every type's cache (attribute assignment on any class is
// rare relative to lookup, so one mutex for all caches is the documented
// tradeoff, not a per-type one).
var mroMutex sync.Mutex

// retiredPool stands in for qsbr-based reclamation of retired bucket
// arrays: Go's own GC will reclaim them once unreferenced, but the pool
// still holds them reachable for a bounded window (approximating "every
// thread has passed a safepoint") so in-flight lock-free readers that
// captured a stale array pointer a few instructions ago are not racing the
// collector. LRU eviction is therefore exactly the reclamation deadline.
var retiredPool, _ = lru.New(4096)
var retiredSeq atomic.Uint64

// Cache is one type's MRO cache.
type Cache struct {
	buckets atomic.Pointer[bucketArray]
}

func New() *Cache {
	c := &Cache{}
	c.buckets.Store(newBucketArray(minCapacity))
	return c
}

func hashName(name string) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}

// Lookup implements §4.5's hot path: hash & mask selects the start bucket;
// probe backwards toward the base, wrap once, probe backwards again. A
// second wrap, or an empty (never-occupied) slot, means miss.
func (c *Cache) Lookup(name string) (Entry, bool) {
	ba := c.buckets.Load()
	if len(ba.buckets) == 0 {
		return Entry{}, false
	}
	start := int(hashName(name) & ba.mask)
	idx := start
	wrapped := false
	for {
		b := ba.buckets[idx]
		if !b.occupied {
			return Entry{}, false
		}
		if b.name == name {
			return b.entry, true
		}
		idx--
		if idx < 0 {
			if wrapped {
				return Entry{}, false
			}
			wrapped = true
			idx = len(ba.buckets) - 1
		}
		if wrapped && idx == start {
			return Entry{}, false
		}
	}
}

// Insert writes (name, entry) under the global MRO mutex, resizing first
// if the table has no usable slots left.
func (c *Cache) Insert(name string, entry Entry) {
	mroMutex.Lock()
	defer mroMutex.Unlock()

	ba := c.buckets.Load()
	if ba == sharedEmpty {
		// The shared empty array is never written; the first insert after
		// an Erase gets a fresh array of its own.
		ba = newBucketArray(minCapacity)
		c.buckets.Store(ba)
	}
	if idx, found := findSlot(ba, name); found {
		ba.buckets[idx] = bucket{name: name, occupied: true, entry: entry}
		return
	}
	if ba.usable <= 0 {
		ba = c.resizeLocked(ba)
	}
	idx, _ := findFreeSlot(ba, name)
	ba.buckets[idx] = bucket{name: name, occupied: true, entry: entry}
	ba.usable--
}

// findSlot locates an existing occupied bucket for name, if any.
func findSlot(ba *bucketArray, name string) (int, bool) {
	start := int(hashName(name) & ba.mask)
	idx := start
	wrapped := false
	for {
		b := ba.buckets[idx]
		if !b.occupied {
			return 0, false
		}
		if b.name == name {
			return idx, true
		}
		idx--
		if idx < 0 {
			if wrapped {
				return 0, false
			}
			wrapped = true
			idx = len(ba.buckets) - 1
		}
		if wrapped && idx == start {
			return 0, false
		}
	}
}

// findFreeSlot returns the first empty slot on the same backward probe
// sequence Lookup/findSlot use, so a subsequent Lookup for name will find
// it.
func findFreeSlot(ba *bucketArray, name string) (int, bool) {
	start := int(hashName(name) & ba.mask)
	idx := start
	wrapped := false
	for {
		if !ba.buckets[idx].occupied {
			return idx, true
		}
		idx--
		if idx < 0 {
			if wrapped {
				return 0, false
			}
			wrapped = true
			idx = len(ba.buckets) - 1
		}
		if wrapped && idx == start {
			return 0, false
		}
	}
}

// resizeLocked doubles capacity, rewrites every occupied bucket into the
// new array, publishes it with a release store, and retires the old array.
// Called with mroMutex held.
func (c *Cache) resizeLocked(old *bucketArray) *bucketArray {
	nb := newBucketArray(len(old.buckets) * 2)
	for _, b := range old.buckets {
		if !b.occupied {
			continue
		}
		idx, _ := findFreeSlot(nb, b.name)
		nb.buckets[idx] = b
		nb.usable--
	}
	c.buckets.Store(nb)
	retire(old)
	return nb
}

// Erase drops every entry by swapping in the shared empty array — an
// allocation-free operation, matching §4.5.
func (c *Cache) Erase() {
	mroMutex.Lock()
	defer mroMutex.Unlock()
	old := c.buckets.Load()
	if old == sharedEmpty {
		return
	}
	c.buckets.Store(sharedEmpty)
	retire(old)
}

func retire(ba *bucketArray) {
	seq := retiredSeq.Add(1)
	retiredPool.Add(seq, ba)
}

// Len reports the number of occupied buckets, for tests and diagnostics.
func (c *Cache) Len() int {
	ba := c.buckets.Load()
	n := 0
	for _, b := range ba.buckets {
		if b.occupied {
			n++
		}
	}
	return n
}
