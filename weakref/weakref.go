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

// Package weakref implements weak references over the object model's
// Header (SPEC_FULL.md's "Weak references" supplement), grounded on
// _examples/original_source/Modules/_weakref.c: getweakrefcount,
// getweakrefs, proxy, and the clear-on-death callback a referent's
// weakref list runs when the referent is collected.
//
// _weakref.c keeps the list of weakrefs threaded through the referent
// object itself (PyObject.ob_weakreflist). object.Header carries no such
// field — every managed type already pays for Local/Shared/Mutex/GCPrev/
// GCNext, and weak-referenceability is the exception, not the rule (the
// original gates it on Py_TPFLAGS_HAVE_WEAKREFS / FlagMaybeWeakref) — so
// this package keeps its own registry keyed by *object.Header instead,
// populated lazily the first time something takes a weak reference to a
// given object, exactly mirroring "ob_weakreflist starts NULL, allocated
// on first weakref.ref(obj)".
package weakref

import "sync"

// Ref is a weak reference to a single managed object (§6; _weakref.c's
// PyWeakReference). Get returns nil and false once the referent has died;
// it never itself keeps the referent alive.
type Ref struct {
	registry *Registry
	target   *entry
}

type entry struct {
	mu    sync.Mutex
	value Value
	dead  bool
	refs  []*Ref
}

// Value is the minimal surface weakref needs from a managed object: enough
// identity to key the registry and enough payload to hand back from Get.
// Callers normally pass an object.Ref; Value is generic over `any` only so
// this package has no import-cycle dependency on the object package.
type Value = any

// Registry owns the referent -> weakref-list mapping (_weakref.c's
// per-object ob_weakreflist, promoted to a package-level table since
// object.Header doesn't carry one). One Registry is normally shared
// process-wide, matching CPython's single weakref machinery per
// interpreter.
type Registry struct {
	mu      sync.Mutex
	entries map[any]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[any]*entry)}
}

// NewRef returns a weak reference to referent (identified by key, normally
// the referent's *object.Header — weakref.ref(obj) in the original), lazily
// creating the registry entry on first use for that key.
func (reg *Registry) NewRef(key any, referent Value) *Ref {
	reg.mu.Lock()
	e, ok := reg.entries[key]
	if !ok {
		e = &entry{value: referent}
		reg.entries[key] = e
	}
	reg.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	r := &Ref{registry: reg, target: e}
	e.refs = append(e.refs, r)
	return r
}

// Get returns the referent and true, or the zero Value and false once the
// referent has died (_weakref.c's PyWeakref_GetObject returning Py_None).
func (r *Ref) Get() (Value, bool) {
	r.target.mu.Lock()
	defer r.target.mu.Unlock()
	if r.target.dead {
		return nil, false
	}
	return r.target.value, true
}

// IsDead reports whether the referent has already been collected
// (_weakref.c's is_dead_weakref).
func (r *Ref) IsDead() bool {
	r.target.mu.Lock()
	defer r.target.mu.Unlock()
	return r.target.dead
}

// Count returns the number of live weak references to key
// (_weakref.c's getweakrefcount).
func (reg *Registry) Count(key any) int {
	reg.mu.Lock()
	e, ok := reg.entries[key]
	reg.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.refs)
}

// Refs returns every live *Ref registered against key (_weakref.c's
// getweakrefs).
func (reg *Registry) Refs(key any) []*Ref {
	reg.mu.Lock()
	e, ok := reg.entries[key]
	reg.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Ref, len(e.refs))
	copy(out, e.refs)
	return out
}

// Clear runs the referent's death callback (_weakref.c's clear_weakref /
// _PyWeakref_ClearRef, invoked by the GC module's finalize pass, §6, when
// the referent's refcount reaches zero): every outstanding *Ref against key
// is marked dead and its Get calls start returning false, then the registry
// entry itself is dropped so the dead entry doesn't linger.
func (reg *Registry) Clear(key any) {
	reg.mu.Lock()
	e, ok := reg.entries[key]
	delete(reg.entries, key)
	reg.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = true
	e.value = nil
}

// Proxy wraps a Ref so attribute access reads through to the live referent
// transparently (_weakref.c's proxy object), raising ok=false once dead
// instead of the original's ReferenceError.
type Proxy struct{ ref *Ref }

// NewProxy wraps ref in a Proxy.
func NewProxy(ref *Ref) *Proxy { return &Proxy{ref: ref} }

// Deref reads through the proxy to the live referent.
func (p *Proxy) Deref() (Value, bool) { return p.ref.Get() }
