// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package arena

// Policy selects which allocator flavor New-style constructors in the rest
// of the CORE should build, matching §4.3's "selection between allocators
// is a process-wide policy (default, debug, or domain-specific)".
type Policy uint8

const (
	PolicyDefault Policy = iota
	PolicyDebug
	PolicyDomain
)

// Allocator is the interface satisfied by both *Arena and *Debug so a
// process can flip PolicyDebug on without touching call sites. No package
// in this module (eval, frame and gen included) imports it yet.
type Allocator interface {
	Alloc(kind Kind, size uint64) (uint64, error)
	Free(kind Kind, addr uint64) error
	ReadSlice(kind Kind, addr, size uint64) ([]byte, error)
	WriteSlice(kind Kind, addr uint64, data []byte) error
	Used(kind Kind) uint64
	Limit(kind Kind) uint64
}

var _ Allocator = (*Arena)(nil)
var _ Allocator = (*Debug)(nil)

// currentPolicy is process-wide, per §4.3; it is set once at runtime
// bring-up and read thereafter.
var currentPolicy = PolicyDefault

// SetPolicy installs the process-wide allocator policy. It is not
// synchronized against concurrent New calls — callers must set it during
// single-threaded bring-up, before any thread state is constructed.
func SetPolicy(p Policy) { currentPolicy = p }

// CurrentPolicy returns the process-wide allocator policy.
func CurrentPolicy() Policy { return currentPolicy }

// NewForPolicy constructs an Allocator matching the current process-wide
// policy. PolicyDomain currently builds the same debug-flavored allocator
// as PolicyDebug but with a larger red-zone ledger sized for long-running
// domain-specific hosts (e.g. a tracing/profiling front-end); it is a
// distinct case so a future domain allocator can specialize without
// touching PolicyDebug callers.
func NewForPolicy(lim Limits) Allocator {
	switch currentPolicy {
	case PolicyDebug:
		return NewDebug(lim, 4*1024*1024)
	case PolicyDomain:
		return NewDebug(lim, 32*1024*1024)
	default:
		return New(lim)
	}
}
