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

// Package unwind implements the exception unwinder (§4.9): given the
// frame active when an opcode failed, find the innermost exception-table
// entry covering the faulting PC, clear registers from link_reg up, stash
// the exception as an owning reference, and jump to the handler. Frames
// that have no matching entry propagate the error to their caller, which
// retries the same search in its own frame — the evaluator (I) drives that
// climb naturally through Go's call stack, since eval.Thread.Run's
// recursive CALL_FUNCTION handling means an error returned from a callee's
// Run surfaces at the caller's own Step/unwind call site.
//
// Grounded on the teacher's error-return style (probe-lang/lang/vm.VM.Step
// returns a Go error on any fault, which its own caller turns into a
// halt); this package generalizes "return an error" into "search an
// exception table and maybe redirect the PC instead".
package unwind

import (
	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/frame"
	"github.com/probechain/go-probe/object"
)

// Step searches f's code object for an exception-table entry covering
// f.PC. If found, it clears every register from the entry's LinkReg
// upward (decreffing each via decref), stashes cause as an owning
// reference in regs[LinkReg+1] with regs[LinkReg] set to the re-raise
// sentinel -1, redirects f.PC to the handler, and returns (true, nil). If
// no entry matches, it returns (false, cause) unchanged, for the caller to
// propagate.
func Step(stack *frame.Stack, f *frame.Frame, cause error, decref func(object.Ref)) (bool, error) {
	entry, ok := f.Code.FindHandler(f.PC)
	if !ok {
		return false, cause
	}
	for i := entry.LinkReg; i < int32(f.Code.Sig.FrameSize); i++ {
		reg := f.Reg(stack, int(i))
		decref(*reg)
		*reg = object.Ref{}
	}
	*f.Reg(stack, int(entry.LinkReg)) = object.NewImmortal(nil, int64(-1))
	*f.Reg(stack, int(entry.LinkReg)+1) = object.NewImmortal(nil, cause)
	f.PC = entry.Handler
	return true, nil
}

// ReraiseValue reads the re-raise sentinel END_FINALLY examines
// (§4.9 "Re-raise semantics"): -1 means re-raise the stored exception, a
// positive value is a CALL_FINALLY return address, and 0 means proceed
// normally.
type ReraiseValue int8

const (
	ReraiseProceed ReraiseValue = 0
	ReraiseRaise   ReraiseValue = -1
)

// Classify interprets the value END_FINALLY finds in regs[link_reg].
func Classify(v object.Ref) (ReraiseValue, int32) {
	n, ok := v.Value.(int64)
	if !ok {
		return ReraiseProceed, 0
	}
	if n == -1 {
		return ReraiseRaise, 0
	}
	if n == 0 {
		return ReraiseProceed, 0
	}
	return ReraiseValue(1), int32(n)
}

// ExceptionKind classifies a CORE-raised error into one of §7's error
// kinds, for hosts that want to report categorized tracebacks without
// re-deriving the mapping from Go error types themselves.
type ExceptionKind uint8

const (
	KindType ExceptionKind = iota
	KindValue
	KindName
	KindAttribute
	KindKey
	KindIteration
	KindRuntime
	KindSystem
)

// ExceptEntry re-exports code.ExceptEntry so callers building an exception
// table don't need to import code solely for this type.
type ExceptEntry = code.ExceptEntry
