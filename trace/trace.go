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

// Package trace implements the per-thread trace/profile hook layer
// (§4.10): call/line/return/exception events fired around the evaluator's
// call-related opcodes and line-table transitions, guarded by a
// re-entrancy counter so a trace function calling back into traced code
// does not recurse into itself.
//
// There is no teacher analog (probe-lang's VM has no tracing surface at
// all); this package is grounded on the teacher's frame/call-stack shape
// (probe-lang/lang/vm's frame struct) generalized to carry the event
// classification §4.10 names, keyed on this module's own frame.Frame; no
// event walks the stack.
package trace

import "github.com/probechain/go-probe/frame"

// Event is one of the four hook events §4.10 names.
type Event uint8

const (
	EventCall Event = iota
	EventLine
	EventReturn
	EventException
)

func (e Event) String() string {
	switch e {
	case EventCall:
		return "PyTrace_CALL"
	case EventLine:
		return "PyTrace_LINE"
	case EventReturn:
		return "PyTrace_RETURN"
	case EventException:
		return "PyTrace_EXCEPTION"
	default:
		return "PyTrace_UNKNOWN"
	}
}

// Func is a trace or profile callback.
type Func func(event Event, f *frame.Frame, extra any)

// Hooks holds one thread's tracing state (§4.10 "Per-thread
// c_tracefunc and c_profilefunc slots").
type Hooks struct {
	Trace   Func
	Profile Func

	tracing int

	// lastLine maps a frame's identity to the last line reported, so a
	// back-edge within one line does not refire (§4.10 "back-edges
	// within a single line do not refire"). Keyed by frame pointer
	// identity, which is stable for a frame's lifetime.
	lastLine map[*frame.Frame]int
}

// NewHooks returns an empty Hooks ready to have Trace/Profile installed.
func NewHooks() *Hooks {
	return &Hooks{lastLine: make(map[*frame.Frame]int)}
}

// Active reports whether either hook is installed — callers use this to
// decide whether to swap in the tracing dispatch variant at all (§4.10
// "the dispatch-table for call-related opcodes is swapped").
func (h *Hooks) Active() bool { return h.Trace != nil || h.Profile != nil }

// Reentrant reports whether a trace/profile callback is already running
// on this thread, so callers can skip firing a nested event (§4.10
// "Re-entrancy is prevented by a per-thread tracing counter").
func (h *Hooks) Reentrant() bool { return h.tracing > 0 }

// fire invokes cb (if non-nil) guarded by the reentrancy counter.
func (h *Hooks) fire(cb Func, event Event, f *frame.Frame, extra any) {
	if cb == nil || h.Reentrant() {
		return
	}
	h.tracing++
	defer func() { h.tracing-- }()
	cb(event, f, extra)
}

// Call fires a call event on both Trace and Profile hooks.
func (h *Hooks) Call(f *frame.Frame) {
	h.fire(h.Trace, EventCall, f, nil)
	h.fire(h.Profile, EventCall, f, nil)
}

// Return fires a return event, carrying the returned value.
func (h *Hooks) Return(f *frame.Frame, value any) {
	h.fire(h.Trace, EventReturn, f, value)
	h.fire(h.Profile, EventReturn, f, value)
}

// Exception fires an exception event on the trace hook only — profile
// hooks never see exception events (§4.10 "Profile events fire only on
// call/return boundaries").
func (h *Hooks) Exception(f *frame.Frame, exc error) {
	h.fire(h.Trace, EventException, f, exc)
}

// Line fires a line event iff pc now maps to a different source line than
// the last one reported for f (§4.10's run-length line-table rule). Only
// the trace hook receives line events.
func (h *Hooks) Line(f *frame.Frame, pc int32) {
	if h.Trace == nil {
		return
	}
	line := f.Code.LineForPC(pc)
	if prev, ok := h.lastLine[f]; ok && prev == line {
		return
	}
	h.lastLine[f] = line
	h.fire(h.Trace, EventLine, f, line)
}

// Forget releases a frame's line-tracking entry once it is popped, so
// Hooks does not retain every frame a thread has ever executed.
func (h *Hooks) Forget(f *frame.Frame) {
	delete(h.lastLine, f)
}
