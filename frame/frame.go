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

// Package frame implements the register frame model and the thread's
// active-stack of frames (§4.7 "Call protocol"): a frame is a contiguous
// slice of a thread's register array, addressed relative to a base index.
// The call-protocol values (resume PC, frame delta, link) are kept as
// fields of the Frame struct; the negative-indexed Slot* offsets below name
// the register layout of §4.7 step 5 and §4.9 step 3, but no code in this
// module reads or writes registers beneath a frame's base.
//
// This generalizes the teacher's probe-lang/lang/vm frame struct (a
// three-field call-stack entry: returnPC, returnReg, baseReg) to the
// resume-PC/frame-delta fields and the generator/C/plain-call link discipline
// §4.7's "Frame pop" paragraph requires, and adds the stack-walker (Walk)
// the teacher's single fixed call stack never needed.
package frame

import (
	"errors"

	"github.com/google/uuid"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/object"
)

// FrameExtra is the number of call-protocol slots in the §4.7 step 3
// layout: keyword-name tuple, keyword-value region start, resume PC, frame
// delta, and the materialized-traceback slot (§4.9 step 3). Push does not
// reserve them beneath a frame's base; gen.New adds FrameExtra to the
// register capacity of a generator's own Stack.
const FrameExtra = 5

// Negative-offset slot indices, relative to a frame's base register.
const (
	SlotTraceback  = -2 // materialized frame for traceback info (§4.9 step 3)
	SlotResumePC   = -3 // caller's resume PC (§4.7 step 5)
	SlotFrameDelta = -4 // register-count delta to restore caller's base (§4.7 step 5)
)

// Link identifies what a frame returns into (§4.7 "Frame pop").
type Link uint8

const (
	LinkPlain Link = iota // resume the caller's opcode immediately after the call
	LinkC                 // return to a native caller
	LinkGenerator         // mark the owning generator CLOSED and return
)

// ErrRecursionLimit is raised when Push would exceed a thread's configured
// frame-stack depth (§7 "runtime errors — recursion depth exceeded").
var ErrRecursionLimit = errors.New("frame: recursion depth exceeded")

// Frame is one activation record.
type Frame struct {
	ID uuid.UUID

	Code *code.Code
	Base int // index into the owning Stack's Regs where this frame's registers start

	PC int32

	Link      Link
	ResumePC  int32
	FrameDelta int32

	// Cells holds the frame's own cell objects (for nested closures to
	// capture), indexed by Code.CellVars position.
	Cells []object.Ref

	// LastLine is a per-frame slot for the line most recently reported
	// (§4.10). The trace package does not use it: trace.Hooks keeps its
	// own last-line map keyed by frame.
	LastLine int
}

// Stack is one thread's (or one generator's) register array plus the
// chain of frames addressing into it — the "thread-stack" §4.8 says a
// generator embeds independently of the thread that resumes it.
type Stack struct {
	Regs   []object.Ref
	Frames []*Frame

	MaxDepth int
}

// DefaultMaxDepth mirrors CPython's default recursion limit order of
// magnitude; hosts needing a different ceiling set Stack.MaxDepth directly.
const DefaultMaxDepth = 1000

// NewStack allocates a thread-stack with register capacity regCap.
func NewStack(regCap int) *Stack {
	return &Stack{
		Regs:     make([]object.Ref, regCap),
		MaxDepth: DefaultMaxDepth,
	}
}

// Push allocates a new frame at base (the end of the caller's register
// range, per §4.7 step 5) and records the caller's resume PC and frame
// delta in the new Frame's ResumePC and FrameDelta fields; no register
// beneath base is written.
func (s *Stack) Push(c *code.Code, base int, resumePC int32, frameDelta int32, link Link) (*Frame, error) {
	if len(s.Frames) >= s.MaxDepth {
		return nil, ErrRecursionLimit
	}
	needed := base + c.Sig.FrameSize
	if needed > len(s.Regs) {
		grown := make([]object.Ref, needed*2)
		copy(grown, s.Regs)
		s.Regs = grown
	}
	f := &Frame{
		ID:         uuid.New(),
		Code:       c,
		Base:       base,
		Link:       link,
		ResumePC:   resumePC,
		FrameDelta: frameDelta,
		Cells:      make([]object.Ref, len(c.CellVars)),
	}
	s.Frames = append(s.Frames, f)
	return f, nil
}

// Top returns the innermost frame, or nil if the stack is empty.
func (s *Stack) Top() *Frame {
	if len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[len(s.Frames)-1]
}

// Pop clears every register owned by the top frame (callers decref through
// a supplied clear function, since Stack has no refcount dependency) and
// removes it, per §4.7 "Frame pop".
func (s *Stack) Pop(clear func(object.Ref)) *Frame {
	f := s.Top()
	if f == nil {
		return nil
	}
	for i := f.Base; i < f.Base+f.Code.Sig.FrameSize; i++ {
		if !s.Regs[i].IsNil() {
			clear(s.Regs[i])
			s.Regs[i] = object.Ref{}
		}
	}
	s.Frames = s.Frames[:len(s.Frames)-1]
	return f
}

// Reg returns a pointer to frame f's register at index i, relative to its
// base.
func (f *Frame) Reg(s *Stack, i int) *object.Ref {
	return &s.Regs[f.Base+i]
}

// WalkEntry is one frame's public info as exposed to the unwinder (L) and
// the trace/profile layer (K).
type WalkEntry struct {
	Frame    *Frame
	Qualname string
	Line     int
}

// Walk returns the thread-stack's frames from innermost to outermost,
// computing each frame's current source line via its code object's line
// table. CaptureOrigin is its caller in this module; the unwinder does not
// use it.
func Walk(s *Stack) []WalkEntry {
	out := make([]WalkEntry, 0, len(s.Frames))
	for i := len(s.Frames) - 1; i >= 0; i-- {
		f := s.Frames[i]
		out = append(out, WalkEntry{
			Frame:    f,
			Qualname: f.Code.Name,
			Line:     f.Code.LineForPC(f.PC),
		})
	}
	return out
}

// CapturedOrigin is a single (filename, lineno, qualname) triple recorded
// when a coroutine captures its cr_origin at creation (§4.8 last
// paragraph).
type CapturedOrigin struct {
	Filename string
	Line     int
	Qualname string
}

// CaptureOrigin walks up to depth frames of the calling thread-stack,
// recording the triples §4.8 specifies for a coroutine's cr_origin.
func CaptureOrigin(s *Stack, depth int) []CapturedOrigin {
	entries := Walk(s)
	if depth < len(entries) {
		entries = entries[:depth]
	}
	out := make([]CapturedOrigin, len(entries))
	for i, e := range entries {
		out[i] = CapturedOrigin{
			Filename: e.Frame.Code.Filename,
			Line:     e.Line,
			Qualname: e.Qualname,
		}
	}
	return out
}
