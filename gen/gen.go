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

// Package gen implements the generator/coroutine/async-generator layer
// (§4.8): a generator embeds its own thread-stack, independent of whatever
// thread resumes it, and Send/Throw/Close push it onto the calling thread
// momentarily to run one step of the evaluator before detaching again.
//
// This generalizes the teacher's stub OpSpawn/OpSend/OpRecv opcodes
// (probe-lang/lang/vm/opcodes.go's "Agent" family, which only enqueue a
// uint64 into an inbox — there is no real suspend/resume in the teacher)
// into the real register-stack swap §4.8 requires, built on this module's
// own eval and frame packages instead of the teacher's fixed register
// array.
package gen

import (
	"errors"

	"github.com/google/uuid"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/eval"
	"github.com/probechain/go-probe/frame"
	"github.com/probechain/go-probe/object"
)

// Status is a generator's position in its §4.8 status machine.
type Status uint8

const (
	Created Status = iota
	Running
	Suspended
	Closed
)

// Kind distinguishes a plain generator from a coroutine or async generator
// (§4.8 "Coroutines are generators with the COROUTINE flag").
type Kind uint8

const (
	KindGenerator Kind = iota
	KindCoroutine
	KindAsyncGenerator
)

var (
	// ErrGeneratorReuse is raised when Send/Throw is called on a generator
	// already CLOSED (Close on a closed generator is a no-op) — a decided Open Question: the CORE never
	// recycles a closed generator's thread-stack for a new invocation.
	ErrGeneratorReuse = errors.New("gen: generator already closed")
	// ErrRunningGenerator is raised by a reentrant Send while the
	// generator is already RUNNING (§7 "runtime errors").
	ErrRunningGenerator = errors.New("gen: generator already running")
	// ErrStopIteration signals natural generator exhaustion.
	ErrStopIteration = errors.New("gen: stop iteration")
)

// Generator is one generator/coroutine/async-generator instance.
type Generator struct {
	ID     uuid.UUID
	Kind   Kind
	Status Status

	Code  *code.Code
	Stack *frame.Stack
	frm   *frame.Frame

	// delegate is the sub-iterator a YIELD_FROM is currently suspended on
	// (§4.8 "delegate to a sub-iterator"); nil outside a delegation.
	delegate *Generator

	// Origin holds the (filename, line, qualname) triples captured at
	// creation for a coroutine (§4.8 last paragraph); empty for plain
	// generators.
	Origin []frame.CapturedOrigin

	result object.Ref
}

// New constructs a generator over code c, to be driven by thread th. args
// populate the callee's parameter registers exactly as §4.7's
// COROGEN_HEADER step describes ("constructs a new generator object whose
// embedded thread-stack captures the arguments and local cells").
func New(th *eval.Thread, c *code.Code, kind Kind, args []object.Ref) (*Generator, error) {
	g := &Generator{
		ID:    uuid.New(),
		Kind:  kind,
		Code:  c,
		Stack: frame.NewStack(c.Sig.FrameSize + frame.FrameExtra),
	}
	f, err := g.Stack.Push(c, 0, 0, 0, frame.LinkGenerator)
	if err != nil {
		return nil, err
	}
	g.frm = f
	for i, a := range args {
		*f.Reg(g.Stack, i) = a
	}
	if kind == KindCoroutine {
		g.Origin = frame.CaptureOrigin(th.Stack, 8)
	}
	return g, nil
}

// Send implements §4.8's send(value): push the generator's thread-stack
// onto the calling thread, place value into the accumulator, and resume the
// evaluator at the saved PC. The first Send from CREATED places value the
// same way; no separate "first call" signal is given.
func (g *Generator) Send(th *eval.Thread, value object.Ref) (object.Ref, error) {
	switch g.Status {
	case Closed:
		return object.Ref{}, ErrGeneratorReuse
	case Running:
		return object.Ref{}, ErrRunningGenerator
	}
	if g.delegate != nil {
		v, err := g.delegate.Send(th, value)
		if errors.Is(err, ErrStopIteration) {
			v = g.delegate.result
			g.delegate = nil
			// Transfer the sub-iterator's final value to the accumulator
			// and fall through to resume YIELD_FROM's continuation
			// (§4.8 "transfer its StopIteration value to the accumulator
			// and advance the PC"); this simplified evaluator re-enters
			// Run directly rather than re-executing YIELD_FROM itself.
			value = v
		} else if err != nil {
			return object.Ref{}, err
		} else {
			g.Status = Suspended
			return v, nil
		}
	}

	g.Status = Running
	callerStack := th.Stack
	th.Stack = g.Stack
	defer func() { th.Stack = callerStack }()
	th.SetAccumulator(value)

	result, err := th.Run(g.frm)
	if y, ok := err.(*eval.Yielded); ok {
		g.Status = Suspended
		return y.Value, nil
	}
	if err != nil {
		g.Status = Closed
		return object.Ref{}, err
	}

	// Run returning a nil error (rather than a *eval.Yielded) only happens
	// via RETURN_VALUE or falling off the end of the instruction stream —
	// both mean the generator has run to completion (§4.8's CLOSED
	// transition), never a suspension.
	g.Status = Closed
	g.result = result
	return object.Ref{}, ErrStopIteration
}

// Delegate installs sub as the sub-iterator a YIELD_FROM on this generator
// is suspended on (§4.8 "delegate to a sub-iterator"). The evaluator's own
// YIELD_FROM opcode drives plain iterables generically through IterNext,
// but a Generator's real return value (its StopIteration payload) isn't
// visible through that generic interface, so a host compiling YIELD_FROM
// against a Generator sub-iterator wires the delegation through this
// method instead; Send then drains the sub-generator until its own
// StopIteration before resuming this generator's accumulator with the
// sub-iterator's final value.
func (g *Generator) Delegate(sub *Generator) { g.delegate = sub }

// Throw injects an exception at the generator's current suspended PC and
// re-enters the unwinder (§4.8 "throw/close inject an exception at the
// current PC"): a try/finally or except block wrapping the suspended yield
// gets a real chance to run before the generator closes, exactly as a
// second Send would for a value instead of an exception.
func (g *Generator) Throw(th *eval.Thread, exc error) (object.Ref, error) {
	switch g.Status {
	case Closed:
		return object.Ref{}, ErrGeneratorReuse
	case Running:
		return object.Ref{}, ErrRunningGenerator
	}
	if g.delegate != nil {
		v, err := g.delegate.Throw(th, exc)
		if errors.Is(err, ErrStopIteration) {
			g.delegate = nil
		} else if err != nil {
			g.Status = Closed
			return object.Ref{}, err
		} else {
			g.Status = Suspended
			return v, nil
		}
	}

	g.Status = Running
	callerStack := th.Stack
	th.Stack = g.Stack
	defer func() { th.Stack = callerStack }()

	result, err := th.Inject(g.frm, exc)
	if y, ok := err.(*eval.Yielded); ok {
		g.Status = Suspended
		return y.Value, nil
	}
	if err != nil {
		g.Status = Closed
		return object.Ref{}, err
	}

	g.Status = Closed
	g.result = result
	return object.Ref{}, ErrStopIteration
}

// Close implements §4.8's close(): if the generator is already CLOSED or
// never started (CREATED — no frame has executed yet to hold a finally
// block), this is a no-op; otherwise it finalizes synchronously by
// throwing ErrGeneratorExit at the suspended PC before transitioning to
// CLOSED (the decided Open Question for aclose/close semantics). A
// finalizer that itself yields, or raises anything other than
// ErrGeneratorExit/ErrStopIteration, is reported to the caller rather than
// silently swallowed.
func (g *Generator) Close(th *eval.Thread) error {
	if g.Status == Closed || g.Status == Created {
		g.Status = Closed
		return nil
	}

	_, err := g.Throw(th, ErrGeneratorExit)
	g.Status = Closed
	if err == nil {
		// The finalizer caught ErrGeneratorExit and yielded again instead
		// of letting it propagate — not legal, so closure is forced and the
		// caller is told.
		return errors.New("gen: generator ignored GeneratorExit")
	}
	if errors.Is(err, ErrGeneratorExit) || errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// ErrGeneratorExit is the sentinel close()/aclose() inject.
var ErrGeneratorExit = errors.New("gen: generator exit")
