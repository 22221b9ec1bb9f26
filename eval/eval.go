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

// Package eval implements the register-based evaluator dispatch loop
// (§4.6): a single switch over code.Op, reading instructions from a
// code.Code inside a frame.Frame, holding one accumulator Register between
// instructions, looking up names through namemap and attributes through
// each type's MRO slots (loadAttr accepts an mrocache.Cache, but the
// dispatch loop passes none), acquiring references through rc, and consulting the thread's
// eval breaker at every safety-point opcode (§4.6 "Safety points").
//
// The dispatch shape is the teacher's: probe-lang/lang/vm.VM.Step fetches
// one instruction, dispatches through execute's switch, and returns an
// error the caller turns into a halt. This package keeps that Step/execute
// split and generalizes execute's closed 21-opcode switch to the opcode
// families §4.6 names, replacing the teacher's flat []uint64 register file
// with frame.Stack's object.Ref registers and its single gas counter with
// the breaker's per-bit signals (§5).
package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/probechain/go-probe/atomics"
	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/critsec"
	"github.com/probechain/go-probe/frame"
	"github.com/probechain/go-probe/mrocache"
	"github.com/probechain/go-probe/namemap"
	"github.com/probechain/go-probe/object"
	"github.com/probechain/go-probe/rc"
	"github.com/probechain/go-probe/stw"
	"github.com/probechain/go-probe/trace"
	"github.com/probechain/go-probe/unwind"
)

// ---- Error sentinels, one per §7 error kind the evaluator itself raises --

var (
	ErrTypeError      = errors.New("eval: type error")
	ErrNameError      = errors.New("eval: name error")
	ErrAttributeError = errors.New("eval: attribute error")
	ErrStopIteration  = errors.New("eval: stop iteration")
	ErrUnhandled      = errors.New("eval: unhandled exception")
	ErrBadFinally     = errors.New("eval: bad finally block")
	// ErrValueError is the §7 "value errors" kind: out-of-range, wrong shape
	// in unpack, too many/too few arguments.
	ErrValueError = errors.New("eval: value error")
)

// ValueError carries the §7 "value errors" kind's message (wrong unpack
// shape, bad call arity).
type ValueError struct{ Reason string }

func (e *ValueError) Error() string { return e.Reason }
func (e *ValueError) Unwrap() error { return ErrValueError }

// Yielded is returned through Run's error channel by YIELD_VALUE to
// signal a generator suspension (§4.8) rather than a real exception; the
// gen package unwraps it to distinguish "suspended" from "returned" or
// "raised".
type Yielded struct{ Value object.Ref }

func (y *Yielded) Error() string { return "eval: generator yielded" }

// Singletons. The evaluator represents bool/none as immortal registers
// exactly as §3.1 describes tagged/immortal registers never entering the
// refcount engine's bump paths.
var (
	True  = object.NewImmortal(nil, true)
	False = object.NewImmortal(nil, false)
	None  = object.NewImmortal(nil, nil)
)

func boolRef(b bool) object.Ref {
	if b {
		return True
	}
	return False
}

func truthy(r object.Ref) bool {
	switch v := r.Value.(type) {
	case bool:
		return v
	case nil:
		return false
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return !r.IsNil()
	}
}

// Thread is one evaluator thread's state (§5 "each with its own thread
// state and register stack"): its active thread-stack, the eval breaker
// it consults at safety points, a critical-section chain for implicit
// release at suspension points, and the numeric id rc.Incref/Decref use to
// recognize the owning-thread fast path.
type Thread struct {
	ID      uint64
	Stack   *frame.Stack
	Breaker *atomics.Breaker
	Crit    critsec.Chain
	Globals *namemap.Map
	Builtins *namemap.Map

	acc object.Ref

	// Hooks (K): trace/profile callbacks, inactive until installed.
	Hooks *trace.Hooks

	// Intrinsics is the small fixed table LOAD_INTRINSIC/CALL_INTRINSIC_1/N
	// index into (§4.6 "Calls") — VM-internal helpers (e.g. "make a set
	// from an unpacked iterable", "format a value") that don't warrant a
	// dedicated opcode each. A host populates it; an unset index is a
	// TypeError the same as any other missing vtable slot.
	Intrinsics map[int]func(args ...object.Ref) (object.Ref, error)

	// STW is this thread's stop-the-world coordinator handle, installed by
	// JoinCoordinator. Nil means the thread never registered, e.g. in tests
	// that exercise the evaluator standalone; handleBreaker then services
	// BitStopTheWorld by resuming its critical-section chain without a
	// coordinator round trip.
	STW *stw.Participant
}

// JoinCoordinator registers t with c under t.ID, installing the returned
// Participant so a future stop-the-world halt blocks on this thread's own
// safepoint acknowledgement rather than racing ahead of it.
func (t *Thread) JoinCoordinator(c *stw.Coordinator) {
	t.STW = c.Register(t.ID, t.Breaker)
}

// SetAccumulator installs v as the thread's accumulator register, for
// callers resuming a suspended frame with a value (generator send/throw,
// §4.8).
func (t *Thread) SetAccumulator(v object.Ref) { t.acc = v }

// Accumulator returns the thread's current accumulator register.
func (t *Thread) Accumulator() object.Ref { return t.acc }

// NewThread creates a thread ready to run code on its own register stack.
func NewThread(id uint64, globals, builtins *namemap.Map) *Thread {
	return &Thread{
		ID:       id,
		Stack:    frame.NewStack(64),
		Breaker:  &atomics.Breaker{},
		Globals:  globals,
		Builtins: builtins,
		Hooks:    trace.NewHooks(),
	}
}

// decref releases a register's owning reference through the rc engine,
// tearing down the object via arena-style destroy hooks installed by the
// embedding host. The CORE itself has no destructor registry, so Decref's
// destroy callback is a no-op here: object lifetime teardown belongs to the
// allocator façade (D), which the host wires in by assigning Destroy, the
// callback every Thread's decref passes to rc.Decref. Kept as a package-level
// variable rather than a Thread field so every call site stays terse; a
// production embedding overwrites it once at startup.
var Destroy = func(object.Ref) {}

func (t *Thread) decref(r object.Ref) {
	if r.IsNil() {
		return
	}
	rc.Decref(r, t.ID, Destroy)
}

func (t *Thread) incref(r object.Ref) object.Ref {
	if !r.IsNil() {
		rc.Incref(r, t.ID)
	}
	return r
}

// Run drives the dispatch loop over f until it returns, yields, or raises
// an exception that escapes every handler in f's own code object.
func (t *Thread) Run(f *frame.Frame) (object.Ref, error) {
	t.Hooks.Call(f)
	for {
		if int(f.PC) >= len(f.Code.Instructions) {
			t.Hooks.Forget(f)
			return object.Ref{}, nil
		}
		t.Hooks.Line(f, f.PC)
		instr := f.Code.Instructions[f.PC]
		ret, done, err := t.step(f, instr)
		if err != nil {
			if _, isYield := err.(*Yielded); isYield {
				return ret, err
			}
			t.Hooks.Exception(f, err)
			if _, rerr := t.unwind(f, err); rerr != nil {
				t.Hooks.Forget(f)
				return object.Ref{}, rerr
			}
			continue // handled: PC was redirected to the handler
		}
		if done {
			t.Hooks.Return(f, ret)
			t.Hooks.Forget(f)
			return ret, nil
		}
	}
}

// step executes one instruction, advancing f.PC unless the instruction
// itself sets it (jumps, calls). The bool return reports whether the frame
// has returned (RETURN_VALUE).
func (t *Thread) step(f *frame.Frame, instr code.Instr) (object.Ref, bool, error) {
	op := instr.Op
	if op.IsSafetyPoint() {
		if t.Breaker.Any() {
			if err := t.handleBreaker(f); err != nil {
				return object.Ref{}, false, err
			}
		}
	}

	switch op {
	case code.LoadConst:
		t.acc = f.Code.Consts[instr.B]
		f.PC++

	case code.LoadFast:
		reg := *f.Reg(t.Stack, int(instr.B))
		t.acc = t.incref(reg)
		f.PC++

	case code.StoreFast:
		old := *f.Reg(t.Stack, int(instr.B))
		*f.Reg(t.Stack, int(instr.B)) = t.acc
		t.acc = object.Ref{}
		t.decref(old)
		f.PC++

	case code.Move:
		src := f.Reg(t.Stack, int(instr.B))
		*f.Reg(t.Stack, int(instr.A)) = *src
		*src = object.Ref{}
		f.PC++

	case code.Copy:
		src := *f.Reg(t.Stack, int(instr.B))
		*f.Reg(t.Stack, int(instr.A)) = t.incref(src)
		f.PC++

	case code.ClearFast:
		reg := f.Reg(t.Stack, int(instr.A))
		t.decref(*reg)
		*reg = object.Ref{}
		f.PC++

	case code.ClearAcc:
		t.decref(t.acc)
		t.acc = object.Ref{}
		f.PC++

	case code.Jump:
		f.PC = instr.A

	case code.JumpIfTrue:
		if truthy(t.acc) {
			f.PC = instr.A
		} else {
			f.PC++
		}

	case code.JumpIfFalse:
		if !truthy(t.acc) {
			f.PC = instr.A
		} else {
			f.PC++
		}

	case code.PopJumpIfTrue:
		taken := truthy(t.acc)
		t.decref(t.acc)
		t.acc = object.Ref{}
		if taken {
			f.PC = instr.A
		} else {
			f.PC++
		}

	case code.PopJumpIfFalse:
		taken := !truthy(t.acc)
		t.decref(t.acc)
		t.acc = object.Ref{}
		if taken {
			f.PC = instr.A
		} else {
			f.PC++
		}

	case code.LoadName, code.LoadGlobal:
		name := f.Code.Names[instr.B]
		v, ok := t.Globals.Get(name)
		if !ok {
			return object.Ref{}, false, nameError(name)
		}
		t.acc = t.incref(v)
		f.PC++

	case code.StoreName, code.StoreGlobal:
		name := f.Code.Names[instr.B]
		t.Globals.Set(name, t.acc)
		t.acc = object.Ref{}
		f.PC++

	case code.DeleteName, code.DeleteGlobal:
		name := f.Code.Names[instr.B]
		if !t.Globals.Delete(name) {
			return object.Ref{}, false, nameError(name)
		}
		f.PC++

	case code.LoadAttr:
		obj := *f.Reg(t.Stack, int(instr.B))
		name := f.Code.Names[instr.C]
		v, err := t.loadAttr(obj, name, nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.StoreAttr:
		obj := *f.Reg(t.Stack, int(instr.B))
		name := f.Code.Names[instr.C]
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.SetAttr == nil {
			return object.Ref{}, false, ErrAttributeError
		}
		if err := obj.Header.Type.SetAttr(obj, name, t.acc); err != nil {
			return object.Ref{}, false, err
		}
		t.acc = object.Ref{}
		f.PC++

	case code.BinaryAdd, code.BinarySub, code.BinaryMul, code.BinaryTrueDiv,
		code.BinaryFloorDiv, code.BinaryMod, code.BinaryPow:
		left := *f.Reg(t.Stack, int(instr.B))
		right := *f.Reg(t.Stack, int(instr.C))
		v, err := t.binaryOp(op, left, right)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.UnaryNegative, code.UnaryNot, code.UnaryInvert:
		v, err := t.unaryOp(op, t.acc)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.decref(t.acc)
		t.acc = v
		f.PC++

	case code.CompareOp:
		left := *f.Reg(t.Stack, int(instr.B))
		right := *f.Reg(t.Stack, int(instr.C))
		if left.Header == nil || left.Header.Type == nil || left.Header.Type.RichCompare == nil {
			return object.Ref{}, false, ErrTypeError
		}
		v, err := left.Header.Type.RichCompare(left, right, object.CompareOp(instr.A))
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.IsOp:
		left := *f.Reg(t.Stack, int(instr.B))
		right := *f.Reg(t.Stack, int(instr.C))
		same := left.Header == right.Header
		if instr.A != 0 {
			same = !same
		}
		t.acc = boolRef(same)
		f.PC++

	case code.GetIter:
		obj := t.acc
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.Iter == nil {
			return object.Ref{}, false, ErrTypeError
		}
		it, err := obj.Header.Type.Iter(obj)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.decref(obj)
		t.acc = it
		f.PC++

	case code.ForIter:
		it := *f.Reg(t.Stack, int(instr.B))
		if it.Header == nil || it.Header.Type == nil || it.Header.Type.IterNext == nil {
			return object.Ref{}, false, ErrTypeError
		}
		v, err, ok := it.Header.Type.IterNext(it)
		if err != nil {
			return object.Ref{}, false, err
		}
		if !ok {
			f.PC = instr.A // jump past the loop body on exhaustion
			return object.Ref{}, false, nil
		}
		t.acc = v
		f.PC++

	case code.CallFunction, code.CallMethod:
		return t.callFunction(f, instr)

	case code.CallFunctionEx:
		return t.callFunctionEx(f, instr)

	case code.FuncHeader, code.MethodHeader, code.CoroGenHeader:
		// §4.7's packed argument-signature check, shared by all three
		// prologues in this simplified model: a bound method's self
		// register and a generator's captured arguments are both already
		// in place by the time this instruction runs (LoadMethod/CallMethod
		// place self as arg0; gen.New writes the generator's arguments
		// directly), so only the arity/defaults check differs from a plain
		// function call, and it doesn't differ at all.
		if err := t.funcHeader(f); err != nil {
			return object.Ref{}, false, err
		}
		f.PC++

	case code.CFuncHeader, code.FuncTPCallHeader:
		return t.nativeCall(f)

	case code.MakeFunction:
		codeConst := *f.Reg(t.Stack, int(instr.B))
		c, ok := codeConst.Value.(*code.Code)
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		// Defaults/closure-cell binding is elided: the CORE's function
		// object is just the bare code reference, matching the Non-goal
		// that concrete object-model surfaces beyond what the dispatch
		// loop itself inspects live in the embedding host.
		t.acc = object.Ref{Header: &object.Header{}, Value: c}
		f.PC++

	case code.LoadMethod:
		obj := *f.Reg(t.Stack, int(instr.B))
		name := f.Code.Names[instr.C]
		m, err := t.loadAttr(obj, name, nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		*f.Reg(t.Stack, int(instr.A)) = m
		*f.Reg(t.Stack, int(instr.A)+1) = t.incref(obj) // self, consumed as CALL_METHOD's arg0
		f.PC++

	case code.DeleteAttr:
		obj := *f.Reg(t.Stack, int(instr.B))
		name := f.Code.Names[instr.C]
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.SetAttr == nil {
			return object.Ref{}, false, ErrAttributeError
		}
		if err := obj.Header.Type.SetAttr(obj, name, object.Ref{}); err != nil {
			return object.Ref{}, false, err
		}
		f.PC++

	case code.LoadDeref:
		cell := f.Cells[instr.B]
		if cell.IsNil() {
			return object.Ref{}, false, nameError(f.Code.CellVars[instr.B])
		}
		t.acc = t.incref(cell)
		f.PC++

	case code.StoreDeref:
		old := f.Cells[instr.B]
		f.Cells[instr.B] = t.acc
		t.acc = object.Ref{}
		t.decref(old)
		f.PC++

	case code.LoadClassDeref:
		// Class body scope: the class namespace (Globals, since this
		// simplified model has no separate locals-dict class scope) takes
		// priority over the enclosing cell (§4.6 "Names").
		name := f.Code.CellVars[instr.B]
		if v, ok := t.Globals.Get(name); ok {
			t.acc = t.incref(v)
			f.PC++
			break
		}
		cell := f.Cells[instr.B]
		if cell.IsNil() {
			return object.Ref{}, false, nameError(name)
		}
		t.acc = t.incref(cell)
		f.PC++

	case code.InplaceAdd:
		left := *f.Reg(t.Stack, int(instr.B))
		right := *f.Reg(t.Stack, int(instr.C))
		v, err := t.inplaceOp(left, right)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.ContainsOp:
		item := *f.Reg(t.Stack, int(instr.B))
		container := *f.Reg(t.Stack, int(instr.C))
		if container.Header == nil || container.Header.Type == nil || container.Header.Type.Sequence == nil {
			return object.Ref{}, false, ErrTypeError
		}
		fn, ok := container.Header.Type.Sequence[op.String()]
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		v, err := fn(container, item)
		if err != nil {
			return object.Ref{}, false, err
		}
		if instr.A != 0 { // `not in`
			v = boolRef(!truthy(v))
		}
		t.acc = v
		f.PC++

	case code.BuildList, code.BuildTuple, code.BuildSet, code.BuildMap:
		v, err := t.buildContainer(f, containerCtorName(op), instr)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.ListAppend, code.SetAdd, code.ListExtend, code.SetUpdate:
		container := *f.Reg(t.Stack, int(instr.A))
		if container.Header == nil || container.Header.Type == nil || container.Header.Type.Sequence == nil {
			return object.Ref{}, false, ErrTypeError
		}
		fn, ok := container.Header.Type.Sequence[op.String()]
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		if _, err := fn(container, t.acc); err != nil {
			return object.Ref{}, false, err
		}
		t.decref(t.acc)
		t.acc = object.Ref{}
		f.PC++

	case code.DictUpdate, code.DictMerge:
		container := *f.Reg(t.Stack, int(instr.A))
		if container.Header == nil || container.Header.Type == nil || container.Header.Type.Mapping == nil {
			return object.Ref{}, false, ErrTypeError
		}
		fn, ok := container.Header.Type.Mapping[op.String()]
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		if _, err := fn(container, t.acc); err != nil {
			return object.Ref{}, false, err
		}
		t.decref(t.acc)
		t.acc = object.Ref{}
		f.PC++

	case code.UnpackSequence:
		obj := t.acc
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.Iter == nil {
			return object.Ref{}, false, ErrTypeError
		}
		it, err := obj.Header.Type.Iter(obj)
		if err != nil {
			return object.Ref{}, false, err
		}
		n := int(instr.C)
		for i := 0; i < n; i++ {
			v, err, ok := it.Header.Type.IterNext(it)
			if err != nil {
				return object.Ref{}, false, err
			}
			if !ok {
				return object.Ref{}, false, &ValueError{Reason: fmt.Sprintf("not enough values to unpack (expected %d)", n)}
			}
			*f.Reg(t.Stack, int(instr.A)+i) = v
		}
		if _, err, ok := it.Header.Type.IterNext(it); err == nil && ok {
			return object.Ref{}, false, &ValueError{Reason: fmt.Sprintf("too many values to unpack (expected %d)", n)}
		}
		t.decref(obj)
		t.acc = object.Ref{}
		f.PC++

	case code.BuildSlice:
		ctor, ok := t.Builtins.Get("slice")
		if !ok || ctor.Header == nil || ctor.Header.Type == nil || ctor.Header.Type.Call == nil {
			return object.Ref{}, false, ErrTypeError
		}
		args := []object.Ref{*f.Reg(t.Stack, int(instr.B)), *f.Reg(t.Stack, int(instr.B)+1), *f.Reg(t.Stack, int(instr.B)+2)}
		v, err := ctor.Header.Type.Call(ctor, args, nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.GetYieldFromIter:
		obj := t.acc
		if obj.Header != nil && obj.Header.Type != nil && obj.Header.Type.IterNext != nil {
			f.PC++
			break
		}
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.Iter == nil {
			return object.Ref{}, false, ErrTypeError
		}
		it, err := obj.Header.Type.Iter(obj)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.decref(obj)
		t.acc = it
		f.PC++

	case code.GetAIter:
		obj := t.acc
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.AIter == nil {
			return object.Ref{}, false, ErrTypeError
		}
		it, err := obj.Header.Type.AIter(obj)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.decref(obj)
		t.acc = it
		f.PC++

	case code.GetANext:
		it := *f.Reg(t.Stack, int(instr.B))
		if it.Header == nil || it.Header.Type == nil || it.Header.Type.ANext == nil {
			return object.Ref{}, false, ErrTypeError
		}
		v, err := it.Header.Type.ANext(it)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.EndAsyncFor:
		link := *f.Reg(t.Stack, int(instr.A))
		kind, target := unwind.Classify(link)
		switch kind {
		case unwind.ReraiseProceed:
			f.PC++
		case unwind.ReraiseRaise:
			return object.Ref{}, false, ErrUnhandled
		default:
			f.PC = target
		}

	case code.GetAwaitable:
		obj := t.acc
		if obj.Header != nil && obj.Header.Type != nil && obj.Header.Type.IterNext != nil {
			f.PC++
			break
		}
		if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.AwaitMethod == nil {
			return object.Ref{}, false, ErrTypeError
		}
		it, err := obj.Header.Type.AwaitMethod(obj)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.decref(obj)
		t.acc = it
		f.PC++

	case code.LoadBuildClass:
		bc, ok := t.Builtins.Get("__build_class__")
		if !ok {
			return object.Ref{}, false, nameError("__build_class__")
		}
		t.acc = t.incref(bc)
		f.PC++

	case code.LoadIntrinsic:
		fn, ok := t.Intrinsics[int(instr.B)]
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		t.acc = object.Ref{Value: fn}
		f.PC++

	case code.CallIntrinsic1, code.CallIntrinsicN:
		fnRef := *f.Reg(t.Stack, int(instr.B))
		fn, ok := fnRef.Value.(func(args ...object.Ref) (object.Ref, error))
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		var args []object.Ref
		if op == code.CallIntrinsic1 {
			args = []object.Ref{t.acc}
		} else {
			n := int(instr.C)
			args = make([]object.Ref, n)
			for i := 0; i < n; i++ {
				args[i] = *f.Reg(t.Stack, int(instr.B)+1+i)
			}
		}
		v, err := fn(args...)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = v
		f.PC++

	case code.ImportName:
		name := f.Code.Names[instr.B]
		importer, ok := t.Builtins.Get("__import__")
		if !ok || importer.Header == nil || importer.Header.Type == nil || importer.Header.Type.Call == nil {
			return object.Ref{}, false, nameError("__import__")
		}
		mod, err := importer.Header.Type.Call(importer, []object.Ref{{Value: name}}, nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		t.acc = mod
		f.PC++

	case code.ImportFrom:
		mod := t.acc
		name := f.Code.Names[instr.B]
		v, err := t.loadAttr(mod, name, nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		*f.Reg(t.Stack, int(instr.A)) = v
		f.PC++

	case code.ImportStar:
		mod := t.acc
		if mod.Header == nil || mod.Header.Type == nil || mod.Header.Type.Mapping == nil {
			return object.Ref{}, false, ErrTypeError
		}
		fn, ok := mod.Header.Type.Mapping[op.String()]
		if !ok {
			return object.Ref{}, false, ErrTypeError
		}
		// The host returns the name -> value table to bind for a wildcard
		// import (§6): the CORE has no concrete module-dict type to walk
		// itself (Non-goal).
		names, err := fn(mod)
		if err != nil {
			return object.Ref{}, false, err
		}
		if bindings, ok := names.Value.(map[string]object.Ref); ok {
			for name, v := range bindings {
				t.Globals.Set(name, v)
			}
		}
		t.decref(mod)
		t.acc = object.Ref{}
		f.PC++

	case code.YieldFrom:
		sub := *f.Reg(t.Stack, int(instr.B))
		if sub.Header == nil || sub.Header.Type == nil || sub.Header.Type.IterNext == nil {
			return object.Ref{}, false, ErrTypeError
		}
		v, err, ok := sub.Header.Type.IterNext(sub)
		if err != nil {
			return object.Ref{}, false, err
		}
		if !ok {
			// Sub-iterator exhausted (§4.8 "transfer its StopIteration
			// value to the accumulator"): a generic IterNext carries no
			// final value, so the accumulator becomes None here; gen.Send
			// threads a generator's real return value through its own
			// delegation path (gen.Generator.Delegate) instead of this
			// opcode when the sub-iterator is itself a Generator.
			t.acc = None
			f.PC++
			break
		}
		// PC does not advance: a resumed send() re-executes YIELD_FROM to
		// pull the sub-iterator's next value (§4.8 "delegate to a
		// sub-iterator").
		t.acc = object.Ref{}
		return v, false, &Yielded{Value: v}

	case code.JumpIfNotExcMatch:
		excRef := *f.Reg(t.Stack, int(instr.B))
		excVal, _ := excRef.Value.(error)
		expected, _ := f.Code.Consts[instr.C].Value.(error)
		matched := excVal != nil && expected != nil && errors.Is(excVal, expected)
		if !matched {
			f.PC = instr.A
		} else {
			f.PC++
		}

	case code.EndExcept:
		old1 := *f.Reg(t.Stack, int(instr.A))
		old2 := *f.Reg(t.Stack, int(instr.A)+1)
		t.decref(old1)
		t.decref(old2)
		*f.Reg(t.Stack, int(instr.A)) = object.Ref{}
		*f.Reg(t.Stack, int(instr.A)+1) = object.Ref{}
		f.PC++

	case code.CallFinally:
		// link_reg records a positive resume target per unwind.Classify's
		// "CALL_FINALLY return address" case; END_FINALLY reads it back.
		*f.Reg(t.Stack, int(instr.C)) = object.NewImmortal(nil, int64(instr.B))
		f.PC = instr.A

	case code.SetupAsyncWith:
		ctxObj := *f.Reg(t.Stack, int(instr.A))
		if ctxObj.Header == nil || ctxObj.Header.Type == nil {
			return object.Ref{}, false, ErrAttributeError
		}
		enter, err := t.loadAttr(ctxObj, "__aenter__", nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		*f.Reg(t.Stack, int(instr.A)+1) = enter
		f.PC++

	case code.EndAsyncWith:
		*f.Reg(t.Stack, int(instr.A)) = object.Ref{}
		*f.Reg(t.Stack, int(instr.A)+1) = object.Ref{}
		*f.Reg(t.Stack, int(instr.A)+2) = object.Ref{}
		f.PC++

	case code.ReturnValue:
		return t.acc, true, nil

	case code.YieldValue:
		f.PC++ // §4.8: PC is saved advanced past the yield instruction
		v := t.acc
		t.acc = object.Ref{}
		return v, false, &Yielded{Value: v}

	case code.Raise:
		return object.Ref{}, false, ErrUnhandled

	case code.EndFinally:
		link := *f.Reg(t.Stack, int(instr.A))
		kind, target := unwind.Classify(link)
		switch kind {
		case unwind.ReraiseProceed:
			f.PC++
		case unwind.ReraiseRaise:
			return object.Ref{}, false, ErrUnhandled
		default:
			f.PC = target
		}

	case code.SetupWith:
		ctxObj := *f.Reg(t.Stack, int(instr.A))
		if ctxObj.Header == nil || ctxObj.Header.Type == nil || ctxObj.Header.Type.Call == nil {
			return object.Ref{}, false, ErrAttributeError
		}
		enter, err := t.loadAttr(ctxObj, "__enter__", nil)
		if err != nil {
			return object.Ref{}, false, err
		}
		*f.Reg(t.Stack, int(instr.A)+1) = enter
		f.PC++

	case code.EndWith:
		// Suppression is host-defined via __exit__'s return value; the CORE
		// only defines the slot contract (§6), so this opcode here just
		// clears the with-block's bookkeeping registers.
		*f.Reg(t.Stack, int(instr.A)) = object.Ref{}
		*f.Reg(t.Stack, int(instr.A)+1) = object.Ref{}
		*f.Reg(t.Stack, int(instr.A)+2) = object.Ref{}
		f.PC++

	default:
		return object.Ref{}, false, ErrTypeError
	}
	return object.Ref{}, false, nil
}

func nameError(name string) error {
	return &NameError{Name: name}
}

// NameError is the §7 "name errors" kind: unbound local, missing global,
// missing free variable.
type NameError struct{ Name string }

func (e *NameError) Error() string { return "name '" + e.Name + "' is not defined" }
func (e *NameError) Unwrap() error { return ErrNameError }

// loadAttr resolves name on obj, consulting the per-type MRO cache first
// (F) before falling back to the type's tp_getattro slot (§6).
func (t *Thread) loadAttr(obj object.Ref, name string, mc *mrocache.Cache) (object.Ref, error) {
	if mc != nil {
		if e, ok := mc.Lookup(name); ok {
			if !e.Hit {
				return object.Ref{}, &AttributeError{Name: name}
			}
			return t.incref(e.Value), nil
		}
	}
	if obj.Header == nil || obj.Header.Type == nil || obj.Header.Type.GetAttr == nil {
		return object.Ref{}, &AttributeError{Name: name}
	}
	v, err := obj.Header.Type.GetAttr(obj, name)
	if err != nil {
		if mc != nil {
			mc.Insert(name, mrocache.Entry{Hit: false})
		}
		return object.Ref{}, err
	}
	if mc != nil {
		mc.Insert(name, mrocache.Entry{Hit: true, Value: v})
	}
	return v, nil
}

// AttributeError is the §7 "attribute errors" kind.
type AttributeError struct{ Name string }

func (e *AttributeError) Error() string { return "attribute '" + e.Name + "' not found" }
func (e *AttributeError) Unwrap() error { return ErrAttributeError }

func (t *Thread) binaryOp(op code.Op, left, right object.Ref) (object.Ref, error) {
	if left.Header == nil || left.Header.Type == nil || left.Header.Type.Numeric == nil {
		return object.Ref{}, ErrTypeError
	}
	fn, ok := left.Header.Type.Numeric[op.String()]
	if !ok {
		return object.Ref{}, ErrTypeError
	}
	return fn(left, right)
}

func (t *Thread) unaryOp(op code.Op, v object.Ref) (object.Ref, error) {
	switch op {
	case code.UnaryNot:
		return boolRef(!truthy(v)), nil
	default:
		if v.Header == nil || v.Header.Type == nil || v.Header.Type.Numeric == nil {
			return object.Ref{}, ErrTypeError
		}
		fn, ok := v.Header.Type.Numeric[op.String()]
		if !ok {
			return object.Ref{}, ErrTypeError
		}
		return fn(v, object.Ref{})
	}
}

// callFunction implements the §4.7 call protocol's caller side for
// CALL_FUNCTION/CALL_METHOD targeting a code-backed callable: it pushes a
// new frame whose base sits immediately after the caller's live registers,
// packs the argument count into the accumulator for the callee's own
// FUNC_HEADER/METHOD_HEADER instruction to validate (§4.7 "packed argument
// signature"), and runs it to completion (this package has no async
// scheduler; a suspension inside the callee returns control through Run's
// normal return path, which the generator layer (J) drives instead of this
// function for generator-flagged code objects).
func (t *Thread) callFunction(f *frame.Frame, instr code.Instr) (object.Ref, bool, error) {
	callee := *f.Reg(t.Stack, int(instr.B))
	calleeCode, ok := callee.Value.(*code.Code)
	if !ok {
		return object.Ref{}, false, ErrTypeError
	}
	argc := int(instr.C)
	args := make([]object.Ref, argc)
	for i := 0; i < argc; i++ {
		src := f.Reg(t.Stack, int(instr.B)+1+i)
		args[i] = *src
		*src = object.Ref{}
	}
	result, err := t.invoke(f, calleeCode, args)
	if err != nil {
		return object.Ref{}, false, err
	}
	*f.Reg(t.Stack, int(instr.A)) = result
	t.acc = result
	f.PC++
	return object.Ref{}, false, nil
}

// callFunctionEx implements CALL_FUNCTION_EX (§4.6 "Calls"): the argument
// list comes from unpacking an iterable register rather than a fixed
// register range.
func (t *Thread) callFunctionEx(f *frame.Frame, instr code.Instr) (object.Ref, bool, error) {
	callee := *f.Reg(t.Stack, int(instr.B))
	calleeCode, ok := callee.Value.(*code.Code)
	if !ok {
		return object.Ref{}, false, ErrTypeError
	}
	argsIter := *f.Reg(t.Stack, int(instr.C))
	if argsIter.Header == nil || argsIter.Header.Type == nil || argsIter.Header.Type.Iter == nil {
		return object.Ref{}, false, ErrTypeError
	}
	it, err := argsIter.Header.Type.Iter(argsIter)
	if err != nil {
		return object.Ref{}, false, err
	}
	var args []object.Ref
	for {
		v, err, ok := it.Header.Type.IterNext(it)
		if err != nil {
			return object.Ref{}, false, err
		}
		if !ok {
			break
		}
		args = append(args, v)
	}
	result, err := t.invoke(f, calleeCode, args)
	if err != nil {
		return object.Ref{}, false, err
	}
	*f.Reg(t.Stack, int(instr.A)) = result
	t.acc = result
	f.PC++
	return object.Ref{}, false, nil
}

// invoke pushes a frame for calleeCode immediately after f's live registers,
// transfers args into its leading registers, packs len(args) into the
// accumulator for FUNC_HEADER to check, and runs it to completion.
func (t *Thread) invoke(f *frame.Frame, calleeCode *code.Code, args []object.Ref) (object.Ref, error) {
	base := f.Base + f.Code.Sig.FrameSize
	nf, err := t.Stack.Push(calleeCode, base, f.PC+1, int32(base-f.Base), frame.LinkPlain)
	if err != nil {
		return object.Ref{}, err
	}
	for i, a := range args {
		*nf.Reg(t.Stack, i) = a
	}
	t.acc = object.Ref{Value: int64(len(args))}
	result, err := t.Run(nf)
	t.Stack.Frames = t.Stack.Frames[:len(t.Stack.Frames)-1]
	return result, err
}

// funcHeader implements §4.7's packed argument-signature check shared by
// FUNC_HEADER, METHOD_HEADER and COROGEN_HEADER: the accumulator carries
// the caller's argument count (invoke packs it before transferring
// control), checked against the callee's ArgSignature; too few or (absent
// *args) too many raises the §7 "value error" kind instead of silently
// running with a corrupted register window. Registers beyond the supplied
// argument count and up to TotalArg are filled with None — the CORE has no
// concrete function object carrying real default values to copy in (§6
// Non-goal), so a host wanting real defaults must compile a prologue that
// overwrites them itself.
func (t *Thread) funcHeader(f *frame.Frame) error {
	nargsRaw, ok := t.acc.Value.(int64)
	if !ok {
		return &ValueError{Reason: fmt.Sprintf("%s() missing packed argument count", f.Code.Name)}
	}
	nargs := int(nargsRaw)
	sig := f.Code.Sig
	varargs := f.Code.Flags&code.FlagVarArgs != 0
	required := sig.TotalArg - sig.NDefaults
	if !varargs && nargs > sig.TotalArg {
		return &ValueError{Reason: fmt.Sprintf("%s() takes at most %d argument(s) (%d given)", f.Code.Name, sig.TotalArg, nargs)}
	}
	if nargs < required {
		return &ValueError{Reason: fmt.Sprintf("%s() missing required argument(s) (%d given, %d required)", f.Code.Name, nargs, required)}
	}
	for i := nargs; i < sig.TotalArg; i++ {
		reg := f.Reg(t.Stack, i)
		if reg.IsNil() {
			*reg = None
		}
	}
	t.acc = object.Ref{}
	return nil
}

// nativeCall implements CFUNC_HEADER/FUNC_TPCALL_HEADER: a native callable's
// prologue, reached exactly like FUNC_HEADER except the callee's code
// object carries the host Ref to dispatch through Call (§6 tp_call) in its
// first constant slot instead of a bytecode body — the same pointer-
// equality-miss-falls-to-a-native-stub path the original handler file
// dispatches CFUNC_HEADER through. The call completes the frame
// immediately (no bytecode body to run after it).
func (t *Thread) nativeCall(f *frame.Frame) (object.Ref, bool, error) {
	nargsRaw, ok := t.acc.Value.(int64)
	if !ok {
		return object.Ref{}, false, &ValueError{Reason: fmt.Sprintf("%s() missing packed argument count", f.Code.Name)}
	}
	if len(f.Code.Consts) == 0 {
		return object.Ref{}, false, ErrTypeError
	}
	native := f.Code.Consts[0]
	if native.Header == nil || native.Header.Type == nil || native.Header.Type.Call == nil {
		return object.Ref{}, false, ErrTypeError
	}
	nargs := int(nargsRaw)
	args := make([]object.Ref, nargs)
	for i := 0; i < nargs; i++ {
		args[i] = *f.Reg(t.Stack, i)
	}
	t.acc = object.Ref{}
	result, err := native.Header.Type.Call(native, args, nil)
	if err != nil {
		return object.Ref{}, false, err
	}
	return result, true, nil
}

// inplaceOp resolves an in-place binary operator, falling back to the
// equivalent binary operator when the type defines no dedicated in-place
// slot (§4.6 "Arithmetic").
func (t *Thread) inplaceOp(left, right object.Ref) (object.Ref, error) {
	if left.Header == nil || left.Header.Type == nil || left.Header.Type.Numeric == nil {
		return object.Ref{}, ErrTypeError
	}
	if fn, ok := left.Header.Type.Numeric[code.InplaceAdd.String()]; ok {
		return fn(left, right)
	}
	if fn, ok := left.Header.Type.Numeric[code.BinaryAdd.String()]; ok {
		return fn(left, right)
	}
	return object.Ref{}, ErrTypeError
}

// containerCtorName maps a BUILD_* opcode to the conventional builtin-name
// lookup buildContainer uses to find the type's constructor (§6): the CORE
// has no concrete list/tuple/set/dict type of its own to construct
// (Non-goal), so construction goes through whatever the host registered
// under these names in Thread.Builtins.
func containerCtorName(op code.Op) string {
	switch op {
	case code.BuildList:
		return "list"
	case code.BuildTuple:
		return "tuple"
	case code.BuildSet:
		return "set"
	case code.BuildMap:
		return "dict"
	default:
		return ""
	}
}

// buildContainer constructs a new container instance by calling the host
// constructor registered under name, passing the instr.C registers starting
// at instr.B as its arguments.
func (t *Thread) buildContainer(f *frame.Frame, name string, instr code.Instr) (object.Ref, error) {
	ctor, ok := t.Builtins.Get(name)
	if !ok || ctor.Header == nil || ctor.Header.Type == nil || ctor.Header.Type.Call == nil {
		return object.Ref{}, ErrTypeError
	}
	n := int(instr.C)
	args := make([]object.Ref, n)
	for i := 0; i < n; i++ {
		args[i] = *f.Reg(t.Stack, int(instr.B)+i)
	}
	return ctor.Header.Type.Call(ctor, args, nil)
}

// unwind delegates to the unwind package (L), which implements §4.9's
// search. If no entry matches the current frame, the error propagates to
// Run's caller (which, for a nested call, is callFunction — itself a
// propagation boundary, matching §4.9 step 4's "no frame in the current
// thread-stack catches").
func (t *Thread) unwind(f *frame.Frame, cause error) (bool, error) {
	return unwind.Step(t.Stack, f, cause, t.decref)
}

// Inject raises exc at f's current PC as if the instruction there had
// itself failed, re-entering the unwinder before falling back to Run's own
// dispatch loop (§4.8 "throw/close inject an exception at the current PC").
// It is the gen package's entry point for Generator.Throw/Close: f must
// already be the active frame on t.Stack (the caller swaps in the
// generator's own thread-stack first, exactly as Send does).
func (t *Thread) Inject(f *frame.Frame, exc error) (object.Ref, error) {
	t.Hooks.Exception(f, exc)
	if _, err := t.unwind(f, exc); err != nil {
		t.Hooks.Forget(f)
		return object.Ref{}, err
	}
	return t.Run(f)
}

// handleBreaker services every bit the eval breaker may have raised before
// an opcode the caller marked as a safety point is allowed to proceed
// (§5 "Cancellation" and §4.6 "Safety points"). Unrecognized bits are
// simply left set for a future safety point: this function only clears
// what it actually services.
func (t *Thread) handleBreaker(f *frame.Frame) error {
	if t.Breaker.Test(atomics.BitStopTheWorld) {
		critsec.EndAll(&t.Crit) // §5: zero locks held across a suspension point
		if t.STW != nil {
			if err := t.STW.Acknowledge(context.Background()); err != nil {
				return err
			}
		}
		critsec.Resume(&t.Crit)
	}
	if t.Breaker.Test(atomics.BitAsyncExc) {
		t.Breaker.Clear(atomics.BitAsyncExc)
		return ErrUnhandled
	}
	return nil
}
