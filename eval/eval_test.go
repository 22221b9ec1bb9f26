// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package eval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/atomics"
	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/namemap"
	"github.com/probechain/go-probe/object"
	"github.com/probechain/go-probe/stw"
)

func intRef(v int64) object.Ref {
	return object.Ref{Header: &object.Header{Type: intSlots}, Value: v}
}

var intSlots = &object.Slots{
	Name: "int",
	Numeric: map[string]func(self, other object.Ref) (object.Ref, error){
		"BINARY_ADD": func(self, other object.Ref) (object.Ref, error) {
			return intRef(self.Value.(int64) + other.Value.(int64)), nil
		},
		"BINARY_SUB": func(self, other object.Ref) (object.Ref, error) {
			return intRef(self.Value.(int64) - other.Value.(int64)), nil
		},
	},
	RichCompare: func(self, other object.Ref, op object.CompareOp) (object.Ref, error) {
		a, b := self.Value.(int64), other.Value.(int64)
		switch op {
		case object.CompareLT:
			return boolRef(a < b), nil
		case object.CompareLE:
			return boolRef(a <= b), nil
		case object.CompareEQ:
			return boolRef(a == b), nil
		default:
			return boolRef(false), nil
		}
	},
}

func newImmortalInt(v int64) *object.Header {
	h := &object.Header{Type: intSlots}
	h.Local.Store(uint32(object.FlagImmortal))
	return h
}

func TestRunArithmeticAndReturn(t *testing.T) {
	c := code.New("add", "t.lang", 1)
	c.Sig.FrameSize = 3
	idx1 := c.InternInt64(2, intRef(2))
	idx2 := c.InternInt64(3, intRef(3))
	c.Instructions = []code.Instr{
		{Op: code.LoadConst, B: int32(idx1)},
		{Op: code.StoreFast, B: 0},
		{Op: code.LoadConst, B: int32(idx2)},
		{Op: code.StoreFast, B: 1},
		{Op: code.BinaryAdd, A: 2, B: 0, C: 1},
		{Op: code.ReturnValue},
	}

	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)

	result, err := th.Run(f)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Value)
}

func TestRunConditionalJump(t *testing.T) {
	c := code.New("cond", "t.lang", 1)
	c.Sig.FrameSize = 2
	idxTrueVal := c.InternInt64(1, intRef(1))
	idxA := c.InternInt64(100, intRef(100))
	idxB := c.InternInt64(200, intRef(200))
	c.Instructions = []code.Instr{
		{Op: code.LoadConst, B: int32(idxTrueVal)}, // 0: acc = 1 (truthy int, but truthy() only special-cases bool/nil/int64/float64/string — int64 works)
		{Op: code.PopJumpIfFalse, A: 4},             // 1
		{Op: code.LoadConst, B: int32(idxA)},        // 2
		{Op: code.Jump, A: 5},                       // 3
		{Op: code.LoadConst, B: int32(idxB)},         // 4
		{Op: code.ReturnValue},                       // 5
	}

	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)
	result, err := th.Run(f)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Value)
}

func TestRunNameErrorOnMissingGlobal(t *testing.T) {
	c := code.New("g", "t.lang", 1)
	c.Sig.FrameSize = 1
	c.Names = []string{"missing"}
	c.Instructions = []code.Instr{
		{Op: code.LoadGlobal, B: 0},
		{Op: code.ReturnValue},
	}
	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = th.Run(f)
	var nameErr *NameError
	require.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "missing", nameErr.Name)
}

func TestRunGlobalStoreThenLoad(t *testing.T) {
	c := code.New("g", "t.lang", 1)
	c.Sig.FrameSize = 1
	c.Names = []string{"x"}
	idx := c.InternInt64(7, intRef(7))
	c.Instructions = []code.Instr{
		{Op: code.LoadConst, B: int32(idx)},
		{Op: code.StoreGlobal, B: 0},
		{Op: code.LoadGlobal, B: 0},
		{Op: code.ReturnValue},
	}
	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)
	result, err := th.Run(f)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.Value)
}

func TestUnwindRoutesToHandler(t *testing.T) {
	c := code.New("tryexcept", "t.lang", 1)
	c.Sig.FrameSize = 4
	c.ExceptTable = []code.ExceptEntry{
		{Start: 0, HandlerEnd: 1, Handler: 2, LinkReg: 0},
	}
	idxRecovered := c.InternInt64(99, intRef(99))
	c.Instructions = []code.Instr{
		{Op: code.Raise}, // 0: raises inside the protected range
		{Op: code.Jump, A: 3},      // 1: unreachable
		{Op: code.LoadConst, B: int32(idxRecovered)}, // 2: handler
		{Op: code.ReturnValue},                        // 3
	}
	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)
	result, err := th.Run(f)
	require.NoError(t, err)
	assert.Equal(t, int64(99), result.Value)
}

func TestUnwindPropagatesWhenNoHandlerMatches(t *testing.T) {
	c := code.New("unhandled", "t.lang", 1)
	c.Sig.FrameSize = 1
	c.Instructions = []code.Instr{
		{Op: code.Raise},
	}
	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = th.Run(f)
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestHandleBreakerHaltsAtCoordinatorSafepoint(t *testing.T) {
	th := NewThread(1, namemap.New(), namemap.New())
	coord := stw.New()
	th.JoinCoordinator(coord)

	c := code.New("f", "t.lang", 1)
	c.Sig.FrameSize = 1
	f, err := th.Stack.Push(c, 0, 0, 0, 0)
	require.NoError(t, err)

	th.Breaker.Raise(atomics.BitStopTheWorld)
	done := make(chan error, 1)
	go func() { done <- th.handleBreaker(f) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, coord.Halt(ctx))
	coord.Resume()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handleBreaker never returned after Resume")
	}
}

func TestCallFunctionRecursiveFib(t *testing.T) {
	// fib(n) = n if n <= 1 else fib(n-1) + fib(n-2) — §8's worked recursion
	// scenario, expressed directly in opcodes since this package has no
	// compiler front end (§1 "out of scope"). Register layout: r0=n (arg),
	// r1=n (compare operand), r2=1 (compare operand), r3=scratch subtrahend,
	// r5/r6=sub-call results, r7=callee (self) reference, r8=sub-call argument.
	// Instruction 0 is FUNC_HEADER (§4.7): every CALL_FUNCTION target must
	// begin with it so the caller's packed argument count gets checked
	// against fib's own ArgSignature instead of being trusted blindly.
	fib := code.New("fib", "t.lang", 1)
	fib.Sig.FrameSize = 9
	fib.Sig.ArgCount = 1
	fib.Sig.TotalArg = 1
	idxOne := fib.InternInt64(1, intRef(1))
	idxTwo := fib.InternInt64(2, intRef(2))
	funcIdx := fib.InternObject(object.Ref{Header: &object.Header{}, Value: fib})

	fib.Instructions = []code.Instr{
		{Op: code.FuncHeader},                                         // 0
		{Op: code.LoadFast, B: 0},                                     // 1: acc = n
		{Op: code.StoreFast, B: 1},                                    // 2: r1 = n
		{Op: code.LoadConst, B: int32(idxOne)},                        // 3: acc = 1
		{Op: code.StoreFast, B: 2},                                    // 4: r2 = 1
		{Op: code.CompareOp, A: int32(object.CompareLE), B: 1, C: 2},  // 5: acc = n<=1
		{Op: code.PopJumpIfFalse, A: 9},                               // 6
		{Op: code.LoadFast, B: 0},                                     // 7: base case: acc = n
		{Op: code.Jump, A: 22},                                        // 8
		{Op: code.LoadConst, B: int32(funcIdx)},                       // 9: acc = fib (self)
		{Op: code.StoreFast, B: 7},                                    // 10: r7 = callee
		{Op: code.LoadConst, B: int32(idxOne)},                        // 11: acc = 1
		{Op: code.StoreFast, B: 3},                                    // 12: r3 = 1
		{Op: code.BinarySub, B: 0, C: 3},                              // 13: acc = n-1
		{Op: code.StoreFast, B: 8},                                    // 14: r8 = n-1
		{Op: code.CallFunction, A: 5, B: 7, C: 1},                     // 15: r5 = fib(n-1)
		{Op: code.LoadConst, B: int32(idxTwo)},                        // 16: acc = 2
		{Op: code.StoreFast, B: 3},                                    // 17: r3 = 2
		{Op: code.BinarySub, B: 0, C: 3},                              // 18: acc = n-2
		{Op: code.StoreFast, B: 8},                                    // 19: r8 = n-2
		{Op: code.CallFunction, A: 6, B: 7, C: 1},                     // 20: r6 = fib(n-2)
		{Op: code.BinaryAdd, B: 5, C: 6},                              // 21: acc = r5 + r6
		{Op: code.ReturnValue},                                        // 22
	}

	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(fib, 0, 0, 0, 0)
	require.NoError(t, err)
	*f.Reg(th.Stack, 0) = intRef(5)
	th.SetAccumulator(object.Ref{Value: int64(1)}) // the outermost call's own packed arg count, normally set by invoke
	result, err := th.Run(f)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Value, "fib(5) == 5")
}

func TestCallFunctionRejectsWrongArity(t *testing.T) {
	callee := code.New("needs_one", "t.lang", 1)
	callee.Sig.FrameSize = 1
	callee.Sig.ArgCount = 1
	callee.Sig.TotalArg = 1
	callee.Instructions = []code.Instr{
		{Op: code.FuncHeader},
		{Op: code.LoadFast, B: 0},
		{Op: code.ReturnValue},
	}

	caller := code.New("caller", "t.lang", 1)
	caller.Sig.FrameSize = 2
	calleeIdx := caller.InternObject(object.Ref{Header: &object.Header{}, Value: callee})
	caller.Instructions = []code.Instr{
		{Op: code.LoadConst, B: int32(calleeIdx)},
		{Op: code.StoreFast, B: 1},
		{Op: code.CallFunction, A: 0, B: 1, C: 0}, // no arguments supplied for a required one
		{Op: code.ReturnValue},
	}

	th := NewThread(1, namemap.New(), namemap.New())
	f, err := th.Stack.Push(caller, 0, 0, 0, 0)
	require.NoError(t, err)
	_, err = th.Run(f)
	var valErr *ValueError
	require.ErrorAs(t, err, &valErr)
	assert.ErrorIs(t, err, ErrValueError)
}
