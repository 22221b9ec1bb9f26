// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package code

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/object"
)

func TestInternInt64Dedupes(t *testing.T) {
	c := New("f", "f.lang", 1)
	i1 := c.InternInt64(42, object.New(nil, int64(42), 1))
	i2 := c.InternInt64(42, object.New(nil, int64(42), 1))
	assert.Equal(t, i1, i2)
	assert.Len(t, c.Consts, 1)
}

func TestInternDistinctValuesGetDistinctSlots(t *testing.T) {
	c := New("f", "f.lang", 1)
	i1 := c.InternInt64(1, object.New(nil, int64(1), 1))
	i2 := c.InternInt64(2, object.New(nil, int64(2), 1))
	assert.NotEqual(t, i1, i2)
}

func TestInternStringAndInt64DontCollide(t *testing.T) {
	c := New("f", "f.lang", 1)
	i1 := c.InternString("1", object.New(nil, "1", 1))
	i2 := c.InternInt64(1, object.New(nil, int64(1), 1))
	assert.NotEqual(t, i1, i2)
}

func TestInternObjectNeverDedupes(t *testing.T) {
	c := New("f", "f.lang", 1)
	i1 := c.InternObject(object.New(nil, "mutable", 1))
	i2 := c.InternObject(object.New(nil, "mutable", 1))
	assert.NotEqual(t, i1, i2)
}

func TestLineForPCWalksRuns(t *testing.T) {
	c := New("f", "f.lang", 10)
	c.LineTable = []LineRun{{ByteDelta: 4, LineDelta: 0}, {ByteDelta: 4, LineDelta: 1}, {ByteDelta: 4, LineDelta: 2}}
	assert.Equal(t, 10, c.LineForPC(0))
	assert.Equal(t, 10, c.LineForPC(4))
	assert.Equal(t, 11, c.LineForPC(8))
}

func TestJumpTargetBinarySearch(t *testing.T) {
	c := New("f", "f.lang", 1)
	c.JumpSide = []JumpSideEntry{{PC: 4, Target: 0}, {PC: 20, Target: 8}, {PC: 40, Target: 12}}
	target, ok := c.JumpTarget(20)
	require.True(t, ok)
	assert.Equal(t, int32(8), target)
	_, ok = c.JumpTarget(21)
	assert.False(t, ok)
}

func TestFindHandlerInnermostFirst(t *testing.T) {
	c := New("f", "f.lang", 1)
	c.ExceptTable = []ExceptEntry{
		{Start: 4, HandlerEnd: 8, Handler: 100, LinkReg: 3},
		{Start: 0, HandlerEnd: 20, Handler: 200, LinkReg: 1},
	}
	e, ok := c.FindHandler(5)
	require.True(t, ok)
	assert.Equal(t, int32(100), e.Handler, "innermost entry must win when ranges overlap")
}

func TestFindHandlerNoMatch(t *testing.T) {
	c := New("f", "f.lang", 1)
	c.ExceptTable = []ExceptEntry{{Start: 0, HandlerEnd: 4, Handler: 100, LinkReg: 0}}
	_, ok := c.FindHandler(10)
	assert.False(t, ok)
}

func TestIsSafetyPoint(t *testing.T) {
	assert.True(t, CallFunction.IsSafetyPoint())
	assert.True(t, LoadAttr.IsSafetyPoint())
	assert.False(t, Move.IsSafetyPoint())
	assert.False(t, Jump.IsSafetyPoint())
}

func TestDisassembleProducesOneLinePerInstruction(t *testing.T) {
	c := New("f", "f.lang", 1)
	c.Instructions = []Instr{
		{Op: LoadConst, A: 0, B: 0},
		{Op: BinaryAdd, A: 0, B: 0, C: 1},
		{Op: ReturnValue},
	}
	out := Disassemble(c)
	assert.Contains(t, out, "LOAD_CONST")
	assert.Contains(t, out, "BINARY_ADD")
	assert.Contains(t, out, "RETURN_VALUE")
}
