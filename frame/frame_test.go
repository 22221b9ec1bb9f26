// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/object"
)

func testCode(frameSize int) *code.Code {
	c := code.New("f", "f.lang", 1)
	c.Sig.FrameSize = frameSize
	return c
}

func TestPushAllocatesFrameAtBase(t *testing.T) {
	s := NewStack(16)
	f, err := s.Push(testCode(4), 0, 0, 0, LinkPlain)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Base)
	assert.Same(t, f, s.Top())
}

func TestPushGrowsRegsWhenNeeded(t *testing.T) {
	s := NewStack(2)
	_, err := s.Push(testCode(8), 0, 0, 0, LinkPlain)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(s.Regs), 8)
}

func TestPushRecursionLimit(t *testing.T) {
	s := NewStack(1024)
	s.MaxDepth = 2
	_, err := s.Push(testCode(1), 0, 0, 0, LinkPlain)
	require.NoError(t, err)
	_, err = s.Push(testCode(1), 1, 0, 0, LinkPlain)
	require.NoError(t, err)
	_, err = s.Push(testCode(1), 2, 0, 0, LinkPlain)
	assert.ErrorIs(t, err, ErrRecursionLimit)
}

func TestPopClearsFrameRegisters(t *testing.T) {
	s := NewStack(16)
	f, err := s.Push(testCode(4), 0, 0, 0, LinkPlain)
	require.NoError(t, err)
	*f.Reg(s, 0) = object.New(nil, "x", 1)

	var cleared []object.Ref
	popped := s.Pop(func(r object.Ref) { cleared = append(cleared, r) })
	assert.Same(t, f, popped)
	assert.Len(t, cleared, 1)
	assert.Nil(t, s.Top())
}

func TestWalkOrdersInnermostFirst(t *testing.T) {
	s := NewStack(16)
	outer := testCode(4)
	outer.Name = "outer"
	inner := testCode(4)
	inner.Name = "inner"
	_, err := s.Push(outer, 0, 0, 0, LinkPlain)
	require.NoError(t, err)
	_, err = s.Push(inner, 4, 0, 0, LinkPlain)
	require.NoError(t, err)

	entries := Walk(s)
	require.Len(t, entries, 2)
	assert.Equal(t, "inner", entries[0].Qualname)
	assert.Equal(t, "outer", entries[1].Qualname)
}

func TestCaptureOriginRespectsDepth(t *testing.T) {
	s := NewStack(16)
	for i := 0; i < 5; i++ {
		_, err := s.Push(testCode(1), i, 0, 0, LinkPlain)
		require.NoError(t, err)
	}
	origins := CaptureOrigin(s, 3)
	assert.Len(t, origins, 3)
}
