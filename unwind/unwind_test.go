// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package unwind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/frame"
	"github.com/probechain/go-probe/object"
)

func TestStepRedirectsToHandler(t *testing.T) {
	c := code.New("f", "f.lang", 1)
	c.Sig.FrameSize = 4
	c.ExceptTable = []ExceptEntry{{Start: 0, HandlerEnd: 2, Handler: 10, LinkReg: 1}}
	c.Instructions = make([]code.Instr, 12)

	s := frame.NewStack(8)
	f, err := s.Push(c, 0, 0, 0, frame.LinkPlain)
	require.NoError(t, err)
	f.PC = 1

	var decreffed int
	ok, rerr := Step(s, f, errors.New("boom"), func(object.Ref) { decreffed++ })
	require.True(t, ok)
	require.NoError(t, rerr)
	assert.Equal(t, int32(10), f.PC)

	link := *f.Reg(s, 1)
	assert.Equal(t, int64(-1), link.Value)
}

func TestStepPropagatesWhenNoHandler(t *testing.T) {
	c := code.New("f", "f.lang", 1)
	c.Sig.FrameSize = 2
	s := frame.NewStack(4)
	f, err := s.Push(c, 0, 0, 0, frame.LinkPlain)
	require.NoError(t, err)

	cause := errors.New("boom")
	ok, rerr := Step(s, f, cause, func(object.Ref) {})
	assert.False(t, ok)
	assert.Equal(t, cause, rerr)
}

func TestClassifyReraiseProceedAndTarget(t *testing.T) {
	kind, target := Classify(object.NewImmortal(nil, int64(-1)))
	assert.Equal(t, ReraiseRaise, kind)
	assert.Equal(t, int32(0), target)

	kind, target = Classify(object.NewImmortal(nil, int64(0)))
	assert.Equal(t, ReraiseProceed, kind)
	assert.Equal(t, int32(0), target)

	kind, target = Classify(object.NewImmortal(nil, int64(42)))
	assert.NotEqual(t, ReraiseProceed, kind)
	assert.NotEqual(t, ReraiseRaise, kind)
	assert.Equal(t, int32(42), target)
}
