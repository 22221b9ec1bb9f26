// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/code"
	"github.com/probechain/go-probe/frame"
)

func testFrame(t *testing.T) *frame.Frame {
	c := code.New("f", "f.lang", 1)
	c.Sig.FrameSize = 1
	c.LineTable = []code.LineRun{{ByteDelta: 1, LineDelta: 1}}
	s := frame.NewStack(4)
	f, err := s.Push(c, 0, 0, 0, frame.LinkPlain)
	require.NoError(t, err)
	return f
}

func TestActiveReflectsInstalledHooks(t *testing.T) {
	h := NewHooks()
	assert.False(t, h.Active())
	h.Trace = func(Event, *frame.Frame, any) {}
	assert.True(t, h.Active())
}

func TestLineFiresOnceThenRefiresOnLineChange(t *testing.T) {
	h := NewHooks()
	var events []int
	h.Trace = func(e Event, f *frame.Frame, extra any) {
		if e == EventLine {
			events = append(events, extra.(int))
		}
	}
	f := testFrame(t)
	h.Line(f, 0)
	h.Line(f, 0) // same line, back-edge: must not refire
	h.Line(f, 1) // new line
	assert.Equal(t, []int{1, 2}, events)
}

func TestExceptionOnlyFiresOnTraceNotProfile(t *testing.T) {
	h := NewHooks()
	var traceFired, profileFired bool
	h.Trace = func(e Event, f *frame.Frame, extra any) { traceFired = e == EventException }
	h.Profile = func(e Event, f *frame.Frame, extra any) { profileFired = e == EventException }
	h.Exception(testFrame(t), errors.New("boom"))
	assert.True(t, traceFired)
	assert.False(t, profileFired)
}

func TestReentrancyPreventsNestedFire(t *testing.T) {
	h := NewHooks()
	var nestedFired bool
	h.Trace = func(e Event, f *frame.Frame, extra any) {
		if !h.Reentrant() {
			t.Fatal("callback invoked while not marked reentrant")
		}
		h.Call(f) // nested call event while already tracing
		nestedFired = true
	}
	h.Call(testFrame(t))
	assert.True(t, nestedFired)
}

func TestForgetDropsLineTrackingState(t *testing.T) {
	h := NewHooks()
	var count int
	h.Trace = func(e Event, f *frame.Frame, extra any) {
		if e == EventLine {
			count++
		}
	}
	f := testFrame(t)
	h.Line(f, 0)
	h.Forget(f)
	h.Line(f, 0) // after Forget, the same line must refire as if new
	assert.Equal(t, 2, count)
}

func TestEventStringNames(t *testing.T) {
	assert.Equal(t, "PyTrace_CALL", EventCall.String())
	assert.Equal(t, "PyTrace_LINE", EventLine.String())
	assert.Equal(t, "PyTrace_RETURN", EventReturn.String())
	assert.Equal(t, "PyTrace_EXCEPTION", EventException.String())
}
