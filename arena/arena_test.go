// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundtrip(t *testing.T) {
	a := New(Limits{})
	addr, err := a.Alloc(Obj, 24)
	require.NoError(t, err)

	require.NoError(t, a.WriteSlice(Obj, addr, []byte("hello world")))
	got, err := a.ReadSlice(Obj, addr, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	require.NoError(t, a.Free(Obj, addr))
	assert.ErrorIs(t, a.Free(Obj, addr), ErrDoubleFree)
}

func TestOutOfMemory(t *testing.T) {
	a := New(Limits{Mem: 16})
	_, err := a.Alloc(Mem, 8)
	require.NoError(t, err)
	_, err = a.Alloc(Mem, 8)
	require.NoError(t, err)
	_, err = a.Alloc(Mem, 8)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestForeignFreeDrainedOnAlloc(t *testing.T) {
	a := New(Limits{})
	addr, err := a.Alloc(Raw, 8)
	require.NoError(t, err)
	usedBefore := a.Used(Raw)

	a.FreeForeign(Raw, addr)
	assert.Equal(t, usedBefore, a.Used(Raw), "foreign free must not apply until drained")

	_, err = a.Alloc(Raw, 8) // triggers drainForeign
	require.NoError(t, err)
	assert.Less(t, a.Used(Raw), usedBefore+16)
}

func TestGCHeapHeaderOffset(t *testing.T) {
	a := New(Limits{})
	addr, err := a.Alloc(GC, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*wordSize), addr, "gc heap must reserve the two-word header before the payload")
}

func TestDebugRecordsSerialAndFreesCleanly(t *testing.T) {
	d := NewDebug(Limits{}, 1<<20)
	addr, err := d.Alloc(Obj, 8)
	require.NoError(t, err)

	serial, ok := d.Serial(Obj, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(1), serial)

	require.NoError(t, d.Free(Obj, addr))
}

func TestNewForPolicy(t *testing.T) {
	SetPolicy(PolicyDebug)
	defer SetPolicy(PolicyDefault)
	a := NewForPolicy(Limits{})
	_, ok := a.(*Debug)
	assert.True(t, ok)
}
