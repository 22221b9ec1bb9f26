// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package mrocache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/object"
)

func val(v string) object.Ref { return object.New(nil, v, 1) }

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := New()
	_, ok := c.Lookup("__init__")
	assert.False(t, ok)
}

func TestInsertThenLookupHit(t *testing.T) {
	c := New()
	c.Insert("__init__", Entry{Hit: true, Value: val("method")})
	e, ok := c.Lookup("__init__")
	require.True(t, ok)
	assert.True(t, e.Hit)
	assert.Equal(t, "method", e.Value.Value)
}

func TestInsertKnownAbsentSentinel(t *testing.T) {
	c := New()
	c.Insert("__missing__", Entry{Hit: false})
	e, ok := c.Lookup("__missing__")
	require.True(t, ok, "a known-absent entry is still a cache hit")
	assert.False(t, e.Hit)
}

func TestInsertOverwritesExisting(t *testing.T) {
	c := New()
	c.Insert("x", Entry{Hit: true, Value: val("first")})
	c.Insert("x", Entry{Hit: true, Value: val("second")})
	e, ok := c.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "second", e.Value.Value)
	assert.Equal(t, 1, c.Len())
}

func TestResizeKeepsAllEntriesLookupable(t *testing.T) {
	c := New()
	var names []string
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("method_%03d", i)
		names = append(names, name)
		c.Insert(name, Entry{Hit: true, Value: val(name)})
	}
	for _, name := range names {
		e, ok := c.Lookup(name)
		require.True(t, ok, "lost %s across resize", name)
		assert.Equal(t, name, e.Value.Value)
	}
	assert.Equal(t, len(names), c.Len())
}

func TestEraseClearsAllEntries(t *testing.T) {
	c := New()
	c.Insert("a", Entry{Hit: true, Value: val("1")})
	c.Insert("b", Entry{Hit: true, Value: val("2")})
	c.Erase()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Lookup("a")
	assert.False(t, ok)
}

func TestEraseIsAllocationFreeOnRepeatedCalls(t *testing.T) {
	c := New()
	c.Insert("a", Entry{Hit: true, Value: val("1")})
	c.Erase()
	c.Erase() // second erase on an already-empty cache must be a no-op, not a re-retire
	assert.Equal(t, 0, c.Len())
}

func TestInsertAfterEraseReallocates(t *testing.T) {
	c := New()
	c.Insert("a", Entry{Hit: true, Value: val("1")})
	c.Erase()
	c.Insert("b", Entry{Hit: true, Value: val("2")})
	e, ok := c.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "2", e.Value.Value)
	assert.Equal(t, 1, c.Len())
}

func TestDistinctCachesAreIndependent(t *testing.T) {
	c1, c2 := New(), New()
	c1.Insert("m", Entry{Hit: true, Value: val("c1")})
	_, ok := c2.Lookup("m")
	assert.False(t, ok)
}
