// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package weakref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRefGetsLiveReferent(t *testing.T) {
	reg := New()
	key := new(int)
	r := reg.NewRef(key, "payload")

	v, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, "payload", v)
	assert.False(t, r.IsDead())
}

func TestClearKillsAllOutstandingRefs(t *testing.T) {
	reg := New()
	key := new(int)
	r1 := reg.NewRef(key, "payload")
	r2 := reg.NewRef(key, "payload")
	assert.Equal(t, 2, reg.Count(key))

	reg.Clear(key)

	assert.True(t, r1.IsDead())
	assert.True(t, r2.IsDead())
	_, ok := r1.Get()
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count(key))
}

func TestCountAndRefsReflectLiveRegistrations(t *testing.T) {
	reg := New()
	key := new(int)
	assert.Equal(t, 0, reg.Count(key))

	r := reg.NewRef(key, 42)
	assert.Equal(t, 1, reg.Count(key))
	assert.Equal(t, []*Ref{r}, reg.Refs(key))
}

func TestProxyDerefsThroughToLiveReferent(t *testing.T) {
	reg := New()
	key := new(int)
	r := reg.NewRef(key, "payload")
	p := NewProxy(r)

	v, ok := p.Deref()
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	reg.Clear(key)
	_, ok = p.Deref()
	assert.False(t, ok)
}
