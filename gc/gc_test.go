// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probechain/go-probe/object"
)

func TestTrackIncrementsLiveOnce(t *testing.T) {
	g := NewGeneration(10)
	h := &object.Header{}
	g.Track(h)
	g.Track(h) // idempotent
	assert.Equal(t, int64(1), g.Live())
	assert.True(t, g.Tracked(h))
}

func TestUntrackDecrementsLive(t *testing.T) {
	g := NewGeneration(10)
	h := &object.Header{}
	g.Track(h)
	g.Untrack(h)
	assert.Equal(t, int64(0), g.Live())
	assert.False(t, g.Tracked(h))
}

func TestUntrackUntrackedIsNoop(t *testing.T) {
	g := NewGeneration(10)
	h := &object.Header{}
	g.Untrack(h)
	assert.Equal(t, int64(0), g.Live())
}

func TestShouldCollectCrossesThreshold(t *testing.T) {
	g := NewGeneration(2)
	assert.False(t, g.ShouldCollect())
	g.Track(&object.Header{})
	g.Track(&object.Header{})
	assert.True(t, g.ShouldCollect())
}

func TestCollectedRearmsThresholdRelativeToSurvivors(t *testing.T) {
	g := NewGeneration(2)
	h1, h2, h3 := &object.Header{}, &object.Header{}, &object.Header{}
	g.Track(h1)
	g.Track(h2)
	g.Track(h3)
	assert.True(t, g.ShouldCollect())

	g.Untrack(h2) // one survives collection, one is swept
	g.Untrack(h3)
	g.Collected()
	assert.False(t, g.ShouldCollect())

	g.Track(&object.Header{})
	g.Track(&object.Header{})
	assert.True(t, g.ShouldCollect())
}

func TestFinalizeRunsTypeDestructorUntracksAndClearsWeakrefs(t *testing.T) {
	g := NewGeneration(10)
	ran := false
	slots := &object.Slots{
		Name:     "has_del",
		Finalize: func(object.Ref) { ran = true },
	}
	h := &object.Header{Type: slots}
	ref := object.Ref{Header: h}
	g.Track(h)
	wr := g.Weakrefs.NewRef(h, ref)

	g.Finalize(ref)

	assert.True(t, ran, "Finalize must invoke the type's Finalize slot")
	assert.False(t, g.Tracked(h))
	assert.True(t, wr.IsDead(), "Finalize must clear weak references to the dying object")
}

func TestEachVisitsEveryTrackedHeader(t *testing.T) {
	g := NewGeneration(10)
	h1, h2 := &object.Header{}, &object.Header{}
	g.Track(h1)
	g.Track(h2)

	seen := make(map[*object.Header]bool)
	g.Each(func(h *object.Header) { seen[h] = true })
	assert.True(t, seen[h1])
	assert.True(t, seen[h2])
	assert.Len(t, seen, 2)
}
