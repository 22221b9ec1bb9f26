// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package namemap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probechain/go-probe/object"
)

func ref(v string) object.Ref { return object.New(nil, v, 1) }

func TestSetGetRoundtrip(t *testing.T) {
	m := New()
	m.Set("x", ref("hello"))
	got, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Value)
}

func TestGetMissing(t *testing.T) {
	m := New()
	_, ok := m.Get("nope")
	assert.False(t, ok)
}

func TestUpdateExistingKey(t *testing.T) {
	m := New()
	m.Set("x", ref("one"))
	m.Set("x", ref("two"))
	got, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, "two", got.Value)
	assert.Equal(t, 1, m.Len())
}

func TestDeleteThenReinsertKeepsOrder(t *testing.T) {
	m := New()
	m.Set("a", ref("1"))
	m.Set("b", ref("2"))
	m.Set("c", ref("3"))
	m.Delete("b")
	assert.Equal(t, []string{"a", "c"}, m.Keys())

	m.Set("b", ref("2b"))
	assert.Equal(t, []string{"a", "c", "b"}, m.Keys(), "re-insertion is a new insertion point, not the old slot")
}

func TestIterationOrderStableAcrossResize(t *testing.T) {
	m := New()
	var want []string
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%03d", i)
		want = append(want, k)
		m.Set(k, ref(k))
	}
	assert.Equal(t, want, m.Keys())
	assert.Equal(t, 200, m.Len())
}

func TestVersionBumpsOnMutation(t *testing.T) {
	m := New()
	v0 := m.Version()
	m.Set("a", ref("1"))
	v1 := m.Version()
	assert.Greater(t, v1, v0)
}

func TestConcurrentGetNeverObservesMissingAfterInsert(t *testing.T) {
	m := New()
	m.Set("k", ref("initial"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var sawMissing bool
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := m.Get("k"); !ok {
				mu.Lock()
				sawMissing = true
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 500; i++ {
		m.Set("k", ref(fmt.Sprintf("v%d", i)))
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, sawMissing, "reader must never observe an absent key once it has been inserted")

	got, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v499", got.Value)
}

func TestPromoteGeneric(t *testing.T) {
	m := New()
	m.Set("a", ref("1"))
	m.PromoteGeneric()
	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", got.Value)
}
