package id

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockGenerator_NextID_Uniqueness(t *testing.T) {
	gen := NewClockGenerator(1)

	seen := make(map[uint64]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		require.False(t, seen[id], "duplicate ID generated at iteration %d: %d", i, id)
		seen[id] = true
	}
}

func TestClockGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewClockGenerator(1)

	var prev uint64
	for i := 0; i < 1000; i++ {
		id := gen.NextID()
		require.Greater(t, id, prev, "non-monotonic ID at iteration %d", i)
		prev = id
	}
}

func TestClockGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewClockGenerator(3)

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	ids := make(chan uint64, goroutines*idsPerGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				ids <- gen.NextID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]struct{}, goroutines*idsPerGoroutine)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate ID %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*idsPerGoroutine)
}

func TestClockGenerator_Layout(t *testing.T) {
	before := time.Now().Truncate(time.Millisecond)
	id := NewClockGenerator(5).NextID()
	after := time.Now()

	assert.Equal(t, uint64(5), id>>logicalBits&instanceMask)
	assert.Equal(t, uint64(1), id&logicalMask)
	ts := Timestamp(id)
	assert.False(t, ts.Before(before))
	assert.False(t, ts.After(after))
}

func TestClockGenerator_InstanceIsMasked(t *testing.T) {
	id := NewClockGenerator(0xFFFF).NextID()
	assert.Equal(t, uint64(instanceMask), id>>logicalBits&instanceMask)
}

func TestNext_UsesConfiguredInstance(t *testing.T) {
	SetInstance(7)
	defer SetInstance(0)

	a, b := Next(), Next()
	assert.NotEqual(t, a, b)
	assert.Equal(t, uint64(7), a>>logicalBits&instanceMask)
}
