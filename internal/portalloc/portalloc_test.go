package portalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_LowestFree(t *testing.T) {
	a := New(3001, 3003)

	p1, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 3001, p1)

	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 3002, p2)

	a.Release(p1)

	p3, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 3001, p3, "released lowest port should be reused first")
}

func TestAllocate_Exhausted(t *testing.T) {
	a := New(3001, 3002)

	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.Error(t, err)
	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestRelease_Idempotent(t *testing.T) {
	a := New(3001, 3001)

	p, err := a.Allocate()
	require.NoError(t, err)

	a.Release(p)
	a.Release(p) // second release is a no-op, not a panic

	assert.Equal(t, 0, a.UsedCount())
}

func TestAllocateRelease_RoundTrip(t *testing.T) {
	a := New(3001, 3010)
	before := a.UsedCount()

	p, err := a.Allocate()
	require.NoError(t, err)
	a.Release(p)

	assert.Equal(t, before, a.UsedCount())
}

func TestAllocate_CollisionFree(t *testing.T) {
	a := New(3001, 3100)

	var wg sync.WaitGroup
	results := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate()
			require.NoError(t, err)
			results <- p
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for p := range results {
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
	assert.Equal(t, 100, len(seen))
}
