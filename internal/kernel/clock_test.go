package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_StampPairsSeqWithTick(t *testing.T) {
	c := NewClock()
	assert.Equal(t, Stamp{Seq: 1, Tick: 0}, c.Stamp())
	assert.Equal(t, Stamp{Seq: 2, Tick: 0}, c.Stamp())

	assert.Equal(t, uint64(1), c.Advance())
	assert.Equal(t, uint64(2), c.Advance())
	assert.Equal(t, Stamp{Seq: 3, Tick: 2}, c.Stamp())
	assert.Equal(t, int64(3), c.Seq())
	assert.Equal(t, uint64(2), c.Ticks())
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, int64(101), c.Stamp().Seq)
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 50
	const calls = 100

	var wg sync.WaitGroup
	seqs := make(chan int64, goroutines*calls)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				seqs <- c.Stamp().Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "seq %d generated twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, goroutines*calls)
}

func TestKernel_SharedClock(t *testing.T) {
	clock := NewClockAt(41)
	f := newFixture(t, WithClock(clock))
	f.spawn(t, 1, f.a)

	assert.Equal(t, int64(42), f.events[0].Seq)
	assert.Equal(t, int64(42), clock.Seq())

	f.k.Tick()
	assert.Equal(t, uint64(1), clock.Ticks())
	assert.Equal(t, uint64(1), f.k.Stats().Ticks, "kernel ticks are the clock's ticks")
}
