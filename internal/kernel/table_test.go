package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/ir"
)

func TestProcessTable_AllocLowestFirst(t *testing.T) {
	tbl := newProcessTable(3)

	for i := uint32(0); i < 3; i++ {
		p, ok := tbl.alloc()
		require.True(t, ok)
		assert.Equal(t, ir.ProcessID{Index: i, Generation: 1}, p.id)
		assert.Equal(t, StateNew, p.state)
	}
	_, ok := tbl.alloc()
	assert.False(t, ok)
	assert.Equal(t, 3, tbl.live)
}

func TestProcessTable_LookupClassifiesIDs(t *testing.T) {
	tbl := newProcessTable(2)
	p, _ := tbl.alloc()
	pid := p.id

	got, res := tbl.lookup(pid)
	assert.Equal(t, lookupFound, res)
	assert.Same(t, p, got)

	require.Nil(t, tbl.release(pid))
	_, res = tbl.lookup(pid)
	assert.Equal(t, lookupStale, res)

	_, res = tbl.lookup(ir.ProcessID{Index: 0, Generation: 7})
	assert.Equal(t, lookupUnknown, res, "generation never issued")
	_, res = tbl.lookup(ir.ProcessID{Index: 5, Generation: 1})
	assert.Equal(t, lookupUnknown, res, "index out of range")
	_, res = tbl.lookup(ir.NoProcess)
	assert.Equal(t, lookupUnknown, res)
}

func TestProcessTable_UnallocKeepsGeneration(t *testing.T) {
	tbl := newProcessTable(1)
	p, _ := tbl.alloc()
	first := p.id
	tbl.unalloc(p)

	p, ok := tbl.alloc()
	require.True(t, ok)
	assert.Equal(t, first, p.id)
}

func TestReadyQueue_RemoveKeepsOrder(t *testing.T) {
	q := newReadyQueue(4)
	ids := []ir.ProcessID{{Index: 0, Generation: 1}, {Index: 1, Generation: 1}, {Index: 2, Generation: 1}}

	// Rotate the head so removal crosses the wrap point.
	q.push(ids[0])
	q.pop()
	q.push(ids[0])
	q.pop()
	q.push(ids[0])
	q.pop()
	for _, id := range ids {
		require.True(t, q.push(id))
	}

	require.True(t, q.remove(ids[1]))
	assert.Equal(t, []ir.ProcessID{ids[0], ids[2]}, q.ids())
	assert.False(t, q.remove(ids[1]))

	pid, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, ids[0], pid)
	assert.Equal(t, 1, q.len())
}

func TestReadyQueue_Full(t *testing.T) {
	q := newReadyQueue(1)
	assert.True(t, q.push(ir.ProcessID{Index: 0, Generation: 1}))
	assert.False(t, q.push(ir.ProcessID{Index: 1, Generation: 1}))
}
