package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// nextTestSeqID keeps sequence ids unique across test groups; block tables
// are keyed by sequence id, so colliding ids would alias tables.
var nextTestSeqID int

func seqCounter() func() int {
	return func() int {
		id := nextTestSeqID
		nextTestSeqID++
		return id
	}
}

func newGroup(id string, prompt []int, n int) *SequenceGroup {
	params := SamplingParams{N: n}
	if err := params.Normalize(); err != nil {
		panic(err)
	}
	return NewSequenceGroup(id, prompt, params, time.Now(), seqCounter())
}

// checkTableInvariants verifies P1-P3 over the live block tables: pool
// conservation, table references matching refcounts block by block, and
// sharing only with refcount >= 2.
func checkTableInvariants(t *testing.T, be *BlockEngine, groups ...*SequenceGroup) {
	t.Helper()
	refs := map[BlockDevice]map[int]int{DeviceGPU: {}, DeviceCPU: {}}
	for _, g := range groups {
		for _, seq := range g.Seqs {
			table, ok := be.tables[seq.ID]
			if !ok {
				continue
			}
			dev := DeviceGPU
			if seq.Status == StatusSwapped {
				dev = DeviceCPU
			}
			for _, blk := range table {
				refs[dev][blk]++
			}
		}
	}
	for dev, pool := range map[BlockDevice]*BlockPool{DeviceGPU: be.gpu, DeviceCPU: be.cpu} {
		alloc := 0
		for n := range pool.blocks {
			rc := pool.blocks[n].RefCount
			if rc > 0 {
				alloc++
			}
			require.Equal(t, rc, refs[dev][n], "%s block %d refcount vs table references", dev, n)
		}
		require.Equal(t, pool.Capacity(), pool.NumFree()+alloc, "%s pool conservation", dev)
	}
}

func TestBlockEngine_AllocatePromptTable(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", make([]int, 10), 1)

	require.True(t, be.CanAllocate(g))
	be.Allocate(g)

	table := be.BlockTable(g.Seqs[0].ID)
	require.Len(t, table, 3) // ceil(10/4)
	require.Equal(t, 5, be.NumFreeGPU())
	checkTableInvariants(t, be, g)
}

func TestBlockEngine_CanAllocateHonorsWatermark(t *testing.T) {
	be := NewBlockEngine(4, 4, 4) // watermark = 1
	g := newGroup("r1", make([]int, 16), 1)

	// 4 blocks needed, 4 free, but the watermark reserves one.
	require.False(t, be.CanAllocate(g))

	small := newGroup("r2", make([]int, 12), 1)
	require.True(t, be.CanAllocate(small))
}

func TestBlockEngine_ForkSharesPromptBlocks(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", []int{1, 2, 3, 4, 5}, 2)
	be.Allocate(g)

	t0 := be.BlockTable(g.Seqs[0].ID)
	t1 := be.BlockTable(g.Seqs[1].ID)
	require.Equal(t, t0, t1)
	require.Equal(t, 2, be.gpu.RefCount(t0[0]))
	require.Equal(t, 2, be.gpu.RefCount(t0[1]))
	require.Equal(t, 6, be.NumFreeGPU()) // two physical blocks for two siblings
	checkTableInvariants(t, be, g)
}

// The copy-on-write rule from beam expansion: two siblings share the tail
// block; the first to append gets a fresh block and a copy, the second
// inherits sole ownership of the original.
func TestBlockEngine_CopyOnWriteAppend(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", []int{1, 2, 3, 4, 5}, 2)
	be.Allocate(g)
	s0, s1 := g.Seqs[0], g.Seqs[1]
	s0.Status, s1.Status = StatusRunning, StatusRunning
	shared := be.BlockTable(s0.ID)[1]

	s0.AppendToken(10, 0)
	s1.AppendToken(11, 0)

	op := be.AppendSlot(s0)
	require.NotNil(t, op)
	require.Equal(t, shared, op.Src)
	fresh := op.Dst
	require.Equal(t, fresh, be.BlockTable(s0.ID)[1])
	require.Equal(t, 1, be.gpu.RefCount(fresh))
	require.Equal(t, 1, be.gpu.RefCount(shared))

	// P4: the second sibling now owns the original tail outright, no copy.
	require.Nil(t, be.AppendSlot(s1))
	require.Equal(t, shared, be.BlockTable(s1.ID)[1])

	require.Equal(t, 2, be.gpu.RefCount(be.BlockTable(s0.ID)[0]))
	require.Equal(t, 3, be.gpu.NumAllocated())
	checkTableInvariants(t, be, g)
}

func TestBlockEngine_AppendGrowsTable(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", make([]int, 8), 1)
	be.Allocate(g)
	seq := g.Seqs[0]
	seq.Status = StatusRunning

	seq.AppendToken(1, 0)
	require.Equal(t, 9, seq.NumTokens())
	require.Nil(t, be.AppendSlot(seq)) // fresh block, no copy
	require.Equal(t, 3, be.NumBlocks(seq.ID))
	require.Equal(t, 1, be.gpu.RefCount(be.BlockTable(seq.ID)[2])) // P4

	// The next three slots fit in the new block.
	for i := 0; i < 3; i++ {
		seq.AppendToken(i, 0)
		require.Nil(t, be.AppendSlot(seq))
		require.Equal(t, 3, be.NumBlocks(seq.ID))
	}
	checkTableInvariants(t, be, g)
}

func TestBlockEngine_FreeReturnsEverything(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", make([]int, 10), 2)
	be.Allocate(g)
	for _, seq := range g.Seqs {
		be.Free(seq)
	}
	require.Equal(t, 8, be.NumFreeGPU())
	require.False(t, be.HasTable(g.Seqs[0].ID))

	// Freeing a sequence without a table is a no-op.
	be.Free(g.Seqs[0])
}

func TestBlockEngine_SwapRoundTrip(t *testing.T) {
	be := NewBlockEngine(4, 8, 8)
	g := newGroup("r1", []int{1, 2, 3, 4, 5}, 2)
	be.Allocate(g)
	for _, seq := range g.Seqs {
		seq.Status = StatusRunning
	}
	before := be.BlockTable(g.Seqs[0].ID)
	tokensBefore := g.Seqs[0].TokenIDs()

	require.True(t, be.CanSwapOut(g))
	out := be.SwapOut(g)
	require.Len(t, out, 2) // distinct blocks only, shared prefix counted once
	for _, seq := range g.Seqs {
		seq.Status = StatusSwapped
	}
	require.Equal(t, 8, be.NumFreeGPU())
	checkTableInvariants(t, be, g)

	// Sibling sharing survives the swap.
	require.Equal(t, be.BlockTable(g.Seqs[0].ID), be.BlockTable(g.Seqs[1].ID))
	require.Equal(t, 2, be.cpu.RefCount(be.BlockTable(g.Seqs[0].ID)[0]))

	require.True(t, be.CanSwapIn(g))
	in := be.SwapIn(g)
	require.Len(t, in, 2)
	for _, seq := range g.Seqs {
		seq.Status = StatusRunning
	}
	require.Equal(t, 8, be.NumFreeCPU())
	checkTableInvariants(t, be, g)

	// Same logical shape; physical handles may differ.
	after := be.BlockTable(g.Seqs[0].ID)
	require.Len(t, after, len(before))
	require.Equal(t, tokensBefore, g.Seqs[0].TokenIDs())
	require.Equal(t, 2, be.gpu.RefCount(after[0]))
}

func TestBlockEngine_CanSwapInNeedsGrowthRoom(t *testing.T) {
	be := NewBlockEngine(4, 4, 8) // watermark = 1
	g := newGroup("r1", make([]int, 8), 1)
	be.Allocate(g)
	g.Seqs[0].Status = StatusRunning
	be.SwapOut(g)
	g.Seqs[0].Status = StatusSwapped

	// 2 blocks back + 1 growth + 1 watermark = 4 <= 4 free.
	require.True(t, be.CanSwapIn(g))

	// Take one block away and the group no longer fits.
	hog := newGroup("r2", make([]int, 4), 1)
	be.Allocate(hog)
	require.False(t, be.CanSwapIn(g))
}
