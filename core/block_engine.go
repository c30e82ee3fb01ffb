package core

// CopyOp is a gpu block-to-block copy the cache engine must execute before
// the next forward pass reads or writes Dst.
type CopyOp struct {
	Src int
	Dst int
}

// SwapPair is a cross-device block copy: (gpu, cpu) for swap-out and
// (cpu, gpu) for swap-in.
type SwapPair struct {
	Src int
	Dst int
}

// BlockEngine owns the per-sequence block tables and the two block pools.
// It decides which physical blocks back which logical token positions;
// it never touches tensor memory. All operations run on the engine loop,
// so there is no locking and no atomic refcounts.
type BlockEngine struct {
	blockSize int
	gpu       *BlockPool
	cpu       *BlockPool
	watermark int

	// tables maps sequence id to its ordered block numbers. The device the
	// numbers refer to follows the sequence status: cpu while swapped,
	// gpu otherwise.
	tables map[int][]int
}

// NewBlockEngine creates the gpu and cpu pools and the watermark reserve:
// max(1, 1% of the gpu pool) blocks kept free for running sequences to grow.
func NewBlockEngine(blockSize, numGPUBlocks, numCPUBlocks int) *BlockEngine {
	watermark := numGPUBlocks / 100
	if watermark < 1 {
		watermark = 1
	}
	return &BlockEngine{
		blockSize: blockSize,
		gpu:       NewBlockPool(DeviceGPU, numGPUBlocks),
		cpu:       NewBlockPool(DeviceCPU, numCPUBlocks),
		watermark: watermark,
		tables:    make(map[int][]int),
	}
}

func (be *BlockEngine) BlockSize() int   { return be.blockSize }
func (be *BlockEngine) Watermark() int   { return be.watermark }
func (be *BlockEngine) NumFreeGPU() int  { return be.gpu.NumFree() }
func (be *BlockEngine) NumFreeCPU() int  { return be.cpu.NumFree() }
func (be *BlockEngine) GPUCapacity() int { return be.gpu.Capacity() }
func (be *BlockEngine) CPUCapacity() int { return be.cpu.Capacity() }

// blocksFor is the table length needed to hold numTokens positions.
func (be *BlockEngine) blocksFor(numTokens int) int {
	return (numTokens + be.blockSize - 1) / be.blockSize
}

// BlockTable returns a copy of the sequence's table, in logical order.
func (be *BlockEngine) BlockTable(seqID int) []int {
	t := be.tables[seqID]
	out := make([]int, len(t))
	copy(out, t)
	return out
}

// HasTable reports whether a sequence currently owns cache blocks.
func (be *BlockEngine) HasTable(seqID int) bool {
	_, ok := be.tables[seqID]
	return ok
}

// CanAllocate probes admission for a whole group: the shared prompt table
// must fit in free gpu blocks while leaving the watermark intact. Siblings
// fork the same physical blocks, so the prompt is charged once.
func (be *BlockEngine) CanAllocate(g *SequenceGroup) bool {
	needed := be.blocksFor(g.Seqs[0].NumTokens())
	return be.gpu.NumFree() >= needed+be.watermark
}

// Allocate builds the block table for a group's first sibling and forks it
// for the rest. Callers must probe with CanAllocate first; an allocation
// failure after a successful probe is pool corruption.
func (be *BlockEngine) Allocate(g *SequenceGroup) {
	first := g.Seqs[0]
	n := be.blocksFor(first.NumTokens())
	table := make([]int, 0, n)
	for i := 0; i < n; i++ {
		blk, err := be.gpu.Allocate()
		if err != nil {
			poolViolation("gpu allocation failed after successful probe (seq %d, block %d/%d)", first.ID, i, n)
		}
		table = append(table, blk)
	}
	be.tables[first.ID] = table
	for _, sib := range g.Seqs[1:] {
		be.fork(first, sib)
	}
}

// fork gives child a reference to every block in parent's table.
func (be *BlockEngine) fork(parent, child *Sequence) {
	src := be.tables[parent.ID]
	table := make([]int, len(src))
	copy(table, src)
	for _, blk := range table {
		be.gpu.Fork(blk)
	}
	be.tables[child.ID] = table
}

// appendNeeds is how many fresh gpu blocks the next decode slot of this
// sequence requires: one when the table is exhausted, one when the slot's
// block is shared and must be copied first, zero otherwise.
func (be *BlockEngine) appendNeeds(seq *Sequence) int {
	table := be.tables[seq.ID]
	slot := seq.NumTokens() - 1
	if slot >= len(table)*be.blockSize {
		return 1
	}
	if be.gpu.RefCount(table[len(table)-1]) > 1 {
		return 1
	}
	return 0
}

// CanAppend reports whether every running sibling of the group can receive
// its next decode slot from the free gpu blocks.
func (be *BlockEngine) CanAppend(g *SequenceGroup) bool {
	needed := 0
	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		needed += be.appendNeeds(seq)
	}
	return be.gpu.NumFree() >= needed
}

// AppendSlot makes room for the token position the upcoming forward pass
// writes for seq. Three cases: the slot fits in the last block (no-op); the
// table is exhausted (grow by one fresh block); the last block is shared
// (copy-on-write: allocate a fresh block, drop the shared reference, and
// emit the copy the cache engine must run before the pass).
func (be *BlockEngine) AppendSlot(seq *Sequence) *CopyOp {
	table := be.tables[seq.ID]
	slot := seq.NumTokens() - 1
	if slot >= len(table)*be.blockSize {
		blk, err := be.gpu.Allocate()
		if err != nil {
			poolViolation("gpu append failed after successful probe (seq %d)", seq.ID)
		}
		be.tables[seq.ID] = append(table, blk)
		return nil
	}
	last := table[len(table)-1]
	if be.gpu.RefCount(last) == 1 {
		return nil
	}
	blk, err := be.gpu.Allocate()
	if err != nil {
		poolViolation("gpu copy-on-write failed after successful probe (seq %d)", seq.ID)
	}
	be.gpu.Release(last)
	table[len(table)-1] = blk
	return &CopyOp{Src: last, Dst: blk}
}

// Free releases every block the sequence references, exactly once.
func (be *BlockEngine) Free(seq *Sequence) {
	table, ok := be.tables[seq.ID]
	if !ok {
		return
	}
	pool := be.gpu
	if seq.Status == StatusSwapped {
		pool = be.cpu
	}
	for _, blk := range table {
		pool.Release(blk)
	}
	delete(be.tables, seq.ID)
}

// uniqueBlocks lists each distinct block referenced by the given sequences,
// preserving first-seen order.
func uniqueBlocks(tables [][]int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, table := range tables {
		for _, blk := range table {
			if !seen[blk] {
				seen[blk] = true
				out = append(out, blk)
			}
		}
	}
	return out
}

func (be *BlockEngine) groupTables(g *SequenceGroup, status SequenceStatus) [][]int {
	var out [][]int
	for _, seq := range g.SeqsWithStatus(status) {
		out = append(out, be.tables[seq.ID])
	}
	return out
}

// CanSwapOut probes whether the cpu pool can mirror every distinct gpu
// block the group's running siblings reference.
func (be *BlockEngine) CanSwapOut(g *SequenceGroup) bool {
	return be.cpu.NumFree() >= len(uniqueBlocks(be.groupTables(g, StatusRunning)))
}

// SwapOut mirrors the group's gpu blocks into fresh cpu blocks and rewrites
// the tables. Shared gpu blocks map to a single shared cpu block, so sibling
// prefix sharing survives the swap. Returns one (gpu, cpu) pair per distinct
// block, in table order.
func (be *BlockEngine) SwapOut(g *SequenceGroup) []SwapPair {
	mapping := make(map[int]int)
	var pairs []SwapPair
	for _, seq := range g.SeqsWithStatus(StatusRunning) {
		table := be.tables[seq.ID]
		newTable := make([]int, len(table))
		for i, gpuBlk := range table {
			cpuBlk, ok := mapping[gpuBlk]
			if !ok {
				var err error
				cpuBlk, err = be.cpu.Allocate()
				if err != nil {
					poolViolation("cpu swap-out failed after successful probe (seq %d)", seq.ID)
				}
				mapping[gpuBlk] = cpuBlk
				pairs = append(pairs, SwapPair{Src: gpuBlk, Dst: cpuBlk})
			} else {
				be.cpu.Fork(cpuBlk)
			}
			newTable[i] = cpuBlk
			be.gpu.Release(gpuBlk)
		}
		be.tables[seq.ID] = newTable
	}
	return pairs
}

// CanSwapIn probes whether the group fits back on the gpu: every distinct
// cpu block, plus one growth block per sibling for the upcoming step,
// leaving the watermark free.
func (be *BlockEngine) CanSwapIn(g *SequenceGroup) bool {
	needed := len(uniqueBlocks(be.groupTables(g, StatusSwapped)))
	needed += g.NumSeqs(StatusSwapped)
	return be.gpu.NumFree() >= needed+be.watermark
}

// SwapIn is the mirror of SwapOut: cpu blocks come back to fresh gpu blocks
// and the tables are rewritten. Returns one (cpu, gpu) pair per distinct
// block.
func (be *BlockEngine) SwapIn(g *SequenceGroup) []SwapPair {
	mapping := make(map[int]int)
	var pairs []SwapPair
	for _, seq := range g.SeqsWithStatus(StatusSwapped) {
		table := be.tables[seq.ID]
		newTable := make([]int, len(table))
		for i, cpuBlk := range table {
			gpuBlk, ok := mapping[cpuBlk]
			if !ok {
				var err error
				gpuBlk, err = be.gpu.Allocate()
				if err != nil {
					poolViolation("gpu swap-in failed after successful probe (seq %d)", seq.ID)
				}
				mapping[cpuBlk] = gpuBlk
				pairs = append(pairs, SwapPair{Src: cpuBlk, Dst: gpuBlk})
			} else {
				be.gpu.Fork(gpuBlk)
			}
			newTable[i] = gpuBlk
			be.cpu.Release(cpuBlk)
		}
		be.tables[seq.ID] = newTable
	}
	return pairs
}

// NumBlocks reports the table length of a sequence.
func (be *BlockEngine) NumBlocks(seqID int) int {
	return len(be.tables[seqID])
}
