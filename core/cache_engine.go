package core

import "github.com/sirupsen/logrus"

// CacheEngine owns the physical KV cache and executes the block operations a
// ScheduleStep emits. No policy and no memory arithmetic live here: the
// block engine guarantees that no operation ever references a freed block,
// and the slot mapping guarantees the model writes only to blocks it owns.
//
// Each device holds one key region and one value region per attention
// layer, laid out as numBlocks consecutive block-sized byte ranges.
type CacheEngine struct {
	blockBytes int // bytes per block per layer, keys or values

	gpuKeys   [][]byte
	gpuValues [][]byte
	cpuKeys   [][]byte
	cpuValues [][]byte
}

// NewCacheEngine sizes the cache from the model architecture:
// blockSize positions x numKVHeads x headDim elements of DTypeSize bytes,
// per layer, once for keys and once for values.
func NewCacheEngine(spec ModelSpec, blockSize, numGPUBlocks, numCPUBlocks int) *CacheEngine {
	blockBytes := blockSize * spec.NumKVHeads * spec.HeadDim * spec.DTypeSize
	ce := &CacheEngine{blockBytes: blockBytes}
	for i := 0; i < spec.NumLayers; i++ {
		ce.gpuKeys = append(ce.gpuKeys, make([]byte, blockBytes*numGPUBlocks))
		ce.gpuValues = append(ce.gpuValues, make([]byte, blockBytes*numGPUBlocks))
		ce.cpuKeys = append(ce.cpuKeys, make([]byte, blockBytes*numCPUBlocks))
		ce.cpuValues = append(ce.cpuValues, make([]byte, blockBytes*numCPUBlocks))
	}
	logrus.Infof("cache engine: %d layers, %d KiB per block per layer, %d gpu / %d cpu blocks",
		spec.NumLayers, 2*blockBytes/1024, numGPUBlocks, numCPUBlocks)
	return ce
}

// BlockBytes is the per-layer byte width of one block's keys (or values).
func (ce *CacheEngine) BlockBytes() int { return ce.blockBytes }

func (ce *CacheEngine) region(buf []byte, block int) []byte {
	return buf[block*ce.blockBytes : (block+1)*ce.blockBytes]
}

// Copy runs gpu block-to-block copies, in list order. Every pair must be
// applied before the upcoming forward pass reads its destination.
func (ce *CacheEngine) Copy(ops []CopyOp) {
	for _, op := range ops {
		for l := range ce.gpuKeys {
			copy(ce.region(ce.gpuKeys[l], op.Dst), ce.region(ce.gpuKeys[l], op.Src))
			copy(ce.region(ce.gpuValues[l], op.Dst), ce.region(ce.gpuValues[l], op.Src))
		}
	}
}

// SwapIn copies (cpu, gpu) pairs into the gpu cache.
func (ce *CacheEngine) SwapIn(pairs []SwapPair) {
	for _, p := range pairs {
		for l := range ce.gpuKeys {
			copy(ce.region(ce.gpuKeys[l], p.Dst), ce.region(ce.cpuKeys[l], p.Src))
			copy(ce.region(ce.gpuValues[l], p.Dst), ce.region(ce.cpuValues[l], p.Src))
		}
	}
}

// SwapOut copies (gpu, cpu) pairs into the cpu cache.
func (ce *CacheEngine) SwapOut(pairs []SwapPair) {
	for _, p := range pairs {
		for l := range ce.gpuKeys {
			copy(ce.region(ce.cpuKeys[l], p.Dst), ce.region(ce.gpuKeys[l], p.Src))
			copy(ce.region(ce.cpuValues[l], p.Dst), ce.region(ce.gpuValues[l], p.Src))
		}
	}
}

// KeyBlock exposes a gpu key block for a layer. The model forward writes
// new keys through here; tests use it to verify copy and swap plumbing.
func (ce *CacheEngine) KeyBlock(layer, block int) []byte {
	return ce.region(ce.gpuKeys[layer], block)
}

// ValueBlock exposes a gpu value block for a layer.
func (ce *CacheEngine) ValueBlock(layer, block int) []byte {
	return ce.region(ce.gpuValues[layer], block)
}
