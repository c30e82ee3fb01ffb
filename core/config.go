package core

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CacheConfig groups KV cache sizing. Block counts of zero are derived from
// the memory budgets and the model architecture at engine construction.
type CacheConfig struct {
	BlockSize    int `yaml:"block_size"`      // tokens per block
	GPUMemoryMB  int `yaml:"kvcache_mem_gpu"` // accelerator memory budget (MB)
	CPUMemoryMB  int `yaml:"kvcache_mem_cpu"` // swap-out host memory budget (MB)
	NumGPUBlocks int `yaml:"num_gpu_blocks"`  // explicit override, 0 = derive
	NumCPUBlocks int `yaml:"num_cpu_blocks"`  // explicit override, 0 = derive
}

// EngineConfig aggregates everything the engine needs at construction.
type EngineConfig struct {
	Model     string          `yaml:"model"` // model family name
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// EventBuffer is the per-request event channel depth. The engine never
	// blocks on a slow consumer; events past a full buffer are dropped.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultEngineConfig mirrors the CLI defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Model: "llama",
		Cache: CacheConfig{
			BlockSize:   32,
			GPUMemoryMB: 4096,
			CPUMemoryMB: 4096,
		},
		Scheduler: SchedulerConfig{
			MaxNumSeqs:          256,
			MaxNumBatchedTokens: 4096,
		},
		EventBuffer: 1024,
	}
}

// LoadEngineConfig overlays a YAML file onto the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// BlocksFromMemory converts a memory budget to a block count:
// memMB x 2^20 bytes over the per-block footprint
// dtypeSize x blockSize x numKVHeads x headDim x numLayers x 2
// (the factor 2 is keys plus values).
func BlocksFromMemory(memMB int, spec ModelSpec, blockSize int) int {
	perBlock := spec.DTypeSize * blockSize * spec.NumKVHeads * spec.HeadDim * spec.NumLayers * 2
	return memMB << 20 / perBlock
}

// Normalize derives block counts and context bounds from the model spec and
// validates the result.
func (c *EngineConfig) Normalize(spec ModelSpec) error {
	if c.Cache.BlockSize <= 0 {
		return errors.Errorf("block size must be > 0, got %d", c.Cache.BlockSize)
	}
	if c.Cache.NumGPUBlocks == 0 {
		c.Cache.NumGPUBlocks = BlocksFromMemory(c.Cache.GPUMemoryMB, spec, c.Cache.BlockSize)
	}
	if c.Cache.NumCPUBlocks == 0 {
		c.Cache.NumCPUBlocks = BlocksFromMemory(c.Cache.CPUMemoryMB, spec, c.Cache.BlockSize)
	}
	if c.Cache.NumGPUBlocks <= 0 {
		return errors.Errorf("gpu memory budget of %d MB yields no blocks", c.Cache.GPUMemoryMB)
	}
	if c.Cache.NumCPUBlocks < 0 {
		return errors.Errorf("cpu block count must be >= 0, got %d", c.Cache.NumCPUBlocks)
	}
	if c.Scheduler.MaxNumSeqs <= 0 {
		return errors.Errorf("max num seqs must be > 0, got %d", c.Scheduler.MaxNumSeqs)
	}
	if c.Scheduler.MaxModelLen == 0 {
		c.Scheduler.MaxModelLen = spec.MaxModelLen
	}
	// A prompt at the context limit must be admittable in one prompt step,
	// otherwise it would block the waiting queue forever.
	if c.Scheduler.MaxNumBatchedTokens < c.Scheduler.MaxModelLen {
		c.Scheduler.MaxNumBatchedTokens = c.Scheduler.MaxModelLen
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return nil
}
