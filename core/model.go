package core

import (
	"context"
	"fmt"
)

// ModelSpec carries the architecture facts the cache and scheduler need.
// DTypeSize is the byte width of one KV cache element.
type ModelSpec struct {
	Family      string
	NumLayers   int
	NumKVHeads  int
	HeadDim     int
	MaxModelLen int
	DTypeSize   int
	VocabSize   int
	EOSTokenID  int
}

// validFamilies lists the supported model families.
var validFamilies = []string{"llama", "qwen", "mistral", "gemma", "stable-lm"}

// IsValidFamily reports whether name maps to a known model family.
// Empty string is accepted and defaults to llama.
func IsValidFamily(name string) bool {
	if name == "" {
		return true
	}
	for _, f := range validFamilies {
		if f == name {
			return true
		}
	}
	return false
}

// SpecForFamily returns the default architecture for a model family.
// Empty string defaults to llama (for CLI flag default compatibility).
// Panics on unrecognized names.
func SpecForFamily(name string) ModelSpec {
	if !IsValidFamily(name) {
		panic(fmt.Sprintf("unknown model family %q", name))
	}
	switch name {
	case "", "llama":
		return ModelSpec{Family: "llama", NumLayers: 32, NumKVHeads: 8, HeadDim: 128, MaxModelLen: 8192, DTypeSize: 2, VocabSize: 128256, EOSTokenID: 128001}
	case "qwen":
		return ModelSpec{Family: "qwen", NumLayers: 24, NumKVHeads: 16, HeadDim: 128, MaxModelLen: 8192, DTypeSize: 2, VocabSize: 151936, EOSTokenID: 151643}
	case "mistral":
		return ModelSpec{Family: "mistral", NumLayers: 32, NumKVHeads: 8, HeadDim: 128, MaxModelLen: 8192, DTypeSize: 2, VocabSize: 32000, EOSTokenID: 2}
	case "gemma":
		return ModelSpec{Family: "gemma", NumLayers: 18, NumKVHeads: 1, HeadDim: 256, MaxModelLen: 8192, DTypeSize: 2, VocabSize: 256000, EOSTokenID: 1}
	case "stable-lm":
		return ModelSpec{Family: "stable-lm", NumLayers: 32, NumKVHeads: 32, HeadDim: 80, MaxModelLen: 4096, DTypeSize: 2, VocabSize: 50304, EOSTokenID: 0}
	default:
		panic(fmt.Sprintf("unhandled model family %q", name))
	}
}

// ModelBatch is the flattened forward-pass input built from a ScheduleStep:
// concatenated token ids, their positions, the block table per sequence and
// the physical cache slot each new token's keys/values are written to.
type ModelBatch struct {
	InputIDs    []int
	Positions   []int
	SeqIDs      []int   // owner sequence of each batch row
	BlockTables [][]int // one per row in SeqIDs order
	SlotMapping []int   // one per input token
	IsPrompt    bool
}

// Logits is one row of vocabulary scores per scheduled sequence.
type Logits [][]float32

// SampleOutput is the sampler's verdict for one sequence: either the next
// token (Finish empty) or a finish reason with no token.
type SampleOutput struct {
	SeqID   int
	TokenID int
	Logprob float64
	Finish  FinishReason
}

// ModelRunner is the model collaborator the engine drives. Implementations
// own the weights, the attention kernels and the sampling logic; the engine
// owns everything else. Forward reads and writes the paged KV cache through
// the slot mapping and block tables in the batch.
type ModelRunner interface {
	Forward(ctx context.Context, batch *ModelBatch) (Logits, error)
	Sample(logits Logits, groups []*SequenceGroup) ([]SampleOutput, error)
	Spec() ModelSpec
}

// StubRunner is a deterministic ModelRunner used by tests and by the CLI
// when no backend is wired: the next token is a pure function of the token
// history, so two runs over the same prompts produce identical streams
// regardless of scheduling, swapping or preemption.
type StubRunner struct {
	ModelSpec ModelSpec

	// Next overrides the token function. Nil means successor mod vocab.
	Next func(seq *Sequence) SampleOutput
}

// NewStubRunner creates a stub over the given architecture.
func NewStubRunner(spec ModelSpec) *StubRunner {
	return &StubRunner{ModelSpec: spec}
}

func (r *StubRunner) Spec() ModelSpec { return r.ModelSpec }

func (r *StubRunner) Forward(_ context.Context, batch *ModelBatch) (Logits, error) {
	// No tensors to compute; one empty row per sequence keeps the contract.
	return make(Logits, len(batch.SeqIDs)), nil
}

func (r *StubRunner) Sample(_ Logits, groups []*SequenceGroup) ([]SampleOutput, error) {
	var outs []SampleOutput
	for _, g := range groups {
		for _, seq := range g.SeqsWithStatus(StatusRunning) {
			if r.Next != nil {
				out := r.Next(seq)
				out.SeqID = seq.ID
				outs = append(outs, out)
				continue
			}
			next := (seq.LastToken() + 1) % r.ModelSpec.VocabSize
			outs = append(outs, SampleOutput{SeqID: seq.ID, TokenID: next})
		}
	}
	return outs, nil
}
