package core

import "github.com/pkg/errors"

// SamplingParams carries the per-request generation knobs. Zero values mean
// "use the model default": greedy sampling, no truncation, no penalty.
type SamplingParams struct {
	Temperature       float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK              int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP              float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	RepeatLastN       int     `json:"repeat_last_n,omitempty" yaml:"repeat_last_n,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	StopTokenIDs      []int   `json:"stop_token_ids,omitempty" yaml:"stop_token_ids,omitempty"`

	// N is the number of sibling sequences generated for the request
	// (beam width). Defaults to 1.
	N int `json:"n,omitempty" yaml:"n,omitempty"`
}

// Normalize fills defaults in place and validates ranges.
func (p *SamplingParams) Normalize() error {
	if p.N == 0 {
		p.N = 1
	}
	if p.N < 1 {
		return errors.Errorf("n must be >= 1, got %d", p.N)
	}
	if p.Temperature < 0 {
		return errors.Errorf("temperature must be >= 0, got %g", p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return errors.Errorf("top_p must be in [0, 1], got %g", p.TopP)
	}
	if p.TopK < 0 {
		return errors.Errorf("top_k must be >= 0, got %d", p.TopK)
	}
	if p.MaxTokens < 0 {
		return errors.Errorf("max_tokens must be >= 0, got %d", p.MaxTokens)
	}
	return nil
}

// IsStopToken reports whether id terminates generation for this request.
func (p SamplingParams) IsStopToken(id int) bool {
	for _, s := range p.StopTokenIDs {
		if s == id {
			return true
		}
	}
	return false
}
