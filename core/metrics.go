package core

import (
	"fmt"
	"sync/atomic"
)

// Metrics aggregates engine-wide counters. The engine loop is the only
// writer for most of them, but the HTTP surface scrapes concurrently, so
// everything is atomic.
type Metrics struct {
	Steps       atomic.Int64 // forward passes driven
	PromptSteps atomic.Int64
	DecodeSteps atomic.Int64

	CompletedRequests atomic.Int64
	IgnoredRequests   atomic.Int64 // rejected at admission (prompt too long)
	TotalInputTokens  atomic.Int64
	TotalOutputTokens atomic.Int64

	Recomputes atomic.Int64 // preemptions resolved by recompute
	SwapOuts   atomic.Int64 // preemptions resolved by swapping to cpu
	SwapIns    atomic.Int64
	Exhausted  atomic.Int64 // victims neither pool could hold
	Aborted    atomic.Int64 // client aborts and groups failed by a model error

	PeakBlocksUsed atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveBlockUsage tracks the high-water mark of allocated gpu blocks.
func (m *Metrics) ObserveBlockUsage(used int) {
	for {
		peak := m.PeakBlocksUsed.Load()
		if int64(used) <= peak || m.PeakBlocksUsed.CompareAndSwap(peak, int64(used)) {
			return
		}
	}
}

// MetricsSnapshot is a plain copy of the counters, for JSON and Prometheus.
type MetricsSnapshot struct {
	Steps             int64 `json:"steps"`
	PromptSteps       int64 `json:"prompt_steps"`
	DecodeSteps       int64 `json:"decode_steps"`
	CompletedRequests int64 `json:"completed_requests"`
	IgnoredRequests   int64 `json:"ignored_requests"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	Recomputes        int64 `json:"recomputes"`
	SwapOuts          int64 `json:"swap_outs"`
	SwapIns           int64 `json:"swap_ins"`
	Exhausted         int64 `json:"exhausted"`
	Aborted           int64 `json:"aborted"`
	PeakBlocksUsed    int64 `json:"peak_blocks_used"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Steps:             m.Steps.Load(),
		PromptSteps:       m.PromptSteps.Load(),
		DecodeSteps:       m.DecodeSteps.Load(),
		CompletedRequests: m.CompletedRequests.Load(),
		IgnoredRequests:   m.IgnoredRequests.Load(),
		TotalInputTokens:  m.TotalInputTokens.Load(),
		TotalOutputTokens: m.TotalOutputTokens.Load(),
		Recomputes:        m.Recomputes.Load(),
		SwapOuts:          m.SwapOuts.Load(),
		SwapIns:           m.SwapIns.Load(),
		Exhausted:         m.Exhausted.Load(),
		Aborted:           m.Aborted.Load(),
		PeakBlocksUsed:    m.PeakBlocksUsed.Load(),
	}
}

// Print displays aggregated counters, typically at shutdown.
func (m *Metrics) Print() {
	s := m.Snapshot()
	fmt.Println("=== Engine Metrics ===")
	fmt.Printf("Steps                : %d (%d prompt, %d decode)\n", s.Steps, s.PromptSteps, s.DecodeSteps)
	fmt.Printf("Completed Requests   : %d\n", s.CompletedRequests)
	fmt.Printf("Ignored Requests     : %d\n", s.IgnoredRequests)
	fmt.Printf("Input Tokens         : %d\n", s.TotalInputTokens)
	fmt.Printf("Output Tokens        : %d\n", s.TotalOutputTokens)
	fmt.Printf("Preemptions          : %d recompute, %d swap-out\n", s.Recomputes, s.SwapOuts)
	fmt.Printf("Swap-ins             : %d\n", s.SwapIns)
	fmt.Printf("Exhausted            : %d\n", s.Exhausted)
	fmt.Printf("Aborts               : %d\n", s.Aborted)
	fmt.Printf("Peak KV Blocks Used  : %d\n", s.PeakBlocksUsed)
}
