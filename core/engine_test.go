package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubSpec() ModelSpec {
	return ModelSpec{Family: "stub", NumLayers: 2, NumKVHeads: 1, HeadDim: 4, MaxModelLen: 64, DTypeSize: 2, VocabSize: 1 << 20, EOSTokenID: -1}
}

func newTestEngine(t *testing.T, gpuBlocks, cpuBlocks, maxSeqs int) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Model: "stub",
		Cache: CacheConfig{
			BlockSize:    4,
			GPUMemoryMB:  1,
			CPUMemoryMB:  1,
			NumGPUBlocks: gpuBlocks,
			NumCPUBlocks: cpuBlocks,
		},
		Scheduler:   SchedulerConfig{MaxNumSeqs: maxSeqs, MaxNumBatchedTokens: 64, MaxModelLen: 64},
		EventBuffer: 256,
	}
	e, err := NewEngine(cfg, NewStubRunner(stubSpec()), nil)
	require.NoError(t, err)
	return e
}

// submitSync registers a request directly with the (not running) engine
// loop so tests can drive steps deterministically.
func submitSync(t *testing.T, e *Engine, req *Request) chan Event {
	t.Helper()
	require.NoError(t, req.Params.Normalize())
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = time.Now()
	}
	ch := make(chan Event, 256)
	e.accept(submission{req: req, events: ch})
	return ch
}

// drainEvents empties whatever the channel currently holds.
func drainEvents(ch chan Event) (evs []Event, closed bool) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs, true
			}
			evs = append(evs, ev)
		default:
			return evs, false
		}
	}
}

func promptIDs(n, base int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = base + i
	}
	return out
}

// A single short request: three blocks for the prompt, one token per step,
// finish by length cap, everything returned to the pool.
func TestEngine_SingleShortRequest(t *testing.T) {
	e := newTestEngine(t, 16, 16, 8)
	ctx := context.Background()
	ch := submitSync(t, e, &Request{ID: "s1", PromptTokenIDs: promptIDs(10, 1), Params: SamplingParams{MaxTokens: 3}})

	e.step(ctx) // prompt
	require.Equal(t, 3, e.blocks.NumBlocks(0))
	require.Equal(t, 13, e.blocks.NumFreeGPU())

	e.step(ctx)
	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, "s1", ev.RequestID)
		assert.Equal(t, 0, ev.SeqID)
		assert.NotEqual(t, -1, ev.TokenID)
		if i < 2 {
			assert.Equal(t, FinishNone, ev.FinishReason)
		}
	}
	assert.Equal(t, FinishLength, evs[2].FinishReason)

	// The stub emits successors of the last prompt token.
	assert.Equal(t, 11, evs[0].TokenID)
	assert.Equal(t, 12, evs[1].TokenID)
	assert.Equal(t, 13, evs[2].TokenID)

	assert.Equal(t, 16, e.blocks.NumFreeGPU())
	assert.EqualValues(t, 1, e.metrics.CompletedRequests.Load())
	assert.EqualValues(t, 3, e.metrics.TotalOutputTokens.Load())
}

func TestEngine_StopTokenFinishes(t *testing.T) {
	e := newTestEngine(t, 16, 16, 8)
	ctx := context.Background()
	// The stub will emit 5, 6, 7, ... after the prompt; stop at 6.
	ch := submitSync(t, e, &Request{ID: "s", PromptTokenIDs: promptIDs(4, 1), Params: SamplingParams{MaxTokens: 10, StopTokenIDs: []int{6}}})

	e.step(ctx)
	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 2)
	assert.Equal(t, 6, evs[1].TokenID)
	assert.Equal(t, FinishStop, evs[1].FinishReason)
	assert.Equal(t, 16, e.blocks.NumFreeGPU())
}

// Abort during prefill: the group aborted before its prompt step publishes
// exactly one tokenless event; the forward pass proceeds with the rest of
// the batch. Aborting after tokens flowed ends the stream at the next step
// boundary.
func TestEngine_Abort(t *testing.T) {
	e := newTestEngine(t, 16, 16, 8)
	ctx := context.Background()
	ch1 := submitSync(t, e, &Request{ID: "g1", PromptTokenIDs: promptIDs(8, 1), Params: SamplingParams{MaxTokens: 20}})
	ch2 := submitSync(t, e, &Request{ID: "g2", PromptTokenIDs: promptIDs(8, 100), Params: SamplingParams{MaxTokens: 20}})

	e.handleAbort("g1")
	e.step(ctx)

	evs1, closed := drainEvents(ch1)
	require.True(t, closed)
	require.Len(t, evs1, 1)
	assert.Equal(t, -1, evs1[0].TokenID)
	assert.Equal(t, FinishAborted, evs1[0].FinishReason)

	evs2, _ := drainEvents(ch2)
	require.Len(t, evs2, 1) // g2 ran its prompt normally
	assert.Equal(t, FinishNone, evs2[0].FinishReason)

	// Abort g2 mid-generation; its stream closes with a final aborted event.
	e.handleAbort("g2")
	evs2, closed = drainEvents(ch2)
	require.True(t, closed)
	require.Len(t, evs2, 1)
	assert.Equal(t, FinishAborted, evs2[0].FinishReason)
	assert.Equal(t, 16, e.blocks.NumFreeGPU())

	// Aborting again is a no-op.
	e.handleAbort("g2")
	assert.EqualValues(t, 2, e.metrics.Aborted.Load())
}

// A prompt that can never fit the cache is rejected with a single length
// event and never runs.
func TestEngine_OversizedPromptRejected(t *testing.T) {
	e := newTestEngine(t, 4, 4, 8) // 16 token capacity
	ctx := context.Background()
	ch := submitSync(t, e, &Request{ID: "big", PromptTokenIDs: promptIDs(32, 1), Params: SamplingParams{MaxTokens: 5}})

	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 1)
	assert.Equal(t, -1, evs[0].TokenID)
	assert.Equal(t, FinishLength, evs[0].FinishReason)
	assert.EqualValues(t, 1, e.metrics.IgnoredRequests.Load())
	assert.EqualValues(t, 0, e.metrics.TotalOutputTokens.Load())
	assert.Equal(t, 4, e.blocks.NumFreeGPU())
}

// A prompt past the context length is ignored at admission.
func TestEngine_PromptPastModelLenIgnored(t *testing.T) {
	e := newTestEngine(t, 64, 4, 8) // max_model_len 64
	ctx := context.Background()
	ch := submitSync(t, e, &Request{ID: "long", PromptTokenIDs: promptIDs(65, 1), Params: SamplingParams{}})

	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 1)
	assert.Equal(t, FinishLength, evs[0].FinishReason)
}

// Swap transparency: a request that gets swapped out and back in produces
// exactly the token stream of a control run that was never preempted.
func TestEngine_SwapRoundTripMatchesControl(t *testing.T) {
	prompt := promptIDs(8, 100)
	params := SamplingParams{MaxTokens: 8}

	runTokens := func(e *Engine, ch chan Event) []int {
		ctx := context.Background()
		var tokens []int
		for i := 0; i < 64; i++ {
			e.step(ctx)
			evs, closed := drainEvents(ch)
			for _, ev := range evs {
				if ev.TokenID != -1 {
					tokens = append(tokens, ev.TokenID)
				}
			}
			if closed {
				return tokens
			}
		}
		return tokens
	}

	control := newTestEngine(t, 16, 16, 8)
	controlCh := submitSync(t, control, &Request{ID: "c", PromptTokenIDs: prompt, Params: params})
	want := runTokens(control, controlCh)
	require.Len(t, want, 8)

	// Tight pool: g1 forces g2 out to the cpu pool mid-generation.
	e := newTestEngine(t, 6, 16, 8)
	ctx := context.Background()
	ch1 := submitSync(t, e, &Request{ID: "g1", PromptTokenIDs: promptIDs(8, 1), Params: SamplingParams{MaxTokens: 8}})
	ch2 := submitSync(t, e, &Request{ID: "g2", PromptTokenIDs: prompt, Params: params})

	var got []int
	done1, done2 := false, false
	for i := 0; i < 64 && !(done1 && done2); i++ {
		e.step(ctx)
		_, c1 := drainEvents(ch1)
		evs, c2 := drainEvents(ch2)
		for _, ev := range evs {
			if ev.TokenID != -1 {
				got = append(got, ev.TokenID)
			}
		}
		done1 = done1 || c1
		done2 = done2 || c2
	}
	require.True(t, done1 && done2)

	assert.EqualValues(t, 1, e.metrics.SwapOuts.Load())
	assert.EqualValues(t, 1, e.metrics.SwapIns.Load())
	assert.Equal(t, want, got)
	assert.Equal(t, 6, e.blocks.NumFreeGPU())
	assert.Equal(t, 16, e.blocks.NumFreeCPU())
}

type flakyRunner struct {
	*StubRunner
	failOnCall int
	calls      int
}

func (r *flakyRunner) Forward(ctx context.Context, batch *ModelBatch) (Logits, error) {
	r.calls++
	if r.calls == r.failOnCall {
		return nil, errors.New("device lost")
	}
	return r.StubRunner.Forward(ctx, batch)
}

// A model failure aborts the step's groups and the engine keeps serving.
func TestEngine_ModelErrorAbortsStep(t *testing.T) {
	cfg := EngineConfig{
		Model:       "stub",
		Cache:       CacheConfig{BlockSize: 4, GPUMemoryMB: 1, CPUMemoryMB: 1, NumGPUBlocks: 16, NumCPUBlocks: 16},
		Scheduler:   SchedulerConfig{MaxNumSeqs: 8, MaxNumBatchedTokens: 64, MaxModelLen: 64},
		EventBuffer: 256,
	}
	runner := &flakyRunner{StubRunner: NewStubRunner(stubSpec()), failOnCall: 1}
	e, err := NewEngine(cfg, runner, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ch := submitSync(t, e, &Request{ID: "doomed", PromptTokenIDs: promptIDs(4, 1), Params: SamplingParams{MaxTokens: 4}})
	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 1)
	assert.Equal(t, FinishAborted, evs[0].FinishReason)
	assert.Equal(t, 16, e.blocks.NumFreeGPU())

	// The engine survives: the next request runs to completion.
	ch2 := submitSync(t, e, &Request{ID: "fine", PromptTokenIDs: promptIDs(4, 1), Params: SamplingParams{MaxTokens: 2}})
	e.step(ctx)
	e.step(ctx)
	evs2, closed := drainEvents(ch2)
	require.True(t, closed)
	require.Len(t, evs2, 2)
	assert.Equal(t, FinishLength, evs2[1].FinishReason)
}

// Beam width two: siblings share prompt blocks and diverge through
// copy-on-write; each sibling streams its own final event.
func TestEngine_BeamSiblings(t *testing.T) {
	e := newTestEngine(t, 16, 16, 8)
	ctx := context.Background()
	ch := submitSync(t, e, &Request{ID: "beam", PromptTokenIDs: promptIDs(5, 1), Params: SamplingParams{MaxTokens: 2, N: 2}})

	e.step(ctx) // prompt: one shared table
	require.Equal(t, 14, e.blocks.NumFreeGPU())

	e.step(ctx) // decode with copy-on-write
	e.step(ctx)

	evs, closed := drainEvents(ch)
	require.True(t, closed)
	require.Len(t, evs, 4) // two tokens per sibling
	finished := 0
	for _, ev := range evs {
		if ev.FinishReason != FinishNone {
			finished++
		}
	}
	assert.Equal(t, 2, finished)
	assert.Equal(t, 16, e.blocks.NumFreeGPU())
}

// The public surface: Submit across goroutines with the loop parked
// and woken by arrivals.
func TestEngine_RunLoop(t *testing.T) {
	e := newTestEngine(t, 16, 16, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ch, err := e.Submit(&Request{PromptTokenIDs: promptIDs(6, 1), Params: SamplingParams{MaxTokens: 3}})
	require.NoError(t, err)

	var evs []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				goto finished
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
finished:
	require.Len(t, evs, 3)
	assert.Equal(t, FinishLength, evs[2].FinishReason)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, err = e.Submit(&Request{PromptTokenIDs: promptIDs(2, 1), Params: SamplingParams{}})
	assert.ErrorIs(t, err, ErrEngineClosed)
}
