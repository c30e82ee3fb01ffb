package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Request is one client generation request as it enters the engine.
type Request struct {
	ID             string         `json:"request_id"`
	PromptTokenIDs []int          `json:"prompt_token_ids"`
	Params         SamplingParams `json:"sampling_params"`
	ArrivalTime    time.Time      `json:"-"`
}

// Event is one element of a request's outbound stream. TokenID is -1 for
// events that carry only a finish reason (abort, admission rejection,
// model-side EOS). The final event of every sequence has a non-empty
// FinishReason; the engine then closes the channel once all siblings have
// finished.
type Event struct {
	RequestID    string       `json:"request_id"`
	SeqID        int          `json:"seq_id"`
	TokenID      int          `json:"token_id"`
	TextDelta    string       `json:"text_delta,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// submission pairs a request with its event channel across the executor
// boundary.
type submission struct {
	req    *Request
	events chan Event
}

type seqRef struct {
	seq   *Sequence
	group *SequenceGroup
}

// Engine drives the step cycle: accept requests, schedule, apply cache
// operations, run the model, finalize sequences and publish events. The
// loop is single-threaded cooperative; the inbound channels are the only
// cross-executor boundary, so no component below this one locks anything.
type Engine struct {
	cfg       EngineConfig
	model     ModelRunner
	tokenizer Tokenizer

	blocks    *BlockEngine
	scheduler *Scheduler
	cache     *CacheEngine
	metrics   *Metrics

	submitCh chan submission
	abortCh  chan string
	closed   chan struct{}

	// Engine-loop-only state.
	channels  map[string]chan Event
	seqRefs   map[int]seqRef
	nextSeqID int
	stepCount int
}

// NewEngine builds the block engine, scheduler and cache engine from the
// config and the model architecture. The tokenizer may be nil; events then
// carry no text deltas.
func NewEngine(cfg EngineConfig, model ModelRunner, tokenizer Tokenizer) (*Engine, error) {
	spec := model.Spec()
	if err := cfg.Normalize(spec); err != nil {
		return nil, err
	}
	metrics := NewMetrics()
	blocks := NewBlockEngine(cfg.Cache.BlockSize, cfg.Cache.NumGPUBlocks, cfg.Cache.NumCPUBlocks)
	return &Engine{
		cfg:       cfg,
		model:     model,
		tokenizer: tokenizer,
		blocks:    blocks,
		scheduler: NewScheduler(cfg.Scheduler, blocks, metrics),
		cache:     NewCacheEngine(spec, cfg.Cache.BlockSize, cfg.Cache.NumGPUBlocks, cfg.Cache.NumCPUBlocks),
		metrics:   metrics,
		submitCh:  make(chan submission, 64),
		abortCh:   make(chan string, 64),
		closed:    make(chan struct{}),
		channels:  make(map[string]chan Event),
		seqRefs:   make(map[int]seqRef),
	}, nil
}

// Metrics exposes the engine counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Config returns the normalized engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Submit hands a request to the engine loop and returns the channel its
// events will arrive on. Safe to call from any goroutine. The channel is
// closed after the final event of the last sibling.
func (e *Engine) Submit(req *Request) (<-chan Event, error) {
	if err := req.Params.Normalize(); err != nil {
		return nil, err
	}
	if len(req.PromptTokenIDs) == 0 {
		return nil, errors.New("empty prompt")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ArrivalTime.IsZero() {
		req.ArrivalTime = time.Now()
	}
	events := make(chan Event, e.cfg.EventBuffer)
	// Check shutdown first: submitCh is buffered, so the send below could
	// otherwise win against a closed engine.
	select {
	case <-e.closed:
		return nil, ErrEngineClosed
	default:
	}
	select {
	case e.submitCh <- submission{req: req, events: events}:
		return events, nil
	case <-e.closed:
		return nil, ErrEngineClosed
	}
}

// Abort asks the engine to cancel a request. Processed at the next step
// boundary; an in-flight forward pass is not interrupted. Aborting an
// unknown or finished request is a no-op.
func (e *Engine) Abort(requestID string) {
	select {
	case e.abortCh <- requestID:
	case <-e.closed:
	}
}

// Run executes the engine loop until the context is canceled. One iteration
// per forward pass; the loop parks when all queues are empty.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	for {
		if !e.scheduler.HasUnfinished() {
			if err := e.park(ctx); err != nil {
				return err
			}
		}
		if err := e.drain(ctx); err != nil {
			return err
		}
		e.step(ctx)
	}
}

// park blocks until a request or abort arrives, or the context ends.
func (e *Engine) park(ctx context.Context) error {
	select {
	case sub := <-e.submitCh:
		e.accept(sub)
	case id := <-e.abortCh:
		e.handleAbort(id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// drain empties the inbound channels without blocking.
func (e *Engine) drain(ctx context.Context) error {
	for {
		select {
		case sub := <-e.submitCh:
			e.accept(sub)
		case id := <-e.abortCh:
			e.handleAbort(id)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

// accept registers a submission with the scheduler.
func (e *Engine) accept(sub submission) {
	req := sub.req
	if _, dup := e.channels[req.ID]; dup {
		logrus.Warnf("duplicate request id %s, rejecting", req.ID)
		sub.events <- Event{RequestID: req.ID, SeqID: -1, TokenID: -1, FinishReason: FinishAborted}
		close(sub.events)
		return
	}
	e.channels[req.ID] = sub.events
	g := NewSequenceGroup(req.ID, req.PromptTokenIDs, req.Params, req.ArrivalTime, func() int {
		id := e.nextSeqID
		e.nextSeqID++
		return id
	})
	for _, seq := range g.Seqs {
		seq.stream = NewTokenStream(e.tokenizer)
		e.seqRefs[seq.ID] = seqRef{seq: seq, group: g}
	}
	e.metrics.TotalInputTokens.Add(int64(len(req.PromptTokenIDs)))
	e.scheduler.Add(g)
	logrus.Debugf("accepted %s: %d prompt tokens, n=%d", req.ID, len(req.PromptTokenIDs), req.Params.N)
}

// handleAbort removes a group at a step boundary and publishes its final
// events.
func (e *Engine) handleAbort(requestID string) {
	g, aborted := e.scheduler.Abort(requestID)
	if g == nil {
		return
	}
	for _, seq := range aborted {
		delete(e.seqRefs, seq.ID)
		e.publish(g.RequestID, Event{RequestID: g.RequestID, SeqID: seq.ID, TokenID: -1, FinishReason: FinishAborted})
	}
	e.closeGroup(g)
}

// step runs one schedule/execute/finalize cycle.
func (e *Engine) step(ctx context.Context) {
	e.stepCount++
	step := e.scheduler.Schedule()
	e.metrics.Steps.Add(1)
	e.metrics.ObserveBlockUsage(e.blocks.GPUCapacity() - e.blocks.NumFreeGPU())

	// Cache operations come first and in this order: a swap-out may reuse a
	// cpu block a swap-in just vacated, and a copy may fill a gpu block a
	// swap-out just vacated. All must be visible before the forward pass.
	e.cache.SwapIn(step.BlocksToSwapIn)
	e.cache.SwapOut(step.BlocksToSwapOut)
	e.cache.Copy(step.BlocksToCopy)

	for _, g := range step.Ignored {
		e.metrics.IgnoredRequests.Add(1)
		e.finalizeRejected(g, FinishLength)
	}
	for _, g := range step.Exhausted {
		e.finalizeRejected(g, FinishAborted)
	}

	if len(step.Scheduled) == 0 {
		e.maybeUnstick(&step)
		return
	}
	if step.IsPrompt {
		e.metrics.PromptSteps.Add(1)
	} else {
		e.metrics.DecodeSteps.Add(1)
	}

	batch := e.buildBatch(&step)
	logits, err := e.model.Forward(ctx, batch)
	var outs []SampleOutput
	if err == nil {
		outs, err = e.model.Sample(logits, step.Scheduled)
	}
	if err != nil {
		e.failStep(&step, err)
		return
	}
	e.applyOutputs(outs)
	e.scheduler.RemoveFinished()
}

// maybeUnstick fails the head of the line when no step can ever make
// progress again: nothing is running, nothing was scheduled, yet requests
// remain. Without this, a prompt larger than the cache would park the
// engine forever.
func (e *Engine) maybeUnstick(step *ScheduleStep) {
	if !step.Empty() || e.scheduler.NumRunning() > 0 || !e.scheduler.HasUnfinished() {
		return
	}
	g, reason := e.scheduler.RejectStuckHead()
	if g == nil {
		return
	}
	if reason == FinishLength {
		e.metrics.IgnoredRequests.Add(1)
	}
	e.finalizeRejected(g, reason)
}

// finalizeRejected publishes one terminal event per sibling for a group
// that will never run (or was failed mid-flight) and closes its stream.
func (e *Engine) finalizeRejected(g *SequenceGroup, reason FinishReason) {
	for _, seq := range g.Seqs {
		delete(e.seqRefs, seq.ID)
		e.publish(g.RequestID, Event{RequestID: g.RequestID, SeqID: seq.ID, TokenID: -1, FinishReason: reason})
	}
	e.closeGroup(g)
}

// buildBatch flattens the scheduled groups into the forward-pass input.
// Prompt steps contribute the full token history of one sibling per group
// (siblings share their prompt blocks); decode steps contribute the last
// token of every running sibling.
func (e *Engine) buildBatch(step *ScheduleStep) *ModelBatch {
	bs := e.blocks.BlockSize()
	batch := &ModelBatch{IsPrompt: step.IsPrompt}
	addRow := func(seq *Sequence, tokens []int, firstPos int) {
		table := e.blocks.BlockTable(seq.ID)
		for i, t := range tokens {
			pos := firstPos + i
			batch.InputIDs = append(batch.InputIDs, t)
			batch.Positions = append(batch.Positions, pos)
			batch.SlotMapping = append(batch.SlotMapping, table[pos/bs]*bs+pos%bs)
		}
		batch.SeqIDs = append(batch.SeqIDs, seq.ID)
		batch.BlockTables = append(batch.BlockTables, table)
	}
	for _, g := range step.Scheduled {
		running := g.SeqsWithStatus(StatusRunning)
		if step.IsPrompt {
			addRow(running[0], running[0].TokenIDs(), 0)
			continue
		}
		for _, seq := range running {
			addRow(seq, []int{seq.LastToken()}, seq.NumTokens()-1)
		}
	}
	return batch
}

// failStep handles a model failure: every group in the step is finalized
// aborted and the engine keeps serving the remaining queues.
func (e *Engine) failStep(step *ScheduleStep, err error) {
	merr := &ModelError{Err: err}
	logrus.Errorf("[step %07d] %v, aborting %d scheduled groups", e.stepCount, merr, len(step.Scheduled))
	for _, g := range step.Scheduled {
		if g2, aborted := e.scheduler.Abort(g.RequestID); g2 != nil {
			for _, seq := range aborted {
				delete(e.seqRefs, seq.ID)
				e.publish(g.RequestID, Event{RequestID: g.RequestID, SeqID: seq.ID, TokenID: -1, FinishReason: FinishAborted})
			}
			e.closeGroup(g)
		}
	}
}

func statusForFinish(reason FinishReason) SequenceStatus {
	switch reason {
	case FinishStop:
		return StatusFinishedStopped
	case FinishLength:
		return StatusFinishedLengthCapped
	default:
		return StatusFinishedAborted
	}
}

// applyOutputs appends sampled tokens, fires stop conditions and publishes
// events. Finished sequences release their block references here, exactly
// once.
func (e *Engine) applyOutputs(outs []SampleOutput) {
	for _, out := range outs {
		ref, ok := e.seqRefs[out.SeqID]
		if !ok {
			continue
		}
		seq, g := ref.seq, ref.group
		if seq.Status != StatusRunning {
			continue
		}
		if out.Finish != FinishNone {
			// The sampler finished the sequence without a token (EOS).
			e.finishSeq(g, seq, -1, "", out.Finish)
			continue
		}
		seq.AppendToken(out.TokenID, out.Logprob)
		e.metrics.TotalOutputTokens.Add(1)
		delta, err := seq.stream.Next(out.TokenID)
		if err != nil {
			logrus.Debugf("detokenize: %v", err)
		}
		reason := FinishNone
		switch {
		case g.Params.IsStopToken(out.TokenID):
			reason = FinishStop
		case g.Params.MaxTokens > 0 && len(seq.OutputTokenIDs) >= g.Params.MaxTokens:
			reason = FinishLength
		case seq.NumTokens() >= e.cfg.Scheduler.MaxModelLen:
			reason = FinishLength
		}
		if reason == FinishNone {
			e.publish(g.RequestID, Event{RequestID: g.RequestID, SeqID: seq.ID, TokenID: out.TokenID, TextDelta: delta})
			continue
		}
		e.finishSeq(g, seq, out.TokenID, delta, reason)
	}
}

// finishSeq publishes a sequence's final event and frees its blocks.
func (e *Engine) finishSeq(g *SequenceGroup, seq *Sequence, tokenID int, delta string, reason FinishReason) {
	if rest, err := seq.stream.Rest(); err == nil {
		delta += rest
	}
	seq.Status = statusForFinish(reason)
	e.scheduler.FreeSeq(seq)
	delete(e.seqRefs, seq.ID)
	e.publish(g.RequestID, Event{RequestID: g.RequestID, SeqID: seq.ID, TokenID: tokenID, TextDelta: delta, FinishReason: reason})
	e.closeGroup(g)
}

// closeGroup closes the request stream once every sibling has finished.
func (e *Engine) closeGroup(g *SequenceGroup) {
	if !g.Finished() {
		return
	}
	ch, ok := e.channels[g.RequestID]
	if !ok {
		return
	}
	close(ch)
	delete(e.channels, g.RequestID)
	e.metrics.CompletedRequests.Add(1)
	logrus.Infof("[step %07d] finished %s", e.stepCount, g.RequestID)
}

// publish delivers an event without ever blocking the engine loop. A
// consumer that stops reading loses events past the buffer.
func (e *Engine) publish(requestID string, ev Event) {
	ch, ok := e.channels[requestID]
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		logrus.Warnf("event buffer full for %s, dropping event", requestID)
	}
}

// shutdown closes the submit path and ends every open stream.
func (e *Engine) shutdown() {
	close(e.closed)
	for id, ch := range e.channels {
		close(ch)
		delete(e.channels, id)
	}
	logrus.Info("engine stopped")
}
