package core

import (
	"github.com/sirupsen/logrus"
)

// SchedulerConfig bounds each schedule step.
type SchedulerConfig struct {
	MaxNumSeqs          int `yaml:"max_num_seqs"`           // batch width cap
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"` // total new-token cap per step
	MaxModelLen         int `yaml:"max_model_len"`          // context length cap

	// RecomputeBlockThreshold: a single-sibling preemption victim holding at
	// most this many blocks is recomputed instead of swapped. Rebuilding a
	// short cache costs one prompt pass; swapping it costs two transfers.
	RecomputeBlockThreshold int `yaml:"recompute_block_threshold"`
}

// ScheduleStep is the scheduler's decision for one forward pass: the groups
// to run, and the cache operations the cache engine must apply first.
// A step is either a prompt step or a decode step, never a mix.
type ScheduleStep struct {
	Scheduled       []*SequenceGroup
	BlocksToCopy    []CopyOp
	BlocksToSwapIn  []SwapPair
	BlocksToSwapOut []SwapPair

	// Ignored holds groups rejected at admission because their prompt
	// exceeds the model context length. They never run.
	Ignored []*SequenceGroup

	// Exhausted holds preemption victims that neither pool could hold.
	Exhausted []*SequenceGroup

	IsPrompt bool
}

// Empty reports whether the step carries no work at all.
func (s *ScheduleStep) Empty() bool {
	return len(s.Scheduled) == 0 &&
		len(s.BlocksToCopy) == 0 &&
		len(s.BlocksToSwapIn) == 0 &&
		len(s.BlocksToSwapOut) == 0 &&
		len(s.Ignored) == 0 &&
		len(s.Exhausted) == 0
}

// Scheduler decides, for each step, which sequence groups run in the next
// forward pass, which wait, and which get preempted. It owns three status
// queues: waiting (FIFO by arrival), running (FIFO by admission age) and
// swapped (FIFO by swap-out time). All calls happen on the engine loop.
type Scheduler struct {
	cfg     SchedulerConfig
	blocks  *BlockEngine
	metrics *Metrics

	waiting []*SequenceGroup
	running []*SequenceGroup
	swapped []*SequenceGroup

	stepCount int
}

// NewScheduler wires the scheduler to its block engine.
func NewScheduler(cfg SchedulerConfig, blocks *BlockEngine, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.RecomputeBlockThreshold <= 0 {
		cfg.RecomputeBlockThreshold = 2
	}
	return &Scheduler{cfg: cfg, blocks: blocks, metrics: metrics}
}

// Add enqueues a newly accepted group at the back of the waiting queue.
func (s *Scheduler) Add(g *SequenceGroup) {
	s.waiting = append(s.waiting, g)
}

// HasUnfinished reports whether any group is still queued, running or
// swapped out.
func (s *Scheduler) HasUnfinished() bool {
	return len(s.waiting)+len(s.running)+len(s.swapped) > 0
}

func (s *Scheduler) NumWaiting() int { return len(s.waiting) }
func (s *Scheduler) NumRunning() int { return len(s.running) }
func (s *Scheduler) NumSwapped() int { return len(s.swapped) }

// Schedule emits the plan for the next forward pass. Deterministic given
// queue state. Swap-in wins over admission when both would fit, so a step
// that moves anything back from the cpu pool is always a decode step.
func (s *Scheduler) Schedule() ScheduleStep {
	s.stepCount++
	step := ScheduleStep{}
	step.Ignored = s.dropTooLong()

	if !s.scheduleSwapIn(&step) {
		if s.schedulePrompt(&step) {
			return step
		}
	}
	s.scheduleDecode(&step)
	return step
}

// dropTooLong rejects waiting groups whose prompt can never fit the model
// context. They are removed from the queue and finalized by the engine with
// finish reason "length".
func (s *Scheduler) dropTooLong() []*SequenceGroup {
	if s.cfg.MaxModelLen <= 0 {
		return nil
	}
	var ignored []*SequenceGroup
	var kept []*SequenceGroup
	for _, g := range s.waiting {
		if g.PromptLen() > s.cfg.MaxModelLen {
			logrus.Warnf("[step %07d] ignoring %s: prompt of %d tokens exceeds max model len %d",
				s.stepCount, g.RequestID, g.PromptLen(), s.cfg.MaxModelLen)
			for _, seq := range g.Seqs {
				seq.Status = StatusFinishedLengthCapped
			}
			ignored = append(ignored, g)
			continue
		}
		kept = append(kept, g)
	}
	s.waiting = kept
	return ignored
}

// numRunningSeqs is the current batch width.
func (s *Scheduler) numRunningSeqs() int {
	n := 0
	for _, g := range s.running {
		n += g.NumSeqs(StatusRunning)
	}
	return n
}

// scheduleSwapIn moves groups back from the cpu pool while they fit.
// FIFO by swap-out time; stops at the first group that does not fit.
func (s *Scheduler) scheduleSwapIn(step *ScheduleStep) bool {
	moved := false
	for len(s.swapped) > 0 {
		g := s.swapped[0]
		if s.numRunningSeqs()+g.NumSeqs(StatusSwapped) > s.cfg.MaxNumSeqs {
			break
		}
		if !s.blocks.CanSwapIn(g) {
			break
		}
		pairs := s.blocks.SwapIn(g)
		step.BlocksToSwapIn = append(step.BlocksToSwapIn, pairs...)
		for _, seq := range g.SeqsWithStatus(StatusSwapped) {
			seq.Status = StatusRunning
		}
		s.swapped = s.swapped[1:]
		s.running = append(s.running, g)
		s.metrics.SwapIns.Add(1)
		logrus.Infof("[step %07d] swapped in %s (%d blocks)", s.stepCount, g.RequestID, len(pairs))
		moved = true
	}
	return moved
}

// schedulePrompt admits waiting groups in arrival order until the first one
// that does not fit the token budget, the batch width or the gpu pool
// (watermark included). Stopping at the first failure preserves FIFO; a
// blocking request can hold the line, but only one.
func (s *Scheduler) schedulePrompt(step *ScheduleStep) bool {
	budget := s.cfg.MaxNumBatchedTokens
	width := s.numRunningSeqs()
	for len(s.waiting) > 0 {
		g := s.waiting[0]
		// Recomputed groups carry generated tokens that must be re-prefilled,
		// so the cost is the full history, not just the prompt.
		tokens := g.Seqs[0].NumTokens()
		if tokens > budget {
			break
		}
		if width+g.NumSeqs() > s.cfg.MaxNumSeqs {
			break
		}
		if !s.blocks.CanAllocate(g) {
			break
		}
		s.blocks.Allocate(g)
		for _, seq := range g.Seqs {
			seq.Status = StatusRunning
		}
		s.waiting = s.waiting[1:]
		s.running = append(s.running, g)
		step.Scheduled = append(step.Scheduled, g)
		budget -= tokens
		width += g.NumSeqs()
	}
	if len(step.Scheduled) == 0 {
		return false
	}
	step.IsPrompt = true
	return true
}

// scheduleDecode walks the running queue in admission order, reserving the
// next decode slot for every sibling. When a group cannot grow, the
// latest-admitted group is preempted until it can, or until the group
// itself becomes the victim.
func (s *Scheduler) scheduleDecode(step *ScheduleStep) {
	queue := s.running
	var kept []*SequenceGroup
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		if g.NumSeqs(StatusRunning) == 0 {
			continue
		}
		preemptedSelf := false
		for !s.blocks.CanAppend(g) {
			if len(queue) > 0 {
				victim := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				s.preempt(victim, step)
			} else {
				s.preempt(g, step)
				preemptedSelf = true
				break
			}
		}
		if preemptedSelf {
			continue
		}
		for _, seq := range g.SeqsWithStatus(StatusRunning) {
			if op := s.blocks.AppendSlot(seq); op != nil {
				step.BlocksToCopy = append(step.BlocksToCopy, *op)
			}
		}
		kept = append(kept, g)
		step.Scheduled = append(step.Scheduled, g)
	}
	s.running = kept
}

// preempt evicts a victim group to free gpu blocks. Single-sibling victims
// with a small cache footprint are recomputed: the table is dropped and the
// group goes back to the front of the waiting queue, to be re-prefilled.
// Everything else is swapped out to the cpu pool. A victim that fits
// neither pool is failed with ResourceExhausted, except that a
// single-sibling victim always has recompute to fall back on.
func (s *Scheduler) preempt(victim *SequenceGroup, step *ScheduleStep) {
	running := victim.SeqsWithStatus(StatusRunning)
	single := len(running) == 1
	if single && s.blocks.NumBlocks(running[0].ID) <= s.cfg.RecomputeBlockThreshold {
		s.recompute(victim, running[0])
		return
	}
	if s.blocks.CanSwapOut(victim) {
		pairs := s.blocks.SwapOut(victim)
		for _, seq := range running {
			seq.Status = StatusSwapped
		}
		step.BlocksToSwapOut = append(step.BlocksToSwapOut, pairs...)
		s.swapped = append(s.swapped, victim)
		s.metrics.SwapOuts.Add(1)
		logrus.Warnf("[step %07d] preemption: swapped out %s (%d blocks)", s.stepCount, victim.RequestID, len(pairs))
		return
	}
	if single {
		s.recompute(victim, running[0])
		return
	}
	for _, seq := range running {
		s.blocks.Free(seq)
		seq.Status = StatusFinishedAborted
	}
	step.Exhausted = append(step.Exhausted, victim)
	s.metrics.Exhausted.Add(1)
	logrus.Errorf("[step %07d] preemption: no gpu or cpu capacity for %s, failing it", s.stepCount, victim.RequestID)
}

func (s *Scheduler) recompute(victim *SequenceGroup, seq *Sequence) {
	s.blocks.Free(seq)
	seq.Status = StatusWaiting
	s.waiting = append([]*SequenceGroup{victim}, s.waiting...)
	s.metrics.Recomputes.Add(1)
	logrus.Warnf("[step %07d] preemption: recomputing %s (%d tokens)", s.stepCount, victim.RequestID, seq.NumTokens())
}

// FreeSeq releases a finished sequence's blocks. Safe to call for
// sequences that never held any.
func (s *Scheduler) FreeSeq(seq *Sequence) {
	s.blocks.Free(seq)
}

// RemoveFinished drops fully finished groups from the running queue.
// Called by the engine after finalizing a step's outputs.
func (s *Scheduler) RemoveFinished() {
	var kept []*SequenceGroup
	for _, g := range s.running {
		if !g.Finished() {
			kept = append(kept, g)
		}
	}
	s.running = kept
}

// Abort removes a group from whichever queue holds it, frees its blocks and
// marks its sequences aborted. Returns the group and the sequences it
// transitioned; both are nil when the request is unknown or already
// finished, which makes aborting twice a no-op.
func (s *Scheduler) Abort(requestID string) (*SequenceGroup, []*Sequence) {
	for _, q := range []*[]*SequenceGroup{&s.waiting, &s.running, &s.swapped} {
		for i, g := range *q {
			if g.RequestID != requestID {
				continue
			}
			*q = append((*q)[:i], (*q)[i+1:]...)
			var aborted []*Sequence
			for _, seq := range g.Seqs {
				if seq.Status.Finished() {
					continue
				}
				s.blocks.Free(seq)
				seq.Status = StatusFinishedAborted
				aborted = append(aborted, seq)
			}
			s.metrics.Aborted.Add(1)
			return g, aborted
		}
	}
	return nil, nil
}

// RejectStuckHead handles the no-progress case: nothing is running, nothing
// moved, yet work remains. That means the head of a queue can never fit
// even with the whole pool free (a prompt larger than the cache, a group
// wider than the batch cap, or a swapped footprint that cannot return).
// The head is failed so the rest of the line can move. Swapped heads fail
// as exhausted, waiting heads as length-capped.
func (s *Scheduler) RejectStuckHead() (*SequenceGroup, FinishReason) {
	if len(s.swapped) > 0 {
		g := s.swapped[0]
		s.swapped = s.swapped[1:]
		for _, seq := range g.Seqs {
			if seq.Status.Finished() {
				continue
			}
			s.blocks.Free(seq)
			seq.Status = StatusFinishedAborted
		}
		s.metrics.Exhausted.Add(1)
		logrus.Errorf("[step %07d] %s can never fit back on the gpu, failing it", s.stepCount, g.RequestID)
		return g, FinishAborted
	}
	if len(s.waiting) > 0 {
		g := s.waiting[0]
		s.waiting = s.waiting[1:]
		for _, seq := range g.Seqs {
			if !seq.Status.Finished() {
				seq.Status = StatusFinishedLengthCapped
			}
		}
		logrus.Errorf("[step %07d] %s can never be admitted (%d tokens), rejecting it", s.stepCount, g.RequestID, g.Seqs[0].NumTokens())
		return g, FinishLength
	}
	return nil, FinishNone
}
