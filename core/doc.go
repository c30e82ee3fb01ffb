// Package core implements the request scheduler and paged block manager of
// the serving engine.
//
// # Reading Guide
//
// Start with these files to understand the serving kernel:
//   - block.go, block_engine.go: the block pools, block tables and
//     copy-on-write rules that back the paged KV cache
//   - scheduler.go: admission, batching and preemption; one ScheduleStep
//     per forward pass
//   - engine.go: the step loop that applies cache operations, drives the
//     model and streams tokens back to clients
//
// # Architecture
//
// The engine loop is single-threaded cooperative: scheduler, block engine
// and cache engine all run on one goroutine, so block bookkeeping needs no
// locks. Requests cross into the loop over a multi-producer channel;
// per-request event channels carry tokens back out. The model is an
// external collaborator behind the ModelRunner interface; the cache engine
// is the only component that touches cache memory, and it executes exactly
// the copy/swap lists the scheduler emits.
package core
