package compileservice

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// OutputBudget is the byte-denominated semaphore bounding outstanding
// output-file buffers in flight, per spec.md §3 "OutputBudget":
// 0 ≤ cur ≤ max, and overflow on acquire fails without mutating either
// counter. Grounded on the teacher's use of golang.org/x/sync/semaphore for
// weighted resource caps (internal/subproc.Controller).
type OutputBudget struct {
	sem      *semaphore.Weighted
	max      int64
	cur      int64 // atomic
	req      int64 // atomic
	peakReq  int64 // atomic
}

// NewOutputBudget creates a budget capped at maxBytes.
func NewOutputBudget(maxBytes int64) *OutputBudget {
	return &OutputBudget{sem: semaphore.NewWeighted(maxBytes), max: maxBytes}
}

// Acquire reserves n bytes, blocking until available or ctx is canceled.
// On success cur increases by n; on failure neither counter changes.
func (b *OutputBudget) Acquire(ctx context.Context, n int64) error {
	atomic.AddInt64(&b.req, n)
	for {
		peak := atomic.LoadInt64(&b.peakReq)
		req := atomic.LoadInt64(&b.req)
		if req <= peak || atomic.CompareAndSwapInt64(&b.peakReq, peak, req) {
			break
		}
	}
	if err := b.sem.Acquire(ctx, n); err != nil {
		atomic.AddInt64(&b.req, -n)
		return err
	}
	atomic.AddInt64(&b.cur, n)
	atomic.AddInt64(&b.req, -n)
	return nil
}

// TryAcquire is the non-blocking variant used when FILE_RESP must fall back
// to local on exhaustion rather than wait, per spec.md §7 "ResourceExhausted".
func (b *OutputBudget) TryAcquire(n int64) bool {
	if !b.sem.TryAcquire(n) {
		return false
	}
	atomic.AddInt64(&b.cur, n)
	return true
}

// Release returns n bytes to the budget.
func (b *OutputBudget) Release(n int64) {
	b.sem.Release(n)
	atomic.AddInt64(&b.cur, -n)
}

// Cur, Max, ReqPeak support the /statz view.
func (b *OutputBudget) Cur() int64     { return atomic.LoadInt64(&b.cur) }
func (b *OutputBudget) Max() int64     { return b.max }
func (b *OutputBudget) ReqPeak() int64 { return atomic.LoadInt64(&b.peakReq) }
