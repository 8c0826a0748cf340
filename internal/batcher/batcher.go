// Package batcher implements a generic request batcher: callers Commit an
// item and block for its Result; items accumulate until Size is reached,
// Timeout elapses, or the batcher is shut down, then CommitBatch runs once
// over the whole group. Generalized from the teacher's lib/batcher
// (lib/batcher/batcher_test.go) to back spec.md §4.5 "MultiHttpRPC".
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode selects how commits are grouped.
type Mode string

const (
	// ModeOff disables batching: every Commit fires its own CommitBatch of
	// size 1.
	ModeOff Mode = "off"
	// ModeSync flushes a batch as soon as it's full or Timeout elapses,
	// and Commit blocks until that batch's CommitBatch returns.
	ModeSync Mode = "sync"
	// ModeAsync is identical to sync from the caller's perspective here —
	// there is no separate fire-and-forget path in this engine, unlike the
	// teacher's async mode which can return before the commit lands.
	ModeAsync Mode = "async"
)

// Options configures a Batcher.
type Options struct {
	Mode         Mode
	Size         int
	Timeout      time.Duration
	MaxBatchSize int
}

// CommitFunc processes one batch of items and fills results/errs in order.
type CommitFunc[Item any, Result any] func(ctx context.Context, items []Item, results []Result, errs []error) error

// Batcher batches Commit calls for Item/Result types.
type Batcher[Item any, Result any] struct {
	opt    Options
	commit CommitFunc[Item, Result]

	mu       sync.Mutex
	pending  []request[Item, Result]
	timer    *time.Timer
	shutdown bool
	wg       sync.WaitGroup
}

type request[Item any, Result any] struct {
	item   Item
	result chan<- outcome[Result]
}

type outcome[Result any] struct {
	result Result
	err    error
}

// ErrShuttingDown is returned by Commit after Shutdown.
var ErrShuttingDown = errors.New("batcher: shutting down")

// New creates a Batcher. opt.Mode must be "off", "sync", or "async".
func New[Item any, Result any](opt Options, commit CommitFunc[Item, Result]) (*Batcher[Item, Result], error) {
	switch opt.Mode {
	case ModeOff, ModeSync, ModeAsync:
	default:
		return nil, errors.Errorf("batcher: bad batch mode %q", opt.Mode)
	}
	if opt.MaxBatchSize > 0 && opt.Size > opt.MaxBatchSize {
		return nil, errors.Errorf("batcher: batch size %d exceeds max %d", opt.Size, opt.MaxBatchSize)
	}
	return &Batcher[Item, Result]{opt: opt, commit: commit}, nil
}

// Batching reports whether batching is active (Mode != off).
func (b *Batcher[Item, Result]) Batching() bool {
	return b.opt.Mode != ModeOff
}

// Commit enqueues item and blocks until its batch has been committed,
// returning that item's individual result or error.
func (b *Batcher[Item, Result]) Commit(ctx context.Context, item Item) (Result, error) {
	var zero Result
	if !b.Batching() {
		results := make([]Result, 1)
		errs := make([]error, 1)
		if err := b.commit(ctx, []Item{item}, results, errs); err != nil {
			return zero, err
		}
		return results[0], errs[0]
	}

	resultCh := make(chan outcome[Result], 1)
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return zero, ErrShuttingDown
	}
	b.pending = append(b.pending, request[Item, Result]{item: item, result: resultCh})
	flush := len(b.pending) >= b.opt.Size
	if !flush && b.timer == nil && b.opt.Timeout > 0 {
		b.timer = time.AfterFunc(b.opt.Timeout, b.flushTimer)
	}
	b.mu.Unlock()

	if flush {
		b.flush()
	}

	select {
	case o := <-resultCh:
		return o.result, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (b *Batcher[Item, Result]) flushTimer() {
	b.flush()
}

func (b *Batcher[Item, Result]) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.commitBatch(batch)
}

func (b *Batcher[Item, Result]) commitBatch(batch []request[Item, Result]) {
	defer b.wg.Done()
	items := make([]Item, len(batch))
	for i, r := range batch {
		items[i] = r.item
	}
	results := make([]Result, len(batch))
	errs := make([]error, len(batch))
	err := b.commit(context.Background(), items, results, errs)
	for i, r := range batch {
		e := errs[i]
		if e == nil {
			e = err
		}
		r.result <- outcome[Result]{result: results[i], err: e}
	}
}

// Shutdown flushes any pending batch and rejects further Commit calls.
func (b *Batcher[Item, Result]) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	hasPending := len(b.pending) > 0
	b.mu.Unlock()
	if hasPending {
		b.flush()
	}
	b.wg.Wait()
}
