// Package sched implements the fixed worker pool that multiplexes task
// closures across priority bands and named sub-pools, per spec.md §4.1.
package sched

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "sched")

// Priority bands, highest first. Ordering within a band is FIFO.
type Priority int

const (
	Immediate Priority = iota
	High
	Med
	Low
	numPriorities
)

// FreePool routes RunClosureInPool to the shared global pool, per spec.md
// §4.1 "kFreePool".
const FreePool = ""

// Closure is a unit of work submitted to the scheduler.
type Closure func()

// ErrSchedulerClosed is returned by RunClosure* after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler: shut down")

// Scheduler is a fixed-size worker pool running prioritized closures.
//
// Ordering guarantee: closures pinned to the same thread (RunClosureInThread)
// observe FIFO order; across threads only priority-band dominance holds.
type Scheduler struct {
	global *pool

	mu    sync.Mutex
	pools map[string]*pool

	threadsMu sync.Mutex
	threads   map[int]*thread

	periodicMu sync.Mutex
	periodic   map[int64]*periodicClosure
	nextPeriodicID int64

	done   chan struct{}
	closed bool
}

// Option configures a new Scheduler.
type Option func(*Scheduler)

// New creates a Scheduler with the given global pool size and any named
// sub-pools preconfigured via WithPool.
func New(globalWorkers int, opts ...Option) *Scheduler {
	s := &Scheduler{
		global:   newPool("global", globalWorkers),
		pools:    make(map[string]*pool),
		threads:  make(map[int]*thread),
		periodic: make(map[int64]*periodicClosure),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithPool preregisters a named sub-pool with the given worker count.
func WithPool(name string, workers int) Option {
	return func(s *Scheduler) {
		s.pools[name] = newPool(name, workers)
	}
}

// RunClosure enqueues c on the global pool at the given priority.
func (s *Scheduler) RunClosure(p Priority, c Closure) error {
	return s.RunClosureInPool(FreePool, p, c)
}

// RunClosureInPool enqueues c on the named pool (or the global pool, if
// pool == FreePool or unknown).
func (s *Scheduler) RunClosureInPool(poolName string, p Priority, c Closure) error {
	if s.isClosed() {
		return ErrSchedulerClosed
	}
	target := s.poolFor(poolName)
	target.submit(p, c)
	return nil
}

// RunClosureInThread pins c to run on the worker identified by tid, after
// any closure already pinned to tid. Used for "reply on the caller's thread".
func (s *Scheduler) RunClosureInThread(tid int, p Priority, c Closure) error {
	if s.isClosed() {
		return ErrSchedulerClosed
	}
	s.threadsMu.Lock()
	th, ok := s.threads[tid]
	if !ok {
		th = newThread(tid)
		s.threads[tid] = th
	}
	s.threadsMu.Unlock()
	th.submit(p, c)
	return nil
}

func (s *Scheduler) poolFor(name string) *pool {
	if name == FreePool {
		return s.global
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		// An unregistered pool name degrades to the global pool rather than
		// failing the caller — mirrors the teacher's tolerant fs/rc registry
		// lookups.
		return s.global
	}
	return p
}

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Shutdown drains all pools and pinned threads; subsequent RunClosure* calls
// return ErrSchedulerClosed. It blocks until in-flight closures finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.periodicMu.Lock()
	for id := range s.periodic {
		s.periodic[id].stop()
		delete(s.periodic, id)
	}
	s.periodicMu.Unlock()

	s.global.shutdown()
	s.mu.Lock()
	for _, p := range s.pools {
		p.shutdown()
	}
	s.mu.Unlock()
	s.threadsMu.Lock()
	for _, th := range s.threads {
		th.shutdown()
	}
	s.threadsMu.Unlock()
}

// RegisterPeriodicClosure dispatches c on the global pool roughly every
// interval, with up to ±10% jitter, until UnregisterPeriodicClosure is
// called. It returns an id used to unregister.
func (s *Scheduler) RegisterPeriodicClosure(interval time.Duration, c Closure) int64 {
	s.periodicMu.Lock()
	id := s.nextPeriodicID
	s.nextPeriodicID++
	pc := newPeriodicClosure(s, interval, c)
	s.periodic[id] = pc
	s.periodicMu.Unlock()
	pc.start()
	return id
}

// UnregisterPeriodicClosure stops the periodic closure identified by id.
func (s *Scheduler) UnregisterPeriodicClosure(id int64) {
	s.periodicMu.Lock()
	pc, ok := s.periodic[id]
	if ok {
		delete(s.periodic, id)
	}
	s.periodicMu.Unlock()
	if ok {
		pc.stop()
	}
}

func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	// ±10% jitter, mirrors the teacher's jobs.kickExpire reschedule jitter.
	delta := time.Duration(rand.Int63n(int64(interval)/5)) - interval/10
	return interval + delta
}
