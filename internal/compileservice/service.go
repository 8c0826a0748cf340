// Package compileservice implements the CompileService (C6): the task
// registry, admission control, retirement rings, and fallback budget, per
// spec.md §4.6. The active map, pending FIFO list and finished/failed rings are
// grounded on the teacher's fs/rc/jobs.Jobs{mu, jobs map[int64]*Job}
// registry and its periodic Expire sweep (fs/rc/jobs/job_test.go).
package compileservice

import (
	"container/heap"
	"context"
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compileproxy/compileproxy/internal/wire"
)

var log = logrus.WithField("pkg", "compileservice")

// ErrQuitting is returned by Exec once Quit has been called.
var ErrQuitting = errors.New("compileservice: quitting")

// RunFunc drives one admitted task to a terminal state; the Service calls
// it once per task, either immediately on admission or on promotion from
// pending.
type RunFunc func(ctx context.Context, t *Task)

// Options configures a Service, per spec.md §6 "Startup options".
type Options struct {
	MaxActiveTasks                       int
	MaxFinishedTasks                     int
	MaxFailedTasks                       int
	MaxLongTasks                          int
	MaxActiveFailFallbackTasks            int
	AllowedMaxActiveFailFallbackDuration time.Duration
}

// LogFlusher flushes any buffered SaveLog entries on drain.
type LogFlusher interface {
	Flush(ctx context.Context) error
}

// Service is the CompileService registry.
type Service struct {
	opt      Options
	run      RunFunc
	counters *CounterTable
	logFlush LogFlusher

	mu       sync.Mutex
	cond     *sync.Cond
	nextID   int64
	active   map[int64]*Task
	pending  *list.List // of *Task, FIFO
	finished *list.List // of *Task, oldest at Front
	failed   *list.List
	long     longHeap
	quitting bool

	fallbackMu         sync.Mutex
	fallbackActive     int
	fallbackFirstReach time.Time
}

// New creates a Service. run is invoked once per admitted task.
func New(opt Options, counters *CounterTable, logFlush LogFlusher, run RunFunc) *Service {
	s := &Service{
		opt:      opt,
		run:      run,
		counters: counters,
		logFlush: logFlush,
		active:   make(map[int64]*Task),
		pending:  list.New(),
		finished: list.New(),
		failed:   list.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Exec admits a new task: traceID identifies it in logs. If the active
// set is under MaxActiveTasks the task runs immediately; otherwise it
// queues in pending, per spec.md §4.6 "Admission".
func (s *Service) Exec(ctx context.Context, traceID string, requester wire.Requester, req wire.ExecReq) (*Task, error) {
	s.mu.Lock()
	if s.quitting {
		s.mu.Unlock()
		return nil, ErrQuitting
	}
	s.nextID++
	id := s.nextID
	t := newTask(id, traceID, requester, req)

	var runNow bool
	if len(s.active) < s.opt.MaxActiveTasks {
		s.active[id] = t
		runNow = true
	} else {
		s.pending.PushBack(t)
	}
	s.mu.Unlock()

	if s.counters != nil {
		s.counters.IncExecRequest()
	}
	if runNow {
		go s.run(ctx, t)
	}
	return t, nil
}

// CompileTaskDone retires t: it is removed from active, classified into
// the finished/failed/long rings, and up to the freed admission slots are
// promoted from pending in FIFO order, per spec.md §4.6 "Rings".
//
// No task callback runs while s.mu is held, per spec.md §5's locking
// discipline — promoted tasks are collected under the lock and launched
// after release.
func (s *Service) CompileTaskDone(t *Task) {
	snap := t.snapshot()

	s.mu.Lock()
	delete(s.active, t.ID)

	if !snap.canceled {
		s.finished.PushBack(t)
		s.evictFront(s.finished, s.opt.MaxFinishedTasks)

		if snap.failed || snap.failFallback {
			s.failed.PushBack(t)
			s.evictFront(s.failed, s.opt.MaxFailedTasks)
		}
		s.pushLong(t, snap.handlerDuration)
	}

	var toRun []*Task
	for len(s.active) < s.opt.MaxActiveTasks && s.pending.Len() > 0 {
		front := s.pending.Front()
		s.pending.Remove(front)
		next := front.Value.(*Task)
		s.active[next.ID] = next
		toRun = append(toRun, next)
	}

	drained := len(s.active) == 0 && s.pending.Len() == 0
	s.mu.Unlock()

	for _, next := range toRun {
		go s.run(context.Background(), next)
	}

	if s.counters != nil {
		s.counters.IncExecFinished()
		if snap.failed && !snap.canceled {
			s.counters.IncExecFailure()
		} else if !snap.canceled {
			s.counters.IncExecSuccess()
		}
	}

	t.fireDone()

	if drained {
		s.cond.Broadcast()
	}
}

// evictFront trims l down to max entries, dropping from the front (the
// oldest), per spec.md §3 "the oldest displaced entry unreferenced".
func (s *Service) evictFront(l *list.List, max int) {
	for max > 0 && l.Len() > max {
		l.Remove(l.Front())
	}
}

// pushLong inserts t into the long-task heap if its handler duration beats
// the current minimum or the heap has free capacity, per spec.md §4.6.
func (s *Service) pushLong(t *Task, duration time.Duration) {
	if s.opt.MaxLongTasks <= 0 {
		return
	}
	entry := &longEntry{task: t, duration: int64(duration)}
	if len(s.long) < s.opt.MaxLongTasks {
		heap.Push(&s.long, entry)
		return
	}
	if len(s.long) > 0 && entry.duration > s.long[0].duration {
		heap.Pop(&s.long)
		heap.Push(&s.long, entry)
	}
}

// IncrementActiveFailFallbackTasks must be called before starting a local
// fallback caused by remote failure, per spec.md §4.6 "Fallback budget".
// It returns whether the fallback is granted: always below the cap, or
// above it during the grace window measured from the first time the cap
// was exceeded.
func (s *Service) IncrementActiveFailFallbackTasks() bool {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	s.fallbackActive++
	if s.fallbackActive <= s.opt.MaxActiveFailFallbackTasks {
		return true
	}
	if s.fallbackFirstReach.IsZero() {
		s.fallbackFirstReach = time.Now()
	}
	if time.Since(s.fallbackFirstReach) <= s.opt.AllowedMaxActiveFailFallbackDuration {
		return true
	}
	s.fallbackActive--
	return false
}

// DecrementActiveFailFallbackTasks releases a previously granted fallback
// slot, resetting the grace-window clock once the count is back at or
// under the cap.
func (s *Service) DecrementActiveFailFallbackTasks() {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if s.fallbackActive > 0 {
		s.fallbackActive--
	}
	if s.fallbackActive <= s.opt.MaxActiveFailFallbackTasks {
		s.fallbackFirstReach = time.Time{}
	}
}

// Quit sets the drain flag; no further Exec calls are admitted and Wait
// becomes satisfiable once in-flight work empties out.
func (s *Service) Quit() {
	s.mu.Lock()
	s.quitting = true
	drained := len(s.active) == 0 && s.pending.Len() == 0
	s.mu.Unlock()
	if drained {
		s.cond.Broadcast()
	}
}

// Wait blocks until pending and active are both empty, then flushes the
// log client, per spec.md §4.6 "Quit/Wait".
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for len(s.active) > 0 || s.pending.Len() > 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.logFlush != nil {
		return s.logFlush.Flush(ctx)
	}
	return nil
}

// ActiveCount and PendingCount support tests and the /statz admin view.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Service) FinishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished.Len()
}

func (s *Service) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed.Len()
}

func (s *Service) LongCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.long)
}
