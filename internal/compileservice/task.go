package compileservice

import (
	"sync"
	"time"

	"github.com/compileproxy/compileproxy/internal/wire"
)

// State is a Task's position in the state machine from spec.md §4.7.
type State int

const (
	StateInit State = iota
	StateSetup
	StateFileReq
	StateFileResp
	StateLocalRun
	StateRemoteRun
	StateFinished
	StateLocalFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSetup:
		return "SETUP"
	case StateFileReq:
		return "FILE_REQ"
	case StateFileResp:
		return "FILE_RESP"
	case StateLocalRun:
		return "LOCAL_RUN"
	case StateRemoteRun:
		return "REMOTE_RUN"
	case StateFinished:
		return "FINISHED"
	case StateLocalFinished:
		return "LOCAL_FINISHED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether s is one of the states CompileTaskDone retires
// from.
func (s State) terminal() bool {
	switch s {
	case StateFinished, StateLocalFinished, StateAborted:
		return true
	default:
		return false
	}
}

// Task is a single compile attempt, per spec.md §3 "Task". All mutable
// fields are guarded by mu; the arena never hands out a pointer across a
// ring boundary without going through the registry's own lock, per spec.md
// §9's "arena of task records keyed by id".
type Task struct {
	ID        int64
	TraceID   string
	Requester wire.Requester
	Req       wire.ExecReq
	CreatedAt time.Time

	mu              sync.Mutex
	state           State
	localCacheHit   bool
	cacheHit        bool
	canceled        bool
	failed          bool
	failFallback    bool
	abort           bool
	retryCount      int
	frozenAt        time.Time
	handlerDuration time.Duration

	doneOnce  sync.Once
	doneFns   []func()
}

// newTask creates a Task in state INIT.
func newTask(id int64, traceID string, requester wire.Requester, req wire.ExecReq) *Task {
	return &Task{ID: id, TraceID: traceID, Requester: requester, Req: req, CreatedAt: time.Now(), state: StateInit}
}

// SetState transitions the task's state. Callers are responsible for only
// issuing legal transitions per spec.md §4.7's state diagram.
func (t *Task) SetState(s State) {
	t.mu.Lock()
	t.state = s
	if s.terminal() {
		t.frozenAt = time.Now()
		t.handlerDuration = t.frozenAt.Sub(t.CreatedAt)
	}
	t.mu.Unlock()
}

// State reads the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HandlerDuration reads the frozen handler duration; zero until terminal.
func (t *Task) HandlerDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlerDuration
}

// MarkCanceled sets canceled, per spec.md §5 cancellation teardown order.
// It does not itself Kill a subprocess or set abort — callers sequence
// that separately, since those steps may need resources this lock doesn't
// hold.
func (t *Task) MarkCanceled() {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
}

// SetAbort records that the task has reached a point where the canceled
// flag can be observed and torn down, per spec.md §5.
func (t *Task) SetAbort() {
	t.mu.Lock()
	t.abort = true
	t.mu.Unlock()
}

// Canceled reports whether the task has been canceled.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// MarkFailed records a non-canceled failure outcome.
func (t *Task) MarkFailed() {
	t.mu.Lock()
	t.failed = true
	t.mu.Unlock()
}

// MarkFailFallback records that this task is running a fallback caused by
// remote failure (as opposed to a forced fallback decided at SETUP).
func (t *Task) MarkFailFallback() {
	t.mu.Lock()
	t.failFallback = true
	t.mu.Unlock()
}

// MarkCacheHit records a remote cache hit for S1/S2-style counters.
func (t *Task) MarkCacheHit() {
	t.mu.Lock()
	t.cacheHit = true
	t.mu.Unlock()
}

// MarkLocalCacheHit records a local cache hit.
func (t *Task) MarkLocalCacheHit() {
	t.mu.Lock()
	t.localCacheHit = true
	t.mu.Unlock()
}

// IncRetry bumps the per-task retry counter and returns the new value.
func (t *Task) IncRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	return t.retryCount
}

// outcome snapshots the flags CompileTaskDone needs to classify the task
// into finished/failed/long, without holding t.mu while the registry's own
// lock is held (spec.md §5's "no callback is invoked while holding any
// service-wide mutex" applies equally to snapshotting under a task lock).
type outcome struct {
	state           State
	failed          bool
	failFallback    bool
	canceled        bool
	handlerDuration time.Duration
}

func (t *Task) snapshot() outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return outcome{
		state:           t.state,
		failed:          t.failed,
		failFallback:    t.failFallback,
		canceled:        t.canceled,
		handlerDuration: t.handlerDuration,
	}
}

// NotifyWhenClosed registers fn to run once this task retires
// (CompileTaskDone), used by the front gate to reply synchronously to its
// caller. Calling it on a task already in a terminal state runs fn
// immediately, even if CompileTaskDone has not run for it yet.
func (t *Task) NotifyWhenClosed(fn func()) {
	t.onDone(fn)
}

func (t *Task) onDone(fn func()) {
	t.mu.Lock()
	already := t.state.terminal()
	t.mu.Unlock()
	if already {
		fn()
		return
	}
	t.mu.Lock()
	t.doneFns = append(t.doneFns, fn)
	t.mu.Unlock()
}

// fireDone runs every registered OnDone callback exactly once.
func (t *Task) fireDone() {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		fns := t.doneFns
		t.doneFns = nil
		t.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}
