package compiletask

import (
	"sync"
	"sync/atomic"

	"github.com/compileproxy/compileproxy/internal/subproc"
)

// Stage enumerates the remote pipeline's checkpoints the local/remote race
// compares against. This is the Open Question resolution from spec.md §9
// ("the exact semantics of local_run_preference stage ordering ... is
// operator-set and under-documented"): rather than guess the operator's
// policy value, the ambiguity about *where in the pipeline the comparison
// happens* is pinned to this single ordered enum, so the policy itself
// stays an operator-supplied Stage value (see DESIGN.md).
type Stage int32

const (
	StageFileReq Stage = iota
	StageRemoteRun
	StageFileResp
	StageReply
)

// raceState tracks the remote pipeline's current checkpoint and whether the
// local branch has already won, so at most one branch produces the reply.
type raceState struct {
	remoteStage     int32 // atomic Stage
	localWon        int32 // atomic bool
	remoteAbandoned int32 // atomic bool
}

func newRaceState() *raceState {
	return &raceState{}
}

func (r *raceState) advanceRemote(s Stage) {
	atomic.StoreInt32(&r.remoteStage, int32(s))
}

func (r *raceState) remoteAt() Stage {
	return Stage(atomic.LoadInt32(&r.remoteStage))
}

// localFinishes reports whether the local branch, finishing while remote
// sits at remoteStage, wins the race against preferenceStage: local wins
// if remote has not yet reached preferenceStage.
func (r *raceState) localFinishes(preferenceStage Stage) bool {
	if r.remoteAt() >= preferenceStage {
		return false
	}
	return atomic.CompareAndSwapInt32(&r.localWon, 0, 1)
}

func (r *raceState) abandonRemote() bool {
	return atomic.CompareAndSwapInt32(&r.remoteAbandoned, 0, 1)
}

func (r *raceState) remoteAbandonedLocked() bool {
	return atomic.LoadInt32(&r.remoteAbandoned) == 1
}

// localFuture watches a speculative local compile racing the remote
// pipeline (spec.md §4.7 step 2): the moment the local result arrives, it
// decides — against the race's current remote checkpoint — whether local
// has won, and exposes that decision once via Ready()/Result(). A losing
// (or never-started) local result is still stashed so raceAwareFallback can
// reuse it instead of launching a second local run.
type localFuture struct {
	done chan subproc.Result // nil when no speculative local run was started

	ready chan struct{} // closed exactly once, when the decision is known
	mu    sync.Mutex
	result subproc.Result
	won    bool
}

// newLocalFuture starts watching done (if non-nil) for a result and races
// it against race at preference, per spec.md §9's Open Question resolution
// (see Stage/raceState above): local wins if remote has not yet reached
// preference by the time the local result arrives.
func newLocalFuture(race *raceState, preference Stage, done chan subproc.Result) *localFuture {
	lf := &localFuture{done: done, ready: make(chan struct{})}
	if done == nil {
		return lf // Ready() never fires, so a select on it never takes that branch
	}
	go func() {
		result := <-done
		lf.mu.Lock()
		lf.result = result
		lf.won = race.localFinishes(preference)
		lf.mu.Unlock()
		close(lf.ready)
	}()
	return lf
}

// hasLocal reports whether a speculative local run was started at all.
func (lf *localFuture) hasLocal() bool { return lf.done != nil }

// Ready returns a channel that closes once the race decision is known. It
// is nil-safe: a lf with no speculative run returns a channel that never
// fires, so a select on it simply never takes that branch.
func (lf *localFuture) Ready() <-chan struct{} { return lf.ready }

// Result returns the local result and whether it won the race. Only
// meaningful after Ready() has fired (or after wait() returns).
func (lf *localFuture) Result() (subproc.Result, bool) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.result, lf.won
}

// wait blocks until the speculative local result is available, for
// raceAwareFallback to reuse without launching a second local run. It is
// safe to call whether or not Ready() has already fired.
func (lf *localFuture) wait() subproc.Result {
	if lf.done != nil {
		<-lf.ready
	}
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.result
}
