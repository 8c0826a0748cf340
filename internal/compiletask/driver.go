package compiletask

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/compileproxy/compileproxy/internal/blobclient"
	"github.com/compileproxy/compileproxy/internal/compilerinfo"
	"github.com/compileproxy/compileproxy/internal/compileservice"
	"github.com/compileproxy/compileproxy/internal/rpcclient"
	"github.com/compileproxy/compileproxy/internal/sched"
	"github.com/compileproxy/compileproxy/internal/subproc"
	"github.com/compileproxy/compileproxy/internal/wire"
)

// HermeticMode is the operator-selected hermeticity policy, per spec.md §4.7
// "Hermeticity".
type HermeticMode string

const (
	HermeticOff      HermeticMode = "off"
	HermeticFallback HermeticMode = "fallback"
	HermeticError    HermeticMode = "error"
)

// Options configures a Driver, per spec.md §6 "Startup options".
type Options struct {
	Hermetic               HermeticMode
	StrictFlagPolicy        bool
	LocalRunForFailedInput  bool
	LocalRunDelay           time.Duration
	PreferenceStage         Stage
	FallbackEnabled         bool
}

// LocalRunner executes a compiler locally, modeling the subprocess launch
// spec.md §4.7 step 2/5 needs without owning the subproc.Controller's
// admission policy directly — callers construct it from
// internal/subproc.Controller.Register/Start.
type LocalRunner func(ctx context.Context, req wire.ExecReq) (subproc.Result, error)

// ReplyFunc hops back to the front gate's caller and sends resp, per
// spec.md §4.7 step 6 "hop back to the gate's thread via the scheduler,
// call SendReply".
type ReplyFunc func(ctx context.Context, t *compileservice.Task, resp wire.ExecResp)

// Driver wires together the components a CompileTask needs: C1 Scheduler,
// C2 Subprocess Controller (via LocalRunner), C3 File-Blob Client, C4
// Compiler-Info Resolver, C5 Remote RPC Client, and the C6 fallback budget
// and counters.
type Driver struct {
	Opt       Options
	Scheduler *sched.Scheduler
	Blob      *blobclient.Client
	RPC       *rpcclient.Client
	CI        *compilerinfo.Resolver
	Service   *compileservice.Service
	Budget    *compileservice.OutputBudget
	Counters  *compileservice.CounterTable
	RunLocal  LocalRunner
	Reply     ReplyFunc
	Logger    *ExecLogger

	mu            sync.Mutex
	recentlyFailed map[string]time.Time
}

var log = logrus.WithField("pkg", "compiletask")

// NewDriver creates a Driver.
func NewDriver(opt Options) *Driver {
	return &Driver{Opt: opt, recentlyFailed: make(map[string]time.Time)}
}

// noteInputFailed records that path recently caused a local compile
// failure, feeding the LocalRunForFailedInput racing heuristic.
func (d *Driver) noteInputFailed(path string) {
	d.mu.Lock()
	d.recentlyFailed[path] = time.Now()
	d.mu.Unlock()
}

func (d *Driver) anyInputRecentlyFailed(refs []wire.FileRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range refs {
		if t, ok := d.recentlyFailed[r.Path]; ok && time.Since(t) < time.Hour {
			return true
		}
	}
	return false
}

// remoteOutcomeKind classifies how the background remote pipeline ended,
// for the race-aware select in Run to react to.
type remoteOutcomeKind int

const (
	remoteSuccess remoteOutcomeKind = iota
	remoteNeedsFallback
	remoteAborted
)

// remoteOutcome is what runRemotePipeline sends back to Run once the
// background remote branch reaches a terminal point.
type remoteOutcome struct {
	kind remoteOutcomeKind
	resp wire.ExecResp
}

// Run drives t.Req to a terminal state on t. It is registered as the
// compileservice.RunFunc.
func (d *Driver) Run(ctx context.Context, t *compileservice.Task) {
	req := t.Req
	t.SetState(compileservice.StateSetup)

	if reason, forced := classifyForcedFallback(req.Args, d.Opt.StrictFlagPolicy); forced {
		d.fallbackOnly(ctx, t, req, reason)
		return
	}
	if len(req.Args) == 0 {
		d.fallbackOnly(ctx, t, req, ReasonParseFlags)
		return
	}

	key := compilerinfo.Key{
		GomaccPath: req.Args[0],
		Basename:   filepath.Base(req.Args[0]),
		Cwd:        req.Cwd,
		Path:       envLookup(req.Env, "PATH"),
	}
	info, err := d.CI.Resolve(ctx, key, req.Env)
	if err != nil {
		d.fallbackOnly(ctx, t, req, ReasonFailToGetCompilerInfo)
		return
	}
	if info.Disabled {
		if d.Counters != nil {
			d.Counters.IncCompilerDisabled()
		}
		d.fallbackOnly(ctx, t, req, ReasonCompilerDisabled)
		return
	}

	if d.checkHermeticity(ctx, t, req, info) {
		return
	}

	// The local/remote race, per spec.md §4.7 step 2 and the Stage ordering
	// Open Question resolved in race.go: a speculative local compile (if
	// started) and the remote pipeline run concurrently; whichever first
	// reaches a terminal state matching d.Opt.PreferenceStage wins, and the
	// loser is abandoned.
	race := newRaceState()
	var localDone chan subproc.Result
	if d.Opt.LocalRunForFailedInput && d.anyInputRecentlyFailed(req.InputBlobs) && d.RunLocal != nil {
		localDone = d.startSpeculativeLocal(ctx, req)
	}
	lf := newLocalFuture(race, d.Opt.PreferenceStage, localDone)

	remoteCtx, cancelRemote := context.WithCancel(ctx)
	defer cancelRemote()
	remoteDone := make(chan remoteOutcome, 1)
	go func() {
		remoteDone <- d.runRemotePipeline(remoteCtx, t, req, race)
	}()

	localReady := lf.Ready()
	for {
		select {
		case <-localReady:
			localReady = nil // this branch only ever fires once
			result, won := lf.Result()
			if won && race.abandonRemote() {
				cancelRemote()
				d.finishLocalRaceWin(ctx, t, result)
				return
			}
			// Local lost the race (remote had already reached
			// PreferenceStage): keep waiting for the remote branch: its
			// outcome (success or fallback) now decides the reply.
		case outcome := <-remoteDone:
			d.handleRemoteOutcome(ctx, t, req, race, lf, outcome)
			return
		}
	}
}

// runRemotePipeline drives the FILE_REQ → REMOTE_RUN → FILE_RESP stages of
// spec.md §4.7 in the background, so Run can race it against a speculative
// local compile. ctx is canceled by Run the moment the local branch wins.
func (d *Driver) runRemotePipeline(ctx context.Context, t *compileservice.Task, req wire.ExecReq, race *raceState) remoteOutcome {
	t.SetState(compileservice.StateFileReq)
	race.advanceRemote(StageFileReq)
	if t.Canceled() {
		return remoteOutcome{kind: remoteAborted}
	}
	if race.remoteAbandonedLocked() || ctx.Err() != nil {
		return remoteOutcome{kind: remoteAborted}
	}

	hashes, err := d.uploadInputs(ctx, req)
	if err != nil {
		return remoteOutcome{kind: remoteNeedsFallback}
	}
	req.InputBlobs = hashes

	t.SetState(compileservice.StateRemoteRun)
	race.advanceRemote(StageRemoteRun)
	if t.Canceled() {
		return remoteOutcome{kind: remoteAborted}
	}
	if race.remoteAbandonedLocked() || ctx.Err() != nil {
		return remoteOutcome{kind: remoteAborted}
	}

	resp, status, err := d.RPC.Exec(ctx, req)
	if d.Counters != nil {
		for i := 1; i < status.TimeoutsConsumed; i++ {
			d.Counters.IncExecRequestRetry()
		}
	}
	if err != nil {
		return remoteOutcome{kind: remoteNeedsFallback}
	}

	if resp.ErrorReason != wire.BackendErrorNone {
		if d.Counters != nil {
			d.Counters.IncMismatch(resp.ErrorReason.String())
		}
		return remoteOutcome{kind: remoteNeedsFallback}
	}

	t.SetState(compileservice.StateFileResp)
	race.advanceRemote(StageFileResp)
	if t.Canceled() {
		return remoteOutcome{kind: remoteAborted}
	}
	if !d.downloadOutputs(ctx, resp) {
		return remoteOutcome{kind: remoteNeedsFallback}
	}

	race.advanceRemote(StageReply)
	return remoteOutcome{kind: remoteSuccess, resp: resp}
}

// handleRemoteOutcome reacts to the background remote pipeline's terminal
// outcome, accounting for a local race win that may have been decided
// concurrently with — but not yet observed by — Run's select loop.
func (d *Driver) handleRemoteOutcome(ctx context.Context, t *compileservice.Task, req wire.ExecReq, race *raceState, lf *localFuture, outcome remoteOutcome) {
	switch outcome.kind {
	case remoteAborted:
		d.abort(t)
	case remoteNeedsFallback:
		if result, won := lf.Result(); won {
			// Local already won the race concurrently with the remote
			// branch's own failure; finish on the local result as a race
			// win rather than charging the fail-fallback budget.
			d.finishLocalRaceWin(ctx, t, result)
			return
		}
		d.raceAwareFallback(ctx, t, req, race, lf, ReasonNone)
	case remoteSuccess:
		d.finish(ctx, t, outcome.resp, compileservice.StateFinished)
	}
}

// startSpeculativeLocal launches a local compile racing the remote
// pipeline, per spec.md §4.7 step 2. Its pending time is not recorded as
// local_pending, neither here nor in the subproc controller.
func (d *Driver) startSpeculativeLocal(ctx context.Context, req wire.ExecReq) chan subproc.Result {
	done := make(chan subproc.Result, 1)
	go func() {
		res, err := d.RunLocal(ctx, req)
		if err != nil {
			res.Err = err
		}
		done <- res
	}()
	return done
}

// finishLocalRaceWin finishes t on a speculative local result that won the
// race against the remote pipeline, per spec.md §3 "the local/remote race
// may fold LOCAL_RUN into FINISHED".
func (d *Driver) finishLocalRaceWin(ctx context.Context, t *compileservice.Task, result subproc.Result) {
	log.WithField("trace_id", t.TraceID).Debug("local compile won the race against the remote pipeline")
	resp := wire.ExecResp{ExitStatus: result.ExitCode, StdOut: result.Stdout, StdErr: result.Stderr, LocalCacheHit: true}
	if result.Err != nil {
		resp.Error = result.Err.Error()
		t.MarkFailed()
	}
	d.finish(ctx, t, resp, compileservice.StateFinished)
}

// raceAwareFallback is called when the remote branch fails at some stage:
// if a speculative local run already has a result, or produces one, use
// it; otherwise do a synchronous local run (if d.RunLocal is set and
// fallback is enabled).
func (d *Driver) raceAwareFallback(ctx context.Context, t *compileservice.Task, req wire.ExecReq, race *raceState, lf *localFuture, reason Reason) {
	log.WithField("trace_id", t.TraceID).WithField("remote_stage", race.remoteAt()).WithField("reason", reason.String()).Debug("remote branch failed, falling back to local")
	if !d.Opt.FallbackEnabled || d.RunLocal == nil {
		t.MarkFailed()
		resp := wire.ExecResp{ExitStatus: -1, Error: "remote failed, fallback disabled"}
		d.finish(ctx, t, resp, compileservice.StateFinished)
		return
	}

	granted := true
	if d.Service != nil {
		granted = d.Service.IncrementActiveFailFallbackTasks()
		defer func() {
			if granted {
				d.Service.DecrementActiveFailFallbackTasks()
			}
		}()
	}
	if !granted {
		t.MarkFailed()
		resp := wire.ExecResp{ExitStatus: -1, Error: "fail-fallback budget exhausted"}
		d.finish(ctx, t, resp, compileservice.StateFinished)
		return
	}

	t.MarkFailFallback()
	if d.Counters != nil {
		d.Counters.IncExecFailFallback()
	}
	t.SetState(compileservice.StateLocalRun)

	var result subproc.Result
	var err error
	if lf != nil && lf.hasLocal() {
		result = lf.wait()
		err = result.Err
	} else {
		result, err = d.RunLocal(ctx, req)
	}
	if err != nil {
		for _, in := range req.InputBlobs {
			d.noteInputFailed(in.Path)
		}
		t.MarkFailed()
	}
	resp := wire.ExecResp{ExitStatus: result.ExitCode, StdOut: result.Stdout, StdErr: result.Stderr}
	if err != nil {
		resp.Error = err.Error()
	}
	d.finish(ctx, t, resp, compileservice.StateLocalFinished)
}

// fallbackOnly runs a forced local-only path decided during SETUP, per
// spec.md §4.7 step 1.
func (d *Driver) fallbackOnly(ctx context.Context, t *compileservice.Task, req wire.ExecReq, reason Reason) {
	log.WithField("reason", reason.String()).WithField("trace_id", t.TraceID).Debug("forced local fallback")
	t.SetState(compileservice.StateLocalRun)
	if d.RunLocal == nil {
		t.MarkFailed()
		d.finish(ctx, t, wire.ExecResp{Error: "no local runner configured"}, compileservice.StateFinished)
		return
	}
	result, err := d.RunLocal(ctx, req)
	resp := wire.ExecResp{ExitStatus: result.ExitCode, StdOut: result.Stdout, StdErr: result.Stderr}
	if err != nil {
		resp.Error = err.Error()
		t.MarkFailed()
	}
	d.finish(ctx, t, resp, compileservice.StateLocalFinished)
}

// checkHermeticity enforces spec.md §4.7 "Hermeticity": under hermetic
// error mode a version/hash mismatch fails fast with no local fallback;
// under hermetic_fallback it falls back but records the mismatch. It
// returns true if it fully handled (and finished) the task.
func (d *Driver) checkHermeticity(ctx context.Context, t *compileservice.Task, req wire.ExecReq, info compilerinfo.Info) bool {
	if d.Opt.Hermetic == HermeticOff || d.RPC == nil {
		return false
	}
	settings, err := d.RPC.Settings(ctx)
	if err != nil {
		return false
	}
	if settings.CompilerVersion == "" || (info.Version == settings.CompilerVersion && info.BinaryHash == settings.CompilerBinaryHash) {
		return false
	}
	if d.Counters != nil {
		d.Counters.IncMismatch("compiler_version")
	}
	switch d.Opt.Hermetic {
	case HermeticError:
		t.MarkFailed()
		resp := wire.ExecResp{Error: "COMPILER_PROXY_FAILURE: hermetic compiler mismatch", ErrorReason: wire.BackendErrorVersionMismatch}
		d.finish(ctx, t, resp, compileservice.StateFinished)
		return true
	case HermeticFallback:
		d.fallbackOnly(ctx, t, req, ReasonNoRemoteCompileSupported)
		return true
	default:
		return false
	}
}

// uploadInputs chunks, hashes, and stores every input file missing a
// known hash, per spec.md §4.7 step 3 "consult FileHashCache ... upload
// missing content via §4.3 (batched)".
func (d *Driver) uploadInputs(ctx context.Context, req wire.ExecReq) ([]wire.FileRef, error) {
	out := make([]wire.FileRef, len(req.InputBlobs))
	for i, ref := range req.InputBlobs {
		if ref.Hash != "" {
			out[i] = ref
			continue
		}
		hash, err := d.Blob.StoreFile(ctx, ref.Path)
		if err != nil {
			return nil, err
		}
		if d.Counters != nil {
			d.Counters.IncFileUploaded()
		}
		out[i] = wire.FileRef{Path: ref.Path, Hash: hash}
	}
	return out, nil
}

// downloadOutputs downloads every output blob into its destination path,
// budgeted against d.Budget, per spec.md §4.7 step 5.
func (d *Driver) downloadOutputs(ctx context.Context, resp wire.ExecResp) bool {
	for _, ob := range resp.OutputBlobs {
		if d.Budget != nil && !d.Budget.TryAcquire(ob.Size) {
			return false
		}
		sink, serr := blobclient.NewFileSink(ob.Path)
		if serr != nil {
			if d.Budget != nil {
				d.Budget.Release(ob.Size)
			}
			return false
		}
		err := d.Blob.OutputFileBlob(ctx, ob.Hash, sink)
		if d.Budget != nil {
			d.Budget.Release(ob.Size)
		}
		if err != nil {
			return false
		}
		if d.Counters != nil {
			d.Counters.IncFileOutput()
		}
	}
	return true
}

// finish sends the reply via a scheduler hop (so the caller observes the
// "reply on caller's worker" contract from spec.md §9) and retires t. It is
// never called with StateAborted — abort() takes that path directly — so a
// SaveLog entry is only ever shipped for a FINISHED/LOCAL_FINISHED task,
// satisfying spec.md §8 invariant 8.
func (d *Driver) finish(ctx context.Context, t *compileservice.Task, resp wire.ExecResp, state compileservice.State) {
	t.SetState(state)
	if d.Logger != nil {
		d.Logger.Log(ctx, wire.SaveLogReq{TraceID: t.TraceID, State: state.String()})
	}
	hop := func() {
		if d.Reply != nil {
			d.Reply(ctx, t, resp)
		}
		if d.Service != nil {
			d.Service.CompileTaskDone(t)
		}
	}
	if d.Scheduler != nil {
		if err := d.Scheduler.RunClosure(sched.High, hop); err == nil {
			return
		}
	}
	hop()
}

// abort tears down a canceled task per spec.md §5's cancellation order.
func (d *Driver) abort(t *compileservice.Task) {
	t.SetAbort()
	t.SetState(compileservice.StateAborted)
	if d.Service != nil {
		d.Service.CompileTaskDone(t)
	}
}

func envLookup(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}
