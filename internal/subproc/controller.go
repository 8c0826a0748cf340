// Package subproc implements the subprocess controller (C2): a client that
// multiplexes launch/kill requests over caps enforced by weight and
// priority, with a burst mode used under network or compiler-disabled
// stress, per spec.md §4.2.
package subproc

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("pkg", "subproc")

// minBurstDwell is the minimum time burst mode stays active once entered,
// per spec.md §9's burst-mode hysteresis Open Question (see DESIGN.md):
// without a minimum dwell, a monitor flapping around the triggering
// threshold would thrash the cap semaphores every poll.
const minBurstDwell = 30 * time.Second

// Weight classifies how much of the global cap a subprocess consumes.
type Weight int

const (
	Light Weight = iota
	Heavy
)

// Priority is recorded per request. Only PriorityLow affects admission: such
// a request also takes a slot under MaxLowPriority. Admission is not ordered
// by priority; waiting Register calls are admitted in semaphore order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
	PriorityHighest
)

// State is the per-child lifecycle, per spec.md §4.2.
type State int

const (
	StateSetup State = iota
	StatePending
	StateRun
	StateFinished
	StateSignaled
)

// Request describes one subprocess to launch (spec.md §3 "SubProcReq").
type Request struct {
	Weight    Weight
	Priority  Priority
	Args      []string
	Env       []string
	Cwd       string
	Detach    bool
	NoKill    bool // forced by the no-kill list, never actually killed
	StdoutCap string
	StderrCap string
}

// Result is delivered to a request's callback on completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Signaled bool
	Err      error
}

// Caps bounds concurrent subprocesses by total count, low-priority count,
// and heavy-weight count.
type Caps struct {
	MaxTotal       int64
	MaxLowPriority int64
	MaxHeavy       int64
}

// Launcher is the privileged-exec boundary. The shipped DirectLauncher
// spawns via os/exec; an out-of-process helper (the "sibling server
// process" of spec.md §4.2) can be substituted by implementing this
// interface — see SPEC_FULL.md C2.
type Launcher interface {
	Launch(ctx context.Context, req Request) (*exec.Cmd, error)
}

// Controller is the in-process client side of the subprocess boundary.
type Controller struct {
	launcher Launcher

	mu             sync.Mutex
	normal         Caps
	burst          Caps
	bursting       bool
	burstEnteredAt time.Time
	burstDwell     time.Duration
	noKillSet      map[string]bool

	total *semaphore.Weighted
	heavy *semaphore.Weighted
	low   *semaphore.Weighted

	nextID  int64
	running map[int64]*child
}

type child struct {
	id     int64
	req    Request
	state  State
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// New creates a Controller with normal caps and a disjoint burst cap set.
func New(launcher Launcher, normal, burst Caps, noKillBasenames []string) *Controller {
	c := &Controller{
		launcher:   launcher,
		normal:     normal,
		burst:      burst,
		burstDwell: minBurstDwell,
		noKillSet:  make(map[string]bool, len(noKillBasenames)),
		running:    make(map[int64]*child),
	}
	for _, n := range noKillBasenames {
		c.noKillSet[n] = true
	}
	c.rebuildSemaphores(normal)
	return c
}

func (c *Controller) rebuildSemaphores(caps Caps) {
	c.total = semaphore.NewWeighted(maxOf(caps.MaxTotal, 1))
	c.heavy = semaphore.NewWeighted(maxOf(caps.MaxHeavy, 1))
	c.low = semaphore.NewWeighted(maxOf(caps.MaxLowPriority, 1))
}

func maxOf(v, min int64) int64 {
	if v < min {
		return min
	}
	return v
}

// SetBurst enters or leaves burst mode, swapping in the burst cap
// semaphores. Semaphores can't be resized in place, so entering/leaving
// burst rebuilds them fresh — new admissions see the new caps immediately;
// already-admitted subprocesses are unaffected.
//
// Leaving burst mode is refused until minBurstDwell has elapsed since it
// was entered — the caller (a periodic stress monitor) is expected to call
// SetBurst(false) again on its next tick, at which point the dwell will
// have passed. This prevents caps from flapping when the triggering
// condition hovers right at the threshold.
func (c *Controller) SetBurst(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.bursting {
		return
	}
	if !on && time.Since(c.burstEnteredAt) < c.burstDwell {
		return
	}
	c.bursting = on
	if on {
		c.burstEnteredAt = time.Now()
		c.rebuildSemaphores(c.burst)
		log.Info("entering burst mode")
	} else {
		c.rebuildSemaphores(c.normal)
		log.Info("leaving burst mode")
	}
}

// SetBurstDwell overrides the minimum burst dwell time (default
// minBurstDwell); tests and SPEC_FULL.md's startup-options wiring use this
// to make the hysteresis window operator-configurable.
func (c *Controller) SetBurstDwell(d time.Duration) {
	c.mu.Lock()
	c.burstDwell = d
	c.mu.Unlock()
}

// Bursting reports whether burst-mode caps are currently active.
func (c *Controller) Bursting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bursting
}

// Register admits req under the current caps (blocking on ctx) and returns
// an id identifying the child for Start/RequestRun/Kill.
func (c *Controller) Register(ctx context.Context, req Request) (int64, error) {
	if err := c.total.Acquire(ctx, 1); err != nil {
		return 0, errors.Wrap(err, "acquire total subprocess slot")
	}
	if req.Weight == Heavy {
		if err := c.heavy.Acquire(ctx, 1); err != nil {
			c.total.Release(1)
			return 0, errors.Wrap(err, "acquire heavy subprocess slot")
		}
	}
	if req.Priority == PriorityLow {
		if err := c.low.Acquire(ctx, 1); err != nil {
			c.total.Release(1)
			if req.Weight == Heavy {
				c.heavy.Release(1)
			}
			return 0, errors.Wrap(err, "acquire low-priority subprocess slot")
		}
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	ch := &child{id: id, req: req, state: StateSetup}
	c.running[id] = ch
	c.mu.Unlock()
	return id, nil
}

// Start launches the registered child at normal priority.
func (c *Controller) Start(ctx context.Context, id int64) (<-chan Result, error) {
	c.mu.Lock()
	ch, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("subproc: unknown id %d", id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch.cancel = cancel
	ch.state = StatePending

	resultCh := make(chan Result, 1)
	go func() {
		cmd, err := c.launcher.Launch(runCtx, ch.req)
		if err != nil {
			c.release(ch)
			resultCh <- Result{Err: err}
			return
		}
		ch.cmd = cmd
		ch.state = StateRun

		err = cmd.Wait()
		signaled := runCtx.Err() != nil
		c.release(ch)
		if signaled {
			ch.state = StateSignaled
			// A SIGNALED task still produces an authoritative terminated
			// callback — the caller must treat it as final, not retry it
			// silently.
			resultCh <- Result{Signaled: true, Err: err}
			return
		}
		ch.state = StateFinished
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			resultCh <- Result{Err: err}
			return
		}
		resultCh <- Result{ExitCode: exitCode}
	}()
	return resultCh, nil
}

// RequestRun sets a registered child's recorded priority to
// PriorityHighest. The child was already admitted by Register, so this
// does not change when it starts or runs.
func (c *Controller) RequestRun(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.running[id]
	if !ok {
		return errors.Errorf("subproc: unknown id %d", id)
	}
	ch.req.Priority = PriorityHighest
	return nil
}

// Kill terminates a running child, unless its basename is on the no-kill
// list, in which case it is detached instead (empirical workaround for
// child-of-child hangs, per spec.md §4.2).
func (c *Controller) Kill(id int64) error {
	c.mu.Lock()
	ch, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("subproc: unknown id %d", id)
	}
	if c.isNoKill(ch.req) {
		log.WithField("id", id).Info("no-kill list hit, detaching instead of killing")
		return nil
	}
	if ch.cancel != nil {
		ch.cancel()
	}
	if ch.cmd != nil && ch.cmd.Process != nil {
		return ch.cmd.Process.Kill()
	}
	return nil
}

func (c *Controller) isNoKill(req Request) bool {
	if len(req.Args) == 0 {
		return false
	}
	return c.noKillSet[basename(req.Args[0])]
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func (c *Controller) release(ch *child) {
	c.mu.Lock()
	delete(c.running, ch.id)
	c.mu.Unlock()
	c.total.Release(1)
	if ch.req.Weight == Heavy {
		c.heavy.Release(1)
	}
	if ch.req.Priority == PriorityLow {
		c.low.Release(1)
	}
}

// SetOption adjusts the live (normal) caps without affecting in-flight
// subprocesses, mirroring spec.md §4.2 "SetOption adjusts caps live".
func (c *Controller) SetOption(normal Caps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.normal = normal
	if !c.bursting {
		c.rebuildSemaphores(normal)
	}
}

// RunningCount reports the number of subprocesses currently registered
// (any lifecycle state from SETUP through RUN), for `/statz` and
// `/threadz`.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}
