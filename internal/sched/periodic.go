package sched

import "time"

// periodicClosure reschedules itself after every firing, the same
// one-shot-then-reschedule shape as the teacher's jobs.kickExpire
// (fs/rc/jobs: TestJobsKickExpire), rather than a raw ticker — this keeps
// jitter independent between firings and lets stop() take effect between
// any two firings instead of only on a ticker boundary.
type periodicClosure struct {
	sched    *Scheduler
	interval time.Duration
	closure  Closure

	timer *time.Timer
	done  chan struct{}
}

func newPeriodicClosure(s *Scheduler, interval time.Duration, c Closure) *periodicClosure {
	return &periodicClosure{
		sched:    s,
		interval: interval,
		closure:  c,
		done:     make(chan struct{}),
	}
}

func (pc *periodicClosure) start() {
	pc.timer = time.AfterFunc(jitter(pc.interval), pc.fire)
}

func (pc *periodicClosure) fire() {
	select {
	case <-pc.done:
		return
	default:
	}
	_ = pc.sched.RunClosure(Med, pc.closure)
	select {
	case <-pc.done:
	default:
		pc.timer.Reset(jitter(pc.interval))
	}
}

func (pc *periodicClosure) stop() {
	close(pc.done)
	if pc.timer != nil {
		pc.timer.Stop()
	}
}
