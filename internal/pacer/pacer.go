// Package pacer implements the attack/decay retry-backoff calculator used
// by the Remote RPC Client (C5), grounded directly on the teacher's
// lib/pacer — the exported shape (minSleep/maxSleep/decayConstant/
// attackConstant, Default.Calculate, Pacer.Call) mirrors
// lib/pacer/pacer_test.go.
package pacer

import (
	"sync"
	"time"
)

// State carries the sleep-time/retry-count the Calculator adjusts on
// every call outcome.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries uint
}

// Calculator computes the next sleep time given the current State.
type Calculator interface {
	Calculate(State) time.Duration
}

// Default is the attack/decay calculator: on success it decays the sleep
// time toward minSleep; on failure it attacks it toward maxSleep.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// DefaultOption configures a Default calculator.
type DefaultOption func(*Default)

// MinSleep sets the floor sleep time.
func MinSleep(d time.Duration) DefaultOption { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the ceiling sleep time.
func MaxSleep(d time.Duration) DefaultOption { return func(c *Default) { c.maxSleep = d } }

// DecayConstant sets how aggressively sleep time decays on success.
func DecayConstant(v uint) DefaultOption { return func(c *Default) { c.decayConstant = v } }

// AttackConstant sets how aggressively sleep time grows on failure.
func AttackConstant(v uint) DefaultOption { return func(c *Default) { c.attackConstant = v } }

// NewDefault creates a Default calculator with sane defaults, overridden by
// opts.
func NewDefault(opts ...DefaultOption) *Default {
	c := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Calculate implements Calculator.
func (c *Default) Calculate(s State) time.Duration {
	if s.ConsecutiveRetries == 0 {
		// Decay toward minSleep: sleep -= sleep / 2^decayConstant.
		if c.decayConstant == 0 {
			return c.minSleep
		}
		next := s.SleepTime - s.SleepTime>>c.decayConstant
		if next < c.minSleep {
			next = c.minSleep
		}
		return next
	}
	// Attack toward maxSleep: sleep += sleep / 2^attackConstant.
	if c.attackConstant == 0 {
		return c.maxSleep
	}
	next := s.SleepTime + s.SleepTime>>c.attackConstant
	if next > c.maxSleep {
		next = c.maxSleep
	}
	return next
}

// Pacer throttles and retries calls, pacing concurrent callers through a
// single-token channel and an optional connection-count limiter.
type Pacer struct {
	mu             sync.Mutex
	pacer          chan struct{}
	connTokens     chan struct{}
	maxConnections int
	retries        int
	calculator     Calculator
	state          State
}

// Option configures a new Pacer.
type Option func(*Pacer)

// RetriesOption sets the maximum retry count.
func RetriesOption(n int) Option { return func(p *Pacer) { p.retries = n } }

// MaxConnectionsOption caps concurrent in-flight calls; 0 means unlimited.
func MaxConnectionsOption(n int) Option { return func(p *Pacer) { p.SetMaxConnections(n) } }

// CalculatorOption overrides the backoff calculator.
func CalculatorOption(c Calculator) Option { return func(p *Pacer) { p.calculator = c } }

// New creates a Pacer with a single initial pacing token available.
func New(opts ...Option) *Pacer {
	d := NewDefault()
	p := &Pacer{
		pacer:      make(chan struct{}, 1),
		retries:    3,
		calculator: d,
		state:      State{SleepTime: d.minSleep},
	}
	p.pacer <- struct{}{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetMaxConnections changes the connection-token pool size.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// SetRetries changes the maximum retry count.
func (p *Pacer) SetRetries(n int) { p.mu.Lock(); p.retries = n; p.mu.Unlock() }

// beginCall waits for a pacing token and, if connection limiting is on, a
// connection token too.
func (p *Pacer) beginCall() {
	<-p.pacer
	if p.connTokens != nil {
		<-p.connTokens
	}
}

func (p *Pacer) endCall(retry bool) {
	p.mu.Lock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
	sleep := p.state.SleepTime
	p.mu.Unlock()

	if p.connTokens != nil {
		p.connTokens <- struct{}{}
	}
	time.AfterFunc(sleep, func() {
		select {
		case p.pacer <- struct{}{}:
		default:
		}
	})
}

// Fn is a unit of work that reports whether it should be retried and an
// error, mirroring the teacher's pacer.Call(func() (bool, error)) shape.
type Fn func() (retry bool, err error)

// Call runs fn, retrying with backoff up to the configured retry count
// whenever fn reports retry == true.
func (p *Pacer) Call(fn Fn) error {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		p.beginCall()
		retry, err := fn()
		p.endCall(retry)
		if !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}
