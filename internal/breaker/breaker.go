// Package breaker implements a small three-state circuit breaker used
// to shed load from a failing shared store.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Options struct {
	// Threshold is the number of consecutive failures within Window
	// that opens the breaker.
	Threshold int

	// Window bounds how long a failure streak stays relevant. A streak
	// whose first failure has aged out resets before counting anew.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting a
	// single probe.
	Cooldown time.Duration

	// OnStateChange fires outside the lock on every transition.
	OnStateChange func(from, to State)

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu         sync.Mutex
	state      State
	failures   int
	streakFrom time.Time
	openedAt   time.Time
	probing    bool

	threshold int
	window    time.Duration
	cooldown  time.Duration
	onChange  func(from, to State)
	now       func() time.Time
}

func New(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 10
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		threshold: opts.Threshold,
		window:    opts.Window,
		cooldown:  opts.Cooldown,
		onChange:  opts.OnStateChange,
		now:       opts.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, then admits exactly one probe in the
// half-open state; concurrent callers during the probe are refused.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false
		}
		notify = b.transition(StateHalfOpen)
		b.probing = true
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
		return true
	default: // half-open
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true
	}
}

// Success records a successful call. A half-open probe success closes
// the breaker and clears the failure streak.
func (b *Breaker) Success() {
	b.mu.Lock()
	var notify func()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Failure records a failed call. A half-open probe failure reopens
// immediately; in the closed state the breaker opens once the streak
// reaches the threshold within the window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	var notify func()
	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.openedAt = now
		notify = b.transition(StateOpen)
	case StateClosed:
		if b.failures == 0 || now.Sub(b.streakFrom) > b.window {
			b.failures = 0
			b.streakFrom = now
		}
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = now
			notify = b.transition(StateOpen)
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held; the returned func runs
// the change hook and must be invoked after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if b.onChange == nil || from == to {
		return nil
	}
	return func() { b.onChange(from, to) }
}
