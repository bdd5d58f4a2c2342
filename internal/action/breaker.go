package action

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when calls to a host are being short-circuited.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the state of one host's breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// hostBreaker trips after a run of consecutive failures against one host.
type hostBreaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// BreakerSet keeps one breaker per outbound host. It is safe for
// concurrent use.
type BreakerSet struct {
	mu        sync.Mutex
	hosts     map[string]*hostBreaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(host string, state BreakerState)
}

// NewBreakerSet creates a set that opens a host after threshold consecutive
// failures and probes it again after cooldown.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerSet{
		hosts:     make(map[string]*hostBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers a callback invoked whenever a host changes state.
func (b *BreakerSet) OnStateChange(fn func(host string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call to host may proceed.
func (b *BreakerSet) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hb := b.get(host)
	switch hb.state {
	case BreakerOpen:
		if b.now().Sub(hb.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.set(host, hb, BreakerHalfOpen)
		hb.probing = true
		return nil
	case BreakerHalfOpen:
		if hb.probing {
			return ErrBreakerOpen
		}
		hb.probing = true
	}
	return nil
}

// Success records a healthy response from host.
func (b *BreakerSet) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hb := b.get(host)
	hb.failures = 0
	hb.probing = false
	if hb.state != BreakerClosed {
		b.set(host, hb, BreakerClosed)
	}
}

// Failure records a failed call to host.
func (b *BreakerSet) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hb := b.get(host)
	hb.probing = false
	switch hb.state {
	case BreakerHalfOpen:
		hb.openedAt = b.now()
		b.set(host, hb, BreakerOpen)
	case BreakerClosed:
		hb.failures++
		if hb.failures >= b.threshold {
			hb.openedAt = b.now()
			b.set(host, hb, BreakerOpen)
		}
	}
}

// State returns the current state for host.
func (b *BreakerSet) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(host).state
}

func (b *BreakerSet) get(host string) *hostBreaker {
	hb, ok := b.hosts[host]
	if !ok {
		hb = &hostBreaker{}
		b.hosts[host] = hb
	}
	return hb
}

// set must be called with the lock held.
func (b *BreakerSet) set(host string, hb *hostBreaker, state BreakerState) {
	hb.state = state
	if state == BreakerClosed {
		hb.failures = 0
	}
	if b.onChange != nil {
		b.onChange(host, state)
	}
}
