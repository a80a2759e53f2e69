package gateway

import (
	"errors"
	"sync"
	"time"

	"spot-engine/internal/monitor"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("gateway circuit open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker opens after Threshold consecutive transient failures, rejects calls
// for Cooldown, then admits a single trial call: success closes it, failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    circuitState
	failures int
	openedAt time.Time
	trialing bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = circuitHalfOpen
		b.trialing = true
		return nil
	case circuitHalfOpen:
		if b.trialing {
			return ErrCircuitOpen
		}
		b.trialing = true
	}
	return nil
}

// Success records a call that reached the exchange.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.state != circuitClosed
	b.state = circuitClosed
	b.failures = 0
	b.trialing = false
	if wasOpen {
		monitor.SetCircuitOpen(false)
	}
}

// Failure records a transient failure.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == circuitHalfOpen || b.failures >= b.threshold {
		b.state = circuitOpen
		b.openedAt = b.now()
		b.trialing = false
		monitor.SetCircuitOpen(true)
	}
}

// Release returns an admitted call that ended without a verdict, such as a cancelled
// context or a call that never reached the exchange. A half-open breaker admits the
// next caller as its trial call.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitHalfOpen {
		b.trialing = false
	}
}

// Open reports whether calls are currently being rejected.
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == circuitOpen && b.now().Sub(b.openedAt) < b.cooldown
}
