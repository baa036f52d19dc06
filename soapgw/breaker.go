package soapgw

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the endpoint breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probe calls allowed
)

// ErrEndpointOpen is returned when the breaker for an endpoint is open.
type ErrEndpointOpen struct {
	Endpoint string
}

func (e *ErrEndpointOpen) Error() string {
	return fmt.Sprintf("dhpo endpoint %s: circuit open", e.Endpoint)
}

// Breaker trips per DHPO endpoint so one unreachable portal host cannot
// stall polling of the remaining facilities. Thread-safe.
type Breaker struct {
	mu           sync.Mutex
	endpoints    map[string]*endpointState
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
}

type endpointState struct {
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the failure count that opens an endpoint.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerResetTimeout sets the open-to-half-open delay.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker creates a per-endpoint breaker: 5 failures to open, 30s reset,
// 2 half-open successes to close.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		endpoints:    make(map[string]*endpointState),
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state for an endpoint.
func (b *Breaker) State(endpoint string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(endpoint).state
}

// Allow reports whether a call to the endpoint may proceed.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(endpoint).state != BreakerOpen
}

// RecordSuccess notes a successful call to the endpoint.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(endpoint)
	switch s.state {
	case BreakerHalfOpen:
		s.successes++
		if s.successes >= b.halfOpenMax {
			s.state = BreakerClosed
			s.failures = 0
			s.successes = 0
		}
	case BreakerClosed:
		s.failures = 0
	}
}

// RecordFailure notes a failed call to the endpoint.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(endpoint)
	s.lastFailure = b.now()
	switch s.state {
	case BreakerClosed:
		s.failures++
		if s.failures >= b.threshold {
			s.state = BreakerOpen
		}
	case BreakerHalfOpen:
		s.state = BreakerOpen
		s.successes = 0
	}
}

// get must be called with mu held; it also handles the open-to-half-open
// transition.
func (b *Breaker) get(endpoint string) *endpointState {
	s, ok := b.endpoints[endpoint]
	if !ok {
		s = &endpointState{state: BreakerClosed}
		b.endpoints[endpoint] = s
	}
	if s.state == BreakerOpen && b.now().Sub(s.lastFailure) >= b.resetTimeout {
		s.state = BreakerHalfOpen
		s.successes = 0
	}
	return s
}
