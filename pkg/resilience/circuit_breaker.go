package resilience

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned by providers that answered 429. RetryAfter is
// the provider's requested back-off, zero when it sent none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops submissions to a provider after consecutive rate
// limit failures. Once the cooldown passes a single trial call is let
// through per cooldown window; a rate limit on the trial reopens the breaker.
type CircuitBreaker struct {
	mu         sync.Mutex
	state      BreakerState
	failures   int
	threshold  int
	cooldown   time.Duration
	openUntil  time.Time
	trialUntil time.Time
	now        func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// SetClock replaces the time source used for the cooldown.
func (c *CircuitBreaker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch c.state {
	case BreakerOpen:
		if now.Before(c.openUntil) {
			return false
		}
		c.state = BreakerHalfOpen
		c.trialUntil = now.Add(c.cooldown)
		return true
	case BreakerHalfOpen:
		// A trial that never reported back frees its slot after one window.
		if now.Before(c.trialUntil) {
			return false
		}
		c.trialUntil = now.Add(c.cooldown)
		return true
	}
	return true
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures is the current run of consecutive rate limit errors.
func (c *CircuitBreaker) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.mu.Unlock()
}

// OnError counts rate limits. Any other error still proves the provider is
// answering, so it closes a half-open breaker.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var rl RateLimitError
	if !errors.As(err, &rl) {
		if c.state == BreakerHalfOpen {
			c.state = BreakerClosed
		}
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		wait := c.cooldown
		if rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		c.state = BreakerOpen
		c.openUntil = c.now().Add(wait)
	}
}
