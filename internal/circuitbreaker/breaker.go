// Package circuitbreaker guards a sink so that a sink which keeps failing
// fails fast instead of holding every record for the full write timeout.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = 0
	HalfOpen State = 1
	Open     State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is matched by every error returned from Allow.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Allow while the breaker rejects writes.
type OpenError struct {
	Sink       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v (retry in %s)", e.Sink, ErrOpen, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config holds circuit breaker configuration.
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// DefaultConfig returns the thresholds used when a sink enables a breaker
// without tuning it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// withDefaults fills unset thresholds from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// Breaker is a three-state circuit breaker for one named sink.
// In the half-open state a single probe write is admitted at a time.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	probing          bool
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	clock            func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) {
		b.clock = clock
	}
}

// New creates a breaker for the named sink.
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:             name,
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the sink the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a write may proceed. It returns an *OpenError while
// the breaker is open, or while a half-open probe is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.resetTimeout {
			return &OpenError{Sink: b.name, RetryAfter: b.resetTimeout - elapsed}
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return &OpenError{Sink: b.name}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds the result of an admitted write back into the breaker.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.RecordFailure()
		return
	}
	b.RecordSuccess()
}

// RecordSuccess records a successful write.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure records a failed write.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clock()
	b.successes = 0
	b.probing = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counts.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}
