package gateway

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

// ErrBreakerOpen reports that the circuit is open and the call was not
// attempted.
var ErrBreakerOpen = errors.New("circuit breaker open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero fields fall back to the defaults noted
// on each field.
type BreakerConfig struct {
	WindowSize       int           // sliding window length, default 10
	FailureRate      float64       // open at this failure share of the window, default 0.5
	MinCalls         int           // outcomes required before a verdict, default 5
	Cooldown         time.Duration // open duration before probing, default 30s
	HalfOpenMax      int           // concurrent probes while half-open, default 2
	SuccessThreshold int           // probe successes required to close, default 2
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = 0.5
	}
	if c.MinCalls <= 0 {
		c.MinCalls = 5
	}
	if c.MinCalls > c.WindowSize {
		c.MinCalls = c.WindowSize
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 2
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker is a count-based sliding-window circuit breaker. While closed it
// tracks the outcome of the last WindowSize calls and opens once the failure
// share reaches FailureRate (after at least MinCalls outcomes). After
// Cooldown it admits up to HalfOpenMax probes; SuccessThreshold probe
// successes close the circuit again, any probe failure reopens it.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	window         []bool // true marks a failure
	pos            int
	filled         int
	failures       int
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
}

// NewBreaker builds a breaker named after the upstream service it guards.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		window: make([]bool, cfg.WindowSize),
	}
	telemetry.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. It returns ErrBreakerOpen when
// the circuit blocks the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.probesInFlight = 1
		b.probeSuccesses = 0
		return nil
	default: // StateHalfOpen
		if b.probesInFlight >= b.cfg.HalfOpenMax {
			return ErrBreakerOpen
		}
		b.probesInFlight++
		return nil
	}
}

// RecordSuccess feeds a successful call outcome into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.record(false)
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.SuccessThreshold {
			b.resetWindow()
			b.setState(StateClosed)
		}
	}
}

// RecordIgnored releases the admission for an outcome that says nothing
// about service health, such as a well-formed rejection of a bad request.
// Without this a half-open probe answered with a 4xx would hold its slot
// forever.
func (b *Breaker) RecordIgnored() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// RecordFailure feeds a failed call outcome into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.record(true)
		if b.filled >= b.cfg.MinCalls && float64(b.failures)/float64(b.filled) >= b.cfg.FailureRate {
			b.openedAt = time.Now()
			b.resetWindow()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.probesInFlight = 0
		b.probeSuccesses = 0
		b.setState(StateOpen)
	case StateOpen:
		// Late outcome from a call admitted before the trip; the cooldown
		// clock is already running.
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) record(failure bool) {
	if b.filled == len(b.window) {
		if b.window[b.pos] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.pos] = failure
	if failure {
		b.failures++
	}
	b.pos = (b.pos + 1) % len(b.window)
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.pos = 0
	b.filled = 0
	b.failures = 0
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	telemetry.BreakerState.WithLabelValues(b.name).Set(float64(next))
	b.logger.Info("circuit breaker state changed",
		zap.String("service", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
}
