// Package circuitbreaker stops dispatches to an agent binding that
// keeps failing, giving the backing CLI time to recover instead of
// burning retries against it.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/metrics"
)

// State is the breaker position.
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

var (
	// ErrOpen rejects calls while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects calls beyond the half-open probe
	// allowance.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	// MaxRequests bounds concurrent probes in the half-open state.
	MaxRequests uint32
	// Interval resets the closed-state counters; zero keeps them
	// forever.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold uint32
	OnStateChange    func(name string, from, to State)
}

// DefaultConfig mirrors the built-in breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// FromConfig maps the loaded breaker section onto a Config, falling
// back to defaults for unset values.
func FromConfig(bc config.BreakerConfig) Config {
	cfg := DefaultConfig()
	if bc.MaxRequests > 0 {
		cfg.MaxRequests = uint32(bc.MaxRequests)
	}
	if bc.IntervalSeconds > 0 {
		cfg.Interval = time.Duration(bc.IntervalSeconds) * time.Second
	}
	if bc.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(bc.TimeoutSeconds) * time.Second
	}
	if bc.MaxFailures > 0 {
		cfg.FailureThreshold = uint32(bc.MaxFailures)
	}
	if bc.SuccessThreshold > 0 {
		cfg.SuccessThreshold = uint32(bc.SuccessThreshold)
	}
	return cfg
}

// Counts holds request statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker is a generation-counted circuit breaker. Results from a
// previous generation are discarded so a stale success cannot close a
// breaker that has since tripped.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		config: cfg,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(cfg.Interval),
	}
	metrics.SetBreakerState(name, int(StateClosed))
	return b
}

// Execute runs fn when the breaker admits the call. A panic in fn
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

// State returns the breaker position, advancing open to half-open
// when the timeout has passed.
func (b *Breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns the current generation's statistics.
func (b *Breaker) Counts() Counts {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.counts
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	// A result from an earlier generation carries no signal.
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		if b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	metrics.SetBreakerState(b.name, int(state))
	if state == StateOpen {
		metrics.RecordBreakerTrip(b.name)
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	var zero time.Time
	switch b.state {
	case StateClosed:
		if b.config.Interval == 0 {
			b.expiry = zero
		} else {
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	default: // StateHalfOpen
		b.expiry = zero
	}
}
