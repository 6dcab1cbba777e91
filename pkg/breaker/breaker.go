// Package breaker guards outbound delivery with a three-state circuit
// breaker built on sony/gobreaker.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/zoff-tech/go-eventspool/pkg/logging"
	"github.com/zoff-tech/go-eventspool/pkg/metrics"
)

// ErrOpen is returned by Call when the breaker rejects a request without
// invoking the wrapped function, either because the circuit is open or
// because the half-open probe budget is exhausted.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the breaker thresholds.
type Config struct {
	// Name labels the breaker in logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again. It also caps concurrent half-open
	// probes.
	SuccessThreshold uint32
	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
	// FailureCountResetTimeout is how long a closed breaker retains failure
	// counts before clearing them, so long-ago sporadic failures stop
	// counting toward the trip threshold.
	FailureCountResetTimeout time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		SuccessThreshold:         2,
		OpenTimeout:              30 * time.Second,
		FailureCountResetTimeout: time.Minute,
	}
}

// Stats is a point-in-time snapshot of the breaker.
type Stats struct {
	Name                 string
	State                string
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	FailureThreshold     uint32
	SuccessThreshold     uint32
	OpenTimeout          time.Duration
}

// Breaker wraps gobreaker with manual reset/force-open controls and
// watcher-specific logging and metrics.
type Breaker struct {
	cfg Config

	mu     sync.RWMutex
	cb     *gobreaker.CircuitBreaker[struct{}]
	forced bool
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig(cfg.Name).FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = DefaultConfig(cfg.Name).SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig(cfg.Name).OpenTimeout
	}
	b := &Breaker{cfg: cfg}
	b.cb = b.newInner()
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return b
}

func (b *Breaker) newInner() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: b.cfg.SuccessThreshold,
		Interval:    b.cfg.FailureCountResetTimeout,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// Call invokes fn through the breaker. When the circuit is open (or forced
// open) it returns an error matching ErrOpen without invoking fn. Errors
// returned by fn propagate to the caller after being counted; the breaker
// never swallows a real failure.
func (b *Breaker) Call(fn func() error) error {
	b.mu.RLock()
	cb, forced := b.cb, b.forced
	b.mu.RUnlock()

	if forced {
		return fmt.Errorf("%w (forced)", ErrOpen)
	}

	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return err
}

// Reset forces the breaker back to the closed state with fresh counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.cb = b.newInner()
	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(0)
	logging.Info().Str("breaker", b.cfg.Name).Msg("circuit breaker manually reset")
}

// ForceOpen latches the breaker open until Reset is called. Intended for
// tests and operator overrides; the timed open/half-open cycle does not
// apply while forced.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(2)
	logging.Warn().Str("breaker", b.cfg.Name).Msg("circuit breaker forced open")
}

// State reports the current state name: closed, half-open or open.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forced {
		return gobreaker.StateOpen.String()
	}
	return b.cb.State().String()
}

// Stats returns a snapshot of the breaker's counters and thresholds.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	counts := cb.Counts()
	return Stats{
		Name:                 b.cfg.Name,
		State:                b.State(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		FailureThreshold:     b.cfg.FailureThreshold,
		SuccessThreshold:     b.cfg.SuccessThreshold,
		OpenTimeout:          b.cfg.OpenTimeout,
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
