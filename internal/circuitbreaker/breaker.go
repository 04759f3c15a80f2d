// Package circuitbreaker stops hammering a dependency that keeps failing.
// The gate uses it around settings reads so a broken store costs one fast
// error per request instead of one slow query.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"botgate/gate-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

type State int32

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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker guards a single dependency.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{name: name, config: config, now: time.Now}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Allow reports whether a call may proceed. In half-open only one probe is
// in flight at a time; its outcome must be reported with Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.config.Timeout {
			return fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))
		}
		cb.transitionTo(StateHalfOpen)
		cb.probing = true
		return nil
	default:
		if cb.probing {
			return fmt.Errorf("%w for %s: probe in flight", ErrOpen, cb.name)
		}
		cb.probing = true
		return nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

// Release gives back a call admitted by Allow without recording an outcome,
// for calls abandoned by their caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			log.Info().Str("breaker", cb.name).Msg("circuit breaker recovered")
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			log.Error().Str("breaker", cb.name).Int("failures", cb.failures).Msg("circuit breaker opened")
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		log.Warn().Str("breaker", cb.name).Msg("circuit breaker reopened after half-open failure")
		cb.transitionTo(StateOpen)
	}
}

// transitionTo requires cb.mu.
func (cb *CircuitBreaker) transitionTo(next State) {
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	if next == StateOpen {
		cb.openedAt = cb.now()
	}
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(next))
	metrics.BreakerTransitions.WithLabelValues(cb.name, prev.String(), next.String()).Inc()
	log.Info().Str("breaker", cb.name).Str("old_state", prev.String()).Str("new_state", next.String()).
		Msg("circuit breaker state transition")
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
	}
}
