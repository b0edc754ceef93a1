package resilience

import (
	"sync"
	"time"

	"github.com/llmhive/llmhive/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited probe requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (usually the backend name)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before allowing probes
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes that must succeed in order
	// for a half-open circuit to close
	HalfOpenMax int

	// Logger for state transitions
	Logger core.Logger

	// Clock is overridable for tests; defaults to time.Now
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns the documented defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		HalfOpenMax:      2,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker is a per-backend three-state failure isolator.
//
// State machine:
//   - closed -> open when consecutive failures reach FailureThreshold
//   - open -> half_open once ResetTimeout has elapsed since opening
//   - half_open -> closed after HalfOpenMax probes succeed in order
//   - half_open -> open on the first probe failure
//
// An open circuit can never transition directly to closed.
// Cancelled calls count as neither success nor failure.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastOpenAt          time.Time
	probesRemaining     int // successes still needed to close from half_open
	probesInFlight      int
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 2
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// CanExecute reports whether a call may proceed, reserving a probe slot
// when the circuit is half-open. An open circuit whose reset timeout has
// elapsed transitions to half-open here.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.config.Clock().Sub(cb.lastOpenAt) >= cb.config.ResetTimeout {
			cb.transition(StateHalfOpen)
			cb.probesRemaining = cb.config.HalfOpenMax
			cb.probesInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probesInFlight < cb.probesRemaining {
			cb.probesInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.probesRemaining--
		if cb.probesRemaining <= 0 {
			cb.transition(StateClosed)
			cb.consecutiveFailures = 0
		}
	}
}

// RecordFailure records a failed call. Rate-limit rejections should not be
// reported here; they are throttling, not backend failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
			cb.lastOpenAt = cb.config.Clock()
		}
	case StateHalfOpen:
		// First probe failure re-opens the circuit.
		cb.probesInFlight = 0
		cb.transition(StateOpen)
		cb.lastOpenAt = cb.config.Clock()
	}
}

// RecordCancelled releases a reserved probe slot without counting the call
// as success or failure.
func (cb *CircuitBreaker) RecordCancelled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// transition changes state and logs it. Caller must hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_state_change",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})
}
