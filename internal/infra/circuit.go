package infra

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is refused without touching the network.
type CircuitOpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	secs := int(math.Ceil(e.RetryIn.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%s temporarily unavailable, retry in %ds", e.Name, secs)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes to close.
	SuccessThreshold int

	// RecoveryTimeout is measured from the last failure before a half-open trial.
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker implements the circuit breaker pattern.
//
// Only open may move to half_open, and only once RecoveryTimeout has elapsed
// since the last failure. Only half_open may close or reopen. While half_open,
// a single trial call is admitted at a time.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	trialInFlight   bool
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: config.Now(),
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// CheckState reports whether a call may proceed. It fails fast with a
// *CircuitOpenError while open, and while a half-open trial is in flight.
func (cb *CircuitBreaker) CheckState() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := cb.config.Now().Sub(cb.lastFailure)
		if elapsed < cb.config.RecoveryTimeout {
			return &CircuitOpenError{Name: cb.config.Name, RetryIn: cb.config.RecoveryTimeout - elapsed}
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.trialInFlight = true
		return nil

	case CircuitHalfOpen:
		if cb.trialInFlight {
			return &CircuitOpenError{Name: cb.config.Name}
		}
		cb.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.trialInFlight = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.config.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		cb.trialInFlight = false
		cb.transitionTo(CircuitOpen)

	case CircuitOpen:
		cb.failures++
	}
}

// Release gives up an admitted call without an outcome, such as when the
// caller cancelled it. A half-open trial slot is freed; counters are untouched.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = cb.config.Now()
	cb.successes = 0
	if newState != CircuitOpen {
		cb.failures = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:             cb.config.Name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		LastFailure:      cb.lastFailure,
		LastStateChange:  cb.lastStateChange,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout,
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
}

// CircuitBreakerStats contains statistics about a circuit breaker.
type CircuitBreakerStats struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	Failures         int           `json:"failures"`
	Successes        int           `json:"successes"`
	LastFailure      time.Time     `json:"last_failure"`
	LastStateChange  time.Time     `json:"last_state_change"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// CircuitBreakerRegistry holds one breaker per provider.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with default config.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	defaults.applyDefaults()
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates a circuit breaker with the given name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the named breaker without creating it.
func (r *CircuitBreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Stats returns statistics for all circuit breakers, sorted by name.
func (r *CircuitBreakerRegistry) Stats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// OpenCircuits returns names of all open circuit breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll resets all circuit breakers to closed state.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
