package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
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

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slots are taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxRequests bounds concurrent probes while half-open.
	MaxRequests   uint32
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// CircuitBreaker stops calling a failing dependency for Timeout after
// FailureThreshold consecutive errors, then lets probes through.
type CircuitBreaker struct {
	name     string
	settings Settings

	mu              sync.Mutex
	state           State
	expiry          time.Time
	halfOpen        uint32
	consecutiveFail uint32
	consecutiveSucc uint32
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = def.MaxRequests
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &CircuitBreaker{name: name, settings: settings}
}

// Execute runs fn unless the circuit is open. A cancelled context is not
// counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil || ctx.Err() != nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.settings.Now())
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState(cb.settings.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpen >= cb.settings.MaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpen++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.settings.Now()
	state := cb.currentState(now)
	if state == StateHalfOpen && cb.halfOpen > 0 {
		cb.halfOpen--
	}

	if success {
		cb.consecutiveFail = 0
		cb.consecutiveSucc++
		if state == StateHalfOpen && cb.consecutiveSucc >= cb.settings.SuccessThreshold {
			cb.setState(StateClosed)
		}
		return
	}
	cb.consecutiveSucc = 0
	cb.consecutiveFail++
	// Any half-open failure reopens immediately.
	if state == StateHalfOpen || cb.consecutiveFail >= cb.settings.FailureThreshold {
		cb.expiry = now.Add(cb.settings.Timeout)
		cb.setState(StateOpen)
	}
}

// currentState moves Open to HalfOpen once the timeout has passed. Callers
// hold mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.halfOpen = 0
	cb.consecutiveFail = 0
	cb.consecutiveSucc = 0
	if cb.settings.OnStateChange != nil {
		go cb.settings.OnStateChange(cb.name, from, to)
	}
}
