package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("transport: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker decorates a Transport, failing publishes fast once the
// backend has failed threshold times in a row.
type CircuitBreaker struct {
	next      Transport
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker wraps next. The circuit opens after threshold
// consecutive failures and lets one probe through after timeout.
func NewCircuitBreaker(next Transport, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		next:      next,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if publishes would currently be attempted.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the open to half-open transition. While half-open only the
// caller that made the transition is let through.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	prev := cb.state
	if cb.state == stateHalfOpen || (cb.state == stateClosed && cb.failures >= cb.threshold) {
		cb.state = stateOpen
	}
	if prev != cb.state {
		slog.Warn("rift: transport circuit opened", "failures", cb.failures)
	}
}

func (cb *CircuitBreaker) guard(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Publish implements Transport.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, topic, payload string) error {
	return cb.guard(func() error { return cb.next.Publish(ctx, topic, payload) })
}

func (cb *CircuitBreaker) Subscribe(ctx context.Context, topic string, fn MessageFunc) error {
	return cb.next.Subscribe(ctx, topic, fn)
}

func (cb *CircuitBreaker) Unsubscribe(ctx context.Context, topic string) error {
	return cb.next.Unsubscribe(ctx, topic)
}

func (cb *CircuitBreaker) Close() error {
	return cb.next.Close()
}
