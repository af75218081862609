package dispatch

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type destinationState struct {
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker stops hammering a destination (webhook URL, SMTP host)
// that keeps failing. One probe is allowed through after the cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*destinationState
	threshold int
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*destinationState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (cb *CircuitBreaker) Allow(destination string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		return nil
	}

	switch s.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = breakerHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case breakerHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(destination string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		return
	}
	s.state = breakerClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(destination string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[destination]
	if !ok {
		s = &destinationState{}
		cb.states[destination] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = breakerOpen
		s.openedAt = time.Now()
	}
}
