// Package breaker suppresses repeated notifications for a flapping service.
// This is not the classic upstream-failure breaker: it trips on alert-open
// volume, not on error ratios.
package breaker

import (
	"log"
	"sync"
	"time"
)

// State of a per-service breaker.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// serviceState tracks alert-open events for one service.
type serviceState struct {
	opens     []time.Time // alert-open events inside the sliding window
	openUntil time.Time   // zero when closed
	trips     int         // suppressed-send counter while open
}

// CircuitBreaker is a per-service trip/reset guard in front of the
// notification dispatcher. State is process-local; it survives for the
// process lifetime, which matches the single active worker this service
// assumes.
type CircuitBreaker struct {
	threshold int           // alert-opens within window that trip the breaker
	window    time.Duration // sliding window
	cooldown  time.Duration // open duration before reset

	mu       sync.Mutex
	services map[uint]*serviceState

	now func() time.Time
}

// New creates a breaker that trips after threshold alert-open events within
// window, and resets after cooldown.
func New(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		services:  make(map[uint]*serviceState),
		now:       time.Now,
	}
}

// Allow records an alert-open event for the service and reports whether the
// resulting notification may be sent. While open, sends are suppressed and
// the trip counter increments; after the cool-down elapses the breaker
// resets to closed and the event passes through. There is no half-open probe
// state: one pass after cool-down is sufficient.
func (b *CircuitBreaker) Allow(serviceID uint) bool {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.services[serviceID]
	if !ok {
		s = &serviceState{}
		b.services[serviceID] = s
	}

	// Cool-down elapsed: reset to closed
	if !s.openUntil.IsZero() && now.After(s.openUntil) {
		s.openUntil = time.Time{}
		s.opens = nil
		log.Printf("Circuit breaker for service %d reset after cool-down", serviceID)
	}

	if !s.openUntil.IsZero() {
		s.trips++
		return false
	}

	// Slide the window and record this open event
	cutoff := now.Add(-b.window)
	kept := s.opens[:0]
	for _, t := range s.opens {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.opens = append(kept, now)

	if len(s.opens) >= b.threshold {
		s.openUntil = now.Add(b.cooldown)
		s.opens = nil
		log.Printf("Circuit breaker tripped for service %d (%d alert-opens within %v)", serviceID, b.threshold, b.window)
		// The event that trips the breaker is still delivered; suppression
		// starts with the next one.
		return true
	}

	return true
}

// State returns the breaker state for a service.
func (b *CircuitBreaker) State(serviceID uint) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.services[serviceID]
	if !ok || s.openUntil.IsZero() || b.now().After(s.openUntil) {
		return StateClosed
	}
	return StateOpen
}

// TripCount returns the number of notifications suppressed for a service
// while its breaker was open.
func (b *CircuitBreaker) TripCount(serviceID uint) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.services[serviceID]; ok {
		return s.trips
	}
	return 0
}
