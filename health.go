package creditledger

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState is the circuit breaker state of a generator model.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthHalfOpen  HealthState = "half_open"
)

// HealthTracker tracks per-model generator health using a circuit breaker.
// Models with too many recent failures are rejected before any credits are
// reserved.
type HealthTracker struct {
	mu     sync.Mutex
	models map[string]*modelHealth
	now    func() time.Time
}

type modelHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		models: make(map[string]*modelHealth),
		now:    time.Now,
	}
}

// NewHealthTrackerWithClock creates a HealthTracker reading time from now.
func NewHealthTrackerWithClock(now func() time.Time) *HealthTracker {
	h := NewHealthTracker()
	h.now = now
	return h
}

// GetHealth returns the current health state for a model.
func (h *HealthTracker) GetHealth(model string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[model]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → let one trial call through.
	if mh.state == HealthUnhealthy && h.now().Sub(mh.unhealthyAt) >= healthUnhealthyPeriod {
		mh.state = HealthHalfOpen
	}
	return mh.state
}

// Allow reports whether a call to model may proceed.
func (h *HealthTracker) Allow(model string) bool {
	return h.GetHealth(model) != HealthUnhealthy
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(model)
	mh.state = HealthHealthy
	mh.failures = mh.failures[:0]
}

// RecordFailure records a failed call.
func (h *HealthTracker) RecordFailure(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(model)
	if mh.state == HealthUnhealthy {
		return
	}

	now := h.now()

	// A failed half-open trial reopens the breaker immediately.
	if mh.state == HealthHalfOpen {
		mh.state = HealthUnhealthy
		mh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := mh.failures[:0]
	for _, t := range mh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	mh.failures = append(valid, now)

	if len(mh.failures) >= healthFailureThreshold {
		mh.state = HealthUnhealthy
		mh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(model string) *modelHealth {
	mh, ok := h.models[model]
	if !ok {
		mh = &modelHealth{state: HealthHealthy}
		h.models[model] = mh
	}
	return mh
}
