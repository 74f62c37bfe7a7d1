package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CircuitBreaker is the explicit kill switch. While engaged the gate
// rejects every request regardless of other state. Engagement is visible
// to concurrent admissions immediately: the flag is an atomic read taken
// before any lock, so a request already queued for the gate lock still
// sees the halt.
type CircuitBreaker struct {
	engaged atomic.Bool

	mu        sync.Mutex
	reason    string
	engagedAt time.Time

	logger *zap.Logger
	sink   ViolationSink
}

func NewCircuitBreaker(logger *zap.Logger, sink ViolationSink) *CircuitBreaker {
	if sink == nil {
		sink = nopSink{}
	}
	return &CircuitBreaker{logger: logger, sink: sink}
}

// Engage halts all trading. Idempotent: re-engaging while already engaged
// keeps the original reason and timestamp and emits nothing new. The flag
// flips while mu is held so Status never observes an engaged breaker
// without its reason.
func (cb *CircuitBreaker) Engage(reason string) {
	cb.mu.Lock()
	if !cb.engaged.CompareAndSwap(false, true) {
		cb.mu.Unlock()
		return
	}
	cb.reason = reason
	cb.engagedAt = time.Now().UTC()
	at := cb.engagedAt
	cb.mu.Unlock()

	v := Violation{
		Type:      "emergency_stop",
		Message:   "circuit breaker engaged: " + reason,
		Severity:  SeverityCritical,
		Timestamp: at,
	}
	cb.sink.Record(v)
	cb.logger.Error("circuit breaker engaged", zap.String("reason", reason))
}

// Disengage clears the halt. Only ever called from the operator surface,
// never from gate logic.
func (cb *CircuitBreaker) Disengage() {
	cb.mu.Lock()
	if !cb.engaged.CompareAndSwap(true, false) {
		cb.mu.Unlock()
		return
	}
	reason := cb.reason
	cb.reason = ""
	cb.engagedAt = time.Time{}
	cb.mu.Unlock()
	cb.logger.Warn("circuit breaker disengaged", zap.String("previous_reason", reason))
}

func (cb *CircuitBreaker) IsEngaged() bool {
	return cb.engaged.Load()
}

// Status returns the current halt state for the status endpoint.
func (cb *CircuitBreaker) Status() (engaged bool, reason string, since time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.engaged.Load(), cb.reason, cb.engagedAt
}
