// Package breaker provides a count-in-window circuit breaker that shields a
// persistently failing upstream from further calls until it shows signs of
// recovery.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/registrar-tools/crm-governor/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single call is allowed to test recovery.
)

// String returns a human-readable state name.
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

// ErrOpen is returned by Allow when the circuit is open. It is synthesized
// locally and never reaches the upstream, so callers can distinguish it from
// upstream errors and apply a longer backoff.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that trips the breaker open.
	FailureThreshold int
	// MonitoringPeriod is the trailing window failures are counted over.
	MonitoringPeriod time.Duration
	// ResetTimeout is how long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration
}

// Snapshot is a read-only view of breaker state for diagnostics.
type Snapshot struct {
	State          string      `json:"state"`
	FailureCount   int         `json:"failure_count"`
	RecentFailures []time.Time `json:"recent_failures"`
	NextAttemptAt  time.Time   `json:"next_attempt_at,omitzero"`
}

// Breaker is a three-state circuit breaker. It trips open the instant the
// number of failures inside the trailing monitoring window reaches the
// threshold, rejects all calls while open, and lets a single probe through
// after the reset timeout.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      []time.Time // timestamps within monitoringPeriod of now
	nextAttemptAt time.Time

	cfg    Config
	name   string
	logger *slog.Logger
}

// New creates a closed Breaker. name labels log lines and metrics.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	// transitionTo only fires on change; export the initial state here so a
	// breaker that never trips still has a state sample.
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		state:  StateClosed,
		cfg:    cfg,
		name:   name,
		logger: logger,
	}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the reset timeout elapses; the first call after that becomes the
// half-open probe. While half-open, calls other than the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Now().Before(b.nextAttemptAt) {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return ErrOpen
		}
		b.transitionTo(StateHalfOpen)
		return nil
	case StateHalfOpen:
		// Exactly one probe is in flight; reject the rest.
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return ErrOpen
	default:
		return nil
	}
}

// RecordSuccess clears all recent failures and forces the breaker closed,
// whatever state it was in. A healthy response is treated as strong evidence
// the incident has passed; this full reset is deliberate policy, not a
// decrement.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.transitionTo(StateClosed)
}

// RecordFailure appends a failure timestamp, prunes entries older than the
// monitoring period, and trips the breaker open the instant the pruned count
// reaches the threshold. A failed half-open probe re-opens immediately and
// pushes the next attempt out by another reset timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == StateHalfOpen {
		b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
		b.transitionTo(StateOpen)
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)

	if b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's diagnostic state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())
	s := Snapshot{
		State:          b.state.String(),
		FailureCount:   len(b.failures),
		RecentFailures: append([]time.Time(nil), b.failures...),
	}
	if b.state == StateOpen {
		s.NextAttemptAt = b.nextAttemptAt
	}
	return s
}

// Reset forces the breaker back to closed and clears all failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.transitionTo(StateClosed)
}

// UpdateConfig replaces the breaker tuning at runtime (config hot reload).
// The current state and failure history are kept; the new threshold applies
// on the next failure evaluation.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// prune drops failure timestamps older than the monitoring period.
// Must be called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"governor", b.name,
		"from", from.String(),
		"to", newState.String(),
	)
}
