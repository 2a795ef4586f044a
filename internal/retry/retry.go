// Package retry wraps a single dispatched upstream call with bounded
// exponential-backoff retry, applied only to failure classes considered
// transient.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/registrar-tools/crm-governor/internal/metrics"
)

// Transient is implemented by errors that are expected to resolve themselves
// if retried later (throttling, server error, network blip).
type Transient interface {
	Transient() bool
}

// IsTransient classifies err. Errors implementing Transient decide for
// themselves; network-level errors are transient; everything else is
// permanent and must surface to the caller unchanged.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Operation is one attemptable unit of upstream work.
type Operation func(ctx context.Context) (any, error)

// Policy retries transient failures with exponential backoff and jitter.
// Attempt numbering starts at 1; the delay before attempt n+1 is
// base * 2^(n-1) plus up to 10% random jitter so concurrent callers do not
// retry in lockstep.
type Policy struct {
	mu          sync.Mutex
	maxAttempts int
	baseDelay   time.Duration

	name string
}

// New creates a Policy. name labels the policy's metrics.
func New(name string, maxAttempts int, baseDelay time.Duration) *Policy {
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		name:        name,
	}
}

// Update replaces the retry tuning at runtime (config hot reload).
func (p *Policy) Update(maxAttempts int, baseDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxAttempts = maxAttempts
	p.baseDelay = baseDelay
}

// Execute runs op, retrying transient failures up to the attempt limit.
// Non-transient failures return immediately and unchanged. Backoff sleeps
// abort when ctx is done.
func (p *Policy) Execute(ctx context.Context, op Operation) (any, error) {
	p.mu.Lock()
	maxAttempts := p.maxAttempts
	p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == maxAttempts {
			return nil, err
		}

		metrics.RetriesTotal.WithLabelValues(p.name).Inc()

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Backoff returns the delay to sleep after a failed attempt (numbered from 1):
// baseDelay * 2^(attempt-1) plus a random jitter of at most 10%.
func (p *Policy) Backoff(attempt int) time.Duration {
	p.mu.Lock()
	base := p.baseDelay
	p.mu.Unlock()

	delay := base << (attempt - 1)
	if jitterMax := int64(delay) / 10; jitterMax > 0 {
		delay += time.Duration(rand.Int63n(jitterMax + 1))
	}
	return delay
}
