// Package governor is the public entry point of the adaptive upstream
// request governor. It composes the result cache, the in-flight
// deduplicator, the priority scheduler, the circuit breaker, and the retry
// policy into a single Run call: cache lookup, dedup check, enqueue,
// scheduled dispatch, breaker-gated retried execution, cache store.
package governor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/registrar-tools/crm-governor/internal/breaker"
	"github.com/registrar-tools/crm-governor/internal/cache"
	"github.com/registrar-tools/crm-governor/internal/inflight"
	"github.com/registrar-tools/crm-governor/internal/metrics"
	"github.com/registrar-tools/crm-governor/internal/retry"
	"github.com/registrar-tools/crm-governor/internal/scheduler"
)

// Operation is one upstream call, opaque to the governor.
type Operation func(ctx context.Context) (any, error)

// Config holds all governor tuning. A Governor is constructed once with a
// fixed Config; individual knobs can be replaced at runtime via UpdateConfig.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneous dispatches.
	MaxConcurrent int
	// MinDispatchInterval is the minimum time between dispatch starts.
	MinDispatchInterval time.Duration
	// MaxRetries is the attempt limit per work item.
	MaxRetries int
	// BaseRetryDelay seeds the exponential backoff.
	BaseRetryDelay time.Duration
	// CacheTTL is the freshness window for cached results.
	CacheTTL time.Duration
	// CacheSweepInterval is how often expired entries are proactively
	// evicted. Zero disables the background sweep.
	CacheSweepInterval time.Duration
	// FailureThreshold, MonitoringPeriod, and ResetTimeout tune the
	// circuit breaker.
	FailureThreshold int
	MonitoringPeriod time.Duration
	ResetTimeout     time.Duration
	// SupersedeSameKey cancels queued items displaced by a newer
	// submission for the same cache key (client-profile policy).
	SupersedeSameKey bool
}

// Stats is the read-only diagnostics surface expected by callers.
type Stats struct {
	CacheSize       int `json:"size"`
	ActiveRequests  int `json:"active_requests"`
	QueueLength     int `json:"queue_length"`
	PendingRequests int `json:"pending_requests"`
}

// Governor governs concurrent, retry-prone, cacheable calls to a flaky,
// throttled upstream. It is an explicitly constructed, owned object injected
// into call sites; one instance per process per upstream is the intended
// shape, but nothing here is global.
type Governor struct {
	name      string
	cache     *cache.Cache
	pending   *inflight.Registry
	sched     *scheduler.Scheduler
	brk       *breaker.Breaker
	retry     *retry.Policy
	supersede atomic.Bool
	logger    *slog.Logger
}

// New assembles a Governor from cfg and starts its scheduler and cache sweep.
// name labels log lines and metrics.
func New(name string, cfg Config, logger *slog.Logger) *Governor {
	g := &Governor{
		name:    name,
		cache:   cache.New(name, cfg.CacheTTL, cfg.CacheSweepInterval),
		pending: inflight.NewRegistry(),
		sched: scheduler.New(name, scheduler.Config{
			MaxConcurrent:       cfg.MaxConcurrent,
			MinDispatchInterval: cfg.MinDispatchInterval,
			SupersedeSameKey:    cfg.SupersedeSameKey,
		}, logger),
		brk: breaker.New(name, breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			MonitoringPeriod: cfg.MonitoringPeriod,
			ResetTimeout:     cfg.ResetTimeout,
		}, logger),
		retry:  retry.New(name, cfg.MaxRetries, cfg.BaseRetryDelay),
		logger: logger,
	}
	g.supersede.Store(cfg.SupersedeSameKey)
	g.sched.Start()
	return g
}

// Run submits one unit of upstream work. A fresh cached result returns
// immediately, bypassing queue, breaker, and retry. A cache miss with an
// in-flight call for the same key joins that call; all waiters observe one
// upstream side effect and one result or one error. Otherwise the work is
// queued and dispatched under the governor's pacing, breaker, and retry
// policy. An empty cacheKey means never cache, never dedup.
//
// With the supersede policy enabled, a newer Run for a key whose call is
// still waiting in queue displaces that call instead of joining it: the
// displaced call settles with scheduler.ErrSuperseded and the newer work is
// submitted in its place. A call already dispatched cannot be displaced and
// is joined as usual.
//
// ctx cancellation is honored while the item is queued, during backoff
// sleeps, and while waiting on a peer's call; an upstream call already in
// flight is not interrupted on behalf of a single waiter. Joined callers
// share the owning call's fate: when the owner's ctx is cancelled while the
// item is still queued, every waiter settles with the owner's ctx error and
// the key releases without an upstream attempt.
func (g *Governor) Run(ctx context.Context, op Operation, cacheKey string, priority int) (any, error) {
	if cacheKey != "" {
		if val, ok := g.cache.Get(cacheKey); ok {
			return val, nil
		}

		call := inflight.NewCall()
		existing, joined := g.pending.JoinOrRegister(cacheKey, call)
		if joined {
			if !g.supersede.Load() || !g.sched.Displace(cacheKey) {
				metrics.DedupJoins.WithLabelValues(g.name).Inc()
				return existing.Wait(ctx)
			}
			// The older call was still queued and has settled with
			// ErrSuperseded; this caller takes over the key.
			g.pending.Register(cacheKey, call)
		}

		// This caller owns the call: cache the result and release the key
		// once it settles, on every path, so the key can never get stuck
		// pending.
		go g.finalize(cacheKey, call)

		g.sched.Submit(ctx, scheduler.Request{
			Op:       g.execute(op),
			CacheKey: cacheKey,
			Priority: priority,
			Call:     call,
		})
		return call.Wait(ctx)
	}

	call := g.sched.Submit(ctx, scheduler.Request{
		Op:       g.execute(op),
		Priority: priority,
	})
	return call.Wait(ctx)
}

// execute wraps op with the circuit breaker outside the retry policy, so a
// single circuit check governs all retry attempts of one work item and the
// breaker records one outcome per item, not per attempt.
func (g *Governor) execute(op Operation) scheduler.Operation {
	return func(ctx context.Context) (any, error) {
		if err := g.brk.Allow(); err != nil {
			return nil, err
		}
		val, err := g.retry.Execute(ctx, retry.Operation(op))
		if err != nil {
			g.brk.RecordFailure()
			return nil, err
		}
		g.brk.RecordSuccess()
		return val, nil
	}
}

// finalize runs the settle-side bookkeeping for a keyed call: write the
// cache on success, then release the in-flight registration. The cache write
// precedes the release so a caller arriving in between sees a hit instead of
// starting a duplicate upstream call. The release is owner-checked because a
// superseding caller may have re-registered the key already.
func (g *Governor) finalize(key string, call *inflight.Call) {
	val, err := call.Result()
	if err == nil {
		g.cache.Put(key, val)
	}
	g.pending.ReleaseIf(key, call)
}

// CacheStats returns the governor's diagnostic counters.
func (g *Governor) CacheStats() Stats {
	queued, active := g.sched.Stats()
	return Stats{
		CacheSize:       g.cache.Stats().Size,
		ActiveRequests:  active,
		QueueLength:     queued,
		PendingRequests: g.pending.Len(),
	}
}

// BreakerState returns the circuit breaker's diagnostic snapshot.
func (g *Governor) BreakerState() breaker.Snapshot {
	return g.brk.Snapshot()
}

// BreakerOpen reports whether the breaker currently rejects calls.
func (g *Governor) BreakerOpen() bool {
	return g.brk.State() == breaker.StateOpen
}

// ClearCache drops all cached results.
func (g *Governor) ClearCache() {
	g.cache.Clear()
}

// UpdateConfig applies the runtime-tunable parts of cfg: cache TTL, retry
// tuning, scheduler limits, and breaker thresholds. The cache sweep interval
// is fixed at construction.
func (g *Governor) UpdateConfig(cfg Config) {
	g.supersede.Store(cfg.SupersedeSameKey)
	g.cache.SetTTL(cfg.CacheTTL)
	g.retry.Update(cfg.MaxRetries, cfg.BaseRetryDelay)
	g.sched.UpdateConfig(scheduler.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		MinDispatchInterval: cfg.MinDispatchInterval,
		SupersedeSameKey:    cfg.SupersedeSameKey,
	})
	g.brk.UpdateConfig(breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		MonitoringPeriod: cfg.MonitoringPeriod,
		ResetTimeout:     cfg.ResetTimeout,
	})
}

// Stop shuts the governor down: queued items settle with
// scheduler.ErrStopped, running dispatches complete, and the cache sweep
// goroutine exits.
func (g *Governor) Stop() {
	g.sched.Stop()
	g.cache.Stop()
}
