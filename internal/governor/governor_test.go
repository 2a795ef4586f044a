package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/registrar-tools/crm-governor/internal/breaker"
	"github.com/registrar-tools/crm-governor/internal/metrics"
	"github.com/registrar-tools/crm-governor/internal/scheduler"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// transientErr marks itself retryable, like an upstream 429/5xx.
type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Transient() bool { return true }

func newTestGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = time.Millisecond
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MonitoringPeriod == 0 {
		cfg.MonitoringPeriod = time.Minute
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	g := New("test", cfg, slog.Default())
	t.Cleanup(g.Stop)
	return g
}

func TestRunReturnsResult(t *testing.T) {
	g := newTestGovernor(t, Config{})

	val, err := g.Run(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	}, "k", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Fatalf("expected ok, got %v", val)
	}
}

func TestCacheHitBypassesUpstream(t *testing.T) {
	g := newTestGovernor(t, Config{})

	var calls atomic.Int64
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	if _, err := g.Run(context.Background(), op, "k", 1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := g.Run(context.Background(), op, "k", 1); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
}

func TestCacheExpiryRefetches(t *testing.T) {
	g := newTestGovernor(t, Config{CacheTTL: 30 * time.Millisecond})

	var calls atomic.Int64
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	g.Run(context.Background(), op, "k", 1)
	time.Sleep(50 * time.Millisecond)
	g.Run(context.Background(), op, "k", 1)

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", got)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	g := newTestGovernor(t, Config{MaxRetries: 1})

	var calls atomic.Int64
	boom := errors.New("bad request")
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	if _, err := g.Run(context.Background(), op, "k", 1); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the in-flight registration release
	if _, err := g.Run(context.Background(), op, "k", 1); !errors.Is(err, boom) {
		t.Fatalf("expected second attempt to hit upstream, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("failures must not be cached; got %d calls", got)
	}
}

func TestConcurrentRunsDeduplicate(t *testing.T) {
	g := newTestGovernor(t, Config{})

	var calls atomic.Int64
	op := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond) // widen the join window
		return "shared", nil
	}

	const runners = 8
	results := make([]any, runners)
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Run(context.Background(), op, "k", 1)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", got)
	}
	for i := 0; i < runners; i++ {
		if errs[i] != nil {
			t.Fatalf("runner %d: unexpected error %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Fatalf("runner %d saw %v, want shared", i, results[i])
		}
	}
}

func TestDedupSharesErrors(t *testing.T) {
	g := newTestGovernor(t, Config{MaxRetries: 1})

	var calls atomic.Int64
	boom := errors.New("boom")
	op := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return nil, boom
	}

	const runners = 4
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Run(context.Background(), op, "k", 1)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("runner %d got %v, want shared error", i, err)
		}
	}
}

func TestEmptyKeySkipsCacheAndDedup(t *testing.T) {
	g := newTestGovernor(t, Config{})

	var calls atomic.Int64
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	g.Run(context.Background(), op, "", 1)
	g.Run(context.Background(), op, "", 1)

	if got := calls.Load(); got != 2 {
		t.Fatalf("empty key must never cache, got %d calls", got)
	}
	if size := g.CacheStats().CacheSize; size != 0 {
		t.Fatalf("expected empty cache, size = %d", size)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	g := newTestGovernor(t, Config{MaxRetries: 3})

	var calls atomic.Int64
	op := func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &transientErr{msg: "throttled"}
		}
		return "eventually", nil
	}

	val, err := g.Run(context.Background(), op, "k", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "eventually" || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, got val=%v calls=%d", val, calls.Load())
	}
}

func TestPermanentFailureAttemptedOnce(t *testing.T) {
	g := newTestGovernor(t, Config{MaxRetries: 3})

	var calls atomic.Int64
	boom := errors.New("validation failed")
	_, err := g.Run(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, "k", 1)

	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("permanent failures must not retry, got %d attempts", got)
	}
}

func TestBreakerTripsAndRejects(t *testing.T) {
	g := newTestGovernor(t, Config{MaxRetries: 1, FailureThreshold: 3})

	boom := errors.New("down")
	fail := func(context.Context) (any, error) { return nil, boom }

	for i := 0; i < 3; i++ {
		g.Run(context.Background(), fail, "", 1)
	}
	if !g.BreakerOpen() {
		t.Fatal("expected breaker open after threshold failures")
	}

	var calls atomic.Int64
	_, err := g.Run(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}, "", 1)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected breaker.ErrOpen, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("open breaker must not invoke the operation")
	}
}

func TestBreakerRecovers(t *testing.T) {
	g := newTestGovernor(t, Config{
		MaxRetries:       1,
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})

	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		g.Run(context.Background(), func(context.Context) (any, error) { return nil, boom }, "", 1)
	}
	if !g.BreakerOpen() {
		t.Fatal("expected breaker open")
	}

	time.Sleep(50 * time.Millisecond)

	val, err := g.Run(context.Background(), func(context.Context) (any, error) {
		return "recovered", nil
	}, "", 1)
	if err != nil {
		t.Fatalf("probe should pass after reset timeout: %v", err)
	}
	if val != "recovered" || g.BreakerOpen() {
		t.Fatalf("expected breaker closed after probe success, val=%v open=%v", val, g.BreakerOpen())
	}
}

func TestRunHonorsContextWhileQueued(t *testing.T) {
	g := newTestGovernor(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	go g.Run(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, "", 9)
	time.Sleep(20 * time.Millisecond) // blocker occupies the only slot

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Run(ctx, func(context.Context) (any, error) { return nil, nil }, "", 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	close(release)
}

func TestSupersedeDisplacesQueuedRun(t *testing.T) {
	g := newTestGovernor(t, Config{MaxConcurrent: 1, SupersedeSameKey: true})

	release := make(chan struct{})
	go g.Run(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, "", 9)
	time.Sleep(20 * time.Millisecond) // blocker occupies the only lane

	var olderCalls atomic.Int64
	olderDone := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), func(context.Context) (any, error) {
			olderCalls.Add(1)
			return "stale", nil
		}, "k", 1)
		olderDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // older run is queued behind the blocker

	newerDone := make(chan struct{})
	var newerVal any
	var newerErr error
	go func() {
		newerVal, newerErr = g.Run(context.Background(), func(context.Context) (any, error) {
			return "fresh", nil
		}, "k", 1)
		close(newerDone)
	}()

	select {
	case err := <-olderDone:
		if !errors.Is(err, scheduler.ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded for displaced run, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("displaced run did not settle")
	}

	close(release)
	select {
	case <-newerDone:
	case <-time.After(time.Second):
		t.Fatal("newer run did not complete")
	}

	if newerErr != nil || newerVal != "fresh" {
		t.Fatalf("newer run got (%v, %v)", newerVal, newerErr)
	}
	if olderCalls.Load() != 0 {
		t.Fatal("displaced operation must never reach the upstream")
	}
}

func TestSupersedeJoinsDispatchedCall(t *testing.T) {
	g := newTestGovernor(t, Config{MaxConcurrent: 1, SupersedeSameKey: true})

	var calls atomic.Int64
	release := make(chan struct{})
	op := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	firstDone := make(chan struct{})
	var firstVal any
	go func() {
		firstVal, _ = g.Run(context.Background(), op, "k", 1)
		close(firstDone)
	}()
	time.Sleep(30 * time.Millisecond) // first run is dispatched, not queued

	secondDone := make(chan struct{})
	var secondVal any
	go func() {
		secondVal, _ = g.Run(context.Background(), op, "k", 1)
		close(secondDone)
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	for _, done := range []chan struct{}{firstDone, secondDone} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("run did not complete")
		}
	}

	// An in-flight call cannot be displaced; the newer run joins it.
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	if firstVal != "shared" || secondVal != "shared" {
		t.Fatalf("expected shared result, got (%v, %v)", firstVal, secondVal)
	}
}

func TestOwnerCancellationSettlesJoiners(t *testing.T) {
	g := newTestGovernor(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	go g.Run(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, "", 9)
	time.Sleep(20 * time.Millisecond)

	var ops atomic.Int64
	op := func(context.Context) (any, error) {
		ops.Add(1)
		return nil, nil
	}

	ownerCtx, cancel := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, err := g.Run(ownerCtx, op, "k", 1)
		ownerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	joinerDone := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), op, "k", 1)
		joinerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	close(release)

	// Joined callers share the owning call's fate.
	for _, ch := range []chan error{ownerDone, joinerDone} {
		select {
		case err := <-ch:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter did not settle")
		}
	}
	if ops.Load() != 0 {
		t.Fatal("work cancelled while queued must not run")
	}

	time.Sleep(20 * time.Millisecond) // registration releases asynchronously
	if pending := g.CacheStats().PendingRequests; pending != 0 {
		t.Fatalf("expected key released after settlement, pending = %d", pending)
	}
}

func TestStopSettlesQueuedWork(t *testing.T) {
	g := newTestGovernor(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	go g.Run(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, "", 9)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), func(context.Context) (any, error) { return nil, nil }, "", 1)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	g.Stop()
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, scheduler.ErrStopped) {
			t.Fatalf("expected scheduler.ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued work did not settle on Stop")
	}
}

func TestCacheStats(t *testing.T) {
	g := newTestGovernor(t, Config{})

	g.Run(context.Background(), func(context.Context) (any, error) { return 1, nil }, "a", 1)
	g.Run(context.Background(), func(context.Context) (any, error) { return 2, nil }, "b", 1)
	time.Sleep(10 * time.Millisecond) // cache writes settle asynchronously

	stats := g.CacheStats()
	if stats.CacheSize != 2 {
		t.Fatalf("expected 2 cached entries, got %d", stats.CacheSize)
	}
	if stats.PendingRequests != 0 {
		t.Fatalf("expected no pending registrations after settle, got %d", stats.PendingRequests)
	}

	g.ClearCache()
	if size := g.CacheStats().CacheSize; size != 0 {
		t.Fatalf("expected empty cache after clear, size = %d", size)
	}
}

func TestUpdateConfig(t *testing.T) {
	g := newTestGovernor(t, Config{})

	g.Run(context.Background(), func(context.Context) (any, error) { return "v", nil }, "k", 1)
	time.Sleep(10 * time.Millisecond)

	// Shrinking the TTL re-judges existing entries.
	cfg := Config{
		MaxConcurrent:    2,
		MaxRetries:       3,
		BaseRetryDelay:   time.Millisecond,
		CacheTTL:         time.Nanosecond,
		FailureThreshold: 5,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     30 * time.Second,
	}
	g.UpdateConfig(cfg)
	time.Sleep(time.Millisecond)

	var calls atomic.Int64
	g.Run(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return "v2", nil
	}, "k", 1)
	if calls.Load() != 1 {
		t.Fatal("expected entry expired under the new TTL")
	}
}
