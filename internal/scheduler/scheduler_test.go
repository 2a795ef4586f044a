package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/registrar-tools/crm-governor/internal/inflight"
	"github.com/registrar-tools/crm-governor/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func newTestScheduler(cfg Config) *Scheduler {
	return New("test", cfg, slog.Default())
}

func waitAll(t *testing.T, calls []*inflight.Call, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i, c := range calls {
		select {
		case <-c.Done():
		case <-deadline:
			t.Fatalf("call %d did not settle within %v", i, timeout)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 2})
	defer s.Stop()

	var active, maxActive atomic.Int64
	op := func(context.Context) (any, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var calls []*inflight.Call
	for i := 0; i < 10; i++ {
		calls = append(calls, s.Submit(context.Background(), Request{Op: op, Priority: 1}))
	}
	s.Start()
	waitAll(t, calls, 5*time.Second)

	if got := maxActive.Load(); got > 2 {
		t.Fatalf("activeCount exceeded maxConcurrent: %d > 2", got)
	}
}

func TestPacingBound(t *testing.T) {
	const interval = 30 * time.Millisecond
	s := newTestScheduler(Config{MaxConcurrent: 2, MinDispatchInterval: interval})
	defer s.Stop()

	var mu sync.Mutex
	var starts []time.Time
	op := func(context.Context) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}

	var calls []*inflight.Call
	for i := 0; i < 5; i++ {
		calls = append(calls, s.Submit(context.Background(), Request{Op: op, Priority: 1}))
	}
	s.Start()
	waitAll(t, calls, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	// Allow a small scheduling epsilon on the recorded timestamps; the
	// limiter itself enforces the exact interval between grants.
	const epsilon = 5 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < interval-epsilon {
			t.Fatalf("dispatch starts %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 2, MinDispatchInterval: 10 * time.Millisecond})
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	opFor := func(priority int) Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			return nil, nil
		}
	}

	priorities := []int{1, 5, 1, 1, 1, 1, 1, 1, 1, 9}
	var calls []*inflight.Call
	for _, p := range priorities {
		calls = append(calls, s.Submit(context.Background(), Request{Op: opFor(p), Priority: p}))
	}
	s.Start()
	waitAll(t, calls, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 9 || order[1] != 5 {
		t.Fatalf("expected priorities 9 and 5 dispatched first, got order %v", order)
	}
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1})
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	var calls []*inflight.Call
	for i := 0; i < 5; i++ {
		n := i
		calls = append(calls, s.Submit(context.Background(), Request{
			Op: func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil, nil
			},
			Priority: 3,
		}))
	}
	s.Start()
	waitAll(t, calls, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("expected FIFO within priority band, got order %v", order)
		}
	}
}

func TestCancelledWhileQueued(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1})
	defer s.Stop()

	release := make(chan struct{})
	blocker := s.Submit(context.Background(), Request{
		Op: func(context.Context) (any, error) {
			<-release
			return nil, nil
		},
		Priority: 9,
	})

	ctx, cancel := context.WithCancel(context.Background())
	queued := s.Submit(ctx, Request{
		Op: func(context.Context) (any, error) {
			t.Error("cancelled item must not be dispatched")
			return nil, nil
		},
		Priority: 1,
	})

	s.Start()
	time.Sleep(20 * time.Millisecond) // blocker is now running, queued waits
	cancel()
	close(release)

	waitAll(t, []*inflight.Call{blocker, queued}, 5*time.Second)

	if _, err := queued.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for queued item, got %v", err)
	}
}

func TestSupersedeSameKey(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1, SupersedeSameKey: true})
	defer s.Stop()

	release := make(chan struct{})
	blocker := s.Submit(context.Background(), Request{
		Op: func(context.Context) (any, error) {
			<-release
			return nil, nil
		},
		Priority: 9,
	})

	stale := s.Submit(context.Background(), Request{
		Op: func(context.Context) (any, error) {
			t.Error("superseded item must not be dispatched")
			return nil, nil
		},
		CacheKey: "k",
		Priority: 1,
	})

	newer := s.Submit(context.Background(), Request{
		Op: func(context.Context) (any, error) {
			return "fresh", nil
		},
		CacheKey: "k",
		Priority: 1,
	})

	if _, err := stale.Result(); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded for displaced item, got %v", err)
	}

	s.Start()
	close(release)
	waitAll(t, []*inflight.Call{blocker, newer}, 5*time.Second)

	if val, err := newer.Result(); err != nil || val != "fresh" {
		t.Fatalf("expected newer item to run, got (%v, %v)", val, err)
	}
}

func TestDisplace(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1})
	defer s.Stop()

	queued := s.Submit(context.Background(), Request{
		Op: func(context.Context) (any, error) {
			t.Error("displaced item must not be dispatched")
			return nil, nil
		},
		CacheKey: "k",
		Priority: 1,
	})

	if !s.Displace("k") {
		t.Fatal("expected queued item displaced")
	}
	if _, err := queued.Result(); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	if s.Displace("k") {
		t.Fatal("nothing left to displace")
	}
	if s.Displace("") {
		t.Fatal("empty key must never displace")
	}
}

func TestStopSettlesQueuedItems(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1})

	// Never started: everything stays queued.
	queued := s.Submit(context.Background(), Request{
		Op:       func(context.Context) (any, error) { return nil, nil },
		Priority: 1,
	})

	s.Stop()

	if _, err := queued.Result(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped for queued item, got %v", err)
	}

	late := s.Submit(context.Background(), Request{
		Op:       func(context.Context) (any, error) { return nil, nil },
		Priority: 1,
	})
	if _, err := late.Result(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped for post-stop submit, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestScheduler(Config{MaxConcurrent: 1})
	defer s.Stop()

	s.Submit(context.Background(), Request{
		Op:       func(context.Context) (any, error) { return nil, nil },
		Priority: 1,
	})

	queued, active := s.Stats()
	if queued != 1 || active != 0 {
		t.Fatalf("expected 1 queued, 0 active before Start; got %d, %d", queued, active)
	}
}
