// Package scheduler holds pending work items and dispatches them respecting
// a concurrency ceiling and a minimum inter-dispatch delay, highest priority
// first. The fixed pacing plus a small concurrency cap is a deliberately
// conservative admission policy tuned to stay under an upstream's
// undocumented rate limit.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/time/rate"

	"github.com/registrar-tools/crm-governor/internal/inflight"
	"github.com/registrar-tools/crm-governor/internal/metrics"
)

// ErrStopped settles work items that were still queued when the scheduler
// shut down.
var ErrStopped = errors.New("scheduler stopped")

// ErrSuperseded settles a queued work item that was displaced by a newer
// submission for the same cache key.
var ErrSuperseded = errors.New("request superseded")

// Operation is one unit of upstream work, already wrapped with whatever
// breaker and retry layers apply.
type Operation func(ctx context.Context) (any, error)

// Request describes a work item to be queued.
type Request struct {
	// Op is invoked once when the item is dispatched.
	Op Operation
	// CacheKey identifies the item for supersede matching; may be empty.
	CacheKey string
	// Priority orders dispatch; higher dispatches first, FIFO within a band.
	Priority int
	// Call receives the settled result. A nil Call is created on submit.
	Call *inflight.Call
}

// Config holds scheduler tuning.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneous dispatches.
	MaxConcurrent int
	// MinDispatchInterval is the minimum time between dispatch starts.
	// Zero disables pacing.
	MinDispatchInterval time.Duration
	// SupersedeSameKey cancels a still-queued item when a newer item with
	// the same cache key is submitted (client-profile policy).
	SupersedeSameKey bool
}

type item struct {
	ctx        context.Context
	op         Operation
	cacheKey   string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	call       *inflight.Call
}

// itemLess orders the queue by priority descending, then submission order.
func itemLess(a, b *item) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// Scheduler dispatches queued work items from a continuously running drain
// loop. Pacing is enforced even under bursty submission: when the interval
// since the last dispatch start falls short, the drain reschedules itself
// after the shortfall.
type Scheduler struct {
	mu        sync.Mutex
	queue     *btree.BTreeG[*item]
	seq       uint64
	active    int
	maxConc   int
	supersede bool
	stopped   bool

	limiter *rate.Limiter
	wake    chan struct{}
	stopCh  chan struct{}

	name   string
	logger *slog.Logger
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(name string, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:     btree.NewBTreeG(itemLess),
		maxConc:   cfg.MaxConcurrent,
		supersede: cfg.SupersedeSameKey,
		limiter:   rate.NewLimiter(pacing(cfg.MinDispatchInterval), 1),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		name:      name,
		logger:    logger,
	}
}

func pacing(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Start launches the drain loop goroutine.
func (s *Scheduler) Start() {
	go s.drain()
}

// Submit queues a work item and returns its result handle. Items submitted
// after Stop settle immediately with ErrStopped. A caller context cancelled
// while the item waits in queue settles it with the context's error at pop
// time without dispatching.
func (s *Scheduler) Submit(ctx context.Context, req Request) *inflight.Call {
	call := req.Call
	if call == nil {
		call = inflight.NewCall()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		call.Settle(nil, ErrStopped)
		return call
	}

	var displaced []*item
	if s.supersede && req.CacheKey != "" {
		displaced = s.displaceLocked(req.CacheKey)
	}

	s.seq++
	s.queue.Set(&item{
		ctx:        ctx,
		op:         req.Op,
		cacheKey:   req.CacheKey,
		priority:   req.Priority,
		seq:        s.seq,
		enqueuedAt: time.Now(),
		call:       call,
	})
	metrics.QueueDepth.WithLabelValues(s.name).Set(float64(s.queue.Len()))
	s.mu.Unlock()

	for _, it := range displaced {
		it.call.Settle(nil, ErrSuperseded)
	}

	s.poke()
	return call
}

// Displace removes all still-queued items holding key and settles them with
// ErrSuperseded, reporting whether anything was displaced. An item already
// dispatched or settled cannot be displaced.
func (s *Scheduler) Displace(key string) bool {
	if key == "" {
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	displaced := s.displaceLocked(key)
	if len(displaced) > 0 {
		metrics.QueueDepth.WithLabelValues(s.name).Set(float64(s.queue.Len()))
	}
	s.mu.Unlock()

	for _, it := range displaced {
		it.call.Settle(nil, ErrSuperseded)
	}
	return len(displaced) > 0
}

// displaceLocked removes queued items holding key and returns them; the
// caller settles their calls outside the lock. Must be called with s.mu held.
func (s *Scheduler) displaceLocked(key string) []*item {
	var displaced []*item
	s.queue.Scan(func(it *item) bool {
		if it.cacheKey == key {
			displaced = append(displaced, it)
		}
		return true
	})
	for _, it := range displaced {
		s.queue.Delete(it)
	}
	return displaced
}

// Stats reports current queue depth and active dispatch count.
func (s *Scheduler) Stats() (queued, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len(), s.active
}

// UpdateConfig replaces scheduler tuning at runtime (config hot reload).
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.maxConc = cfg.MaxConcurrent
	s.supersede = cfg.SupersedeSameKey
	s.limiter.SetLimit(pacing(cfg.MinDispatchInterval))
	s.mu.Unlock()
	s.poke()
}

// Stop terminates the drain loop and settles all still-queued items with
// ErrStopped. Dispatches already running complete normally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var pending []*item
	for s.queue.Len() > 0 {
		it, _ := s.queue.PopMin()
		pending = append(pending, it)
	}
	metrics.QueueDepth.WithLabelValues(s.name).Set(0)
	s.mu.Unlock()

	for _, it := range pending {
		it.call.Settle(nil, ErrStopped)
	}
	close(s.stopCh)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
		if !s.dispatchReady() {
			return
		}
	}
}

// dispatchReady dispatches queued items until the concurrency ceiling, an
// empty queue, or pacing stops it. Returns false when the scheduler is
// stopping and the drain loop should exit.
func (s *Scheduler) dispatchReady() bool {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return false
		}
		if s.active >= s.maxConc || s.queue.Len() == 0 {
			s.mu.Unlock()
			return true
		}

		it, _ := s.queue.PopMin()

		// Items cancelled while queued are discarded without consuming
		// a pacing slot or a concurrency slot.
		if err := it.ctx.Err(); err != nil {
			metrics.QueueDepth.WithLabelValues(s.name).Set(float64(s.queue.Len()))
			s.mu.Unlock()
			it.call.Settle(nil, err)
			continue
		}

		res := s.limiter.Reserve()
		if d := res.Delay(); d > 0 {
			// Pacing shortfall: put the head back (seq unchanged, so it
			// keeps its place) and retry after the remaining interval.
			res.Cancel()
			s.queue.Set(it)
			s.mu.Unlock()

			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-s.stopCh:
				timer.Stop()
				return false
			}
			continue
		}

		s.active++
		metrics.QueueDepth.WithLabelValues(s.name).Set(float64(s.queue.Len()))
		metrics.ActiveDispatches.WithLabelValues(s.name).Set(float64(s.active))
		s.mu.Unlock()

		go s.run(it)
	}
}

// run executes one dispatched item and settles its call.
func (s *Scheduler) run(it *item) {
	val, err := it.op(it.ctx)
	it.call.Settle(val, err)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.DispatchesTotal.WithLabelValues(s.name, outcome).Inc()

	s.mu.Lock()
	s.active--
	metrics.ActiveDispatches.WithLabelValues(s.name).Set(float64(s.active))
	s.mu.Unlock()

	s.poke()
}
