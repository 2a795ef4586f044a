// Package inflight tracks which cache keys have an outstanding upstream call
// so concurrent callers for the same key share one result instead of issuing
// duplicate requests.
package inflight

import (
	"context"
	"sync"
)

// Call is a one-shot result holder shared by every caller awaiting the same
// upstream request. It settles exactly once.
type Call struct {
	done chan struct{}
	once sync.Once
	val  any
	err  error
}

// NewCall returns an unsettled Call.
func NewCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Settle records the result and releases all waiters. Only the first call
// has any effect.
func (c *Call) Settle(val any, err error) {
	c.once.Do(func() {
		c.val = val
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed when the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call settles and returns its outcome.
func (c *Call) Result() (any, error) {
	<-c.done
	return c.val, c.err
}

// Wait blocks until the call settles or ctx is done. A cancelled waiter
// abandons the call; the call itself keeps running for the remaining waiters.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry maps cache keys to their pending calls. At most one upstream call
// per key may be underway at any instant.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Join returns the pending call for key, if any.
func (r *Registry) Join(key string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[key]
	return c, ok
}

// JoinOrRegister returns (existing, true) when key already has a pending
// call, otherwise registers c under key and returns (c, false). The check
// and the insert are one atomic step so two concurrent registrations for the
// same key cannot both win.
func (r *Registry) JoinOrRegister(key string, c *Call) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.calls[key]; ok {
		return existing, true
	}
	r.calls[key] = c
	return c, false
}

// Register records c as the pending call for key, overwriting any existing
// registration. Most callers want JoinOrRegister.
func (r *Registry) Register(key string, c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key] = c
}

// Release removes the registration for key. It must run exactly once when
// the registered call settles, success and failure alike; a skipped release
// leaves the key permanently stuck pending.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
}

// ReleaseIf removes the registration for key only when c is the call
// currently registered. A superseding caller re-registers the key before the
// displaced call settles; the displaced call's cleanup must not clobber that
// newer registration.
func (r *Registry) ReleaseIf(key string, c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[key] == c {
		delete(r.calls, key)
	}
}

// Len returns the number of keys with a pending call.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
