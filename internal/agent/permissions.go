package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrPermissionAbandoned is returned by Wait when the waiter is reset while a
// request is still open.
var ErrPermissionAbandoned = errors.New("permission request abandoned")

// PermissionWaiter parks hook requests until the user decides. Each request id
// maps to a one-shot reply channel.
type PermissionWaiter struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func NewPermissionWaiter() *PermissionWaiter {
	return &PermissionWaiter{pending: make(map[string]chan Decision)}
}

// Open registers requestID. It must be called before the request event is
// emitted so a fast decision cannot race past the waiter.
func (w *PermissionWaiter) Open(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[requestID]; !ok {
		w.pending[requestID] = make(chan Decision, 1)
	}
}

// Wait blocks until Resolve is called for requestID or ctx ends. The entry is
// removed either way. Waiting on an id that isn't open, or was reset, returns
// ErrPermissionAbandoned.
func (w *PermissionWaiter) Wait(ctx context.Context, requestID string) (Decision, error) {
	w.mu.Lock()
	ch, ok := w.pending[requestID]
	w.mu.Unlock()
	if !ok {
		return Decision{}, ErrPermissionAbandoned
	}

	defer w.forget(requestID, ch)

	select {
	case d, ok := <-ch:
		if !ok {
			return Decision{}, ErrPermissionAbandoned
		}
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers d to the waiter for requestID. A decision that arrives
// before Wait is kept until Wait collects it; later decisions for the same
// request are dropped. Unknown ids are ignored and report false.
func (w *PermissionWaiter) Resolve(requestID string, d Decision) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.pending[requestID]
	if !ok {
		return false
	}
	select {
	case ch <- d:
	default:
	}
	return true
}

// Drop discards requestID without answering it.
func (w *PermissionWaiter) Drop(requestID string) {
	w.mu.Lock()
	delete(w.pending, requestID)
	w.mu.Unlock()
}

// Pending reports how many requests are parked.
func (w *PermissionWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Reset abandons every open request.
func (w *PermissionWaiter) Reset() {
	w.mu.Lock()
	old := w.pending
	w.pending = make(map[string]chan Decision)
	w.mu.Unlock()
	for _, ch := range old {
		close(ch)
	}
}

func (w *PermissionWaiter) forget(requestID string, ch chan Decision) {
	w.mu.Lock()
	if cur, ok := w.pending[requestID]; ok && cur == ch {
		delete(w.pending, requestID)
	}
	w.mu.Unlock()
}
