package sock

import (
	"context"
	"sync"
)

// Wait is a broadcast wait queue. A sleeper samples the channel while it
// holds the lock protecting its condition, so a Wake issued after the
// condition changes is never lost. Woken sleepers must re-check.
type Wait struct {
	mu sync.Mutex
	ch chan struct{}
}

// Chan returns the channel closed by the next Wake.
func (w *Wait) Chan() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

// Wake releases every current sleeper.
func (w *Wait) Wake() {
	w.mu.Lock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
	w.mu.Unlock()
}

// Block sleeps until Wake or ctx is done. The caller holds l; it is released
// while sleeping and held again on return.
func (w *Wait) Block(ctx context.Context, l sync.Locker) error {
	ch := w.Chan()
	l.Unlock()
	defer l.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
