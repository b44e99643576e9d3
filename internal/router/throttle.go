package router

import (
	"sync"
	"time"
)

// Throttle delivers at most one leading and one trailing value per fixed
// window. Values pushed while a window is open are merged into a single
// pending value that is delivered when the window closes, so the final
// state is never lost.
type Throttle[T any] struct {
	window time.Duration
	merge  func(pending, next T) T
	emit   func(T)

	mu         sync.Mutex
	emitMu     sync.Mutex // serializes emit calls; taken while mu is held
	timer      *time.Timer
	pending    T
	hasPending bool
	stopped    bool
	coalesced  int64
}

// NewThrottle creates a throttle. merge may be nil, in which case the latest
// value replaces the pending one.
func NewThrottle[T any](window time.Duration, merge func(pending, next T) T, emit func(T)) *Throttle[T] {
	if merge == nil {
		merge = func(_, next T) T { return next }
	}
	return &Throttle[T]{
		window: window,
		merge:  merge,
		emit:   emit,
	}
}

// Push offers a value. The first value after a quiet period is emitted
// immediately; later ones within the window are merged and held. Reports
// whether the value was merged into an already pending one.
func (t *Throttle[T]) Push(v T) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}

	if t.window <= 0 {
		t.emitLocked(v)
		return false
	}

	if t.timer == nil {
		t.timer = time.AfterFunc(t.window, t.windowClosed)
		t.emitLocked(v)
		return false
	}

	merged := t.hasPending
	if merged {
		t.pending = t.merge(t.pending, v)
		t.coalesced++
	} else {
		t.pending = v
		t.hasPending = true
	}
	t.mu.Unlock()
	return merged
}

// Flush emits any pending value now without waiting for the window.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	if !t.hasPending || t.stopped {
		t.mu.Unlock()
		return
	}
	v := t.takePending()
	t.emitLocked(v)
}

// Stop cancels the window timer and discards any pending value.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.takePending()
}

// Coalesced returns how many values were merged instead of emitted.
func (t *Throttle[T]) Coalesced() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coalesced
}

func (t *Throttle[T]) windowClosed() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if !t.hasPending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	// Trailing emission opens a new window.
	v := t.takePending()
	t.timer = time.AfterFunc(t.window, t.windowClosed)
	t.emitLocked(v)
}

// emitLocked hands v to emit. Called with mu held; releases it.
func (t *Throttle[T]) emitLocked(v T) {
	t.emitMu.Lock()
	t.mu.Unlock()
	defer t.emitMu.Unlock()
	t.emit(v)
}

func (t *Throttle[T]) takePending() T {
	v := t.pending
	var zero T
	t.pending = zero
	t.hasPending = false
	return v
}
