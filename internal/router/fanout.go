package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/marketstream/internal/metrics"
)

// Handler consumes an emitted event payload.
type Handler func(payload json.RawMessage) error

// ListenerID identifies a registered handler for removal.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// Fanout is a name-keyed multi-subscriber event registry. A handler that
// fails or panics is logged and does not affect delivery to the others.
type Fanout struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[string][]listener
}

// NewFanout creates an empty fan-out.
func NewFanout(m *metrics.Metrics, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		logger:    logger.With("component", "fanout"),
		metrics:   m,
		listeners: make(map[string][]listener),
	}
}

// On registers fn for event and returns its id.
func (f *Fanout) On(event string, fn Handler) ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.listeners[event] = append(f.listeners[event], listener{id: id, fn: fn})
	return id
}

// Off removes a handler. Returns false if it was not registered.
func (f *Fanout) Off(event string, id ListenerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	ls := f.listeners[event]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		// Copy so in-flight Emit snapshots stay intact.
		next := make([]listener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(f.listeners, event)
		} else {
			f.listeners[event] = next
		}
		return true
	}
	return false
}

// Listeners returns the number of handlers registered for event.
func (f *Fanout) Listeners(event string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners[event])
}

// Emit delivers payload to every handler of event in registration order
// and returns how many handled it without error.
func (f *Fanout) Emit(event string, payload json.RawMessage) int {
	f.mu.RLock()
	ls := f.listeners[event]
	f.mu.RUnlock()

	ok := 0
	for _, l := range ls {
		if err := f.call(l, payload); err != nil {
			f.logger.Warn("event handler failed", "event", event, "listener", l.id, "error", err)
			f.metrics.HandlerError(event)
			continue
		}
		ok++
	}
	return ok
}

func (f *Fanout) call(l listener, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.fn(payload)
}
