package connection

import (
	"encoding/json"
	"fmt"
	"sync"
)

// outbound is one queued item. Exactly one of msg.Type or action is set.
type outbound struct {
	msg    OutboundMessage
	action *symbolAction

	// fromRegistry marks messages derived from registry state. They are
	// purged on connection loss since the next open replays the registry.
	fromRegistry bool

	priority bool // lane the item was queued on
}

// frame is an encoded outbound frame.
type frame struct {
	data  []byte
	kind  string     // "single", "batch" or "action"
	items []outbound // queued items carried by this frame
}

// Queue is the two-lane outbound queue. The priority lane is always drained
// before the normal lane; each lane is FIFO.
type Queue struct {
	mu       sync.Mutex
	priority *ring[outbound]
	normal   *ring[outbound]

	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue(initialCapacity int) *Queue {
	return &Queue{
		priority: newRing[outbound](initialCapacity),
		normal:   newRing[outbound](initialCapacity),
		ready:    make(chan struct{}, 1),
	}
}

// push appends o to the lane selected by priority.
func (q *Queue) push(o outbound, priority bool) {
	o.priority = priority
	q.mu.Lock()
	if priority {
		q.priority.pushBack(o)
	} else {
		q.normal.pushBack(o)
	}
	q.mu.Unlock()
	q.signal()
}

// prependPriority places items, in order, ahead of everything in the priority lane.
func (q *Queue) prependPriority(items []outbound) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for i := len(items) - 1; i >= 0; i-- {
		items[i].priority = true
		q.priority.pushFront(items[i])
	}
	q.mu.Unlock()
	q.signal()
}

// requeue returns unsent items to the front of the lanes they were taken
// from, keeping their original order.
func (q *Queue) requeue(items []outbound) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].priority {
			q.priority.pushFront(items[i])
		} else {
			q.normal.pushFront(items[i])
		}
	}
	q.mu.Unlock()
	q.signal()
}

// take removes up to n items, priority lane first.
func (q *Queue) take(n int) []outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.priority.drainTo(n)
	if rest := n - len(batch); rest > 0 {
		batch = append(batch, q.normal.drainTo(rest)...)
	}
	return batch
}

// purgeRegistry drops registry-derived items. Returns the number dropped.
func (q *Queue) purgeRegistry() int {
	keep := func(o outbound) bool { return !o.fromRegistry }

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priority.retain(keep) + q.normal.retain(keep)
}

// clear drops every queued item. Returns the number dropped.
func (q *Queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority.drainTo(0)) + len(q.normal.drainTo(0))
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priority.len() + q.normal.len()
}

// Ready is signalled whenever items are added.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// encodeBatch turns a drained batch into frames. A single message is sent
// verbatim. Otherwise symbol actions stay standalone and typed messages are
// grouped by type into batch frames, ordered by first occurrence.
func encodeBatch(batch []outbound) ([]frame, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) == 1 {
		f, err := encodeOne(batch[0])
		if err != nil {
			return nil, err
		}
		return []frame{f}, nil
	}

	type group struct {
		action *symbolAction
		typ    string
		data   []any
		items  []outbound
	}

	var groups []*group
	byType := make(map[string]*group)
	for _, o := range batch {
		if o.action != nil {
			groups = append(groups, &group{action: o.action, items: []outbound{o}})
			continue
		}
		g, ok := byType[o.msg.Type]
		if !ok {
			g = &group{typ: o.msg.Type}
			byType[o.msg.Type] = g
			groups = append(groups, g)
		}
		g.data = append(g.data, o.msg.Payload)
		g.items = append(g.items, o)
	}

	frames := make([]frame, 0, len(groups))
	for _, g := range groups {
		if g.action != nil {
			data, err := json.Marshal(g.action)
			if err != nil {
				return nil, fmt.Errorf("encode symbol action: %w", err)
			}
			frames = append(frames, frame{data: data, kind: "action", items: g.items})
			continue
		}
		data, err := json.Marshal(envelope{Type: g.typ, Data: g.data, Batch: true})
		if err != nil {
			return nil, fmt.Errorf("encode %s batch: %w", g.typ, err)
		}
		frames = append(frames, frame{data: data, kind: "batch", items: g.items})
	}
	return frames, nil
}

func encodeOne(o outbound) (frame, error) {
	if o.action != nil {
		data, err := json.Marshal(o.action)
		if err != nil {
			return frame{}, fmt.Errorf("encode symbol action: %w", err)
		}
		return frame{data: data, kind: "action", items: []outbound{o}}, nil
	}
	data, err := json.Marshal(envelope{Type: o.msg.Type, Data: o.msg.Payload})
	if err != nil {
		return frame{}, fmt.Errorf("encode %s message: %w", o.msg.Type, err)
	}
	return frame{data: data, kind: "single", items: []outbound{o}}, nil
}
