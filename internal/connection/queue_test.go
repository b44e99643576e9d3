package connection

import (
	"reflect"
	"testing"
)

func TestRing_GrowAt70Percent(t *testing.T) {
	r := newRing[int](10)

	for i := 0; i < 7; i++ {
		r.pushBack(i)
	}

	if r.capacity != 20 {
		t.Errorf("capacity = %d, want 20 after one growth at 70%% fill", r.capacity)
	}

	got := r.drainTo(0)
	if !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4, 5, 6}) {
		t.Errorf("drainTo(0) = %v, want 0..6", got)
	}
}

func TestRing_PushFrontWrapAndGrow(t *testing.T) {
	r := newRing[int](4)

	r.pushBack(2)
	r.pushFront(1)
	r.pushFront(0)
	r.pushBack(3)
	r.pushBack(4)

	if r.len() != 5 {
		t.Fatalf("len() = %d, want 5", r.len())
	}
	got := r.drainTo(0)
	if !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("drainTo(0) = %v, want [0 1 2 3 4]", got)
	}
	if _, ok := r.popFront(); ok {
		t.Error("popFront() on empty ring returned ok")
	}
}

func TestRing_Retain(t *testing.T) {
	r := newRing[int](4)
	for i := 0; i < 6; i++ {
		r.pushBack(i)
	}

	removed := r.retain(func(v int) bool { return v%2 == 0 })
	if removed != 3 {
		t.Errorf("retain removed %d, want 3", removed)
	}
	if got := r.drainTo(0); !reflect.DeepEqual(got, []int{0, 2, 4}) {
		t.Errorf("after retain = %v, want [0 2 4]", got)
	}
}

func msg(typ string, payload any) outbound {
	return outbound{msg: OutboundMessage{Type: typ, Payload: payload}}
}

func TestQueue_PriorityLaneFirst(t *testing.T) {
	q := NewQueue(4)

	q.push(msg("n1", 1), false)
	q.push(msg("p1", 1), true)
	q.push(msg("n2", 2), false)
	q.push(msg("p2", 2), true)
	q.prependPriority([]outbound{msg("r1", 0), msg("r2", 0)})

	var order []string
	for _, o := range q.take(10) {
		order = append(order, o.msg.Type)
	}

	want := []string{"r1", "r2", "p1", "p2", "n1", "n2"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("take order = %v, want %v", order, want)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_RequeueRestoresLanes(t *testing.T) {
	q := NewQueue(4)

	q.push(msg("p1", 1), true)
	q.push(msg("n1", 1), false)
	q.push(msg("n2", 2), false)
	q.push(msg("n3", 3), false)

	taken := q.take(3)
	q.push(msg("n4", 4), false)
	<-q.Ready()
	q.requeue(taken)

	select {
	case <-q.Ready():
	default:
		t.Error("requeue did not signal Ready")
	}

	var order []string
	for _, o := range q.take(10) {
		order = append(order, o.msg.Type)
	}
	want := []string{"p1", "n1", "n2", "n3", "n4"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("take order after requeue = %v, want %v", order, want)
	}
}

func TestEncodeBatch_FramesCarryItems(t *testing.T) {
	batch := []outbound{
		msg("order", 1),
		{action: &symbolAction{Action: "subscribe", Symbols: []string{"AAPL"}}},
		msg("order", 2),
	}
	frames, err := encodeBatch(batch)
	if err != nil {
		t.Fatalf("encodeBatch failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if got := len(frames[0].items); got != 2 {
		t.Errorf("order frame items = %d, want 2", got)
	}
	if got := len(frames[1].items); got != 1 || frames[1].items[0].action == nil {
		t.Errorf("action frame items = %+v, want the symbol action", frames[1].items)
	}
}

func TestQueue_TakeBatchSize(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 25; i++ {
		q.push(msg("ping", i), false)
	}

	sizes := []int{}
	for q.Len() > 0 {
		sizes = append(sizes, len(q.take(10)))
	}
	if !reflect.DeepEqual(sizes, []int{10, 10, 5}) {
		t.Errorf("batch sizes = %v, want [10 10 5]", sizes)
	}
}

func TestQueue_PurgeRegistryAndClear(t *testing.T) {
	q := NewQueue(4)
	q.push(outbound{action: &symbolAction{Action: "subscribe", Symbols: []string{"AAPL"}}, fromRegistry: true}, false)
	q.push(msg("order", 1), false)
	q.push(outbound{msg: OutboundMessage{Type: "subscribe"}, fromRegistry: true}, true)

	if n := q.purgeRegistry(); n != 2 {
		t.Errorf("purgeRegistry() = %d, want 2", n)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	if n := q.clear(); n != 1 {
		t.Errorf("clear() = %d, want 1", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_ReadySignal(t *testing.T) {
	q := NewQueue(4)

	select {
	case <-q.Ready():
		t.Fatal("Ready signalled on empty queue")
	default:
	}

	q.push(msg("ping", nil), false)
	q.push(msg("ping", nil), false)

	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready not signalled after push")
	}
}

func frameStrings(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f.data)
	}
	return out
}

func TestEncodeBatch(t *testing.T) {
	tests := []struct {
		name  string
		batch []outbound
		want  []string
	}{
		{
			name:  "empty",
			batch: nil,
			want:  []string{},
		},
		{
			name:  "single typed message is verbatim",
			batch: []outbound{msg("ping", map[string]any{})},
			want:  []string{`{"type":"ping","data":{}}`},
		},
		{
			name:  "single symbol action",
			batch: []outbound{{action: &symbolAction{Action: "subscribe", Symbols: []string{"AAPL"}}}},
			want:  []string{`{"action":"subscribe","symbols":["AAPL"]}`},
		},
		{
			name: "grouped by type in first-occurrence order",
			batch: []outbound{
				msg("subscribe", map[string]string{"id": "a"}),
				msg("order", 1),
				msg("subscribe", map[string]string{"id": "b"}),
			},
			want: []string{
				`{"type":"subscribe","data":[{"id":"a"},{"id":"b"}],"batch":true}`,
				`{"type":"order","data":[1],"batch":true}`,
			},
		},
		{
			name: "symbol actions stay standalone",
			batch: []outbound{
				{action: &symbolAction{Action: "subscribe", Symbols: []string{"A"}}},
				{action: &symbolAction{Action: "subscribe", Symbols: []string{"B"}}},
				msg("ping", map[string]any{}),
			},
			want: []string{
				`{"action":"subscribe","symbols":["A"]}`,
				`{"action":"subscribe","symbols":["B"]}`,
				`{"type":"ping","data":[{}],"batch":true}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := encodeBatch(tt.batch)
			if err != nil {
				t.Fatalf("encodeBatch() error: %v", err)
			}
			if got := frameStrings(frames); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("frames = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeBatch_UnencodablePayload(t *testing.T) {
	_, err := encodeBatch([]outbound{msg("bad", make(chan int))})
	if err == nil {
		t.Fatal("expected error for unencodable payload")
	}
}
