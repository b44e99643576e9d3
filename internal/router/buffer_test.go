package router

import (
	"sync"
	"testing"
	"time"
)

func TestGrowableBuffer_FIFO(t *testing.T) {
	buf := NewGrowableBuffer[int](4)

	for i := 0; i < 100; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	stats := buf.Stats()
	if stats.Count != 100 || stats.TotalReceived != 100 {
		t.Errorf("stats after sends = %+v, want count and received 100", stats)
	}
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3 resizes", stats.ResizeCount)
	}

	for i := 0; i < 100; i++ {
		got, ok := buf.TryReceive()
		if !ok || got != i {
			t.Fatalf("TryReceive() = %d, %v; want %d, true", got, ok, i)
		}
	}
	if _, ok := buf.TryReceive(); ok {
		t.Error("TryReceive on empty buffer returned true")
	}
	if got := buf.Stats().TotalSent; got != 100 {
		t.Errorf("TotalSent = %d, want 100", got)
	}
}

func TestGrowableBuffer_GrowthThreshold(t *testing.T) {
	tests := []struct {
		initial    int
		sends      int
		wantCap    int
		wantResize int
	}{
		{initial: 10, sends: 5, wantCap: 10, wantResize: 0},
		{initial: 10, sends: 7, wantCap: 20, wantResize: 1},
		{initial: 0, sends: 0, wantCap: 1, wantResize: 0},
		{initial: -5, sends: 1, wantCap: 2, wantResize: 1},
	}

	for _, tt := range tests {
		buf := NewGrowableBuffer[int](tt.initial)
		for i := 0; i < tt.sends; i++ {
			buf.Send(i)
		}
		if got := buf.Cap(); got != tt.wantCap {
			t.Errorf("initial %d, %d sends: Cap() = %d, want %d", tt.initial, tt.sends, got, tt.wantCap)
		}
		if got := buf.Stats().ResizeCount; got != tt.wantResize {
			t.Errorf("initial %d, %d sends: ResizeCount = %d, want %d", tt.initial, tt.sends, got, tt.wantResize)
		}
	}
}

func TestGrowableBuffer_GrowAfterWrap(t *testing.T) {
	buf := NewGrowableBuffer[int](5)

	buf.Send(1)
	buf.Send(2)
	buf.Send(3)
	buf.TryReceive()
	buf.TryReceive()

	for v := 4; v <= 8; v++ {
		buf.Send(v)
	}

	got := buf.DrainTo(0)
	want := []int{3, 4, 5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("DrainTo(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGrowableBuffer_DrainTo(t *testing.T) {
	buf := NewGrowableBuffer[string](8)
	if got := buf.DrainTo(3); got != nil {
		t.Errorf("DrainTo on empty buffer = %v, want nil", got)
	}

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		buf.Send(s)
	}

	first := buf.DrainTo(3)
	if len(first) != 3 || first[0] != "a" || first[2] != "c" {
		t.Errorf("DrainTo(3) = %v, want [a b c]", first)
	}
	rest := buf.DrainTo(0)
	if len(rest) != 2 || rest[0] != "d" || rest[1] != "e" {
		t.Errorf("DrainTo(0) = %v, want [d e]", rest)
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestGrowableBuffer_ReceiveBlocksUntilSend(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	got := make(chan int, 1)

	go func() {
		if v, ok := buf.Receive(); ok {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Send(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("Receive() = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Receive")
	}
}

func TestGrowableBuffer_CloseUnblocksReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	done := make(chan bool, 1)

	go func() {
		_, ok := buf.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestGrowableBuffer_ReceiveDrainsAfterClose(t *testing.T) {
	buf := NewGrowableBuffer[string](4)
	buf.Send("a")
	buf.Send("b")
	buf.Close()

	if buf.Send("c") {
		t.Error("Send should return false after Close")
	}
	for _, want := range []string{"a", "b"} {
		got, ok := buf.Receive()
		if !ok || got != want {
			t.Errorf("Receive() = %q, %v; want %q, true", got, ok, want)
		}
	}
	if _, ok := buf.Receive(); ok {
		t.Error("Receive should return false once closed and empty")
	}
	if got := buf.Stats().Dropped; got != 0 {
		t.Errorf("Dropped = %d, want 0 for sends after close", got)
	}
}

func TestBoundedBuffer_DropsWhenFull(t *testing.T) {
	buf := NewBoundedBuffer[int](2, 5)

	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false before limit", i)
		}
	}
	if buf.Send(5) || buf.Send(6) {
		t.Error("Send should return false while the limit is reached")
	}

	stats := buf.Stats()
	if stats.Dropped != 2 || stats.Count != 5 {
		t.Errorf("stats = %+v, want 2 dropped and 5 held", stats)
	}

	buf.TryReceive()
	if !buf.Send(7) {
		t.Error("Send should succeed after a receive frees space")
	}

	got := buf.DrainTo(0)
	want := []int{1, 2, 3, 4, 7}
	if len(got) != len(want) {
		t.Fatalf("DrainTo(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGrowableBuffer_ConcurrentProducers(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Send(base + i)
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			v, ok := buf.Receive()
			if !ok {
				return
			}
			seen[v] = true
		}
	}()

	wg.Wait()
	buf.Close()
	<-consumed

	if len(seen) != producers*perProducer {
		t.Errorf("received %d distinct items, want %d", len(seen), producers*perProducer)
	}
}
