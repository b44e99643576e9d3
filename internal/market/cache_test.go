package market

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

func snap(symbol, price string, volume int64) model.Snapshot {
	return model.Snapshot{
		Symbol:     symbol,
		Price:      decimal.RequireFromString(price),
		Volume:     volume,
		LastUpdate: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC),
	}
}

func TestCache_SetAndGet(t *testing.T) {
	c := NewCache()
	c.Set(snap("AAPL", "189.25", 1000))

	got, ok := c.Get("AAPL")
	if !ok {
		t.Fatal("AAPL not found")
	}
	if !got.Price.Equal(decimal.RequireFromString("189.25")) {
		t.Errorf("Price = %s, want 189.25", got.Price)
	}
	if got.Volume != 1000 {
		t.Errorf("Volume = %d, want 1000", got.Volume)
	}
}

func TestCache_Get_NotFound(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("NONEXISTENT"); ok {
		t.Error("expected symbol not found")
	}
}

func TestCache_LastWriteWins(t *testing.T) {
	c := NewCache()
	c.Set(snap("AAPL", "189.25", 1000))
	c.Set(snap("AAPL", "190.00", 1500))

	got, _ := c.Get("AAPL")
	if !got.Price.Equal(decimal.RequireFromString("190")) {
		t.Errorf("Price = %s, want 190", got.Price)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_NormalizesSymbol(t *testing.T) {
	c := NewCache()
	c.Set(snap(" aapl ", "1", 1))

	if _, ok := c.Get("AAPL"); !ok {
		t.Error("expected AAPL after setting lower-case symbol")
	}
	if _, ok := c.Get("aapl"); !ok {
		t.Error("expected lookup to normalize symbol")
	}

	c.Set(snap("  ", "1", 1))
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (blank symbol ignored)", c.Len())
	}
}

func TestCache_SetManyAndAll(t *testing.T) {
	c := NewCache()
	c.SetMany([]model.Snapshot{
		snap("MSFT", "410.10", 10),
		snap("AAPL", "189.25", 20),
		snap("", "0", 0),
	})

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d snapshots, want 2", len(all))
	}
	if all[0].Symbol != "AAPL" || all[1].Symbol != "MSFT" {
		t.Errorf("All() order = [%s %s], want [AAPL MSFT]", all[0].Symbol, all[1].Symbol)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(snap(fmt.Sprintf("SYM%d", n), "1", int64(j)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Get("SYM0")
				c.All()
			}
		}()
	}
	wg.Wait()

	if c.Len() != 8 {
		t.Errorf("Len() = %d, want 8", c.Len())
	}
}
