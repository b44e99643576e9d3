package router

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
)

// Inbound message types with dedicated handling.
const (
	TypeMarketData      = "market_data"
	TypePriceUpdate     = "price_update"
	TypePortfolioUpdate = "portfolio_update"
	TypeAlertTriggered  = "alert_triggered"
	TypePong            = "pong"
)

// Config holds configuration for the inbound router.
type Config struct {
	// ThrottleWindow bounds market_data and unknown-type emissions to one
	// leading and one trailing delivery per window. Zero disables throttling.
	ThrottleWindow time.Duration // Default: 100ms

	InputBufferSize int // Initial capacity of the inbound buffer. Default: 1000
	MaxPending      int // Frames held before new ones are dropped. Default: 100000
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ThrottleWindow:  100 * time.Millisecond,
		InputBufferSize: 1000,
		MaxPending:      100000,
	}
}

// PriceSink receives coalesced per-symbol price state.
type PriceSink interface {
	UpdatePrice(symbol string, snap model.Snapshot)
}

// PortfolioSink receives portfolio updates as they arrive.
type PortfolioSink interface {
	UpdatePortfolio(update model.PortfolioUpdate)
}

// Sinks are the downstream collaborators the router delivers to.
// Nil entries are skipped.
type Sinks struct {
	Prices    []PriceSink
	Portfolio []PortfolioSink
	Notifier  connection.Notifier
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	Coalesced        int64
	UnknownMessages  int64
	Superseded       int64 // throttled snapshots skipped for a newer price_update
	Dropped          int64
	Input            BufferStats
}

// Wire types for JSON parsing

// envelope is the common frame shape: {"type": ..., "data": ...}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// quoteWire is one entry of a market_data array or a price_update payload.
type quoteWire struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	LastUpdate    string          `json:"last_update"`
}

// localTimestamp is the zone-less ISO form some producers emit.
const localTimestamp = "2006-01-02T15:04:05.999999999"

func (q quoteWire) snapshot(receivedAt time.Time) model.Snapshot {
	return model.Snapshot{
		Symbol:        model.NormalizeSymbol(q.Symbol),
		Price:         q.Price,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume.IntPart(),
		LastUpdate:    parseLastUpdate(q.LastUpdate, receivedAt),
	}
}

// parseLastUpdate accepts RFC 3339 or zone-less timestamps (read as UTC)
// and falls back to the receive time.
func parseLastUpdate(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(localTimestamp, s, time.UTC); err == nil {
		return t
	}
	return fallback
}
