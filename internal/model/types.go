package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the last known market state for one symbol.
type Snapshot struct {
	Symbol        string          `json:"symbol"`         // Upper-case ticker
	Price         decimal.Decimal `json:"price"`          // Last price
	Change        decimal.Decimal `json:"change"`         // Absolute change since previous close
	ChangePercent decimal.Decimal `json:"change_percent"` // Percentage change since previous close
	Volume        int64           `json:"volume"`         // Session volume
	LastUpdate    time.Time       `json:"last_update"`    // Server timestamp of the update
}

// IsZero reports whether s carries no data.
func (s Snapshot) IsZero() bool {
	return s.Symbol == "" && s.Price.IsZero() && s.Volume == 0 && s.LastUpdate.IsZero()
}

// PortfolioUpdate is a raw portfolio event as received from the stream.
type PortfolioUpdate struct {
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// Alert is a triggered alert forwarded to the notification sink.
type Alert struct {
	ID      string `json:"id,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

// NormalizeSymbol trims and upper-cases a ticker. Returns "" for blank input.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes a list of tickers, dropping blanks and duplicates
// while keeping first-seen order.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
