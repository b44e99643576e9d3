package writer

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

const insertPriceSQL = `
	INSERT INTO price_snapshots (symbol, price, change, change_percent, volume, last_update, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, last_update) DO NOTHING
`

type priceRow struct {
	Symbol        string
	Price         decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
	Volume        int64
	LastUpdate    time.Time
	ReceivedAt    time.Time
}

// PriceWriter stores every price snapshot the router publishes.
type PriceWriter struct {
	*batchWriter[priceRow]
	now func() time.Time
}

// NewPriceWriter creates a PriceWriter. db may be nil to discard rows.
func NewPriceWriter(cfg Config, db BatchSender, m *metrics.Metrics, logger *slog.Logger) *PriceWriter {
	return &PriceWriter{
		batchWriter: newBatchWriter("price", cfg, db, queuePrice, m, logger),
		now:         time.Now,
	}
}

// UpdatePrice implements router.PriceSink.
func (w *PriceWriter) UpdatePrice(symbol string, snap model.Snapshot) {
	w.enqueue(w.transform(symbol, snap))
}

func (w *PriceWriter) transform(symbol string, snap model.Snapshot) priceRow {
	now := w.now()
	last := snap.LastUpdate
	if last.IsZero() {
		last = now
	}
	return priceRow{
		Symbol:        symbol,
		Price:         snap.Price,
		Change:        snap.Change,
		ChangePercent: snap.ChangePercent,
		Volume:        snap.Volume,
		LastUpdate:    last.UTC(),
		ReceivedAt:    now.UTC(),
	}
}

func queuePrice(b *pgx.Batch, r priceRow) {
	b.Queue(insertPriceSQL, r.Symbol, r.Price, r.Change, r.ChangePercent, r.Volume, r.LastUpdate, r.ReceivedAt)
}
