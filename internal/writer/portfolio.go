package writer

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

const insertPortfolioSQL = `
	INSERT INTO portfolio_updates (received_at, payload)
	VALUES ($1, $2)
`

type portfolioRow struct {
	ReceivedAt time.Time
	Payload    json.RawMessage
}

// PortfolioWriter appends raw portfolio payloads.
type PortfolioWriter struct {
	*batchWriter[portfolioRow]
}

// NewPortfolioWriter creates a PortfolioWriter. db may be nil to discard rows.
func NewPortfolioWriter(cfg Config, db BatchSender, m *metrics.Metrics, logger *slog.Logger) *PortfolioWriter {
	return &PortfolioWriter{
		batchWriter: newBatchWriter("portfolio", cfg, db, queuePortfolio, m, logger),
	}
}

// UpdatePortfolio implements router.PortfolioSink.
func (w *PortfolioWriter) UpdatePortfolio(u model.PortfolioUpdate) {
	if !json.Valid(u.Payload) {
		w.logger.Warn("skipping invalid portfolio payload", "bytes", len(u.Payload))
		return
	}
	received := u.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	w.enqueue(portfolioRow{ReceivedAt: received.UTC(), Payload: u.Payload})
}

func queuePortfolio(b *pgx.Batch, r portfolioRow) {
	// JSONB takes the text form.
	b.Queue(insertPortfolioSQL, r.ReceivedAt, string(r.Payload))
}
