package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

// fakeDB records every batch and answers each Exec with the next result.
type fakeDB struct {
	mu       sync.Mutex
	batches  [][]*pgx.QueuedQuery
	affected []int64 // per-row rows affected; missing entries mean 1
	err      error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{db: f}
}

func (f *fakeDB) queries() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*pgx.QueuedQuery
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func (f *fakeDB) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeResults struct {
	db *fakeDB
	n  int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.err != nil {
		return pgconn.CommandTag{}, r.db.err
	}
	affected := int64(1)
	if r.n < len(r.db.affected) {
		affected = r.db.affected[r.n]
	}
	r.n++
	if affected == 0 {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func stop(t *testing.T, s interface{ Stop(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != time.Second {
		t.Errorf("FlushInterval = %v, want 1s", cfg.FlushInterval)
	}
}

func TestPriceWriter_Transform(t *testing.T) {
	now := time.Date(2024, 1, 15, 14, 30, 5, 0, time.UTC)
	w := NewPriceWriter(DefaultConfig(), nil, nil, nil)
	w.now = func() time.Time { return now }

	last := time.Date(2024, 1, 15, 14, 30, 0, 0, time.FixedZone("EST", -5*3600))
	snap := model.Snapshot{
		Symbol:        "AAPL",
		Price:         decimal.RequireFromString("189.25"),
		Change:        decimal.RequireFromString("-1.10"),
		ChangePercent: decimal.RequireFromString("-0.58"),
		Volume:        1200,
		LastUpdate:    last,
	}

	row := w.transform("AAPL", snap)

	if row.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", row.Symbol)
	}
	if !row.Price.Equal(snap.Price) || !row.Change.Equal(snap.Change) || !row.ChangePercent.Equal(snap.ChangePercent) {
		t.Errorf("prices = %s/%s/%s, want 189.25/-1.10/-0.58", row.Price, row.Change, row.ChangePercent)
	}
	if row.Volume != 1200 {
		t.Errorf("Volume = %d, want 1200", row.Volume)
	}
	if !row.LastUpdate.Equal(last) || row.LastUpdate.Location() != time.UTC {
		t.Errorf("LastUpdate = %v, want %v in UTC", row.LastUpdate, last)
	}
	if !row.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, now)
	}

	// Missing timestamp falls back to now.
	row = w.transform("MSFT", model.Snapshot{Symbol: "MSFT"})
	if !row.LastUpdate.Equal(now) {
		t.Errorf("LastUpdate = %v, want %v for zero timestamp", row.LastUpdate, now)
	}
}

func TestPriceWriter_Lifecycle(t *testing.T) {
	cfg := Config{BatchSize: 10, FlushInterval: 100 * time.Millisecond}
	w := NewPriceWriter(cfg, nil, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	stop(t, w)
}

func TestPriceWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	w := NewPriceWriter(Config{BatchSize: 3, FlushInterval: time.Hour}, db, m, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stop(t, w)

	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		w.UpdatePrice(sym, model.Snapshot{Symbol: sym, Price: decimal.NewFromInt(1), LastUpdate: time.Now()})
	}

	waitFor(t, "batch flush", func() bool { return db.batchCount() == 1 })

	qs := db.queries()
	if len(qs) != 3 {
		t.Fatalf("queued queries = %d, want 3", len(qs))
	}
	if qs[0].SQL != insertPriceSQL {
		t.Errorf("SQL = %q, want price insert", qs[0].SQL)
	}
	if got := qs[1].Arguments[0]; got != "MSFT" {
		t.Errorf("second row symbol = %v, want MSFT", got)
	}

	waitFor(t, "stats", func() bool { return w.Stats().Flushes == 1 })
	if s := w.Stats(); s.Inserts != 3 || s.Conflicts != 0 {
		t.Errorf("Stats() = %+v, want 3 inserts", s)
	}
	if v := testutil.ToFloat64(m.WriterRows.WithLabelValues("price")); v != 3 {
		t.Errorf("writer rows metric = %v, want 3", v)
	}
}

func TestPriceWriter_CountsConflicts(t *testing.T) {
	db := &fakeDB{affected: []int64{1, 0}}
	w := NewPriceWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts := time.Now()
	w.UpdatePrice("AAPL", model.Snapshot{Symbol: "AAPL", LastUpdate: ts})
	w.UpdatePrice("AAPL", model.Snapshot{Symbol: "AAPL", LastUpdate: ts})

	// Stop drains and flushes what is left.
	stop(t, w)

	s := w.Stats()
	if s.Inserts != 1 || s.Conflicts != 1 || s.Flushes != 1 {
		t.Errorf("Stats() = %+v, want 1 insert, 1 conflict, 1 flush", s)
	}
}

func TestPriceWriter_FlushInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewPriceWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stop(t, w)

	w.UpdatePrice("AAPL", model.Snapshot{Symbol: "AAPL", LastUpdate: time.Now()})

	waitFor(t, "timed flush", func() bool { return db.batchCount() == 1 })
}

func TestPriceWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	m := metrics.New(prometheus.NewRegistry())
	w := NewPriceWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, m, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stop(t, w)

	w.UpdatePrice("AAPL", model.Snapshot{Symbol: "AAPL"})

	waitFor(t, "error counted", func() bool { return w.Stats().Errors == 1 })
	if v := testutil.ToFloat64(m.WriterErrors.WithLabelValues("price")); v != 1 {
		t.Errorf("writer errors metric = %v, want 1", v)
	}
}

func TestPriceWriter_DropsWhenFull(t *testing.T) {
	w := NewPriceWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 2, MaxPending: 2}, nil, nil, nil)

	// Not started: nothing consumes, so the third row overflows.
	for i := 0; i < 3; i++ {
		w.UpdatePrice("AAPL", model.Snapshot{Symbol: "AAPL"})
	}
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestPortfolioWriter(t *testing.T) {
	db := &fakeDB{}
	w := NewPortfolioWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	received := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	w.UpdatePortfolio(model.PortfolioUpdate{ReceivedAt: received, Payload: []byte(`{"account":"acc-1"}`)})
	w.UpdatePortfolio(model.PortfolioUpdate{ReceivedAt: received, Payload: []byte(`{broken`)})

	stop(t, w)

	qs := db.queries()
	if len(qs) != 1 {
		t.Fatalf("queued queries = %d, want 1 (invalid payload skipped)", len(qs))
	}
	if qs[0].SQL != insertPortfolioSQL {
		t.Errorf("SQL = %q, want portfolio insert", qs[0].SQL)
	}
	if got, ok := qs[0].Arguments[0].(time.Time); !ok || !got.Equal(received) {
		t.Errorf("received_at arg = %v, want %v", qs[0].Arguments[0], received)
	}
	if got := qs[0].Arguments[1]; got != `{"account":"acc-1"}` {
		t.Errorf("payload arg = %v, want the raw JSON text", got)
	}
}
