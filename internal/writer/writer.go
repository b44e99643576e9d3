package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/router"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int           // Rows per insert batch. Default: 500
	FlushInterval time.Duration // Max time a row waits. Default: 1s
	BufferSize    int           // Initial input buffer capacity. Default: 1000
	MaxPending    int           // Rows held before new ones are dropped. Default: 50000
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    1000,
		MaxPending:    50000,
	}
}

// Stats contains writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// BatchSender is the part of *pgxpool.Pool the writers use.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// batchWriter owns the consume and flush loops shared by all writers.
// insert queues one statement per row and returns how many rows hit a
// conflict.
type batchWriter[T any] struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	db      BatchSender
	queue   func(b *pgx.Batch, row T)

	// Input from the router sinks
	input *router.GrowableBuffer[T]

	batch   []T
	batchMu sync.Mutex
	stats   Stats

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drained chan struct{} // closed when consumeLoop has emptied a closed input
}

func newBatchWriter[T any](name string, cfg Config, db BatchSender, queue func(*pgx.Batch, T), m *metrics.Metrics, logger *slog.Logger) *batchWriter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &batchWriter[T]{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("component", name+"_writer"),
		metrics: m,
		db:      db,
		queue:   queue,
		input:   router.NewBoundedBuffer[T](cfg.BufferSize, cfg.MaxPending),
		batch:   make([]T, 0, cfg.BatchSize),
		drained: make(chan struct{}),
	}
}

// Start begins consuming rows and writing to the database.
func (w *batchWriter[T]) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	if w.cfg.FlushInterval > 0 {
		w.wg.Add(1)
		go w.flushLoop()
	}

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the input, writes what is left and shuts down.
func (w *batchWriter[T]) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	// Closing lets consumeLoop drain the remaining rows before exiting.
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("writer stopped")
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	w.flush(ctx)

	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// Stats returns current counters.
func (w *batchWriter[T]) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	s := w.stats
	s.Dropped = w.input.Stats().Dropped
	return s
}

func (w *batchWriter[T]) enqueue(row T) {
	if !w.input.Send(row) {
		w.logger.Debug("row dropped", "pending", w.input.Len())
	}
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *batchWriter[T]) consumeLoop() {
	defer w.wg.Done()
	defer close(w.drained)

	for {
		row, ok := w.input.Receive()
		if !ok {
			return
		}
		w.add(row)
	}
}

// flushLoop periodically flushes the batch.
func (w *batchWriter[T]) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.drained:
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *batchWriter[T]) add(row T) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the database.
func (w *batchWriter[T]) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	rows := w.batch
	w.batch = make([]T, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		return
	}

	start := time.Now()

	conflicts, err := w.insert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.metrics.WriterFailed(w.name)
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	elapsed := time.Since(start)
	w.metrics.WriterFlushed(w.name, len(rows)-conflicts, elapsed.Seconds())

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(rows) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed rows",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", elapsed,
	)
}

// insert sends rows as one pgx.Batch.
func (w *batchWriter[T]) insert(ctx context.Context, rows []T) (conflicts int, err error) {
	b := &pgx.Batch{}
	for _, r := range rows {
		w.queue(b, r)
	}

	results := w.db.SendBatch(ctx, b)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
