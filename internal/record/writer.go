// Package record persists merged market-data snapshots to Postgres in
// batches. It subscribes to the feed manager like any other consumer;
// backpressure drops snapshots rather than stalling the feed.
package record

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/algotrade/feedmux/internal/model"
)

// Config holds writer configuration.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row sits unflushed
	BufferSize    int           // Input channel capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts writer activity.
type Metrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64
}

// Writer batches snapshots into the snapshots table.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	input chan model.SymbolData

	batchMu     sync.Mutex
	batch       []snapshotRow
	metrics     Metrics
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a snapshot writer.
func NewWriter(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		db:     db,
		input:  make(chan model.SymbolData, cfg.BufferSize),
		batch:  make([]snapshotRow, 0, cfg.BatchSize),
	}
}

// Handle enqueues one snapshot. Never blocks: when the buffer is full
// the snapshot is dropped and counted, so a slow database cannot stall
// feed fan-out.
func (w *Writer) Handle(s model.SymbolData) {
	select {
	case w.input <- s:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming and flushing.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("snapshot writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains and shuts down.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping snapshot writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("snapshot writer stop timed out")
	}

	// Snapshots accepted by Handle before cancellation may still sit in
	// the input buffer; move them into the batch before the final flush.
	w.drainInput()
	w.flush()

	w.logger.Info("snapshot writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case s := <-w.input:
			row := transformSnapshot(s)

			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			shouldFlush := len(w.batch) >= w.cfg.BatchSize
			w.batchMu.Unlock()

			if shouldFlush {
				w.flush()
			}
		}
	}
}

// drainInput moves whatever remains in the input buffer into the batch.
// Only called after the consume loop has exited.
func (w *Writer) drainInput() {
	for {
		select {
		case s := <-w.input:
			row := transformSnapshot(s)
			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			w.batchMu.Unlock()
		default:
			return
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

const insertSnapshotSQL = `
INSERT INTO snapshots (
	symbol, exchange, ltp, open, high, low, close,
	change, change_percent, volume, oi,
	bid_price, ask_price, bid_size, ask_size,
	depth, last_update
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

// flush writes the accumulated batch in one round trip.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	rows := w.batch
	w.batch = make([]snapshotRow, 0, w.cfg.BatchSize)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSnapshotSQL,
			r.Symbol, r.Exchange, r.LTP, r.Open, r.High, r.Low, r.Close,
			r.Change, r.ChangePercent, r.Volume, r.OpenInterest,
			r.BidPrice, r.AskPrice, r.BidSize, r.AskSize,
			r.Depth, r.LastUpdate,
		)
	}

	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		// Final flush after Stop: use a bounded fresh context.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted, failed int64
	for range rows {
		if _, err := results.Exec(); err != nil {
			failed++
			w.logger.Warn("snapshot insert failed", "error", err)
			continue
		}
		inserted++
	}

	w.batchMu.Lock()
	w.metrics.Inserts += inserted
	w.metrics.Errors += failed
	w.batchMu.Unlock()

	w.logger.Debug("flushed snapshots", "inserted", inserted, "failed", failed)
}
