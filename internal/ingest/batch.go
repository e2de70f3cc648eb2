// Package ingest turns cloud-broker telemetry into database rows: topic and
// payload validation, sensor resolution, batched bulk writes, a dead-letter
// table for everything rejected, and alarm-signal extraction onto the
// inbound Redis channel.
package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/microlink/mcs/internal/metrics"
	"github.com/microlink/mcs/internal/schema"
)

// Row is one telemetry record staged for bulk insert.
type Row struct {
	SensorID int64
	TS       time.Time
	Value    float64
	Quality  schema.Quality
	Seq      uint64
}

// Writer accumulates rows and flushes them in bulk. All flushes run on the
// Run goroutine; producers only stage rows through Add.
type Writer struct {
	maxRows   int
	maxAge    time.Duration
	highWater int
	timeout   time.Duration
	met       *metrics.IngestMetrics
	logger    *slog.Logger

	// insert performs the bulk write; production wires copyInsert, tests
	// substitute a recorder.
	insert func(ctx context.Context, rows []Row) error

	mu   sync.Mutex
	rows []Row

	flushNow chan struct{}
}

// NewWriter stages into db with pq COPY.
func NewWriter(db *sql.DB, maxRows, highWater int, maxAge, timeout time.Duration, met *metrics.IngestMetrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		maxRows:   maxRows,
		maxAge:    maxAge,
		highWater: highWater,
		timeout:   timeout,
		met:       met,
		logger:    logger,
		flushNow:  make(chan struct{}, 1),
	}
	w.insert = func(ctx context.Context, rows []Row) error { return copyInsert(ctx, db, rows) }
	return w
}

// Add stages one row. It reports false when the batch is at its high-water
// mark and the row was dropped.
func (w *Writer) Add(row Row) bool {
	w.mu.Lock()
	if len(w.rows) >= w.highWater {
		w.mu.Unlock()
		w.met.Overflow.Inc()
		return false
	}
	w.rows = append(w.rows, row)
	full := len(w.rows) >= w.maxRows
	w.mu.Unlock()

	if full {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
	return true
}

// Depth returns the number of staged rows.
func (w *Writer) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

// Run flushes on the age ticker and on size signals until ctx is cancelled,
// then performs the final flush.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.flushNow:
			w.Flush(ctx)
		}
	}
}

// Flush writes the staged snapshot in one bulk insert. A failed flush puts
// the rows back at the front so ordering survives the retry.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	snapshot := w.rows
	w.rows = nil
	w.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := time.Now()
	err := w.insert(insertCtx, snapshot)
	cancel()

	if err != nil {
		w.met.FlushErrors.Inc()
		w.logger.Error("telemetry flush failed, rows returned to batch", "rows", len(snapshot), "error", err)
		w.mu.Lock()
		w.rows = append(snapshot, w.rows...)
		dropped := len(w.rows) - w.highWater
		if dropped > 0 {
			// Oldest rows go first when the returned snapshot overflows the
			// high-water mark.
			w.rows = w.rows[dropped:]
		}
		w.mu.Unlock()
		if dropped > 0 {
			w.met.Overflow.Add(float64(dropped))
			w.logger.Warn("batch over high water after failed flush, oldest rows dropped", "dropped", dropped)
		}
		return
	}
	w.met.FlushRows.Observe(float64(len(snapshot)))
	w.met.FlushLatency.Observe(time.Since(start).Seconds())
}

// copyInsert bulk-loads rows with the Postgres COPY protocol.
func copyInsert(ctx context.Context, db *sql.DB, rows []Row) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("telemetry", "sensor_id", "ts", "value", "quality", "seq"))
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, copyArgs(r)...); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// copyArgs orders one row for the COPY statement. Quality is stored in its
// integer form.
func copyArgs(r Row) []interface{} {
	return []interface{}{r.SensorID, r.TS, r.Value, int(r.Quality), int64(r.Seq)}
}
