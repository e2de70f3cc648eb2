package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/microlink/mcs/internal/metrics"
)

// Dead-letter categories.
const (
	CategoryTopicError    = "TOPIC_ERROR"
	CategoryParseError    = "PARSE_ERROR"
	CategorySensorUnknown = "SENSOR_UNKNOWN"
)

// DLQ writes rejected messages to the dead-letter table. Payloads are
// truncated so a hostile or broken publisher cannot bloat the table.
type DLQ struct {
	db         *sql.DB
	maxPayload int
	met        *metrics.IngestMetrics
	logger     *slog.Logger

	// insert is swappable for tests.
	insert func(ctx context.Context, topic string, payload []byte, category, reason string) error
}

// NewDLQ wraps the shared handle.
func NewDLQ(db *sql.DB, maxPayload int, met *metrics.IngestMetrics, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DLQ{db: db, maxPayload: maxPayload, met: met, logger: logger}
	d.insert = d.insertRow
	return d
}

// Write records one rejection. A failed dead-letter insert is logged and
// dropped; the DLQ never blocks the ingest path.
func (d *DLQ) Write(ctx context.Context, topic string, payload []byte, category, reason string) {
	if len(payload) > d.maxPayload {
		payload = payload[:d.maxPayload]
	}
	if err := d.insert(ctx, topic, payload, category, reason); err != nil {
		d.logger.Error("dead-letter insert failed", "topic", topic, "category", category, "error", err)
		return
	}
	d.met.DeadLettered.WithLabelValues(category).Inc()
}

func (d *DLQ) insertRow(ctx context.Context, topic string, payload []byte, category, reason string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dead_letter (topic, payload, category, reason, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		topic, payload, category, reason, time.Now().UTC())
	return err
}
