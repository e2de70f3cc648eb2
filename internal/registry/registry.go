// Package registry is the Postgres access layer for sensor metadata. The
// alarm engine keeps its own store; this package serves ingestion and the
// cache tiers.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/microlink/mcs/internal/schema"
	"github.com/microlink/mcs/internal/sensorcache"
)

// Store wraps the shared *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle, used by tests with sqlmock-style fakes.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

const sensorColumns = `id, site_id, block_id, subsystem, tag, name, unit,
       range_min, range_max, equipment_tag, thresholds, deadband_pct, deadband_abs`

// SensorByKey fetches one sensor row. A missing row is
// sensorcache.ErrUnknownSensor so the cache can dead-letter instead of
// retrying.
func (s *Store) SensorByKey(ctx context.Context, key schema.SensorKey) (*schema.Sensor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sensorColumns+`
		  FROM sensors
		 WHERE site_id = $1 AND block_id = $2 AND subsystem = $3 AND tag = $4`,
		key.Site, key.Block, key.Subsystem, key.Tag)
	sensor, err := scanSensor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sensorcache.ErrUnknownSensor
	}
	if err != nil {
		return nil, fmt.Errorf("sensor lookup %s: %w", schema.TelemetryTopic(key), err)
	}
	return sensor, nil
}

// AllSensors loads the whole registry for cache warming.
func (s *Store) AllSensors(ctx context.Context) ([]schema.Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sensorColumns+` FROM sensors`)
	if err != nil {
		return nil, fmt.Errorf("load sensors: %w", err)
	}
	defer rows.Close()

	var out []schema.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		out = append(out, *sensor)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSensor(r rowScanner) (*schema.Sensor, error) {
	var (
		s            schema.Sensor
		thresholds   []byte
		deadbandAbs  sql.NullFloat64
		equipmentTag sql.NullString
	)
	err := r.Scan(&s.ID, &s.Key.Site, &s.Key.Block, &s.Key.Subsystem, &s.Key.Tag,
		&s.Name, &s.Unit, &s.RangeMin, &s.RangeMax, &equipmentTag,
		&thresholds, &s.DeadbandPct, &deadbandAbs)
	if err != nil {
		return nil, err
	}
	s.EquipmentTag = equipmentTag.String
	s.DeadbandAbs = deadbandAbs.Float64
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &s.Thresholds); err != nil {
			return nil, fmt.Errorf("thresholds for sensor %d: %w", s.ID, err)
		}
	}
	return &s, nil
}
