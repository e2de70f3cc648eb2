package alarm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/microlink/mcs/internal/schema"
)

// Store persists alarm instances and the append-only audit trail. The
// engine writes through this interface so tests can run against a recorder.
type Store interface {
	// SaveInstance upserts the instance row keyed by its id.
	SaveInstance(ctx context.Context, inst *Instance) error
	// AppendAudit records one committed transition.
	AppendAudit(ctx context.Context, ev OutboundEvent) error
	// LoadOpen returns every instance not in CLEARED, for boot recovery.
	LoadOpen(ctx context.Context) ([]*Instance, error)
}

// SQLStore is the Postgres Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps the shared handle.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) SaveInstance(ctx context.Context, inst *Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (
			id, sensor_id, site_id, block_id, subsystem, tag,
			state, priority, level, value, threshold,
			raised_at, last_signal_at,
			acked_by, acked_at, shelved_by, shelved_until, shelve_reason,
			suppressed_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			priority = EXCLUDED.priority,
			level = EXCLUDED.level,
			value = EXCLUDED.value,
			threshold = EXCLUDED.threshold,
			last_signal_at = EXCLUDED.last_signal_at,
			acked_by = EXCLUDED.acked_by,
			acked_at = EXCLUDED.acked_at,
			shelved_by = EXCLUDED.shelved_by,
			shelved_until = EXCLUDED.shelved_until,
			shelve_reason = EXCLUDED.shelve_reason,
			suppressed_by = EXCLUDED.suppressed_by`,
		inst.ID, inst.SensorID, inst.Key.Site, inst.Key.Block, inst.Key.Subsystem, inst.Key.Tag,
		string(inst.State), inst.Priority.String(), string(inst.Level), inst.Value, inst.Threshold,
		inst.RaisedAt, inst.LastSignalAt,
		nullStr(inst.AckedBy), inst.AckedAt, nullStr(inst.ShelvedBy), inst.ShelvedUntil, nullStr(inst.ShelveReason),
		nullInt(inst.SuppressedBy))
	if err != nil {
		return fmt.Errorf("save alarm %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, ev OutboundEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarm_audit (
			ts, alarm_id, sensor_id, event, from_state, to_state,
			priority, value, threshold, operator, reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.TS, ev.AlarmID, ev.SensorID, string(ev.Event), string(ev.From), string(ev.To),
		ev.Priority.String(), ev.Value, ev.Threshold, nullStr(ev.Operator), nullStr(ev.Reason))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", ev.AlarmID, err)
	}
	return nil
}

func (s *SQLStore) LoadOpen(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sensor_id, site_id, block_id, subsystem, tag,
		       state, priority, level, value, threshold,
		       raised_at, last_signal_at,
		       acked_by, acked_at, shelved_by, shelved_until, shelve_reason,
		       suppressed_by
		  FROM alarms
		 WHERE state <> 'CLEARED'`)
	if err != nil {
		return nil, fmt.Errorf("load open alarms: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var (
			inst         Instance
			state        string
			priority     string
			level        string
			ackedBy      sql.NullString
			shelvedBy    sql.NullString
			shelveReason sql.NullString
			suppressedBy sql.NullInt64
		)
		err := rows.Scan(&inst.ID, &inst.SensorID,
			&inst.Key.Site, &inst.Key.Block, &inst.Key.Subsystem, &inst.Key.Tag,
			&state, &priority, &level, &inst.Value, &inst.Threshold,
			&inst.RaisedAt, &inst.LastSignalAt,
			&ackedBy, &inst.AckedAt, &shelvedBy, &inst.ShelvedUntil, &shelveReason,
			&suppressedBy)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		inst.State = State(state)
		p, perr := schema.ParsePriority(priority)
		if perr != nil {
			return nil, fmt.Errorf("alarm %s: %w", inst.ID, perr)
		}
		inst.Priority = p
		inst.Level = schema.ThresholdLevel(level)
		inst.AckedBy = ackedBy.String
		inst.ShelvedBy = shelvedBy.String
		inst.ShelveReason = shelveReason.String
		inst.SuppressedBy = suppressedBy.Int64
		inst.alarming = inst.State == StateActive || inst.State == StateAcked ||
			inst.State == StateShelved || inst.State == StateSuppressed
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
